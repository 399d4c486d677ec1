//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

const (
	keyPrefixCheckpoint = "ckpt:"
	keyPrefixIndex      = "ckpt_ts:"
	keyPrefixWrites     = "writes:"
	keyPrefixThreadNS   = "thread_ns:"
)

const (
	fieldThreadID           = "thread_id"
	fieldCheckpointNS       = "checkpoint_ns"
	fieldCheckpointID       = "checkpoint_id"
	fieldParentCheckpointID = "parent_checkpoint_id"
	fieldTimestamp          = "ts"
	fieldCheckpointJSON     = "checkpoint_json"
	fieldMetadataJSON       = "metadata_json"
)

func checkpointKey(threadID, namespace, checkpointID string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefixCheckpoint, threadID, namespace, checkpointID)
}

// indexKey names the sorted set that orders a namespace's checkpoints by
// timestamp.
func indexKey(threadID, namespace string) string {
	if namespace == "" {
		return keyPrefixIndex + threadID
	}
	return fmt.Sprintf("%s%s:%s", keyPrefixIndex, threadID, namespace)
}

func writesKey(threadID, namespace, checkpointID string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefixWrites, threadID, namespace, checkpointID)
}

// threadNSKey names the set of namespaces a thread has touched, so
// DeleteThread can find subgraph checkpoints too.
func threadNSKey(threadID string) string {
	return keyPrefixThreadNS + threadID
}

// writeData is the stored form of one pending write. The value is encoded
// separately so the shared serializer controls its wire form.
type writeData struct {
	TaskID    string `json:"task_id"`
	Idx       int    `json:"idx"`
	Channel   string `json:"channel"`
	ValueJSON []byte `json:"value_json"`
	TaskPath  string `json:"task_path"`
	Seq       int64  `json:"seq"`
}

// Saver is a Redis-backed graph.CheckpointSaver.
type Saver struct {
	opts       Options
	client     redis.UniversalClient
	serializer graph.Serializer
	once       sync.Once
}

// NewSaver creates a Redis checkpoint saver. Either WithClient or
// WithClientURL must be given.
func NewSaver(options ...Option) (*Saver, error) {
	opts := defaultOptions
	for _, option := range options {
		option(&opts)
	}
	client := opts.client
	if client == nil {
		if opts.url == "" {
			return nil, errors.New("redis saver requires a client or a client URL")
		}
		redisOpts, err := redis.ParseURL(opts.url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(redisOpts)
	}
	return &Saver{
		opts:       opts,
		client:     client,
		serializer: graph.NewJSONSerializer(),
	}, nil
}

// Get retrieves a checkpoint by configuration.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple by configuration. An empty
// checkpoint_id resolves to the newest checkpoint of the thread and
// namespace; a missing checkpoint yields nil without error.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(config)
	checkpointID, err := s.resolveCheckpointID(ctx, threadID, namespace, graph.GetCheckpointID(config))
	if err != nil {
		return nil, err
	}
	if checkpointID == "" {
		return nil, nil
	}

	data, err := s.client.HGetAll(ctx, checkpointKey(threadID, namespace, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get checkpoint data: %w", err)
	}
	if len(data) == 0 {
		// The index can outlive an expired hash.
		return nil, nil
	}

	ckpt := &graph.Checkpoint{}
	if err := s.serializer.Unmarshal([]byte(data[fieldCheckpointJSON]), ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", checkpointID, err)
	}
	metadata := &graph.CheckpointMetadata{}
	if err := s.serializer.Unmarshal([]byte(data[fieldMetadataJSON]), metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata %s: %w", checkpointID, err)
	}
	writes, err := s.loadWrites(ctx, threadID, namespace, checkpointID)
	if err != nil {
		return nil, err
	}

	tuple := &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(threadID, checkpointID, namespace),
		Checkpoint:    ckpt,
		Metadata:      metadata,
		PendingWrites: writes,
	}
	if ckpt.ParentCheckpointID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, ckpt.ParentCheckpointID, namespace)
	}
	return tuple, nil
}

func (s *Saver) resolveCheckpointID(ctx context.Context, threadID, namespace, checkpointID string) (string, error) {
	if checkpointID != "" {
		return checkpointID, nil
	}
	members, err := s.client.ZRevRange(ctx, indexKey(threadID, namespace), 0, 0).Result()
	if err != nil {
		return "", fmt.Errorf("resolve latest checkpoint: %w", err)
	}
	if len(members) == 0 {
		return "", nil
	}
	return members[0], nil
}

// List retrieves checkpoints for the thread and namespace, newest first.
// The limit applies after filtering so the newest matches win.
func (s *Saver) List(
	ctx context.Context, config map[string]any, filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(config)

	checkpointIDs, err := s.indexedIDs(ctx, threadID, namespace, filter)
	if err != nil {
		return nil, err
	}
	var results []*graph.CheckpointTuple
	for _, checkpointID := range checkpointIDs {
		tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig(threadID, checkpointID, namespace))
		if err != nil {
			return nil, err
		}
		if tuple == nil {
			continue
		}
		if filter != nil && !matchesMetadata(tuple.Metadata, filter.Metadata) {
			continue
		}
		results = append(results, tuple)
		if filter != nil && filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// indexedIDs returns checkpoint IDs newest first, honoring the Before
// cutoff. An unknown cutoff matches nothing.
func (s *Saver) indexedIDs(
	ctx context.Context, threadID, namespace string, filter *graph.CheckpointFilter,
) ([]string, error) {
	key := indexKey(threadID, namespace)
	if filter != nil && filter.Before != nil {
		if beforeID := graph.GetCheckpointID(filter.Before); beforeID != "" {
			score, err := s.client.ZScore(ctx, key, beforeID).Result()
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("resolve cutoff: %w", err)
			}
			members, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
				Min: "-inf",
				Max: fmt.Sprintf("(%d", int64(score)),
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("range checkpoints: %w", err)
			}
			return members, nil
		}
	}
	members, err := s.client.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range checkpoints: %w", err)
	}
	return members, nil
}

// Put stores a checkpoint. Storing the same checkpoint ID again replaces
// it in place.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	threadID := graph.GetThreadID(req.Config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	if req.Checkpoint == nil {
		return nil, graph.ErrCheckpointNotFound
	}
	namespace := graph.GetNamespace(req.Config)

	pipe := s.client.TxPipeline()
	if err := s.pipeCheckpoint(ctx, pipe, threadID, namespace, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store checkpoint: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
}

// PutWrites stores task writes for an existing checkpoint. Slots are keyed
// by (task, index within the call), so retried persists overwrite rather
// than append.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" || checkpointID == "" {
		return graph.ErrThreadIDAndCheckpointIDRequired
	}
	namespace := graph.GetNamespace(req.Config)

	pipe := s.client.TxPipeline()
	for idx, w := range req.Writes {
		if err := s.pipeWrite(ctx, pipe, threadID, namespace, checkpointID, req.TaskID, idx, req.TaskPath, w); err != nil {
			return err
		}
	}
	pipe.Expire(ctx, writesKey(threadID, namespace, checkpointID), s.opts.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store writes: %w", err)
	}
	return nil
}

// PutFull stores a checkpoint together with its pending writes in one
// transaction, so a crash cannot leave the checkpoint visible without them.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	threadID := graph.GetThreadID(req.Config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	if req.Checkpoint == nil {
		return nil, graph.ErrCheckpointNotFound
	}
	namespace := graph.GetNamespace(req.Config)

	pipe := s.client.TxPipeline()
	if err := s.pipeCheckpoint(ctx, pipe, threadID, namespace, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}
	// Index writes per task so they land in the same slots PutWrites
	// would use.
	slots := make(map[string]int)
	for _, w := range req.PendingWrites {
		idx := slots[w.TaskID]
		slots[w.TaskID]++
		if err := s.pipeWrite(ctx, pipe, threadID, namespace, req.Checkpoint.ID, w.TaskID, idx, "", w); err != nil {
			return nil, err
		}
	}
	if len(req.PendingWrites) > 0 {
		pipe.Expire(ctx, writesKey(threadID, namespace, req.Checkpoint.ID), s.opts.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store checkpoint: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
}

// DeleteThread removes all checkpoints and writes of the thread across
// every namespace.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	namespaces, err := s.client.SMembers(ctx, threadNSKey(threadID)).Result()
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	pipe := s.client.Pipeline()
	for _, namespace := range namespaces {
		key := indexKey(threadID, namespace)
		members, err := s.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("list checkpoints: %w", err)
		}
		for _, checkpointID := range members {
			pipe.Del(ctx, checkpointKey(threadID, namespace, checkpointID))
			pipe.Del(ctx, writesKey(threadID, namespace, checkpointID))
		}
		pipe.Del(ctx, key)
	}
	pipe.Del(ctx, threadNSKey(threadID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Saver) Close() error {
	s.once.Do(func() {
		if s.client != nil {
			s.client.Close()
		}
	})
	return nil
}

// pipeCheckpoint queues the hash, the timestamp index and the namespace
// registry for one checkpoint, refreshing the TTL on each.
func (s *Saver) pipeCheckpoint(
	ctx context.Context, pipe redis.Pipeliner, threadID, namespace string,
	ckpt *graph.Checkpoint, metadata *graph.CheckpointMetadata,
) error {
	checkpointJSON, err := s.serializer.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if metadata == nil {
		metadata = graph.NewCheckpointMetadata(graph.CheckpointSourceUpdate, 0)
	}
	metadataJSON, err := s.serializer.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	ts := ckpt.Timestamp.UnixNano()
	if ckpt.Timestamp.IsZero() {
		ts = time.Now().UTC().UnixNano()
	}

	key := checkpointKey(threadID, namespace, ckpt.ID)
	pipe.HSet(ctx, key,
		fieldThreadID, threadID,
		fieldCheckpointNS, namespace,
		fieldCheckpointID, ckpt.ID,
		fieldParentCheckpointID, ckpt.ParentCheckpointID,
		fieldTimestamp, ts,
		fieldCheckpointJSON, checkpointJSON,
		fieldMetadataJSON, metadataJSON,
	)
	pipe.Expire(ctx, key, s.opts.ttl)

	index := indexKey(threadID, namespace)
	pipe.ZAdd(ctx, index, redis.Z{Score: float64(ts), Member: ckpt.ID})
	pipe.Expire(ctx, index, s.opts.ttl)

	registry := threadNSKey(threadID)
	pipe.SAdd(ctx, registry, namespace)
	pipe.Expire(ctx, registry, s.opts.ttl)
	return nil
}

func (s *Saver) pipeWrite(
	ctx context.Context, pipe redis.Pipeliner, threadID, namespace, checkpointID, taskID string,
	idx int, taskPath string, w graph.PendingWrite,
) error {
	valueJSON, err := s.serializer.Marshal(w.Value)
	if err != nil {
		return fmt.Errorf("marshal write value: %w", err)
	}
	data, err := json.Marshal(writeData{
		TaskID:    taskID,
		Idx:       idx,
		Channel:   w.Channel,
		ValueJSON: valueJSON,
		TaskPath:  taskPath,
		Seq:       w.Sequence,
	})
	if err != nil {
		return fmt.Errorf("marshal write: %w", err)
	}
	field := fmt.Sprintf("%s:%d", taskID, idx)
	pipe.HSet(ctx, writesKey(threadID, namespace, checkpointID), field, data)
	return nil
}

func (s *Saver) loadWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]graph.PendingWrite, error) {
	fields, err := s.client.HGetAll(ctx, writesKey(threadID, namespace, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get writes: %w", err)
	}
	type slot struct {
		write graph.PendingWrite
		idx   int
	}
	var slots []slot
	for field, raw := range fields {
		var data writeData
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			log.Warnf("skip corrupt write %s on checkpoint %s: %v", field, checkpointID, err)
			continue
		}
		var value any
		if err := s.serializer.Unmarshal(data.ValueJSON, &value); err != nil {
			log.Warnf("skip corrupt write value %s on checkpoint %s: %v", field, checkpointID, err)
			continue
		}
		slots = append(slots, slot{
			write: graph.PendingWrite{
				TaskID:   data.TaskID,
				Channel:  data.Channel,
				Value:    value,
				Sequence: data.Seq,
			},
			idx: data.Idx,
		})
	}
	sort.Slice(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if a.write.Sequence != b.write.Sequence {
			return a.write.Sequence < b.write.Sequence
		}
		if a.write.TaskID != b.write.TaskID {
			return a.write.TaskID < b.write.TaskID
		}
		return a.idx < b.idx
	})
	writes := make([]graph.PendingWrite, 0, len(slots))
	for _, sl := range slots {
		writes = append(writes, sl.write)
	}
	if len(writes) == 0 {
		return nil, nil
	}
	return writes, nil
}

func matchesMetadata(md *graph.CheckpointMetadata, want map[string]any) bool {
	if len(want) == 0 {
		return true
	}
	if md == nil {
		return false
	}
	for key, value := range want {
		switch key {
		case "source":
			if md.Source != value {
				return false
			}
		case "step":
			if step, ok := value.(int); !ok || md.Step != step {
				return false
			}
		default:
			if md.Extra == nil || md.Extra[key] != value {
				return false
			}
		}
	}
	return true
}
