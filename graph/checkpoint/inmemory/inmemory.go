//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory implements the checkpoint saver on process memory.
// It serves tests and single-process development; nothing survives a
// restart.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// writeKey addresses one persisted write. Re-persisting the same task's
// writes overwrites the same slots instead of duplicating them.
type writeKey struct {
	taskID string
	index  int
}

// thread holds the checkpoints of one (thread, namespace) pair.
type thread struct {
	tuples map[string]*graph.CheckpointTuple
	writes map[string]map[writeKey]graph.PendingWrite
}

func newThread() *thread {
	return &thread{
		tuples: make(map[string]*graph.CheckpointTuple),
		writes: make(map[string]map[writeKey]graph.PendingWrite),
	}
}

// Saver is an in-memory graph.CheckpointSaver.
type Saver struct {
	mu             sync.RWMutex
	threads        map[string]map[string]*thread
	maxCheckpoints int
}

// Option configures the saver.
type Option func(*Saver)

// WithMaxCheckpoints caps the checkpoints kept per thread and namespace.
// The oldest fall off first.
func WithMaxCheckpoints(max int) Option {
	return func(s *Saver) {
		s.maxCheckpoints = max
	}
}

// NewSaver creates an in-memory checkpoint saver.
func NewSaver(opts ...Option) *Saver {
	s := &Saver{
		threads:        make(map[string]map[string]*thread),
		maxCheckpoints: graph.DefaultMaxCheckpointsPerThread,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves a checkpoint by configuration.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple: the pinned checkpoint when the
// config names one, the newest in the namespace otherwise. A missing
// checkpoint returns nil, not an error.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	t := s.thread(threadID, graph.GetNamespace(config))
	if t == nil {
		return nil, nil
	}
	checkpointID := graph.GetCheckpointID(config)
	if checkpointID == "" {
		latest := latestTuple(t.tuples)
		if latest == nil {
			return nil, nil
		}
		checkpointID = latest.Checkpoint.ID
	}
	tuple, ok := t.tuples[checkpointID]
	if !ok {
		return nil, nil
	}
	return t.export(tuple), nil
}

// List retrieves the namespace's checkpoints newest first, honoring the
// filter's Before, Metadata, and Limit fields.
func (s *Saver) List(
	ctx context.Context, config map[string]any, filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	t := s.thread(threadID, graph.GetNamespace(config))
	if t == nil {
		return nil, nil
	}

	var cutoff *graph.Checkpoint
	if filter != nil && filter.Before != nil {
		if beforeID := graph.GetCheckpointID(filter.Before); beforeID != "" {
			before, ok := t.tuples[beforeID]
			if !ok {
				return nil, nil
			}
			cutoff = before.Checkpoint
		}
	}

	var results []*graph.CheckpointTuple
	for _, tuple := range t.tuples {
		if cutoff != nil && !tuple.Checkpoint.Timestamp.Before(cutoff.Timestamp) {
			continue
		}
		if filter != nil && !matchesMetadata(tuple.Metadata, filter.Metadata) {
			continue
		}
		results = append(results, t.export(tuple))
	}
	sort.Slice(results, func(i, j int) bool {
		ti, tj := results[i].Checkpoint, results[j].Checkpoint
		if !ti.Timestamp.Equal(tj.Timestamp) {
			return ti.Timestamp.After(tj.Timestamp)
		}
		return ti.ID > tj.ID
	})
	if filter != nil && filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Put stores a checkpoint. Storing the same checkpoint ID again replaces
// it in place.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(req.Config, req.Checkpoint, req.Metadata)
}

// PutWrites stores task writes keyed by (checkpoint, task, index), so a
// re-run task overwrites its own writes.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID := graph.GetThreadID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" || checkpointID == "" {
		return graph.ErrThreadIDAndCheckpointIDRequired
	}
	t := s.ensureThread(threadID, graph.GetNamespace(req.Config))
	t.putWrites(checkpointID, req.TaskID, req.Writes)
	return nil
}

// PutFull stores a checkpoint together with its pending writes. In memory
// the two land under one lock, which is as atomic as it gets.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	config, err := s.store(req.Config, req.Checkpoint, req.Metadata)
	if err != nil {
		return nil, err
	}
	if len(req.PendingWrites) > 0 {
		t := s.ensureThread(graph.GetThreadID(req.Config), graph.GetNamespace(req.Config))
		byTask := make(map[string][]graph.PendingWrite)
		for _, w := range req.PendingWrites {
			byTask[w.TaskID] = append(byTask[w.TaskID], w)
		}
		for taskID, writes := range byTask {
			t.putWrites(req.Checkpoint.ID, taskID, writes)
		}
	}
	return config, nil
}

// DeleteThread removes every checkpoint of a thread across namespaces.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// Close drops all stored data.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string]map[string]*thread)
	return nil
}

func (s *Saver) thread(threadID, namespace string) *thread {
	namespaces, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	return namespaces[namespace]
}

func (s *Saver) ensureThread(threadID, namespace string) *thread {
	namespaces, ok := s.threads[threadID]
	if !ok {
		namespaces = make(map[string]*thread)
		s.threads[threadID] = namespaces
	}
	t, ok := namespaces[namespace]
	if !ok {
		t = newThread()
		namespaces[namespace] = t
	}
	return t
}

func (s *Saver) store(
	config map[string]any, ckpt *graph.Checkpoint, metadata *graph.CheckpointMetadata,
) (map[string]any, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	if ckpt == nil {
		return nil, graph.ErrCheckpointNotFound
	}
	namespace := graph.GetNamespace(config)
	t := s.ensureThread(threadID, namespace)

	stored := graph.CreateCheckpointConfig(threadID, ckpt.ID, namespace)
	tuple := &graph.CheckpointTuple{
		Config:     stored,
		Checkpoint: ckpt.Copy(),
		Metadata:   metadata,
	}
	if ckpt.ParentCheckpointID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, ckpt.ParentCheckpointID, namespace)
	}
	t.tuples[ckpt.ID] = tuple
	s.evict(t)
	return stored, nil
}

// evict drops the oldest checkpoints once the namespace exceeds the cap.
func (s *Saver) evict(t *thread) {
	if s.maxCheckpoints <= 0 || len(t.tuples) <= s.maxCheckpoints {
		return
	}
	ids := make([]string, 0, len(t.tuples))
	for id := range t.tuples {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := t.tuples[ids[i]].Checkpoint, t.tuples[ids[j]].Checkpoint
		if !ti.Timestamp.Equal(tj.Timestamp) {
			return ti.Timestamp.Before(tj.Timestamp)
		}
		return ti.ID < tj.ID
	})
	for _, id := range ids[:len(ids)-s.maxCheckpoints] {
		delete(t.tuples, id)
		delete(t.writes, id)
	}
}

func (t *thread) putWrites(checkpointID, taskID string, writes []graph.PendingWrite) {
	slots, ok := t.writes[checkpointID]
	if !ok {
		slots = make(map[writeKey]graph.PendingWrite)
		t.writes[checkpointID] = slots
	}
	for i, w := range writes {
		slots[writeKey{taskID: taskID, index: i}] = w
	}
}

// export copies a stored tuple, attaching its writes in sequence order.
func (t *thread) export(tuple *graph.CheckpointTuple) *graph.CheckpointTuple {
	out := &graph.CheckpointTuple{
		Config:       tuple.Config,
		Checkpoint:   tuple.Checkpoint.Copy(),
		Metadata:     tuple.Metadata,
		ParentConfig: tuple.ParentConfig,
	}
	if slots, ok := t.writes[tuple.Checkpoint.ID]; ok && len(slots) > 0 {
		out.PendingWrites = make([]graph.PendingWrite, 0, len(slots))
		for _, w := range slots {
			out.PendingWrites = append(out.PendingWrites, w)
		}
		sort.Slice(out.PendingWrites, func(i, j int) bool {
			return out.PendingWrites[i].Sequence < out.PendingWrites[j].Sequence
		})
	}
	return out
}

func latestTuple(tuples map[string]*graph.CheckpointTuple) *graph.CheckpointTuple {
	var latest *graph.CheckpointTuple
	for _, tuple := range tuples {
		if latest == nil {
			latest = tuple
			continue
		}
		ti, tl := tuple.Checkpoint, latest.Checkpoint
		if ti.Timestamp.After(tl.Timestamp) ||
			(ti.Timestamp.Equal(tl.Timestamp) && ti.ID > tl.ID) {
			latest = tuple
		}
	}
	return latest
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
