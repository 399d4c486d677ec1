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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, "redis://" + mr.Addr()
}

func newTestSaver(t *testing.T, opts ...Option) *Saver {
	t.Helper()
	_, url := setupTestRedis(t)
	saver, err := NewSaver(append([]Option{WithClientURL(url)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { saver.Close() })
	return saver
}

func putCheckpoint(t *testing.T, saver *Saver, threadID string, values map[string]any, step int) (*graph.Checkpoint, map[string]any) {
	t.Helper()
	ckpt := graph.NewCheckpoint(values, map[string]int64{"counter": int64(step + 1)}, nil)
	metadata := graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, step)
	cfg, err := saver.Put(context.Background(), graph.PutRequest{
		Config:     graph.CreateCheckpointConfig(threadID, "", ""),
		Checkpoint: ckpt,
		Metadata:   metadata,
	})
	require.NoError(t, err)
	return ckpt, cfg
}

func TestNewSaverRequiresTarget(t *testing.T) {
	saver, err := NewSaver()
	require.Error(t, err)
	assert.Nil(t, saver)

	saver, err = NewSaver(WithClientURL("not a url"))
	require.Error(t, err)
	assert.Nil(t, saver)
}

func TestSaverPutGet(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	ckpt, cfg := putCheckpoint(t, saver, "thread-1", map[string]any{"counter": 1}, 0)
	require.Equal(t, ckpt.ID, graph.GetCheckpointID(cfg))

	retrieved, err := saver.Get(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.Equal(t, ckpt.ID, retrieved.ID)
	// Values round-trip through the serializer, so numbers come back as
	// json.Number.
	assert.Equal(t, json.Number("1"), retrieved.ChannelValues["counter"])
	assert.Equal(t, int64(1), retrieved.ChannelVersions["counter"])

	// An empty checkpoint_id resolves to the newest checkpoint.
	time.Sleep(time.Millisecond)
	second, _ := putCheckpoint(t, saver, "thread-1", map[string]any{"counter": 2}, 1)
	tuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("thread-1", "", ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, second.ID, tuple.Checkpoint.ID)
	require.NotNil(t, tuple.Metadata)
	assert.Equal(t, graph.CheckpointSourceLoop, tuple.Metadata.Source)
	assert.Equal(t, 1, tuple.Metadata.Step)

	// Unknown checkpoints and threads yield nil without error.
	missing, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("thread-1", "no-such-id", ""))
	require.NoError(t, err)
	assert.Nil(t, missing)
	missing, err = saver.GetTuple(ctx, graph.CreateCheckpointConfig("no-such-thread", "", ""))
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = saver.GetTuple(ctx, map[string]any{})
	assert.ErrorIs(t, err, graph.ErrThreadIDRequired)
}

func TestSaverParentConfig(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	parent, _ := putCheckpoint(t, saver, "thread-1", map[string]any{"counter": 1}, 0)
	child := graph.NewCheckpoint(map[string]any{"counter": 2}, map[string]int64{"counter": 2}, nil)
	child.ParentCheckpointID = parent.ID
	_, err := saver.Put(ctx, graph.PutRequest{
		Config:     graph.CreateCheckpointConfig("thread-1", "", ""),
		Checkpoint: child,
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 1),
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("thread-1", child.ID, ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.NotNil(t, tuple.ParentConfig)
	assert.Equal(t, parent.ID, graph.GetCheckpointID(tuple.ParentConfig))

	// No parent means no parent config.
	rootTuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("thread-1", parent.ID, ""))
	require.NoError(t, err)
	require.NotNil(t, rootTuple)
	assert.Nil(t, rootTuple.ParentConfig)
}

func TestSaverList(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ckpt, _ := putCheckpoint(t, saver, "thread-1", map[string]any{"counter": i}, i)
		ids = append(ids, ckpt.ID)
		time.Sleep(time.Millisecond)
	}

	cfg := graph.CreateCheckpointConfig("thread-1", "", "")
	tuples, err := saver.List(ctx, cfg, nil)
	require.NoError(t, err)
	require.Len(t, tuples, 5)
	// Newest first.
	for i, tuple := range tuples {
		assert.Equal(t, ids[len(ids)-1-i], tuple.Checkpoint.ID)
	}

	// The limit keeps the newest entries.
	limited, err := saver.List(ctx, cfg, &graph.CheckpointFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[4], limited[0].Checkpoint.ID)
	assert.Equal(t, ids[3], limited[1].Checkpoint.ID)

	// Before excludes the named checkpoint and everything after it.
	before, err := saver.List(ctx, cfg, &graph.CheckpointFilter{
		Before: graph.CreateCheckpointConfig("thread-1", ids[2], ""),
	})
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, ids[1], before[0].Checkpoint.ID)
	assert.Equal(t, ids[0], before[1].Checkpoint.ID)

	// An unknown cutoff matches nothing.
	none, err := saver.List(ctx, cfg, &graph.CheckpointFilter{
		Before: graph.CreateCheckpointConfig("thread-1", "no-such-id", ""),
	})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = saver.List(ctx, map[string]any{}, nil)
	assert.ErrorIs(t, err, graph.ErrThreadIDRequired)
}

func TestSaverListMetadataFilter(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ckpt := graph.NewCheckpoint(map[string]any{"counter": i}, nil, nil)
		metadata := graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, i)
		if i == 1 {
			metadata.Extra["review"] = "approved"
		}
		_, err := saver.Put(ctx, graph.PutRequest{
			Config:     graph.CreateCheckpointConfig("thread-1", "", ""),
			Checkpoint: ckpt,
			Metadata:   metadata,
		})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	cfg := graph.CreateCheckpointConfig("thread-1", "", "")
	approved, err := saver.List(ctx, cfg, &graph.CheckpointFilter{
		Metadata: map[string]any{"review": "approved"},
	})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, 1, approved[0].Metadata.Step)

	// source and step address the metadata struct itself, not Extra.
	stepTwo, err := saver.List(ctx, cfg, &graph.CheckpointFilter{
		Metadata: map[string]any{"source": graph.CheckpointSourceLoop, "step": 2},
	})
	require.NoError(t, err)
	require.Len(t, stepTwo, 1)
	assert.Equal(t, 2, stepTwo[0].Metadata.Step)

	rejected, err := saver.List(ctx, cfg, &graph.CheckpointFilter{
		Metadata: map[string]any{"review": "rejected"},
	})
	require.NoError(t, err)
	assert.Empty(t, rejected)
}

func TestSaverPutWrites(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	ckpt, cfg := putCheckpoint(t, saver, "thread-1", map[string]any{"counter": 1}, 0)

	err := saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: cfg,
		TaskID: "task-a",
		Writes: []graph.PendingWrite{
			{TaskID: "task-a", Channel: "counter", Value: 1, Sequence: 1},
			{TaskID: "task-a", Channel: "log", Value: "first", Sequence: 2},
		},
	})
	require.NoError(t, err)

	// Re-persisting the same task overwrites its slots instead of
	// appending.
	err = saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: cfg,
		TaskID: "task-a",
		Writes: []graph.PendingWrite{
			{TaskID: "task-a", Channel: "counter", Value: 3, Sequence: 3},
			{TaskID: "task-a", Channel: "log", Value: "retried", Sequence: 4},
		},
	})
	require.NoError(t, err)

	err = saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: cfg,
		TaskID: "task-b",
		Writes: []graph.PendingWrite{
			{TaskID: "task-b", Channel: "log", Value: "second", Sequence: 5},
		},
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("thread-1", ckpt.ID, ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Len(t, tuple.PendingWrites, 3)
	// Ordered by sequence. Values round-trip through the serializer.
	assert.Equal(t, "task-a", tuple.PendingWrites[0].TaskID)
	assert.Equal(t, json.Number("3"), tuple.PendingWrites[0].Value)
	assert.Equal(t, "retried", tuple.PendingWrites[1].Value)
	assert.Equal(t, "task-b", tuple.PendingWrites[2].TaskID)
	assert.Equal(t, "second", tuple.PendingWrites[2].Value)

	err = saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: graph.CreateCheckpointConfig("thread-1", "", ""),
		TaskID: "task-a",
	})
	assert.ErrorIs(t, err, graph.ErrThreadIDAndCheckpointIDRequired)
}

func TestSaverPutFull(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	ckpt := graph.NewCheckpoint(map[string]any{"counter": 7}, map[string]int64{"counter": 3}, nil)
	ckpt.InterruptState = &graph.InterruptState{
		NodeID:         "approve",
		TaskID:         "task-a",
		InterruptValue: "waiting for review",
		Step:           3,
	}
	cfg, err := saver.PutFull(ctx, graph.PutFullRequest{
		Config:     graph.CreateCheckpointConfig("thread-1", ckpt.ID, ""),
		Checkpoint: ckpt,
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 2),
		PendingWrites: []graph.PendingWrite{
			{TaskID: "task-a", Channel: "counter", Value: 7, Sequence: 1},
			{TaskID: "task-b", Channel: "blob", Value: []byte("raw"), Sequence: 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ckpt.ID, graph.GetCheckpointID(cfg))

	tuple, err := saver.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, json.Number("7"), tuple.Checkpoint.ChannelValues["counter"])
	require.NotNil(t, tuple.Checkpoint.InterruptState)
	assert.Equal(t, "approve", tuple.Checkpoint.InterruptState.NodeID)
	assert.Equal(t, "waiting for review", tuple.Checkpoint.InterruptState.InterruptValue)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, json.Number("7"), tuple.PendingWrites[0].Value)
	// Byte slices survive the round trip as bytes, not base64 strings.
	assert.Equal(t, []byte("raw"), tuple.PendingWrites[1].Value)
	assert.Equal(t, int64(2), tuple.PendingWrites[1].Sequence)
}

func TestSaverNamespaceIsolation(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	root := graph.NewCheckpoint(map[string]any{"stage": "root"}, nil, nil)
	_, err := saver.Put(ctx, graph.PutRequest{
		Config:     graph.CreateCheckpointConfig("thread-1", "", ""),
		Checkpoint: root,
	})
	require.NoError(t, err)

	sub := graph.NewCheckpoint(map[string]any{"stage": "sub"}, nil, nil)
	_, err = saver.Put(ctx, graph.PutRequest{
		Config:     graph.CreateCheckpointConfig("thread-1", "", "worker"),
		Checkpoint: sub,
	})
	require.NoError(t, err)

	rootTuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("thread-1", "", ""))
	require.NoError(t, err)
	require.NotNil(t, rootTuple)
	assert.Equal(t, root.ID, rootTuple.Checkpoint.ID)

	subTuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("thread-1", "", "worker"))
	require.NoError(t, err)
	require.NotNil(t, subTuple)
	assert.Equal(t, sub.ID, subTuple.Checkpoint.ID)

	rootList, err := saver.List(ctx, graph.CreateCheckpointConfig("thread-1", "", ""), nil)
	require.NoError(t, err)
	require.Len(t, rootList, 1)
}

func TestSaverDeleteThread(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	// Spread thread-1 over the root and a subgraph namespace.
	ckpt1, cfg1 := putCheckpoint(t, saver, "thread-1", map[string]any{"counter": 1}, 0)
	require.NoError(t, saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: cfg1,
		TaskID: "task-a",
		Writes: []graph.PendingWrite{{TaskID: "task-a", Channel: "counter", Value: 1}},
	}))
	sub := graph.NewCheckpoint(map[string]any{"stage": "sub"}, nil, nil)
	_, err := saver.Put(ctx, graph.PutRequest{
		Config:     graph.CreateCheckpointConfig("thread-1", "", "worker"),
		Checkpoint: sub,
	})
	require.NoError(t, err)
	ckpt2, _ := putCheckpoint(t, saver, "thread-2", map[string]any{"counter": 2}, 0)

	require.NoError(t, saver.DeleteThread(ctx, "thread-1"))

	gone, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("thread-1", ckpt1.ID, ""))
	require.NoError(t, err)
	assert.Nil(t, gone)
	gone, err = saver.GetTuple(ctx, graph.CreateCheckpointConfig("thread-1", sub.ID, "worker"))
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("thread-2", ckpt2.ID, ""))
	require.NoError(t, err)
	require.NotNil(t, kept)

	assert.ErrorIs(t, saver.DeleteThread(ctx, ""), graph.ErrThreadIDRequired)
}

func TestSaverTTLExpiry(t *testing.T) {
	mr, url := setupTestRedis(t)
	saver, err := NewSaver(WithClientURL(url), WithTTL(time.Minute))
	require.NoError(t, err)
	defer saver.Close()
	ctx := context.Background()

	ckpt, cfg := putCheckpoint(t, saver, "thread-1", map[string]any{"counter": 1}, 0)
	tuple, err := saver.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, tuple)

	// Idle threads age out once the TTL elapses.
	mr.FastForward(2 * time.Minute)

	expired, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("thread-1", ckpt.ID, ""))
	require.NoError(t, err)
	assert.Nil(t, expired)
}

func TestSaverClose(t *testing.T) {
	saver := newTestSaver(t)
	require.NoError(t, saver.Close())
	// Close is idempotent.
	require.NoError(t, saver.Close())

	_, err := saver.GetTuple(context.Background(), graph.CreateCheckpointConfig("thread-1", "", ""))
	assert.Error(t, err)
}
