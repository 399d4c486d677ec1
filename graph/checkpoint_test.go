//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
)

func TestCheckpointCopyDetaches(t *testing.T) {
	ckpt := graph.NewCheckpoint(
		map[string]any{"topic": "news", "items": []any{"a"}},
		map[string]int64{"topic": 2},
		map[string]map[string]int64{"reader": {"topic": 2}},
	)
	ckpt.InterruptState = &graph.InterruptState{NodeID: "reader", InterruptValue: "why?"}

	copied := ckpt.Copy()
	assert.Equal(t, ckpt.ID, copied.ID)
	assert.Equal(t, ckpt.Timestamp, copied.Timestamp)

	ckpt.ChannelValues["topic"] = "mutated"
	ckpt.ChannelValues["items"].([]any)[0] = "mutated"
	ckpt.ChannelVersions["topic"] = 99
	ckpt.VersionsSeen["reader"]["topic"] = 99
	ckpt.InterruptState.NodeID = "mutated"

	assert.Equal(t, "news", copied.ChannelValues["topic"])
	assert.Equal(t, []any{"a"}, copied.ChannelValues["items"])
	assert.Equal(t, int64(2), copied.ChannelVersions["topic"])
	assert.Equal(t, int64(2), copied.VersionsSeen["reader"]["topic"])
	assert.Equal(t, "reader", copied.InterruptState.NodeID)
}

func TestCheckpointFork(t *testing.T) {
	ckpt := graph.NewCheckpoint(map[string]any{"topic": "news"}, nil, nil)
	forked := ckpt.Fork()

	assert.NotEqual(t, ckpt.ID, forked.ID)
	assert.Equal(t, ckpt.ID, forked.ParentCheckpointID)
	assert.Equal(t, "news", forked.ChannelValues["topic"])
	assert.False(t, forked.Timestamp.Before(ckpt.Timestamp))
}

func TestCheckpointConfigBuilder(t *testing.T) {
	cfg := graph.NewCheckpointConfig("thread-9").
		WithCheckpointID("ckpt-1").
		WithNamespace("agent").
		WithResumeMap(map[string]any{"confirm": true}).
		WithExtra("tenant", "acme").
		ToMap()

	assert.Equal(t, "thread-9", graph.GetThreadID(cfg))
	assert.Equal(t, "ckpt-1", graph.GetCheckpointID(cfg))
	assert.Equal(t, "agent", graph.GetNamespace(cfg))
	assert.Equal(t, map[string]any{"confirm": true}, graph.GetResumeMap(cfg))
	assert.Equal(t, "acme", cfg["tenant"])

	// An unset checkpoint ID stays absent so savers read "latest".
	bare := graph.CreateCheckpointConfig("thread-9", "", "")
	assert.Equal(t, "thread-9", graph.GetThreadID(bare))
	assert.Empty(t, graph.GetCheckpointID(bare))
	assert.Nil(t, graph.GetResumeMap(bare))

	assert.Empty(t, graph.GetThreadID(nil))
}

func TestGetRecursionLimit(t *testing.T) {
	limit := func(v any) map[string]any {
		return map[string]any{graph.CfgKeyConfigurable: map[string]any{graph.CfgKeyRecursionLimit: v}}
	}

	assert.Equal(t, graph.DefaultRecursionLimit, graph.GetRecursionLimit(nil))
	assert.Equal(t, graph.DefaultRecursionLimit, graph.GetRecursionLimit(map[string]any{}))
	assert.Equal(t, 7, graph.GetRecursionLimit(limit(7)))
	assert.Equal(t, 7, graph.GetRecursionLimit(limit(int64(7))))
	assert.Equal(t, 7, graph.GetRecursionLimit(limit(float64(7))))
	assert.Equal(t, 7, graph.GetRecursionLimit(limit(json.Number("7"))))
	assert.Equal(t, graph.DefaultRecursionLimit, graph.GetRecursionLimit(limit(0)))
	assert.Equal(t, graph.DefaultRecursionLimit, graph.GetRecursionLimit(limit("7")))
}

func TestCheckpointManagerRoundTrip(t *testing.T) {
	mgr := graph.NewCheckpointManager(inmemory.NewSaver())
	t.Cleanup(func() { _ = mgr.Close() })
	ctx := context.Background()

	ckpt := graph.NewCheckpoint(map[string]any{"topic": "news"}, map[string]int64{"topic": 1}, nil)
	cfg := graph.CreateCheckpointConfig("mgr-thread", "", "")
	stored, err := mgr.Put(ctx, graph.PutRequest{
		Config:      cfg,
		Checkpoint:  ckpt,
		Metadata:    graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1),
		NewVersions: ckpt.ChannelVersions,
	})
	require.NoError(t, err)
	assert.Equal(t, ckpt.ID, graph.GetCheckpointID(stored))

	got, err := mgr.Get(ctx, stored)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ckpt.ID, got.ID)
	assert.Equal(t, "news", got.ChannelValues["topic"])

	latest, err := mgr.Latest(ctx, "mgr-thread", "")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, ckpt.ID, latest.Checkpoint.ID)
	assert.Equal(t, graph.CheckpointSourceInput, latest.Metadata.Source)

	require.NoError(t, mgr.PutWrites(ctx, graph.PutWritesRequest{
		Config: stored,
		TaskID: "task-1",
		Writes: []graph.PendingWrite{{TaskID: "task-1", Channel: "topic", Value: "update"}},
	}))
	tuple, err := mgr.GetTuple(ctx, stored)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "task-1", tuple.PendingWrites[0].TaskID)

	require.NoError(t, mgr.DeleteThread(ctx, "mgr-thread"))
	gone, err := mgr.Latest(ctx, "mgr-thread", "")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestCheckpointManagerBranchFrom(t *testing.T) {
	mgr := graph.NewCheckpointManager(inmemory.NewSaver())
	t.Cleanup(func() { _ = mgr.Close() })
	ctx := context.Background()

	ckpt := graph.NewCheckpoint(map[string]any{"topic": "news"}, map[string]int64{"topic": 1}, nil)
	md := graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 3)
	_, err := mgr.Put(ctx, graph.PutRequest{
		Config:      graph.CreateCheckpointConfig("branch-thread", "", ""),
		Checkpoint:  ckpt,
		Metadata:    md,
		NewVersions: ckpt.ChannelVersions,
	})
	require.NoError(t, err)

	tuple, err := mgr.BranchFrom(ctx, "branch-thread", "", ckpt.ID)
	require.NoError(t, err)
	assert.NotEqual(t, ckpt.ID, tuple.Checkpoint.ID)
	assert.Equal(t, ckpt.ID, tuple.Checkpoint.ParentCheckpointID)
	assert.Equal(t, graph.CheckpointSourceFork, tuple.Metadata.Source)
	assert.Equal(t, 3, tuple.Metadata.Step)
	assert.Equal(t, ckpt.ID, graph.GetCheckpointID(tuple.ParentConfig))

	// Both lines of history are now visible on the thread.
	all, err := mgr.List(ctx, graph.CreateCheckpointConfig("branch-thread", "", ""), nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = mgr.BranchFrom(ctx, "branch-thread", "", "missing")
	require.ErrorIs(t, err, graph.ErrCheckpointNotFound)
}