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
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
)

func pipelineSchema() *graph.StateSchema {
	return graph.NewStateSchema().
		AddField("counter", graph.StateField{
			Reducer: func(existing, update any) any { return existing.(int) + update.(int) },
			Default: func() any { return 0 },
		}).
		AddField("log", graph.StateField{Reducer: graph.AppendReducer})
}

func step(name string) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (any, error) {
		return graph.State{"counter": 1, "log": name}, nil
	}
}

func newCheckpointedExecutor(t *testing.T, g *graph.Graph) *graph.Executor {
	t.Helper()
	exec, err := graph.NewExecutor(g, graph.WithCheckpointSaver(inmemory.NewSaver()))
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	return exec
}

func history(t *testing.T, exec *graph.Executor, threadID string) []*graph.StateSnapshot {
	t.Helper()
	tt, err := exec.TimeTravel()
	require.NoError(t, err)
	snapshots, err := tt.GetStateHistory(context.Background(), threadID, "", 0)
	require.NoError(t, err)
	return snapshots
}

func TestExecutorCheckpoint_PersistsHistory(t *testing.T) {
	g, err := graph.NewStateGraph(pipelineSchema()).
		AddNode("fetch", step("fetch")).
		AddNode("report", step("report")).
		AddEdge("fetch", "report").
		SetEntryPoint("fetch").
		SetFinishPoint("report").
		Compile()
	require.NoError(t, err)

	exec := newCheckpointedExecutor(t, g)
	final, err := exec.Invoke(context.Background(), graph.State{}, graph.WithThreadID("history"))
	require.NoError(t, err)
	assert.Equal(t, 2, final["counter"])

	snapshots := history(t, exec, "history")
	require.Len(t, snapshots, 3)
	// Newest first: one checkpoint per committed superstep plus the input.
	assert.Equal(t, 1, snapshots[0].Step)
	assert.Equal(t, graph.CheckpointSourceLoop, snapshots[0].Source)
	assert.Equal(t, 0, snapshots[1].Step)
	assert.Equal(t, -1, snapshots[2].Step)
	assert.Equal(t, graph.CheckpointSourceInput, snapshots[2].Source)

	// The input checkpoint already knows what runs next.
	assert.Equal(t, []string{"fetch"}, snapshots[2].NextNodes)
	assert.Equal(t, 2, snapshots[0].State["counter"])
	assert.Equal(t, 1, snapshots[1].State["counter"])

	// The chain is linked through parent IDs.
	assert.Equal(t, snapshots[1].Ref.CheckpointID, snapshots[0].ParentCheckpointID)
	assert.Equal(t, snapshots[2].Ref.CheckpointID, snapshots[1].ParentCheckpointID)
}

func TestExecutorCheckpoint_InterruptResume(t *testing.T) {
	var prepareRuns, approveRuns atomic.Int32
	g, err := graph.NewStateGraph(pipelineSchema()).
		AddNode("prepare", func(ctx context.Context, state graph.State) (any, error) {
			prepareRuns.Add(1)
			return graph.State{"counter": 1}, nil
		}).
		AddNode("approve", func(ctx context.Context, state graph.State) (any, error) {
			approveRuns.Add(1)
			decision, err := graph.Interrupt(ctx, state, "approval", "waiting for approval")
			if err != nil {
				return nil, err
			}
			return graph.State{"log": decision}, nil
		}).
		AddEdge("prepare", "approve").
		SetEntryPoint("prepare").
		SetFinishPoint("approve").
		Compile()
	require.NoError(t, err)

	exec := newCheckpointedExecutor(t, g)
	ctx := context.Background()

	_, err = exec.Invoke(ctx, graph.State{}, graph.WithThreadID("approval"))
	require.Error(t, err)
	require.True(t, graph.IsGraphInterrupt(err))
	ie, ok := graph.GetInterruptError(err)
	require.True(t, ok)
	assert.Equal(t, "waiting for approval", ie.Value)
	assert.Equal(t, "approve", ie.NodeID)
	assert.Equal(t, "approval", ie.Key)

	// The pause is recorded on the thread's latest checkpoint.
	snapshots := history(t, exec, "approval")
	require.NotEmpty(t, snapshots)
	require.NotNil(t, snapshots[0].Interrupt)
	assert.Equal(t, "approve", snapshots[0].Interrupt.NodeID)

	final, err := exec.Invoke(ctx, &graph.Command{Resume: "approved"}, graph.WithThreadID("approval"))
	require.NoError(t, err)
	assert.Equal(t, []any{"approved"}, final["log"])
	assert.Equal(t, 1, final["counter"])

	// Only the interrupted node re-executed.
	assert.Equal(t, int32(1), prepareRuns.Load())
	assert.Equal(t, int32(2), approveRuns.Load())
}

func TestExecutorCheckpoint_ResumeMapReplaysAnswers(t *testing.T) {
	var gateRuns atomic.Int32
	g, err := graph.NewStateGraph(pipelineSchema()).
		AddNode("gate", func(ctx context.Context, state graph.State) (any, error) {
			gateRuns.Add(1)
			first, err := graph.Interrupt(ctx, state, "first", "q1")
			if err != nil {
				return nil, err
			}
			second, err := graph.Interrupt(ctx, state, "second", "q2")
			if err != nil {
				return nil, err
			}
			return graph.State{"log": []any{first, second}}, nil
		}).
		SetEntryPoint("gate").
		SetFinishPoint("gate").
		Compile()
	require.NoError(t, err)

	exec := newCheckpointedExecutor(t, g)
	ctx := context.Background()

	_, err = exec.Invoke(ctx, graph.State{}, graph.WithThreadID("gate"))
	require.Error(t, err)
	ie, _ := graph.GetInterruptError(err)
	require.NotNil(t, ie)
	assert.Equal(t, "first", ie.Key)

	// Answering the first question stops at the second.
	_, err = exec.Invoke(ctx, &graph.Command{ResumeMap: map[string]any{"first": "a1"}},
		graph.WithThreadID("gate"))
	require.Error(t, err)
	ie, _ = graph.GetInterruptError(err)
	require.NotNil(t, ie)
	assert.Equal(t, "second", ie.Key)

	// The first answer replays from the checkpoint; only the second is new.
	final, err := exec.Invoke(ctx, &graph.Command{ResumeMap: map[string]any{"second": "a2"}},
		graph.WithThreadID("gate"))
	require.NoError(t, err)
	assert.Equal(t, []any{"a1", "a2"}, final["log"])
	assert.Equal(t, int32(3), gateRuns.Load())
}

func TestExecutorCheckpoint_InterruptBefore(t *testing.T) {
	var bRuns atomic.Int32
	g, err := graph.NewStateGraph(pipelineSchema()).
		AddNode("a", step("a")).
		AddNode("b", func(ctx context.Context, state graph.State) (any, error) {
			bRuns.Add(1)
			return graph.State{"log": "b"}, nil
		}).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		Compile(graph.WithInterruptBefore("b"))
	require.NoError(t, err)

	exec := newCheckpointedExecutor(t, g)
	ctx := context.Background()

	_, err = exec.Invoke(ctx, graph.State{}, graph.WithThreadID("before"))
	require.Error(t, err)
	require.True(t, graph.IsGraphInterrupt(err))
	ie, _ := graph.GetInterruptError(err)
	require.NotNil(t, ie)
	pause, ok := ie.Value.(graph.StaticInterrupt)
	require.True(t, ok)
	assert.Equal(t, "b", pause.NodeID)
	assert.Equal(t, "before", pause.When)
	assert.Equal(t, int32(0), bRuns.Load())

	final, err := exec.Invoke(ctx, nil, graph.WithThreadID("before"))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, final["log"])
	assert.Equal(t, int32(1), bRuns.Load())
}

func TestExecutorCheckpoint_InterruptAfter(t *testing.T) {
	g, err := graph.NewStateGraph(pipelineSchema()).
		AddNode("a", step("a")).
		AddNode("b", step("b")).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		Compile(graph.WithInterruptAfter("a"))
	require.NoError(t, err)

	exec := newCheckpointedExecutor(t, g)
	ctx := context.Background()

	_, err = exec.Invoke(ctx, graph.State{}, graph.WithThreadID("after"))
	require.Error(t, err)
	ie, _ := graph.GetInterruptError(err)
	require.NotNil(t, ie)
	pause, ok := ie.Value.(graph.StaticInterrupt)
	require.True(t, ok)
	assert.Equal(t, "a", pause.NodeID)
	assert.Equal(t, "after", pause.When)

	// a's update was committed before the pause.
	snapshots := history(t, exec, "after")
	assert.Equal(t, 1, snapshots[0].State["counter"])

	final, err := exec.Invoke(ctx, nil, graph.WithThreadID("after"))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, final["log"])
}

func TestExecutorCheckpoint_CrashRecovery(t *testing.T) {
	var okRuns, badRuns atomic.Int32
	var failOnce atomic.Bool
	failOnce.Store(true)
	g, err := graph.NewStateGraph(pipelineSchema()).
		AddNode("split", step("split")).
		AddNode("ok", func(ctx context.Context, state graph.State) (any, error) {
			okRuns.Add(1)
			return graph.State{"log": "ok"}, nil
		}).
		AddNode("bad", func(ctx context.Context, state graph.State) (any, error) {
			badRuns.Add(1)
			if failOnce.Swap(false) {
				return nil, errors.New("transient failure")
			}
			return graph.State{"log": "bad"}, nil
		}).
		AddEdge("split", "ok").
		AddEdge("split", "bad").
		SetEntryPoint("split").
		Compile()
	require.NoError(t, err)

	exec := newCheckpointedExecutor(t, g)
	ctx := context.Background()

	_, err = exec.Invoke(ctx, graph.State{}, graph.WithThreadID("recovery"))
	require.Error(t, err)
	assert.Equal(t, int32(1), okRuns.Load())
	assert.Equal(t, int32(1), badRuns.Load())

	// On resume the successful peer's writes are adopted from the
	// checkpoint; only the failed node runs again.
	final, err := exec.Invoke(ctx, nil, graph.WithThreadID("recovery"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), okRuns.Load())
	assert.Equal(t, int32(2), badRuns.Load())
	assert.ElementsMatch(t, []any{"split", "ok", "bad"}, final["log"])
	assert.Equal(t, 3, final["counter"])
}

func TestExecutorCheckpoint_ThreadIsolation(t *testing.T) {
	g, err := graph.NewStateGraph(pipelineSchema()).
		AddNode("bump", step("bump")).
		SetEntryPoint("bump").
		SetFinishPoint("bump").
		Compile()
	require.NoError(t, err)

	exec := newCheckpointedExecutor(t, g)
	ctx := context.Background()

	final1, err := exec.Invoke(ctx, graph.State{"counter": 10}, graph.WithThreadID("t1"))
	require.NoError(t, err)
	final2, err := exec.Invoke(ctx, graph.State{"counter": 20}, graph.WithThreadID("t2"))
	require.NoError(t, err)

	assert.Equal(t, 11, final1["counter"])
	assert.Equal(t, 21, final2["counter"])
	assert.Len(t, history(t, exec, "t1"), 2)
	assert.Len(t, history(t, exec, "t2"), 2)
}

func TestExecutorCheckpoint_ReplayFromPinned(t *testing.T) {
	g, err := graph.NewStateGraph(pipelineSchema()).
		AddNode("work", step("work")).
		AddNode("finish", step("finish")).
		AddConditionalEdges("work",
			func(ctx context.Context, state graph.State) (string, error) {
				if state["counter"].(int) < 3 {
					return "work", nil
				}
				return "finish", nil
			},
			nil,
		).
		SetEntryPoint("work").
		SetFinishPoint("finish").
		Compile()
	require.NoError(t, err)

	exec := newCheckpointedExecutor(t, g)
	ctx := context.Background()

	final, err := exec.Invoke(ctx, graph.State{}, graph.WithThreadID("replay"))
	require.NoError(t, err)
	assert.Equal(t, 4, final["counter"])

	// Pick the checkpoint right after the first work commit.
	snapshots := history(t, exec, "replay")
	var pinned string
	for _, snap := range snapshots {
		if snap.Step == 0 {
			pinned = snap.Ref.CheckpointID
		}
	}
	require.NotEmpty(t, pinned)

	// Replaying from the middle of history reaches the same result.
	replayed, err := exec.Invoke(ctx, nil,
		graph.WithThreadID("replay"), graph.WithCheckpointID(pinned))
	require.NoError(t, err)
	assert.Equal(t, 4, replayed["counter"])
	assert.Equal(t, []any{"work", "work", "work", "finish"}, replayed["log"])

	// The replay branched the history instead of rewriting it.
	assert.Greater(t, len(history(t, exec, "replay")), len(snapshots))
}