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
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

func TestSubgraph_StateFlowsThroughDeclaredChannels(t *testing.T) {
	childSchema := graph.NewStateSchema().
		AddField("counter", graph.StateField{
			Reducer: func(existing, update any) any { return existing.(int) + update.(int) },
			Default: func() any { return 0 },
		}).
		AddField("scratch", graph.StateField{Reducer: graph.DefaultReducer})
	child, err := graph.NewStateGraph(childSchema).
		AddNode("inner1", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"counter": 1, "scratch": "private"}, nil
		}).
		AddNode("inner2", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"counter": 1}, nil
		}).
		AddEdge("inner1", "inner2").
		SetEntryPoint("inner1").
		SetFinishPoint("inner2").
		Compile()
	require.NoError(t, err)

	parent, err := graph.NewStateGraph(pipelineSchema()).
		AddNode("before", step("before")).
		AddSubgraph("sub", child).
		AddNode("after", step("after")).
		AddEdge("before", "sub").
		AddEdge("sub", "after").
		SetEntryPoint("before").
		SetFinishPoint("after").
		Compile()
	require.NoError(t, err)

	exec := newCheckpointedExecutor(t, parent)
	final, err := exec.Invoke(context.Background(), graph.State{}, graph.WithThreadID("flows"))
	require.NoError(t, err)

	// The child saw counter=1, added 2, and its result merged back
	// through the parent's reducer. Fields only the child declares stay
	// inside the child.
	assert.Equal(t, 5, final["counter"])
	assert.Equal(t, []any{"before", "after"}, final["log"])
	assert.NotContains(t, final, "scratch")
}

func TestSubgraph_InterruptResume(t *testing.T) {
	var prepRuns, askRuns atomic.Int32

	childSchema := graph.NewStateSchema().
		AddField("answer", graph.StateField{Type: reflect.TypeOf(""), Reducer: graph.DefaultReducer})
	child, err := graph.NewStateGraph(childSchema).
		AddNode("ask", func(ctx context.Context, state graph.State) (any, error) {
			askRuns.Add(1)
			answer, err := graph.Interrupt(ctx, state, "confirm", "proceed?")
			if err != nil {
				return nil, err
			}
			return graph.State{"answer": answer}, nil
		}).
		SetEntryPoint("ask").
		SetFinishPoint("ask").
		Compile()
	require.NoError(t, err)

	parentSchema := graph.NewStateSchema().
		AddField("log", graph.StateField{Reducer: graph.AppendReducer}).
		AddField("answer", graph.StateField{Type: reflect.TypeOf(""), Reducer: graph.DefaultReducer})
	parent, err := graph.NewStateGraph(parentSchema).
		AddNode("prep", func(ctx context.Context, state graph.State) (any, error) {
			prepRuns.Add(1)
			return graph.State{"log": "prep"}, nil
		}).
		AddSubgraph("sub", child).
		AddNode("done", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"log": "done"}, nil
		}).
		AddEdge("prep", "sub").
		AddEdge("sub", "done").
		SetEntryPoint("prep").
		SetFinishPoint("done").
		Compile()
	require.NoError(t, err)

	exec := newCheckpointedExecutor(t, parent)
	ctx := context.Background()

	// The child's pause surfaces under the composite node.
	_, err = exec.Invoke(ctx, graph.State{}, graph.WithThreadID("nested"))
	require.Error(t, err)
	require.True(t, graph.IsGraphInterrupt(err))
	ie, ok := graph.GetInterruptError(err)
	require.True(t, ok)
	assert.Equal(t, "sub", ie.NodeID)
	assert.Equal(t, "confirm", ie.Key)
	assert.Equal(t, "proceed?", ie.Value)

	// The child keeps its own checkpoint lineage under the thread.
	tt, err := exec.TimeTravel()
	require.NoError(t, err)
	childHistory, err := tt.GetStateHistory(ctx, "nested", "sub", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, childHistory)

	final, err := exec.Invoke(ctx, &graph.Command{Resume: "yes"}, graph.WithThreadID("nested"))
	require.NoError(t, err)
	assert.Equal(t, "yes", final["answer"])
	assert.Equal(t, []any{"prep", "done"}, final["log"])
	assert.Equal(t, int32(1), prepRuns.Load())
	assert.Equal(t, int32(2), askRuns.Load())
}

func TestSubgraph_ParentCommand(t *testing.T) {
	child, err := graph.NewStateGraph(pipelineSchema()).
		AddNode("escalate", func(ctx context.Context, state graph.State) (any, error) {
			return &graph.Command{
				Graph:  graph.CommandParent,
				Update: graph.State{"log": "child-note"},
				Goto:   "special",
			}, nil
		}).
		SetEntryPoint("escalate").
		SetFinishPoint("escalate").
		Compile()
	require.NoError(t, err)

	parent, err := graph.NewStateGraph(pipelineSchema()).
		AddNode("start", step("start")).
		AddSubgraph("sub", child).
		AddNode("special", step("special")).
		AddEdge("start", "sub").
		SetEntryPoint("start").
		Compile()
	require.NoError(t, err)

	exec := newCheckpointedExecutor(t, parent)
	final, err := exec.Invoke(context.Background(), graph.State{}, graph.WithThreadID("escalation"))
	require.NoError(t, err)

	// The command routed the parent, the child's own state stayed behind.
	assert.Equal(t, []any{"start", "child-note", "special"}, final["log"])
	assert.Equal(t, 2, final["counter"])
}

func TestSubgraph_ParentCommandAtRoot(t *testing.T) {
	g, err := graph.NewStateGraph(pipelineSchema()).
		AddNode("lonely", func(ctx context.Context, state graph.State) (any, error) {
			return &graph.Command{Graph: graph.CommandParent, Goto: "anywhere"}, nil
		}).
		SetEntryPoint("lonely").
		SetFinishPoint("lonely").
		Compile()
	require.NoError(t, err)

	exec, err := graph.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), graph.State{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "parent command at the root graph")
}

func TestSubgraph_NilChild(t *testing.T) {
	_, err := graph.NewStateGraph(pipelineSchema()).
		AddSubgraph("sub", nil).
		SetEntryPoint("sub").
		Compile()
	require.Error(t, err)
	assert.ErrorContains(t, err, "no child graph")
}