//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

func counterSchema() *StateSchema {
	return NewStateSchema().
		AddField("counter", StateField{
			Type:    reflect.TypeOf(0),
			Reducer: func(existing, update any) any { return existing.(int) + update.(int) },
			Default: func() any { return 0 },
		}).
		AddField("log", StateField{
			Type:    reflect.TypeOf([]any{}),
			Reducer: AppendReducer,
		})
}

func TestStateGraphCompile(t *testing.T) {
	g, err := NewStateGraph(counterSchema()).
		AddNode("fetch", passNode).
		AddNode("process", passNode).
		AddEdge("fetch", "process").
		SetEntryPoint("fetch").
		SetFinishPoint("process").
		Compile()
	require.NoError(t, err)

	// Schema fields become channels alongside each node's trigger.
	assert.True(t, g.hasChannel("counter"))
	assert.True(t, g.hasChannel("log"))
	assert.True(t, g.hasChannel(branchChannel("fetch")))
	assert.True(t, g.hasChannel(branchChannel("process")))

	fetch, _ := g.Node("fetch")
	require.Len(t, fetch.writers, 1)
	assert.Equal(t, branchChannel("process"), fetch.writers[0].Channel)
}

func TestStateGraphBuildErrors(t *testing.T) {
	// The first recorded error surfaces at Compile.
	_, err := NewStateGraph(NewStateSchema()).
		AddNode("a", passNode).
		AddNode("a", passNode).
		AddEdge("a", "ghost").
		SetEntryPoint("a").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = NewStateGraph(NewStateSchema()).
		AddNode("a", passNode).
		AddEdge("a", "ghost").
		SetEntryPoint("a").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")

	_, err = NewStateGraph(NewStateSchema()).
		AddNode(End, passNode).
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestStateGraphReservedFieldName(t *testing.T) {
	schema := NewStateSchema().AddField(ChannelInterrupt, StateField{})
	_, err := NewStateGraph(schema).
		AddNode("a", passNode).
		SetEntryPoint("a").
		SetFinishPoint("a").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestStateGraphJoinEdge(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("left", passNode).
		AddNode("right", passNode).
		AddNode("merge", passNode).
		AddJoinEdge([]string{"left", "right"}, "merge").
		SetEntryPoint("left").
		SetFinishPoint("merge").
		Compile()
	require.NoError(t, err)

	assert.True(t, g.hasChannel(joinChannel("merge")))
	assert.Equal(t, []string{"merge"}, g.triggerSubscribers(joinChannel("merge")))
	left, _ := g.Node("left")
	require.Len(t, left.writers, 1)
	assert.Equal(t, joinChannel("merge"), left.writers[0].Channel)

	// Sources must exist before the join edge is added.
	_, err = NewStateGraph(NewStateSchema()).
		AddNode("merge", passNode).
		AddJoinEdge([]string{"ghost"}, "merge").
		SetEntryPoint("merge").
		Compile()
	require.Error(t, err)

	_, err = NewStateGraph(NewStateSchema()).
		AddNode("merge", passNode).
		AddJoinEdge(nil, "merge").
		SetEntryPoint("merge").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sources")
}

func TestStateGraphCustomChannels(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddChannel("signals", ChannelBehaviorTopic).
		AddChannelSpec("acc", ChannelSpec{
			Behavior: ChannelBehaviorBinaryOperator,
			Operator: func(current, update any) any { return current.(int) + update.(int) },
			Zero:     func() any { return 0 },
		}).
		AddNode("a", passNode, WithTriggerChannels("signals"), WithChannels("acc")).
		SetEntryPoint("a").
		SetFinishPoint("a").
		Compile()
	require.NoError(t, err)

	assert.True(t, g.hasChannel("signals"))
	assert.True(t, g.hasChannel("acc"))
	node, _ := g.Node("a")
	assert.Contains(t, node.triggers, "signals")

	// Subscribing to an undeclared channel fails the compile.
	_, err = NewStateGraph(NewStateSchema()).
		AddNode("a", passNode, WithTriggerChannels("missing")).
		SetEntryPoint("a").
		SetFinishPoint("a").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared channel")

	_, err = NewStateGraph(NewStateSchema()).
		AddNode("a", passNode, WithChannels("missing")).
		SetEntryPoint("a").
		SetFinishPoint("a").
		Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared channel")
}

func TestStateGraphNodeOptions(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 2}
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("a", passNode,
			WithName("loader"),
			WithDescription("loads the input"),
			WithRetryPolicy(policy),
			WithDestinations(map[string]string{"b": "on success"}),
		).
		AddNode("b", passNode).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		Compile()
	require.NoError(t, err)

	node, _ := g.Node("a")
	assert.Equal(t, "loader", node.Name)
	assert.Equal(t, "loads the input", node.Description)
	assert.Equal(t, policy, node.retryPolicy)
	assert.Contains(t, node.destinations, "b")
}

func TestStateGraphConditionalEdges(t *testing.T) {
	cond := func(ctx context.Context, state State) (string, error) { return "done", nil }
	g, err := NewStateGraph(counterSchema()).
		AddNode("work", passNode).
		AddNode("finish", passNode).
		AddConditionalEdges("work", cond, map[string]string{
			"more": "work",
			"done": "finish",
		}).
		SetEntryPoint("work").
		SetFinishPoint("finish").
		Compile()
	require.NoError(t, err)

	edge, ok := g.ConditionalEdge("work")
	require.True(t, ok)
	assert.Equal(t, "finish", edge.PathMap["done"])

	// Path maps may only target known nodes or End.
	_, err = NewStateGraph(NewStateSchema()).
		AddNode("work", passNode).
		AddConditionalEdges("work", cond, map[string]string{"done": "ghost"}).
		SetEntryPoint("work").
		Compile()
	require.Error(t, err)
}

func TestStateGraphInterruptPoints(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("a", passNode).
		AddNode("b", passNode).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		Compile(WithInterruptBefore("b"), WithInterruptAfter("a"))
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, g.InterruptBefore())
	assert.Equal(t, []string{"a"}, g.InterruptAfter())
}

func TestMustCompilePanics(t *testing.T) {
	assert.Panics(t, func() {
		NewStateGraph(NewStateSchema()).MustCompile()
	})
}

func TestChannelBehaviorMapping(t *testing.T) {
	spec := ChannelSpec{Behavior: ChannelBehaviorBarrier, Names: []string{"a", "b"}}
	internal := spec.internal()
	assert.Equal(t, channel.BehaviorNamedBarrier, internal.Behavior)
	assert.Equal(t, []string{"a", "b"}, internal.Names)
}
