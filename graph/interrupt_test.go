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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterruptOutsideExecutor(t *testing.T) {
	ctx := context.Background()

	state := State{ChannelResume: "yes"}
	v, err := Interrupt(ctx, state, "confirm", "proceed?")
	require.NoError(t, err)
	assert.Equal(t, "yes", v)
	assert.NotContains(t, state, ChannelResume)

	state = State{CfgKeyResumeMap: map[string]any{"confirm": "keyed"}}
	v, err = Interrupt(ctx, state, "confirm", "proceed?")
	require.NoError(t, err)
	assert.Equal(t, "keyed", v)

	// Without an answer the call surfaces the prompt.
	_, err = Interrupt(ctx, State{}, "confirm", "proceed?")
	require.Error(t, err)
	require.True(t, IsInterruptError(err))
	ie, ok := GetInterruptError(err)
	require.True(t, ok)
	assert.Equal(t, "proceed?", ie.Value)
	assert.Equal(t, "confirm", ie.Key)
}

func TestInterruptReplaysConsumedAnswers(t *testing.T) {
	sp := &taskScratchpad{
		taskID:   "task-1",
		nodeID:   "approve",
		step:     3,
		path:     []string{"approve"},
		consumed: []any{"earlier"},
	}
	ctx := withScratchpad(context.Background(), sp)

	// The first call position replays the answer from the previous
	// execution without surfacing a prompt.
	v, err := Interrupt(ctx, State{}, "first", "q1")
	require.NoError(t, err)
	assert.Equal(t, "earlier", v)

	_, err = Interrupt(ctx, State{}, "second", "q2")
	require.Error(t, err)
	ie, ok := GetInterruptError(err)
	require.True(t, ok)
	assert.Equal(t, "q2", ie.Value)
	assert.Equal(t, "second", ie.Key)
	assert.Equal(t, "approve", ie.NodeID)
	assert.Equal(t, "task-1", ie.TaskID)
	assert.Equal(t, 3, ie.Step)
	assert.Equal(t, []string{"approve"}, ie.Path)
}

func TestInterruptAnswerPriority(t *testing.T) {
	sp := &taskScratchpad{
		nodeID:        "gate",
		resumeMap:     map[string]any{"keyed": "from-map"},
		nullResume:    "bare",
		hasNullResume: true,
	}
	ctx := withScratchpad(context.Background(), sp)

	// A keyed answer wins over the bare resume value.
	v, err := Interrupt(ctx, State{}, "keyed", "q")
	require.NoError(t, err)
	assert.Equal(t, "from-map", v)

	// The bare value answers any key, once.
	v, err = Interrupt(ctx, State{}, "other", "q")
	require.NoError(t, err)
	assert.Equal(t, "bare", v)

	_, err = Interrupt(ctx, State{}, "third", "q")
	require.Error(t, err)
	assert.True(t, IsInterruptError(err))

	// Handed-out answers are recorded for the next replay.
	assert.Equal(t, []any{"from-map", "bare"}, sp.snapshotConsumed())
}

func TestInterruptAs(t *testing.T) {
	ctx := context.Background()

	v, err := InterruptAs[int](ctx, State{ChannelResume: 7}, "n", "how many?")
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = InterruptAs[int](ctx, State{ChannelResume: "seven"}, "n", "how many?")
	require.Error(t, err)
	assert.ErrorContains(t, err, "resume value")

	_, err = InterruptAs[int](ctx, State{}, "n", "how many?")
	require.Error(t, err)
	assert.True(t, IsInterruptError(err))
}

func TestInterruptErrorMessage(t *testing.T) {
	ie := &InterruptError{Value: "waiting", NodeID: "approve", Step: 2}
	assert.Equal(t, "graph interrupted at node approve (step 2): waiting", ie.Error())

	created := NewInterruptError("v")
	assert.Equal(t, "v", created.Value)
	assert.False(t, created.Timestamp.IsZero())
}