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
	"reflect"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// ChannelBehavior selects a channel variant for declared channels and
// schema-derived state field channels.
type ChannelBehavior int

const (
	// ChannelBehaviorLastValue stores the single value written in a step.
	// A second write in the same step is rejected with ErrInvalidUpdate.
	ChannelBehaviorLastValue ChannelBehavior = iota
	// ChannelBehaviorAnyValue stores the last of possibly many writes.
	ChannelBehaviorAnyValue
	// ChannelBehaviorEphemeral stores a value visible only during the step
	// after the write; the scheduler clears it at the next commit.
	ChannelBehaviorEphemeral
	// ChannelBehaviorTopic accumulates values as a list.
	ChannelBehaviorTopic
	// ChannelBehaviorBinaryOperator folds writes through an operator.
	ChannelBehaviorBinaryOperator
	// ChannelBehaviorBarrier waits for a fixed set of writers.
	ChannelBehaviorBarrier
	// ChannelBehaviorBarrierAfterFinish waits for a fixed set of writers
	// and releases only once the run signals Finish.
	ChannelBehaviorBarrierAfterFinish
	// ChannelBehaviorDynamicBarrier waits for writers declared at runtime
	// by a WaitForNames priming write.
	ChannelBehaviorDynamicBarrier
)

// String returns the behavior name.
func (b ChannelBehavior) String() string {
	return b.internal().String()
}

func (b ChannelBehavior) internal() channel.Behavior {
	switch b {
	case ChannelBehaviorAnyValue:
		return channel.BehaviorAnyValue
	case ChannelBehaviorEphemeral:
		return channel.BehaviorEphemeral
	case ChannelBehaviorTopic:
		return channel.BehaviorTopic
	case ChannelBehaviorBinaryOperator:
		return channel.BehaviorBinaryOperator
	case ChannelBehaviorBarrier:
		return channel.BehaviorNamedBarrier
	case ChannelBehaviorBarrierAfterFinish:
		return channel.BehaviorNamedBarrierAfterFinish
	case ChannelBehaviorDynamicBarrier:
		return channel.BehaviorDynamicBarrier
	default:
		return channel.BehaviorLastValue
	}
}

// WaitForNames is the priming payload of a dynamic barrier channel: the
// first write declares the names the barrier waits for.
type WaitForNames = channel.WaitForNames

// ChannelSpec declares a channel with the options its behavior needs.
type ChannelSpec struct {
	Behavior ChannelBehavior
	// Names is the writer set of a barrier channel.
	Names []string
	// Unique deduplicates topic values by structural key.
	Unique bool
	// Accumulate keeps topic values across steps instead of replacing them.
	Accumulate bool
	// Operator folds writes for ChannelBehaviorBinaryOperator.
	Operator func(current, update any) any
	// Zero seeds the initial value for ChannelBehaviorBinaryOperator.
	Zero func() any
}

func (s ChannelSpec) internal() channel.Spec {
	return channel.Spec{
		Behavior:   s.Behavior.internal(),
		Names:      s.Names,
		Unique:     s.Unique,
		Accumulate: s.Accumulate,
		Operator:   s.Operator,
		Zero:       s.Zero,
	}
}

// specFromStateField derives the channel spec backing one state field.
// Fields with a reducer fold concurrent writes through it; fields without
// one behave as last-value channels, so two nodes writing the same plain
// field in one superstep is an invalid update.
func specFromStateField(field StateField) channel.Spec {
	if field.Reducer == nil || isDefaultReducer(field.Reducer) {
		return channel.Spec{Behavior: channel.BehaviorLastValue}
	}
	reducer := field.Reducer
	return channel.Spec{
		Behavior: channel.BehaviorBinaryOperator,
		Operator: func(current, update any) any { return reducer(current, update) },
		Zero:     field.Default,
	}
}

func isDefaultReducer(r StateReducer) bool {
	if r == nil {
		return true
	}
	return reflect.ValueOf(r).Pointer() == reflect.ValueOf(DefaultReducer).Pointer()
}
