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
	"fmt"
)

// InterruptAs is a typed wrapper around Interrupt. It pauses like
// Interrupt does and, on resume, asserts the answer to T.
func InterruptAs[T any](ctx context.Context, state State, key string, prompt any) (T, error) {
	var zero T
	v, err := Interrupt(ctx, state, key, prompt)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("resume value for %q is %T, want %T", key, v, zero)
	}
	return typed, nil
}

// ResumeValue extracts a typed resume answer from the state without
// pausing: first the bare resume value, then the keyed map entry. The
// answer is consumed on success. It serves node functions driven outside
// the executor; inside a run, Interrupt replays answers itself.
func ResumeValue[T any](state State, key string) (T, bool) {
	var zero T
	if v, exists := state[ChannelResume]; exists {
		if typed, ok := v.(T); ok {
			delete(state, ChannelResume)
			return typed, true
		}
	}
	if m, ok := state[CfgKeyResumeMap].(map[string]any); ok {
		if v, exists := m[key]; exists {
			if typed, ok := v.(T); ok {
				delete(m, key)
				return typed, true
			}
		}
	}
	return zero, false
}

// ResumeValueOrDefault extracts a typed resume answer, falling back to
// defaultValue when none is present.
func ResumeValueOrDefault[T any](state State, key string, defaultValue T) T {
	if v, ok := ResumeValue[T](state, key); ok {
		return v
	}
	return defaultValue
}

// HasResumeValue reports whether a resume answer is available for key.
func HasResumeValue(state State, key string) bool {
	if _, exists := state[ChannelResume]; exists {
		return true
	}
	if m, ok := state[CfgKeyResumeMap].(map[string]any); ok {
		if _, exists := m[key]; exists {
			return true
		}
	}
	return false
}

// ClearResumeValue discards the keyed resume answer.
func ClearResumeValue(state State, key string) {
	if m, ok := state[CfgKeyResumeMap].(map[string]any); ok {
		delete(m, key)
	}
}

// ClearAllResumeValues discards every staged resume answer.
func ClearAllResumeValues(state State) {
	delete(state, ChannelResume)
	delete(state, CfgKeyResumeMap)
}
