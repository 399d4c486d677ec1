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
	"errors"
	"fmt"
	"sync"
	"time"
)

// InterruptError pauses graph execution in a resumable way. The run's
// checkpoint records the interrupt; answering it with a Command resume
// input re-executes the interrupted task.
type InterruptError struct {
	// Value is the value that was passed to Interrupt.
	Value any
	// Key identifies the interrupt for ResumeMap answers.
	Key string
	// NodeID is the ID of the node where the interrupt occurred.
	NodeID string
	// TaskID is the ID of the task that was interrupted.
	TaskID string
	// Step is the step number when the interrupt occurred.
	Step int
	// Timestamp is when the interrupt occurred.
	Timestamp time.Time
	// Path is the execution path to the interrupted node.
	Path []string
}

// Error returns the error message for the interrupt.
func (e *InterruptError) Error() string {
	return fmt.Sprintf("graph interrupted at node %s (step %d): %v", e.NodeID, e.Step, e.Value)
}

// NewInterruptError creates a new InterruptError with the given value.
func NewInterruptError(value any) *InterruptError {
	return &InterruptError{
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
}

// IsInterruptError checks if an error is an InterruptError.
func IsInterruptError(err error) bool {
	var ie *InterruptError
	return errors.As(err, &ie)
}

// GetInterruptError extracts an InterruptError from an error.
func GetInterruptError(err error) (*InterruptError, bool) {
	var ie *InterruptError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// taskScratchpad carries per-task interrupt bookkeeping. Resumed tasks
// re-execute from the top, so Interrupt calls replay their previously
// consumed answers in call order before new answers are handed out.
type taskScratchpad struct {
	mu     sync.Mutex
	taskID string
	nodeID string
	step   int
	path   []string

	// consumed holds answers already returned by Interrupt calls of this
	// task, in call order.
	consumed []any
	// interruptIndex counts Interrupt calls during the current execution.
	interruptIndex int

	// nullResume is the bare Command.Resume answer, usable once.
	nullResume     any
	hasNullResume  bool
	usedNullResume bool
	// resumeMap holds keyed answers from Command.ResumeMap and config.
	resumeMap map[string]any
}

type scratchpadContextKey struct{}

func withScratchpad(ctx context.Context, sp *taskScratchpad) context.Context {
	return context.WithValue(ctx, scratchpadContextKey{}, sp)
}

func scratchpadFrom(ctx context.Context) (*taskScratchpad, bool) {
	sp, ok := ctx.Value(scratchpadContextKey{}).(*taskScratchpad)
	return sp, ok
}

// snapshotConsumed returns the answers consumed so far. The executor
// persists them so a later resume replays them.
func (sp *taskScratchpad) snapshotConsumed() []any {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return append([]any(nil), sp.consumed...)
}

// Interrupt pauses the run at the current node and surfaces prompt to the
// caller. On resume it returns the answer instead: first any previously
// consumed answer for this call position, then a ResumeMap entry matching
// key, then the bare resume value. With no answer left it interrupts
// again.
func Interrupt(ctx context.Context, state State, key string, prompt any) (any, error) {
	sp, ok := scratchpadFrom(ctx)
	if !ok {
		return interruptFromState(state, key, prompt)
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	idx := sp.interruptIndex
	sp.interruptIndex++
	if idx < len(sp.consumed) {
		return sp.consumed[idx], nil
	}
	if v, ok := sp.resumeMap[key]; ok {
		delete(sp.resumeMap, key)
		sp.consumed = append(sp.consumed, v)
		return v, nil
	}
	if sp.hasNullResume && !sp.usedNullResume {
		sp.usedNullResume = true
		sp.consumed = append(sp.consumed, sp.nullResume)
		return sp.nullResume, nil
	}
	return nil, &InterruptError{
		Value:     prompt,
		Key:       key,
		NodeID:    sp.nodeID,
		TaskID:    sp.taskID,
		Step:      sp.step,
		Path:      append([]string(nil), sp.path...),
		Timestamp: time.Now().UTC(),
	}
}

// interruptFromState answers an Interrupt for node functions driven
// outside the executor, such as direct calls in tests. Resume values are
// read from the state itself.
func interruptFromState(state State, key string, prompt any) (any, error) {
	if v, ok := state[ChannelResume]; ok {
		delete(state, ChannelResume)
		return v, nil
	}
	if m, ok := state[CfgKeyResumeMap].(map[string]any); ok {
		if v, ok := m[key]; ok {
			delete(m, key)
			return v, nil
		}
	}
	ie := NewInterruptError(prompt)
	ie.Key = key
	return nil, ie
}
