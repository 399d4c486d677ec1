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
	"time"
)

// StreamMode selects which event families a streaming run emits. A run may
// combine several modes.
type StreamMode string

const (
	// StreamModeValues emits the full state after each committed superstep.
	StreamModeValues StreamMode = "values"
	// StreamModeUpdates emits each node's state update as tasks complete.
	StreamModeUpdates StreamMode = "updates"
	// StreamModeMessages emits message chunks published by nodes.
	StreamModeMessages StreamMode = "messages"
	// StreamModeCustom emits payloads nodes publish through the EventEmitter.
	StreamModeCustom StreamMode = "custom"
	// StreamModeDebug emits scheduler records for each phase of a superstep.
	StreamModeDebug StreamMode = "debug"
)

// String returns the string representation of the stream mode.
func (m StreamMode) String() string {
	return string(m)
}

// ExecutionPhase tags debug events with the scheduler phase that produced
// them.
type ExecutionPhase string

// Execution phase constants.
const (
	ExecutionPhasePlanning  ExecutionPhase = "planning"
	ExecutionPhaseExecution ExecutionPhase = "execution"
	ExecutionPhaseUpdate    ExecutionPhase = "update"
	ExecutionPhaseComplete  ExecutionPhase = "complete"
	ExecutionPhaseError     ExecutionPhase = "error"
	ExecutionPhaseInterrupt ExecutionPhase = "interrupt"
)

// String returns the string representation of the execution phase.
func (ep ExecutionPhase) String() string {
	return string(ep)
}

// StreamEvent is one streamed record of a run.
type StreamEvent struct {
	// Mode names the family this event belongs to.
	Mode StreamMode `json:"mode"`
	// Namespace is the subgraph path that produced the event, outermost
	// first. Empty for the root graph.
	Namespace []string `json:"namespace,omitempty"`
	// Step is the superstep the event belongs to.
	Step int `json:"step"`
	// Node is the producing node for node-scoped events.
	Node string `json:"node,omitempty"`
	// Payload carries the mode-specific body: State for values, NodeUpdate
	// for updates, DebugEvent for debug, and node-provided values for
	// messages and custom.
	Payload any `json:"payload"`
}

// NodeUpdate is the payload of a StreamModeUpdates event.
type NodeUpdate struct {
	// NodeID is the node whose task completed.
	NodeID string `json:"node_id"`
	// TaskID identifies the completed task.
	TaskID string `json:"task_id"`
	// Update is the state update the node returned.
	Update State `json:"update,omitempty"`
}

// DebugEvent is the payload of a StreamModeDebug event.
type DebugEvent struct {
	// Phase is the scheduler phase being reported.
	Phase ExecutionPhase `json:"phase"`
	// TaskID identifies the task for execution-phase records.
	TaskID string `json:"task_id,omitempty"`
	// NodeID is the node for task-scoped records.
	NodeID string `json:"node_id,omitempty"`
	// Triggers are the channels that scheduled the task.
	Triggers []string `json:"triggers,omitempty"`
	// TaskCount is the plan size for planning-phase records.
	TaskCount int `json:"task_count,omitempty"`
	// UpdatedChannels lists channels changed by a commit.
	UpdatedChannels []string `json:"updated_channels,omitempty"`
	// CheckpointID is the checkpoint persisted by a commit.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// Error carries the failure message for error-phase records.
	Error string `json:"error,omitempty"`
	// Interrupt carries the interrupt value for interrupt-phase records.
	Interrupt any `json:"interrupt,omitempty"`
	// Timestamp is when the record was produced.
	Timestamp time.Time `json:"timestamp"`
}

// ProgressEvent is a convenience payload for EmitProgress custom events.
type ProgressEvent struct {
	// Progress is a value between 0 and 100.
	Progress float64 `json:"progress"`
	// Message describes the current activity.
	Message string `json:"message,omitempty"`
}

func newDebugEvent(ns []string, step int, payload DebugEvent) StreamEvent {
	payload.Timestamp = time.Now().UTC()
	return StreamEvent{
		Mode:      StreamModeDebug,
		Namespace: ns,
		Step:      step,
		Node:      payload.NodeID,
		Payload:   payload,
	}
}

func newValuesEvent(ns []string, step int, state State) StreamEvent {
	return StreamEvent{
		Mode:      StreamModeValues,
		Namespace: ns,
		Step:      step,
		Payload:   state,
	}
}

func newUpdatesEvent(ns []string, step int, update NodeUpdate) StreamEvent {
	return StreamEvent{
		Mode:      StreamModeUpdates,
		Namespace: ns,
		Step:      step,
		Node:      update.NodeID,
		Payload:   update,
	}
}
