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
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// Errors.
var (
	ErrThreadIDRequired                = errors.New("thread_id is required")
	ErrThreadIDEmpty                   = errors.New("thread_id cannot be empty")
	ErrThreadIDAndCheckpointIDRequired = errors.New("thread_id and checkpoint_id are required")
	ErrCheckpointNotFound              = errors.New("checkpoint not found")

	// ErrChannelEmpty is returned when reading a channel that holds no value.
	ErrChannelEmpty = channel.ErrEmptyChannel
	// ErrInvalidUpdate is returned when a channel rejects a write.
	ErrInvalidUpdate = channel.ErrInvalidUpdate
)

// ErrorKind classifies runtime failures so callers can branch without
// string matching.
type ErrorKind string

const (
	// ErrorKindEmptyChannel marks reads from unavailable channels.
	ErrorKindEmptyChannel ErrorKind = "empty_channel"
	// ErrorKindInvalidUpdate marks writes a channel rejected.
	ErrorKindInvalidUpdate ErrorKind = "invalid_update"
	// ErrorKindRecursion marks runs that hit the recursion limit with work
	// still planned.
	ErrorKindRecursion ErrorKind = "graph_recursion"
	// ErrorKindValidation marks graph construction failures.
	ErrorKindValidation ErrorKind = "graph_validation"
	// ErrorKindInterrupt marks resumable interrupts raised by nodes or
	// static interrupt points.
	ErrorKindInterrupt ErrorKind = "graph_interrupt"
	// ErrorKindNodeFailure marks a node whose retries are exhausted.
	ErrorKindNodeFailure ErrorKind = "node_failure"
	// ErrorKindCheckpoint marks checkpoint persistence failures.
	ErrorKindCheckpoint ErrorKind = "checkpoint"
)

// GraphError is the typed error surfaced by graph execution. Err carries the
// cause and supports errors.Is/errors.As through Unwrap.
type GraphError struct {
	Kind ErrorKind
	Node string
	Step int
	Err  error
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("graph %s (node %s, step %d): %v", e.Kind, e.Node, e.Step, e.Err)
	}
	return fmt.Sprintf("graph %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *GraphError) Unwrap() error { return e.Err }

// Is matches two GraphErrors by kind so errors.Is(err, &GraphError{Kind: k})
// works as a kind test.
func (e *GraphError) Is(target error) bool {
	var ge *GraphError
	if !errors.As(target, &ge) {
		return false
	}
	return ge.Kind == e.Kind
}

// NewGraphError wraps err with a kind.
func NewGraphError(kind ErrorKind, err error) *GraphError {
	return &GraphError{Kind: kind, Err: err}
}

// NewNodeError reports a node failure at a step.
func NewNodeError(node string, step int, err error) *GraphError {
	return &GraphError{Kind: ErrorKindNodeFailure, Node: node, Step: step, Err: err}
}

// ErrorKindOf extracts the kind from err, or "" when err carries none.
func ErrorKindOf(err error) ErrorKind {
	var ge *GraphError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// IsGraphInterrupt reports whether err is a resumable interrupt, either a
// typed GraphError or an *InterruptError raised inside a node.
func IsGraphInterrupt(err error) bool {
	if err == nil {
		return false
	}
	var ie *InterruptError
	if errors.As(err, &ie) {
		return true
	}
	return ErrorKindOf(err) == ErrorKindInterrupt
}
