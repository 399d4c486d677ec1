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
	"sync"
)

// streamEmitter fans StreamEvents out to the run's consumer channel. One
// emitter backs a whole run; subgraphs get children sharing the channel
// with a deeper namespace.
type streamEmitter struct {
	ch    chan StreamEvent
	modes map[StreamMode]bool
	ns    []string

	closeOnce *sync.Once
}

func newStreamEmitter(buffer int, modes []StreamMode) *streamEmitter {
	if buffer <= 0 {
		buffer = DefaultChannelBufferSize
	}
	modeSet := make(map[StreamMode]bool, len(modes))
	for _, m := range modes {
		modeSet[m] = true
	}
	return &streamEmitter{
		ch:        make(chan StreamEvent, buffer),
		modes:     modeSet,
		closeOnce: &sync.Once{},
	}
}

// child returns an emitter sharing this one's channel under a deeper
// namespace segment. Only the root run closes the channel.
func (s *streamEmitter) child(segment string) *streamEmitter {
	ns := make([]string, len(s.ns)+1)
	copy(ns, s.ns)
	ns[len(s.ns)] = segment
	return &streamEmitter{
		ch:        s.ch,
		modes:     s.modes,
		ns:        ns,
		closeOnce: s.closeOnce,
	}
}

func (s *streamEmitter) enabled(mode StreamMode) bool {
	if s == nil {
		return false
	}
	return s.modes[mode]
}

// emit delivers one event, honoring consumer backpressure. It reports
// false when the context is cancelled before delivery.
func (s *streamEmitter) emit(ctx context.Context, ev StreamEvent) bool {
	if s == nil || !s.modes[ev.Mode] {
		return true
	}
	if len(ev.Namespace) == 0 {
		ev.Namespace = s.ns
	}
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// forceEmit bypasses the mode filter for terminal records every consumer
// needs, such as interrupts and run failures.
func (s *streamEmitter) forceEmit(ctx context.Context, ev StreamEvent) bool {
	if s == nil {
		return true
	}
	if len(ev.Namespace) == 0 {
		ev.Namespace = s.ns
	}
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *streamEmitter) events() <-chan StreamEvent {
	return s.ch
}

func (s *streamEmitter) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// EventEmitter lets a node publish custom payloads and message chunks into
// the run's event stream. Nodes obtain it from their context via
// EmitterFromContext; outside a streaming run every method is a no-op.
type EventEmitter struct {
	emitter *streamEmitter
	step    int
	node    string
}

type emitterContextKey struct{}

func withEmitter(ctx context.Context, e *EventEmitter) context.Context {
	return context.WithValue(ctx, emitterContextKey{}, e)
}

// EmitterFromContext returns the EventEmitter of the current task. The
// second result is false when the node runs outside a streaming run.
func EmitterFromContext(ctx context.Context) (*EventEmitter, bool) {
	e, ok := ctx.Value(emitterContextKey{}).(*EventEmitter)
	return e, ok
}

// EmitCustom publishes a payload as a StreamModeCustom event.
func (e *EventEmitter) EmitCustom(ctx context.Context, payload any) error {
	return e.send(ctx, StreamModeCustom, payload)
}

// EmitMessage publishes a message chunk as a StreamModeMessages event.
func (e *EventEmitter) EmitMessage(ctx context.Context, chunk any) error {
	return e.send(ctx, StreamModeMessages, chunk)
}

// EmitProgress publishes a ProgressEvent custom payload. Progress should
// be a value between 0 and 100.
func (e *EventEmitter) EmitProgress(ctx context.Context, progress float64, message string) error {
	return e.send(ctx, StreamModeCustom, ProgressEvent{Progress: progress, Message: message})
}

func (e *EventEmitter) send(ctx context.Context, mode StreamMode, payload any) error {
	if e == nil || e.emitter == nil {
		return nil
	}
	ev := StreamEvent{
		Mode:    mode,
		Step:    e.step,
		Node:    e.node,
		Payload: payload,
	}
	if !e.emitter.emit(ctx, ev) {
		return ctx.Err()
	}
	return nil
}
