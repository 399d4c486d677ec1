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
	"sync"
	"time"
)

// ExternalInterruptKey identifies interrupts requested through
// WithGraphInterrupt.
const ExternalInterruptKey = "external_interrupt"

var errGraphInterruptTimeout = errors.New("graph interrupt timeout")

// ExternalInterruptPayload is the InterruptError value for externally
// requested pauses.
type ExternalInterruptPayload struct {
	// Key is always ExternalInterruptKey.
	Key string `json:"key"`
	// Forced reports that the timeout elapsed and in-flight tasks were
	// cancelled instead of being allowed to finish the superstep.
	Forced bool `json:"forced"`
}

type graphInterruptKey struct{}

// graphInterruptState is the signal shared between the caller's interrupt
// function and the run it targets.
type graphInterruptState struct {
	mu      sync.RWMutex
	timeout *time.Duration

	done chan struct{}
	once sync.Once
}

type graphInterruptOptions struct {
	timeout *time.Duration
}

// GraphInterruptOption configures an interrupt request.
type GraphInterruptOption func(*graphInterruptOptions)

// WithGraphInterruptTimeout bounds how long the run may keep executing
// after the interrupt request. When the timeout elapses the executor
// cancels in-flight tasks; writes of tasks that already finished stay
// pending on the checkpoint, so a resume reruns only the cancelled work.
func WithGraphInterruptTimeout(timeout time.Duration) GraphInterruptOption {
	return func(o *graphInterruptOptions) {
		o.timeout = &timeout
	}
}

// WithGraphInterrupt derives a context whose runs can be paused from
// outside, for example by an operator or a shutdown hook. Calling
// interrupt asks the executor to stop at the next superstep boundary and
// return an *InterruptError carrying an ExternalInterruptPayload. The
// latest committed checkpoint is already saved at that point, so the
// thread resumes like any other interrupted thread. Without a timeout the
// current superstep always runs to completion first.
func WithGraphInterrupt(parent context.Context) (ctx context.Context, interrupt func(opts ...GraphInterruptOption)) {
	st := &graphInterruptState{done: make(chan struct{})}
	ctx = context.WithValue(parent, graphInterruptKey{}, st)
	interrupt = func(opts ...GraphInterruptOption) {
		o := &graphInterruptOptions{}
		for _, opt := range opts {
			if opt != nil {
				opt(o)
			}
		}
		st.once.Do(func() {
			st.mu.Lock()
			st.timeout = o.timeout
			st.mu.Unlock()
			close(st.done)
		})
	}
	return ctx, interrupt
}

func graphInterruptFromContext(ctx context.Context) *graphInterruptState {
	st, _ := ctx.Value(graphInterruptKey{}).(*graphInterruptState)
	return st
}

func (s *graphInterruptState) requested() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *graphInterruptState) timeoutOrNil() *time.Duration {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeout
}

// externalInterruptWatcher cancels the run context once a requested
// interrupt's timeout elapses. All methods tolerate a nil receiver so the
// loop can ignore whether a signal was installed.
type externalInterruptWatcher struct {
	state *graphInterruptState

	stopOnce sync.Once
	stopCh   chan struct{}

	cancel context.CancelCauseFunc
}

func newExternalInterruptWatcher(parent context.Context, state *graphInterruptState) (context.Context, *externalInterruptWatcher) {
	if state == nil {
		return parent, nil
	}
	runCtx, cancel := context.WithCancelCause(parent)
	w := &externalInterruptWatcher{
		state:  state,
		stopCh: make(chan struct{}),
		cancel: cancel,
	}
	go w.listen()
	return runCtx, w
}

func (w *externalInterruptWatcher) listen() {
	select {
	case <-w.stopCh:
		return
	case <-w.state.done:
	}
	timeout := w.state.timeoutOrNil()
	if timeout == nil {
		return
	}
	if *timeout <= 0 {
		w.cancel(errGraphInterruptTimeout)
		return
	}
	timer := time.NewTimer(*timeout)
	defer timer.Stop()
	select {
	case <-w.stopCh:
	case <-timer.C:
		w.cancel(errGraphInterruptTimeout)
	}
}

func (w *externalInterruptWatcher) stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *externalInterruptWatcher) requested() bool {
	if w == nil {
		return false
	}
	return w.state.requested()
}

// forced reports whether the run context was cancelled by the interrupt
// timeout rather than by the caller.
func (w *externalInterruptWatcher) forced(ctx context.Context) bool {
	if w == nil {
		return false
	}
	return errors.Is(context.Cause(ctx), errGraphInterruptTimeout)
}

func newExternalInterruptError(step int, forced bool) *InterruptError {
	return &InterruptError{
		Value:     ExternalInterruptPayload{Key: ExternalInterruptKey, Forced: forced},
		Key:       ExternalInterruptKey,
		Step:      step,
		Timestamp: time.Now().UTC(),
	}
}
