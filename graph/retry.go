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
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// RetryCondition determines whether an error is retryable.
type RetryCondition interface {
	Match(err error) bool
}

// RetryConditionFunc adapts an ordinary function to RetryCondition.
type RetryConditionFunc func(error) bool

// Match calls f(err).
func (f RetryConditionFunc) Match(err error) bool { return f(err) }

// RetryPolicy defines per-node retry configuration. Attempts count the
// first try: MaxAttempts=3 means one initial try plus up to two retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	Jitter          bool
	RetryOn         []RetryCondition

	// MaxElapsedTime bounds the total time across retries; 0 disables it.
	MaxElapsedTime time.Duration
	// PerAttemptTimeout overrides the executor's node timeout; 0 keeps it.
	PerAttemptTimeout time.Duration
}

// NextDelay returns the backoff delay before the next retry. attempt starts
// at 1 for the first try.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialInterval)
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 1.0
	}
	if attempt > 1 {
		delay *= math.Pow(p.BackoffFactor, float64(attempt-1))
	}
	maxInt := p.MaxInterval
	if maxInt <= 0 {
		maxInt = p.InitialInterval
	}
	if maxInt > 0 {
		delay = math.Min(delay, float64(maxInt))
	}
	d := time.Duration(delay)
	if p.Jitter && d > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(int64(d))); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// ShouldRetry reports whether err matches any of the policy's conditions.
// Interrupts and channel update rejections are never retried regardless of
// conditions; the executor filters them before consulting the policy.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if len(p.RetryOn) == 0 {
		return false
	}
	for _, cond := range p.RetryOn {
		if cond != nil && cond.Match(err) {
			return true
		}
	}
	return false
}

// RetryOnErrors creates a condition matching errors.Is against any target.
func RetryOnErrors(targets ...error) RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		for _, t := range targets {
			if t == nil {
				continue
			}
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	})
}

// RetryOnPredicate creates a condition from a plain predicate.
func RetryOnPredicate(match func(error) bool) RetryCondition {
	return RetryConditionFunc(func(err error) bool { return match(err) })
}

// DefaultTransientCondition matches deadline exceeded and timeout or
// temporary network errors.
func DefaultTransientCondition() RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		if err == nil {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) {
			if ne.Timeout() {
				return true
			}
			if ne.Temporary() {
				return true
			}
		}
		return false
	})
}

// WithSimpleRetry builds a basic policy: the given attempt budget, 500ms
// initial interval doubling up to 8s with jitter, retrying on transient
// errors.
func WithSimpleRetry(attempts int) RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: 500 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     8 * time.Second,
		Jitter:          true,
		RetryOn:         []RetryCondition{DefaultTransientCondition()},
	}
}
