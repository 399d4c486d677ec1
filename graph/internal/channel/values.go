//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package channel

import "fmt"

// lastValue holds the single value written in a step.
type lastValue struct {
	value any
	set   bool
}

// Behavior implements Channel.
func (*lastValue) Behavior() Behavior { return BehaviorLastValue }

// Update implements Channel. More than one write per step is rejected.
func (c *lastValue) Update(values []any) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	if len(values) > 1 {
		return false, fmt.Errorf("%w: last-value channel received %d writes in one step", ErrInvalidUpdate, len(values))
	}
	c.value = values[0]
	c.set = true
	return true, nil
}

// Get implements Channel.
func (c *lastValue) Get() (any, error) {
	if !c.set {
		return nil, ErrEmptyChannel
	}
	return c.value, nil
}

// Checkpoint implements Channel.
func (c *lastValue) Checkpoint() (any, error) {
	if !c.set {
		return nil, ErrEmptyChannel
	}
	return c.value, nil
}

// FromCheckpoint implements Channel.
func (c *lastValue) FromCheckpoint(value any) Channel {
	return &lastValue{value: value, set: true}
}

// Consume implements Channel.
func (*lastValue) Consume() bool { return false }

// Finish implements Channel.
func (*lastValue) Finish() bool { return false }

// IsAvailable implements Channel.
func (c *lastValue) IsAvailable() bool { return c.set }

// anyValue keeps the last of possibly many writes without complaint.
type anyValue struct {
	value any
	set   bool
}

func (*anyValue) Behavior() Behavior { return BehaviorAnyValue }

func (c *anyValue) Update(values []any) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	c.value = values[len(values)-1]
	c.set = true
	return true, nil
}

func (c *anyValue) Get() (any, error) {
	if !c.set {
		return nil, ErrEmptyChannel
	}
	return c.value, nil
}

func (c *anyValue) Checkpoint() (any, error) {
	if !c.set {
		return nil, ErrEmptyChannel
	}
	return c.value, nil
}

func (c *anyValue) FromCheckpoint(value any) Channel {
	return &anyValue{value: value, set: true}
}

func (*anyValue) Consume() bool { return false }

func (*anyValue) Finish() bool { return false }

func (c *anyValue) IsAvailable() bool { return c.set }

// ephemeralValue is visible only during the step after the write. The
// scheduler clears it by applying an empty update at the next commit.
type ephemeralValue struct {
	value any
	set   bool
}

func (*ephemeralValue) Behavior() Behavior { return BehaviorEphemeral }

// Update implements Channel. An empty update clears the value; that is how
// the scheduler expires ephemerals at step boundaries.
func (c *ephemeralValue) Update(values []any) (bool, error) {
	if len(values) == 0 {
		if c.set {
			c.value = nil
			c.set = false
			return true, nil
		}
		return false, nil
	}
	if len(values) > 1 {
		return false, fmt.Errorf("%w: ephemeral channel received %d writes in one step", ErrInvalidUpdate, len(values))
	}
	c.value = values[0]
	c.set = true
	return true, nil
}

func (c *ephemeralValue) Get() (any, error) {
	if !c.set {
		return nil, ErrEmptyChannel
	}
	return c.value, nil
}

func (c *ephemeralValue) Checkpoint() (any, error) {
	if !c.set {
		return nil, ErrEmptyChannel
	}
	return c.value, nil
}

func (c *ephemeralValue) FromCheckpoint(value any) Channel {
	return &ephemeralValue{value: value, set: true}
}

func (*ephemeralValue) Consume() bool { return false }

func (*ephemeralValue) Finish() bool { return false }

func (c *ephemeralValue) IsAvailable() bool { return c.set }

// topic is a pub-sub list of values. Options: unique deduplicates by
// structural key within the visible window, accumulate keeps values across
// steps instead of replacing them each step.
type topic struct {
	values     []any
	unique     bool
	accumulate bool
}

func (*topic) Behavior() Behavior { return BehaviorTopic }

// Update implements Channel. Slice writes are flattened one level so a node
// can publish several values at once.
func (c *topic) Update(values []any) (bool, error) {
	before := len(c.values)
	replaced := false
	if !c.accumulate && len(values) > 0 {
		c.values = nil
		replaced = true
	}
	seen := make(map[string]bool, len(c.values))
	if c.unique {
		for _, v := range c.values {
			seen[keyOf(v)] = true
		}
	}
	for _, v := range flatten(values) {
		if c.unique {
			k := keyOf(v)
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		c.values = append(c.values, v)
	}
	return replaced || len(c.values) != before, nil
}

func (c *topic) Get() (any, error) {
	if len(c.values) == 0 {
		return nil, ErrEmptyChannel
	}
	out := make([]any, len(c.values))
	copy(out, c.values)
	return out, nil
}

func (c *topic) Checkpoint() (any, error) {
	if len(c.values) == 0 {
		return nil, ErrEmptyChannel
	}
	out := make([]any, len(c.values))
	copy(out, c.values)
	return out, nil
}

func (c *topic) FromCheckpoint(value any) Channel {
	restored := &topic{unique: c.unique, accumulate: c.accumulate}
	switch vv := value.(type) {
	case []any:
		restored.values = append(restored.values, vv...)
	case nil:
	default:
		restored.values = []any{vv}
	}
	return restored
}

func (*topic) Consume() bool { return false }

func (*topic) Finish() bool { return false }

func (c *topic) IsAvailable() bool { return len(c.values) > 0 }

func flatten(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		if nested, ok := v.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, v)
	}
	return out
}

// binaryOperator folds writes through op in arrival order. A zero factory
// seeds the initial value; without one the first write initializes.
type binaryOperator struct {
	op    BinaryOperator
	zero  func() any
	value any
	set   bool
}

func (*binaryOperator) Behavior() Behavior { return BehaviorBinaryOperator }

func (c *binaryOperator) Update(values []any) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	if c.op == nil {
		return false, fmt.Errorf("%w: binary-operator channel has no operator", ErrInvalidUpdate)
	}
	rest := values
	if !c.set {
		c.value = values[0]
		c.set = true
		rest = values[1:]
	}
	for _, v := range rest {
		c.value = c.op(c.value, v)
	}
	return true, nil
}

func (c *binaryOperator) Get() (any, error) {
	if !c.set {
		return nil, ErrEmptyChannel
	}
	return c.value, nil
}

func (c *binaryOperator) Checkpoint() (any, error) {
	if !c.set {
		return nil, ErrEmptyChannel
	}
	return c.value, nil
}

func (c *binaryOperator) FromCheckpoint(value any) Channel {
	return &binaryOperator{op: c.op, zero: c.zero, value: value, set: true}
}

func (*binaryOperator) Consume() bool { return false }

func (*binaryOperator) Finish() bool { return false }

func (c *binaryOperator) IsAvailable() bool { return c.set }
