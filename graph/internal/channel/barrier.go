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

// namedBarrier waits until every declared name has written. With afterFinish
// set it additionally requires an explicit Finish before becoming available.
type namedBarrier struct {
	names       map[string]bool
	seen        map[string]bool
	afterFinish bool
	finished    bool
}

// Behavior implements Channel.
func (c *namedBarrier) Behavior() Behavior {
	if c.afterFinish {
		return BehaviorNamedBarrierAfterFinish
	}
	return BehaviorNamedBarrier
}

// Update implements Channel. Writes outside the declared name set are
// rejected; repeated writes of the same name are idempotent.
func (c *namedBarrier) Update(values []any) (bool, error) {
	changed := false
	for _, v := range values {
		key := keyOf(v)
		if !c.names[key] {
			return false, fmt.Errorf("%w: %q is not in the barrier set %v", ErrInvalidUpdate, key, sortedKeys(c.names))
		}
		if !c.seen[key] {
			c.seen[key] = true
			changed = true
		}
	}
	return changed, nil
}

// Get implements Channel. A barrier carries no payload; an available barrier
// reads as nil.
func (c *namedBarrier) Get() (any, error) {
	if !c.IsAvailable() {
		return nil, ErrEmptyChannel
	}
	return nil, nil
}

// Checkpoint implements Channel.
func (c *namedBarrier) Checkpoint() (any, error) {
	if len(c.seen) == 0 && !c.finished {
		return nil, ErrEmptyChannel
	}
	if c.afterFinish {
		return map[string]any{
			"seen":     sortedKeys(c.seen),
			"finished": c.finished,
		}, nil
	}
	return sortedKeys(c.seen), nil
}

// FromCheckpoint implements Channel.
func (c *namedBarrier) FromCheckpoint(value any) Channel {
	restored := &namedBarrier{
		names:       c.names,
		seen:        map[string]bool{},
		afterFinish: c.afterFinish,
	}
	if c.afterFinish {
		if m, ok := value.(map[string]any); ok {
			for _, name := range toStringSlice(m["seen"]) {
				restored.seen[name] = true
			}
			if finished, ok := m["finished"].(bool); ok {
				restored.finished = finished
			}
		}
		return restored
	}
	for _, name := range toStringSlice(value) {
		restored.seen[name] = true
	}
	return restored
}

// Consume implements Channel. It empties seen so the barrier can go another
// round.
func (c *namedBarrier) Consume() bool {
	if !c.IsAvailable() {
		return false
	}
	c.seen = map[string]bool{}
	c.finished = false
	return true
}

// Finish implements Channel.
func (c *namedBarrier) Finish() bool {
	if !c.afterFinish || c.finished {
		return false
	}
	c.finished = true
	return true
}

// IsAvailable implements Channel.
func (c *namedBarrier) IsAvailable() bool {
	if c.afterFinish && !c.finished {
		return false
	}
	return c.seenAll()
}

func (c *namedBarrier) seenAll() bool {
	if len(c.seen) != len(c.names) {
		return false
	}
	for name := range c.names {
		if !c.seen[name] {
			return false
		}
	}
	return len(c.names) > 0
}

// dynamicBarrier learns its name set at runtime: the first write must be a
// lone WaitForNames payload, after which it behaves like a named barrier.
type dynamicBarrier struct {
	names map[string]bool
	seen  map[string]bool
}

// Behavior implements Channel.
func (*dynamicBarrier) Behavior() Behavior { return BehaviorDynamicBarrier }

// Update implements Channel.
func (c *dynamicBarrier) Update(values []any) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	priming := 0
	for _, v := range values {
		switch v.(type) {
		case WaitForNames, *WaitForNames:
			priming++
		}
	}
	if priming > 0 {
		if priming != 1 || len(values) != 1 {
			return false, fmt.Errorf("%w: dynamic barrier expects exactly one WaitForNames payload", ErrInvalidUpdate)
		}
		var names []any
		switch wfn := values[0].(type) {
		case WaitForNames:
			names = wfn.Names
		case *WaitForNames:
			names = wfn.Names
		}
		c.names = make(map[string]bool, len(names))
		for _, n := range names {
			c.names[keyOf(n)] = true
		}
		return true, nil
	}
	if c.names == nil {
		return false, fmt.Errorf("%w: dynamic barrier has not been primed with WaitForNames", ErrInvalidUpdate)
	}
	changed := false
	for _, v := range values {
		key := keyOf(v)
		if !c.names[key] {
			return false, fmt.Errorf("%w: %q is not in the barrier set %v", ErrInvalidUpdate, key, sortedKeys(c.names))
		}
		if c.seen == nil {
			c.seen = map[string]bool{}
		}
		if !c.seen[key] {
			c.seen[key] = true
			changed = true
		}
	}
	return changed, nil
}

// Get implements Channel.
func (c *dynamicBarrier) Get() (any, error) {
	if !c.IsAvailable() {
		return nil, ErrEmptyChannel
	}
	return nil, nil
}

// Checkpoint implements Channel.
func (c *dynamicBarrier) Checkpoint() (any, error) {
	if c.names == nil && len(c.seen) == 0 {
		return nil, ErrEmptyChannel
	}
	snapshot := map[string]any{
		"seen": sortedKeys(c.seen),
	}
	if c.names != nil {
		snapshot["names"] = sortedKeys(c.names)
	}
	return snapshot, nil
}

// FromCheckpoint implements Channel.
func (c *dynamicBarrier) FromCheckpoint(value any) Channel {
	restored := &dynamicBarrier{}
	m, ok := value.(map[string]any)
	if !ok {
		return restored
	}
	if names, ok := m["names"]; ok {
		restored.names = newNameSet(toStringSlice(names))
	}
	seen := toStringSlice(m["seen"])
	if len(seen) > 0 {
		restored.seen = newNameSet(seen)
	}
	return restored
}

// Consume implements Channel. It resets the barrier to the priming state.
func (c *dynamicBarrier) Consume() bool {
	if !c.IsAvailable() {
		return false
	}
	c.names = nil
	c.seen = nil
	return true
}

// Finish implements Channel.
func (*dynamicBarrier) Finish() bool { return false }

// IsAvailable implements Channel.
func (c *dynamicBarrier) IsAvailable() bool {
	if c.names == nil || len(c.names) == 0 {
		return false
	}
	if len(c.seen) != len(c.names) {
		return false
	}
	for name := range c.names {
		if !c.seen[name] {
			return false
		}
	}
	return true
}
