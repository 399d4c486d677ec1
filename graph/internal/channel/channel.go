//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package channel implements the channel variants nodes communicate through.
// Channels are value-oriented: the scheduler reconstructs them from the last
// checkpoint at every superstep, applies the step's grouped writes exactly
// once, then snapshots them back. Instances are not safe for concurrent use;
// the Manager serializes access.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Behavior identifies a channel variant.
type Behavior int

const (
	// BehaviorLastValue stores the single value written in a step.
	BehaviorLastValue Behavior = iota
	// BehaviorAnyValue stores the last of possibly many writes.
	BehaviorAnyValue
	// BehaviorEphemeral stores a value visible only the step after the write.
	BehaviorEphemeral
	// BehaviorTopic accumulates values as a list (pub/sub).
	BehaviorTopic
	// BehaviorBinaryOperator folds writes through a binary operator.
	BehaviorBinaryOperator
	// BehaviorNamedBarrier waits for a fixed set of writers.
	BehaviorNamedBarrier
	// BehaviorNamedBarrierAfterFinish waits for a fixed set of writers and
	// an explicit Finish call.
	BehaviorNamedBarrierAfterFinish
	// BehaviorDynamicBarrier waits for a set of writers declared at runtime.
	BehaviorDynamicBarrier
)

// String returns the behavior name.
func (b Behavior) String() string {
	switch b {
	case BehaviorLastValue:
		return "last_value"
	case BehaviorAnyValue:
		return "any_value"
	case BehaviorEphemeral:
		return "ephemeral"
	case BehaviorTopic:
		return "topic"
	case BehaviorBinaryOperator:
		return "binary_operator"
	case BehaviorNamedBarrier:
		return "named_barrier"
	case BehaviorNamedBarrierAfterFinish:
		return "named_barrier_after_finish"
	case BehaviorDynamicBarrier:
		return "dynamic_barrier"
	default:
		return fmt.Sprintf("behavior(%d)", int(b))
	}
}

var (
	// ErrEmptyChannel is returned when reading a channel that is not available.
	ErrEmptyChannel = errors.New("channel is empty")
	// ErrInvalidUpdate is returned when a channel rejects a write.
	ErrInvalidUpdate = errors.New("invalid channel update")
)

// WaitForNames is the priming payload of a dynamic barrier. The first write
// declares the set of names the barrier waits for.
type WaitForNames struct {
	Names []any `json:"names"`
}

// Channel is the contract shared by all variants.
//
// Update applies one step's grouped writes and reports whether the channel
// changed. Get and Checkpoint fail with ErrEmptyChannel while the channel is
// unavailable. FromCheckpoint returns a fresh instance seeded from a snapshot
// previously produced by Checkpoint. Consume is invoked by the scheduler on
// channels that triggered a node after that node ran; Finish is invoked when
// the run is about to end.
type Channel interface {
	Behavior() Behavior
	Update(values []any) (bool, error)
	Get() (any, error)
	Checkpoint() (any, error)
	FromCheckpoint(value any) Channel
	Consume() bool
	Finish() bool
	IsAvailable() bool
}

// BinaryOperator folds an update into the current value.
type BinaryOperator func(current, update any) any

// Spec declares a channel: its behavior plus the options the behavior needs.
// A Spec is immutable after compilation and acts as the channel factory.
type Spec struct {
	Behavior Behavior
	// Names is the writer set of a named barrier.
	Names []string
	// Unique deduplicates topic values by structural key.
	Unique bool
	// Accumulate keeps topic values across steps.
	Accumulate bool
	// Operator folds writes for BehaviorBinaryOperator.
	Operator BinaryOperator
	// Zero seeds the initial value for BehaviorBinaryOperator. Optional.
	Zero func() any
}

// New creates an empty channel instance for the spec.
func (s Spec) New() Channel {
	switch s.Behavior {
	case BehaviorAnyValue:
		return &anyValue{}
	case BehaviorEphemeral:
		return &ephemeralValue{}
	case BehaviorTopic:
		return &topic{unique: s.Unique, accumulate: s.Accumulate}
	case BehaviorBinaryOperator:
		agg := &binaryOperator{op: s.Operator, zero: s.Zero}
		if s.Zero != nil {
			agg.value = s.Zero()
			agg.set = true
		}
		return agg
	case BehaviorNamedBarrier:
		return &namedBarrier{names: newNameSet(s.Names), seen: map[string]bool{}}
	case BehaviorNamedBarrierAfterFinish:
		return &namedBarrier{names: newNameSet(s.Names), seen: map[string]bool{}, afterFinish: true}
	case BehaviorDynamicBarrier:
		return &dynamicBarrier{}
	default:
		return &lastValue{}
	}
}

// keyOf derives a structural identity for a value, used for dedup and for
// barrier membership of non-string names.
func keyOf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%#v", v)
}

func newNameSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toStringSlice normalizes a checkpointed name list, which arrives as
// []string in process and as []any after a serializer round trip.
func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Manager owns the channel instances of one running graph. All access goes
// through the manager so channel implementations stay lock-free.
type Manager struct {
	mu       sync.RWMutex
	specs    map[string]Spec
	channels map[string]Channel
}

// NewManager creates a manager with fresh channels for every spec.
func NewManager(specs map[string]Spec) *Manager {
	m := &Manager{
		specs:    make(map[string]Spec, len(specs)),
		channels: make(map[string]Channel, len(specs)),
	}
	for name, spec := range specs {
		m.specs[name] = spec
		m.channels[name] = spec.New()
	}
	return m
}

// AddSpec declares one more channel. Existing instances are kept.
func (m *Manager) AddSpec(name string, spec Spec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.specs[name]; ok {
		return
	}
	m.specs[name] = spec
	m.channels[name] = spec.New()
}

// Has reports whether a channel is declared.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.specs[name]
	return ok
}

// Restore rebuilds every channel from checkpointed values. Channels missing
// from the snapshot start empty.
func (m *Manager) Restore(values map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, spec := range m.specs {
		fresh := spec.New()
		if v, ok := values[name]; ok {
			fresh = fresh.FromCheckpoint(v)
		}
		m.channels[name] = fresh
	}
}

// Update applies one step's writes to a channel.
func (m *Manager) Update(name string, values []any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return false, fmt.Errorf("%w: unknown channel %q", ErrInvalidUpdate, name)
	}
	updated, err := ch.Update(values)
	if err != nil {
		return false, fmt.Errorf("channel %q: %w", name, err)
	}
	return updated, nil
}

// Get returns the current value of a channel.
func (m *Manager) Get(name string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrEmptyChannel, name)
	}
	v, err := ch.Get()
	if err != nil {
		return nil, fmt.Errorf("channel %q: %w", name, err)
	}
	return v, nil
}

// IsAvailable reports whether a channel can be read.
func (m *Manager) IsAvailable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ok && ch.IsAvailable()
}

// Consume clears the spent state of a trigger channel after its subscriber
// ran. It reports whether the channel changed.
func (m *Manager) Consume(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return false
	}
	return ch.Consume()
}

// Finish notifies every channel that the run is ending. It reports whether
// any channel changed, which schedules one more step.
func (m *Manager) Finish() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, ch := range m.channels {
		if ch.Finish() {
			changed = true
		}
	}
	return changed
}

// Snapshot serializes all available channels. Unavailable channels are
// omitted so a later Restore recreates them empty.
func (m *Manager) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make(map[string]any, len(m.channels))
	for name, ch := range m.channels {
		v, err := ch.Checkpoint()
		if err != nil {
			continue
		}
		values[name] = v
	}
	return values
}

// Names returns all declared channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spec returns the declaration of a channel.
func (m *Manager) Spec(name string) (Spec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.specs[name]
	return spec, ok
}
