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
	"fmt"
	"reflect"
	"sync"
)

// State is the shared data structure flowing between nodes. Values a node
// returns are merged into it field by field through the schema's reducers.
type State map[string]any

// Clone creates a shallow copy of the state. Nodes receive clones so a
// node mutating its input map cannot leak writes to peers running in the
// same superstep.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// StateReducer merges an update into the existing value of one field.
type StateReducer func(existing, update any) any

// StateField describes one field of the state schema.
type StateField struct {
	Type     reflect.Type
	Reducer  StateReducer
	Default  func() any
	Required bool
}

// StateSchema defines the fields of the graph state and how concurrent
// updates to each field combine.
type StateSchema struct {
	mu     sync.RWMutex
	Fields map[string]StateField
}

// NewStateSchema creates an empty state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{Fields: make(map[string]StateField)}
}

// AddField adds a field to the schema. A field without a reducer gets
// DefaultReducer.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	if field.Reducer == nil {
		field.Reducer = DefaultReducer
	}
	s.Fields[name] = field
	return s
}

// Field returns the schema entry for a field name.
func (s *StateSchema) Field(name string) (StateField, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	field, ok := s.Fields[name]
	return field, ok
}

// FieldNames returns the declared field names.
func (s *StateSchema) FieldNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	return names
}

// ApplyUpdate merges update into currentState using the field reducers.
// Fields without a schema entry are overwritten.
func (s *StateSchema) ApplyUpdate(currentState State, update State) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := currentState.Clone()
	for key, updateValue := range update {
		field, exists := s.Fields[key]
		if !exists {
			result[key] = updateValue
			continue
		}
		currentValue, hasCurrentValue := result[key]
		if !hasCurrentValue && field.Default != nil {
			currentValue = field.Default()
		}
		result[key] = field.Reducer(currentValue, updateValue)
	}
	return result
}

// ApplyDefaults fills missing fields that declare a default factory.
func (s *StateSchema) ApplyDefaults(state State) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := state.Clone()
	for name, field := range s.Fields {
		if _, ok := result[name]; !ok && field.Default != nil {
			result[name] = field.Default()
		}
	}
	return result
}

// Validate checks required fields and declared types.
func (s *StateSchema) Validate(state State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, field := range s.Fields {
		value, exists := state[name]
		if field.Required && !exists {
			return fmt.Errorf("required field %s is missing", name)
		}
		if exists && value != nil && field.Type != nil {
			valueType := reflect.TypeOf(value)
			if !valueType.AssignableTo(field.Type) {
				return fmt.Errorf("field %s has wrong type: expected %v, got %v",
					name, field.Type, valueType)
			}
		}
	}
	return nil
}

// Common reducer functions.

// DefaultReducer overwrites the existing value with the update.
func DefaultReducer(existing, update any) any {
	return update
}

// AppendReducer appends the update to the existing slice. A non-slice
// update is appended as a single element.
func AppendReducer(existing, update any) any {
	existingSlice, ok := existing.([]any)
	if existing != nil && !ok {
		return update
	}
	switch u := update.(type) {
	case nil:
		return existingSlice
	case []any:
		return append(existingSlice, u...)
	default:
		return append(existingSlice, u)
	}
}

// StringSliceReducer appends string slices specifically.
func StringSliceReducer(existing, update any) any {
	if existing == nil {
		existing = []string{}
	}
	existingSlice, ok1 := existing.([]string)
	updateSlice, ok2 := update.([]string)
	if !ok1 || !ok2 {
		return update
	}
	return append(existingSlice, updateSlice...)
}

// MergeReducer merges the update map into the existing map, update wins.
func MergeReducer(existing, update any) any {
	if existing == nil {
		existing = make(map[string]any)
	}
	existingMap, ok1 := existing.(map[string]any)
	updateMap, ok2 := update.(map[string]any)
	if !ok1 || !ok2 {
		return update
	}
	result := make(map[string]any, len(existingMap)+len(updateMap))
	for k, v := range existingMap {
		result[k] = v
	}
	for k, v := range updateMap {
		result[k] = v
	}
	return result
}
