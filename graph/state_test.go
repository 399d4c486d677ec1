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
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateClone(t *testing.T) {
	original := State{"counter": 1, "tags": []string{"a"}}
	clone := original.Clone()

	clone["counter"] = 2
	assert.Equal(t, 1, original["counter"])

	// Clone is shallow; container values are shared.
	clone["tags"].([]string)[0] = "b"
	assert.Equal(t, "b", original["tags"].([]string)[0])
}

func TestStateSchemaApplyUpdate(t *testing.T) {
	schema := NewStateSchema().
		AddField("counter", StateField{
			Type:    reflect.TypeOf(0),
			Reducer: func(existing, update any) any { return existing.(int) + update.(int) },
			Default: func() any { return 0 },
		}).
		AddField("log", StateField{
			Type:    reflect.TypeOf([]any{}),
			Reducer: AppendReducer,
		})

	state := schema.ApplyUpdate(State{}, State{"counter": 2, "log": "started"})
	assert.Equal(t, 2, state["counter"])
	assert.Equal(t, []any{"started"}, state["log"])

	state = schema.ApplyUpdate(state, State{"counter": 3, "log": []any{"a", "b"}})
	assert.Equal(t, 5, state["counter"])
	assert.Equal(t, []any{"started", "a", "b"}, state["log"])

	// Fields outside the schema are overwritten.
	state = schema.ApplyUpdate(state, State{"extra": 1})
	state = schema.ApplyUpdate(state, State{"extra": 2})
	assert.Equal(t, 2, state["extra"])

	// The input state is not mutated.
	base := State{"counter": 1}
	_ = schema.ApplyUpdate(base, State{"counter": 10})
	assert.Equal(t, 1, base["counter"])
}

func TestStateSchemaDefaultsAndValidate(t *testing.T) {
	schema := NewStateSchema().
		AddField("name", StateField{Type: reflect.TypeOf(""), Required: true}).
		AddField("retries", StateField{Type: reflect.TypeOf(0), Default: func() any { return 3 }})

	state := schema.ApplyDefaults(State{"name": "job"})
	assert.Equal(t, 3, state["retries"])

	// An existing value is not replaced by the default.
	state = schema.ApplyDefaults(State{"name": "job", "retries": 1})
	assert.Equal(t, 1, state["retries"])

	require.NoError(t, schema.Validate(State{"name": "job"}))

	err := schema.Validate(State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required field name")

	err = schema.Validate(State{"name": 42})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong type")
}

func TestStateSchemaFieldAccessors(t *testing.T) {
	schema := NewStateSchema().
		AddField("a", StateField{}).
		AddField("b", StateField{})

	field, ok := schema.Field("a")
	require.True(t, ok)
	// AddField fills in the default reducer.
	require.NotNil(t, field.Reducer)
	assert.Equal(t, "x", field.Reducer("old", "x"))

	_, ok = schema.Field("missing")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"a", "b"}, schema.FieldNames())
}

func TestAppendReducer(t *testing.T) {
	tests := []struct {
		name     string
		existing any
		update   any
		want     any
	}{
		{name: "nil existing", existing: nil, update: "a", want: []any{"a"}},
		{name: "append single", existing: []any{"a"}, update: "b", want: []any{"a", "b"}},
		{name: "append slice", existing: []any{"a"}, update: []any{"b", "c"}, want: []any{"a", "b", "c"}},
		{name: "nil update keeps existing", existing: []any{"a"}, update: nil, want: []any{"a"}},
		{name: "non-slice existing replaced", existing: "scalar", update: "b", want: "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AppendReducer(tt.existing, tt.update))
		})
	}
}

func TestStringSliceReducer(t *testing.T) {
	assert.Equal(t, []string{"a"}, StringSliceReducer(nil, []string{"a"}))
	assert.Equal(t, []string{"a", "b"}, StringSliceReducer([]string{"a"}, []string{"b"}))
	// Type mismatches fall back to replacement.
	assert.Equal(t, 7, StringSliceReducer([]string{"a"}, 7))
}

func TestMergeReducer(t *testing.T) {
	merged := MergeReducer(
		map[string]any{"a": 1, "b": 1},
		map[string]any{"b": 2, "c": 3},
	)
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, merged)

	assert.Equal(t, map[string]any{"a": 1}, MergeReducer(nil, map[string]any{"a": 1}))
	assert.Equal(t, "replacement", MergeReducer(map[string]any{"a": 1}, "replacement"))
}
