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
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Tagged envelopes for values plain JSON cannot round-trip. A []byte stored
// in a channel must come back as []byte after a saver round trip, not as a
// base64 string, and a time.Time must come back as time.Time.
const (
	typeTagKey = "__type__"

	typeTagBytes = "bytes"
	typeTagTime  = "time"

	tagFieldBase64 = "base64"
	tagFieldValue  = "value"
)

// Serializer converts checkpoint payloads to and from bytes. Savers share one
// serializer so every backend stores the same wire form.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer is the default Serializer: JSON with tagged envelopes for
// []byte and time.Time values, and json.Number decoding so int64 channel
// versions survive without float rounding.
type JSONSerializer struct{}

// NewJSONSerializer returns the default serializer.
func NewJSONSerializer() *JSONSerializer { return &JSONSerializer{} }

// Marshal encodes v. Checkpoints and metadata get their dynamic value trees
// tagged before encoding; bare value trees are tagged directly.
func (s *JSONSerializer) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case *Checkpoint:
		if t == nil {
			return json.Marshal(nil)
		}
		cp := *t
		cp.ChannelValues = encodeValueMap(t.ChannelValues)
		if len(t.PendingSends) > 0 {
			cp.PendingSends = make([]PendingSend, len(t.PendingSends))
			for i, ps := range t.PendingSends {
				ps.Value = encodeValue(ps.Value)
				cp.PendingSends[i] = ps
			}
		}
		if t.InterruptState != nil {
			is := *t.InterruptState
			is.InterruptValue = encodeValue(is.InterruptValue)
			if len(is.ResumeValues) > 0 {
				rv := make([]any, len(is.ResumeValues))
				for i := range is.ResumeValues {
					rv[i] = encodeValue(is.ResumeValues[i])
				}
				is.ResumeValues = rv
			}
			cp.InterruptState = &is
		}
		return json.Marshal(&cp)
	case *CheckpointMetadata:
		if t == nil {
			return json.Marshal(nil)
		}
		m := *t
		m.Writes = encodeValueMap(m.Writes)
		m.Extra = encodeValueMap(m.Extra)
		return json.Marshal(&m)
	default:
		return json.Marshal(encodeValue(v))
	}
}

// Unmarshal decodes data into v, reviving tagged envelopes inside any-typed
// positions. Numbers inside those positions decode as json.Number.
func (s *JSONSerializer) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	switch t := v.(type) {
	case *Checkpoint:
		t.ChannelValues = decodeValueMap(t.ChannelValues)
		for i := range t.PendingSends {
			t.PendingSends[i].Value = decodeValue(t.PendingSends[i].Value)
		}
		if t.InterruptState != nil {
			t.InterruptState.InterruptValue = decodeValue(t.InterruptState.InterruptValue)
			for i := range t.InterruptState.ResumeValues {
				t.InterruptState.ResumeValues[i] = decodeValue(t.InterruptState.ResumeValues[i])
			}
		}
	case *CheckpointMetadata:
		t.Writes = decodeValueMap(t.Writes)
		t.Extra = decodeValueMap(t.Extra)
	case *map[string]any:
		*t = decodeValueMap(*t)
	case *State:
		*t = State(decodeValueMap(map[string]any(*t)))
	case *any:
		*t = decodeValue(*t)
	}
	return nil
}

func encodeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return map[string]any{
			typeTagKey:     typeTagBytes,
			tagFieldBase64: base64.StdEncoding.EncodeToString(t),
		}
	case time.Time:
		return map[string]any{
			typeTagKey:    typeTagTime,
			tagFieldValue: t.UTC().Format(time.RFC3339Nano),
		}
	case State:
		return encodeValueMap(map[string]any(t))
	case map[string]any:
		return encodeValueMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = encodeValue(t[i])
		}
		return out
	default:
		return v
	}
}

func encodeValueMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = encodeValue(v)
	}
	return out
}

func decodeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if tag, ok := t[typeTagKey].(string); ok {
			switch tag {
			case typeTagBytes:
				if s, ok := t[tagFieldBase64].(string); ok {
					if b, err := base64.StdEncoding.DecodeString(s); err == nil {
						return b
					}
				}
			case typeTagTime:
				if s, ok := t[tagFieldValue].(string); ok {
					if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
						return ts
					}
				}
			}
		}
		return decodeValueMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = decodeValue(t[i])
		}
		return out
	default:
		return v
	}
}

func decodeValueMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = decodeValue(v)
	}
	return out
}

var defaultSerializer = NewJSONSerializer()

// deepCopy clones a checkpoint value through the serializer. Checkpoint
// values must be serializable for savers to persist them, so a failed round
// trip falls back to returning the value unchanged.
func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	data, err := defaultSerializer.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := defaultSerializer.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopyStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
