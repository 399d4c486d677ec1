//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory implements the long-term store on process memory. It
// serves tests and single-process development, and optionally carries a
// vector index so Search can rank by similarity.
package inmemory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-graph-go/store"
)

var _ store.Store = (*Store)(nil)

const (
	defaultSearchLimit = 10
	defaultListLimit   = 100
)

// nsSeparator joins namespace labels into map keys. Labels cannot contain
// ".", so the join is reversible.
const nsSeparator = "."

// item is one stored record plus its index bookkeeping.
type item struct {
	value     map[string]any
	createdAt time.Time
	updatedAt time.Time
	expiresAt time.Time
	vector    []float64
}

func (it *item) live(now time.Time) bool {
	return it.expiresAt.IsZero() || now.Before(it.expiresAt)
}

// Store is an in-memory store.Store.
type Store struct {
	mu         sync.Mutex
	namespaces map[string]map[string]*item
	index      *store.IndexConfig
}

// Option configures the store.
type Option func(*Store)

// WithVectorIndex enables similarity search. Puts embed the configured
// fields of each value; Search with a query ranks by cosine similarity.
func WithVectorIndex(cfg store.IndexConfig) Option {
	return func(s *Store) {
		s.index = &cfg
	}
}

// NewStore creates an in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		namespaces: make(map[string]map[string]*item),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) indexEnabled() bool {
	return s.index != nil && s.index.Dims > 0 && s.index.Embedder != nil
}

// Get returns the item or nil when the key is absent or expired. Expired
// entries are swept as they are seen.
func (s *Store) Get(ctx context.Context, namespace []string, key string) (*store.Item, error) {
	if err := store.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	nsKey := strings.Join(namespace, nsSeparator)
	items := s.namespaces[nsKey]
	it, ok := items[key]
	if !ok {
		return nil, nil
	}
	if !it.live(time.Now()) {
		delete(items, key)
		if len(items) == 0 {
			delete(s.namespaces, nsKey)
		}
		return nil, nil
	}
	return exportItem(namespace, key, it), nil
}

// Put stores value under (namespace, key), replacing any prior item but
// keeping its creation time.
func (s *Store) Put(ctx context.Context, namespace []string, key string, value map[string]any, opts ...store.PutOption) error {
	if err := store.ValidateNamespace(namespace); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: empty key", store.ErrInvalidNamespace)
	}
	var options store.PutOptions
	for _, opt := range opts {
		opt(&options)
	}
	stored, err := copyValue(value)
	if err != nil {
		return fmt.Errorf("copy value: %w", err)
	}

	// Embed outside the lock; the embedder may be slow or remote.
	var vector []float64
	if s.indexEnabled() && !options.NoIndex {
		fields := options.Index
		if len(fields) == 0 {
			fields = s.index.Fields
		}
		vector, err = s.embedValue(ctx, stored, fields)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	nsKey := strings.Join(namespace, nsSeparator)
	items := s.namespaces[nsKey]
	if items == nil {
		items = make(map[string]*item)
		s.namespaces[nsKey] = items
	}
	now := time.Now()
	next := &item{
		value:     stored,
		createdAt: now,
		updatedAt: now,
		vector:    vector,
	}
	if prior, ok := items[key]; ok && prior.live(now) {
		next.createdAt = prior.createdAt
	}
	if options.TTL > 0 {
		next.expiresAt = now.Add(options.TTL)
	}
	items[key] = next
	return nil
}

// Delete removes the item. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, namespace []string, key string) error {
	if err := store.ValidateNamespace(namespace); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nsKey := strings.Join(namespace, nsSeparator)
	items := s.namespaces[nsKey]
	delete(items, key)
	if len(items) == 0 {
		delete(s.namespaces, nsKey)
	}
	return nil
}

// Search returns items under the namespace prefix. Without a query the
// newest items come first; with one, the most similar.
func (s *Store) Search(ctx context.Context, prefix []string, opts ...store.SearchOption) ([]store.SearchItem, error) {
	var options store.SearchOptions
	for _, opt := range opts {
		opt(&options)
	}
	var query []float64
	if options.Query != "" {
		if !s.indexEnabled() {
			return nil, fmt.Errorf("search query %q requires a vector index", options.Query)
		}
		vectors, err := s.index.Embedder(ctx, []string{options.Query})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		if len(vectors) != 1 || len(vectors[0]) != s.index.Dims {
			return nil, fmt.Errorf("embedder returned %d vectors, want 1 of %d dims", len(vectors), s.index.Dims)
		}
		query = vectors[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var results []store.SearchItem
	for nsKey, items := range s.namespaces {
		namespace := strings.Split(nsKey, nsSeparator)
		if !hasPrefix(namespace, prefix) {
			continue
		}
		for key, it := range items {
			if !it.live(now) {
				delete(items, key)
				continue
			}
			if !matchesFilter(it.value, options.Filter) {
				continue
			}
			if query != nil && it.vector == nil {
				// Unindexed items cannot be ranked.
				continue
			}
			res := store.SearchItem{Item: *exportItem(namespace, key, it)}
			if query != nil {
				res.Score = cosine(query, it.vector)
			}
			results = append(results, res)
		}
		if len(items) == 0 {
			delete(s.namespaces, nsKey)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if query != nil && a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		an := strings.Join(a.Namespace, nsSeparator)
		bn := strings.Join(b.Namespace, nsSeparator)
		if an != bn {
			return an < bn
		}
		return a.Key < b.Key
	})
	return page(results, options.Offset, options.Limit, defaultSearchLimit), nil
}

// ListNamespaces reports the distinct namespaces holding live items,
// sorted. The label "*" in a prefix or suffix matches any single label.
func (s *Store) ListNamespaces(ctx context.Context, opts ...store.ListOption) ([][]string, error) {
	var options store.ListOptions
	for _, opt := range opts {
		opt(&options)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	seen := make(map[string][]string)
	for nsKey, items := range s.namespaces {
		for key, it := range items {
			if !it.live(now) {
				delete(items, key)
			}
		}
		if len(items) == 0 {
			delete(s.namespaces, nsKey)
			continue
		}
		namespace := strings.Split(nsKey, nsSeparator)
		if !hasPrefix(namespace, options.Prefix) || !hasSuffix(namespace, options.Suffix) {
			continue
		}
		if options.MaxDepth > 0 && len(namespace) > options.MaxDepth {
			namespace = namespace[:options.MaxDepth]
		}
		seen[strings.Join(namespace, nsSeparator)] = namespace
	}

	results := make([][]string, 0, len(seen))
	for _, namespace := range seen {
		results = append(results, namespace)
	}
	sort.Slice(results, func(i, j int) bool {
		return strings.Join(results[i], nsSeparator) < strings.Join(results[j], nsSeparator)
	})
	return page(results, options.Offset, options.Limit, defaultListLimit), nil
}

// Batch runs ops in order and returns one result per op.
func (s *Store) Batch(ctx context.Context, ops []store.Op) ([]any, error) {
	results := make([]any, len(ops))
	for i, op := range ops {
		switch t := op.(type) {
		case store.GetOp:
			it, err := s.Get(ctx, t.Namespace, t.Key)
			if err != nil {
				return nil, fmt.Errorf("batch op %d: %w", i, err)
			}
			if it != nil {
				results[i] = it
			}
		case store.PutOp:
			if err := s.Put(ctx, t.Namespace, t.Key, t.Value, t.Options...); err != nil {
				return nil, fmt.Errorf("batch op %d: %w", i, err)
			}
		case store.DeleteOp:
			if err := s.Delete(ctx, t.Namespace, t.Key); err != nil {
				return nil, fmt.Errorf("batch op %d: %w", i, err)
			}
		case store.SearchOp:
			items, err := s.Search(ctx, t.Prefix, t.Options...)
			if err != nil {
				return nil, fmt.Errorf("batch op %d: %w", i, err)
			}
			results[i] = items
		case store.ListOp:
			namespaces, err := s.ListNamespaces(ctx, t.Options...)
			if err != nil {
				return nil, fmt.Errorf("batch op %d: %w", i, err)
			}
			results[i] = namespaces
		default:
			return nil, fmt.Errorf("batch op %d: unsupported op type %T", i, op)
		}
	}
	return results, nil
}

// Close drops all data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces = make(map[string]map[string]*item)
	return nil
}

// embedValue extracts the indexed fields as text and embeds them as one
// vector.
func (s *Store) embedValue(ctx context.Context, value map[string]any, fields []string) ([]float64, error) {
	var texts []string
	if len(fields) == 0 {
		texts = append(texts, valueText(value))
	} else {
		for _, field := range fields {
			text, ok := pointerText(value, field)
			if !ok {
				continue
			}
			texts = append(texts, text)
		}
	}
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := s.index.Embedder(ctx, []string{strings.Join(texts, "\n")})
	if err != nil {
		return nil, fmt.Errorf("embed value: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) != s.index.Dims {
		return nil, fmt.Errorf("embedder returned %d vectors, want 1 of %d dims", len(vectors), s.index.Dims)
	}
	return vectors[0], nil
}

// pointerText resolves a JSON pointer like "/profile/bio" inside value.
// Strings come back as is, anything else as its JSON form.
func pointerText(value map[string]any, pointer string) (string, bool) {
	trimmed := strings.TrimPrefix(pointer, "/")
	if trimmed == "" {
		return valueText(value), true
	}
	var current any = value
	for _, part := range strings.Split(trimmed, "/") {
		m, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = m[part]
		if !ok {
			return "", false
		}
	}
	if s, ok := current.(string); ok {
		return s, true
	}
	return valueText(current), true
}

func valueText(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func exportItem(namespace []string, key string, it *item) *store.Item {
	value, err := copyValue(it.value)
	if err != nil {
		value = map[string]any{}
	}
	return &store.Item{
		Namespace: append([]string(nil), namespace...),
		Key:       key,
		Value:     value,
		CreatedAt: it.createdAt,
		UpdatedAt: it.updatedAt,
	}
}

// copyValue deep-copies through JSON so callers cannot alias stored
// state. Numbers come back as json.Number.
func copyValue(value map[string]any) (map[string]any, error) {
	if value == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// matchesFilter compares value fields via their JSON form, so 30,
// float64(30) and json.Number("30") all match each other.
func matchesFilter(value map[string]any, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := value[key]
		if !ok {
			return false
		}
		if !equalJSON(got, want) {
			return false
		}
	}
	return true
}

func equalJSON(a, b any) bool {
	da, err := json.Marshal(a)
	if err != nil {
		return false
	}
	db, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(da, db)
}

// hasPrefix reports whether namespace starts with the given labels; "*"
// matches any single label.
func hasPrefix(namespace, prefix []string) bool {
	if len(prefix) > len(namespace) {
		return false
	}
	for i, label := range prefix {
		if label != "*" && namespace[i] != label {
			return false
		}
	}
	return true
}

func hasSuffix(namespace, suffix []string) bool {
	if len(suffix) > len(namespace) {
		return false
	}
	offset := len(namespace) - len(suffix)
	for i, label := range suffix {
		if label != "*" && namespace[offset+i] != label {
			return false
		}
	}
	return true
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func page[T any](results []T, offset, limit, defaultLimit int) []T {
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset >= len(results) {
		return nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
