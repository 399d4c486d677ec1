//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package store defines the long-term store offered to graph nodes. Unlike
// checkpoints, which belong to one thread, the store keeps values under
// hierarchical namespaces that outlive any single run: user profiles,
// accumulated facts, cached artifacts. Backends may add a vector index so
// Search can rank items by semantic similarity.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// reservedRootLabel is the namespace root kept for the engine's own
// bookkeeping; user namespaces must not start with it.
const reservedRootLabel = "trpc"

var (
	// ErrInvalidNamespace reports a namespace that violates the label rules.
	ErrInvalidNamespace = errors.New("invalid namespace")
	// ErrReservedNamespace reports a namespace under the reserved root.
	ErrReservedNamespace = errors.New("namespace root is reserved")
)

// Item is one stored record.
type Item struct {
	// Namespace is the hierarchical path the item lives under.
	Namespace []string `json:"namespace"`
	// Key identifies the item within its namespace.
	Key string `json:"key"`
	// Value is the stored document.
	Value map[string]any `json:"value"`
	// CreatedAt is when the item was first put.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the item was last put.
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchItem is an Item with its search score.
type SearchItem struct {
	Item
	// Score is the cosine similarity to the query, zero when the search
	// had no query.
	Score float64 `json:"score"`
}

// Embedder turns texts into vectors for the index. Implementations
// typically call an embedding model; tests use a deterministic stub.
type Embedder func(ctx context.Context, texts []string) ([][]float64, error)

// IndexConfig enables vector search on a store.
type IndexConfig struct {
	// Dims is the embedding dimensionality; vectors of any other length
	// are rejected.
	Dims int
	// Embedder produces the vectors.
	Embedder Embedder
	// Fields are JSON pointers into the value selecting the text to
	// embed, for example "/summary" or "/profile/bio". Empty means the
	// whole value.
	Fields []string
}

// PutOptions collects options for Put.
type PutOptions struct {
	// TTL bounds the item's lifetime; zero keeps it forever.
	TTL time.Duration
	// Index overrides the store's indexed fields for this item.
	Index []string
	// NoIndex excludes the item from the vector index.
	NoIndex bool
}

// PutOption configures a Put call.
type PutOption func(*PutOptions)

// WithTTL expires the item after d. Each Put of the same key restarts the
// clock.
func WithTTL(d time.Duration) PutOption {
	return func(o *PutOptions) {
		o.TTL = d
	}
}

// WithIndex selects which JSON pointers of the value feed the vector
// index for this item.
func WithIndex(fields ...string) PutOption {
	return func(o *PutOptions) {
		o.Index = append(o.Index, fields...)
	}
}

// WithoutIndex keeps the item out of the vector index.
func WithoutIndex() PutOption {
	return func(o *PutOptions) {
		o.NoIndex = true
	}
}

// SearchOptions collects options for Search.
type SearchOptions struct {
	// Filter keeps only items whose value fields equal these exactly.
	Filter map[string]any
	// Query ranks items by similarity; requires a vector index.
	Query string
	// Limit caps the result count. Zero means the default of 10.
	Limit int
	// Offset skips that many results for paging.
	Offset int
}

// SearchOption configures a Search call.
type SearchOption func(*SearchOptions)

// WithFilter keeps only items whose value fields match exactly.
func WithFilter(filter map[string]any) SearchOption {
	return func(o *SearchOptions) {
		o.Filter = filter
	}
}

// WithQuery ranks results by semantic similarity to query.
func WithQuery(query string) SearchOption {
	return func(o *SearchOptions) {
		o.Query = query
	}
}

// WithLimit caps the number of results.
func WithLimit(limit int) SearchOption {
	return func(o *SearchOptions) {
		o.Limit = limit
	}
}

// WithOffset skips the first offset results.
func WithOffset(offset int) SearchOption {
	return func(o *SearchOptions) {
		o.Offset = offset
	}
}

// ListOptions collects options for ListNamespaces.
type ListOptions struct {
	// Prefix keeps namespaces starting with these labels.
	Prefix []string
	// Suffix keeps namespaces ending with these labels.
	Suffix []string
	// MaxDepth truncates namespaces to that many labels and deduplicates.
	MaxDepth int
	// Limit caps the result count. Zero means the default of 100.
	Limit int
	// Offset skips that many results for paging.
	Offset int
}

// ListOption configures a ListNamespaces call.
type ListOption func(*ListOptions)

// WithPrefix keeps namespaces that start with the given labels.
func WithPrefix(labels ...string) ListOption {
	return func(o *ListOptions) {
		o.Prefix = append(o.Prefix, labels...)
	}
}

// WithSuffix keeps namespaces that end with the given labels.
func WithSuffix(labels ...string) ListOption {
	return func(o *ListOptions) {
		o.Suffix = append(o.Suffix, labels...)
	}
}

// WithMaxDepth truncates reported namespaces to depth labels.
func WithMaxDepth(depth int) ListOption {
	return func(o *ListOptions) {
		o.MaxDepth = depth
	}
}

// WithListLimit caps the number of namespaces returned.
func WithListLimit(limit int) ListOption {
	return func(o *ListOptions) {
		o.Limit = limit
	}
}

// WithListOffset skips the first offset namespaces.
func WithListOffset(offset int) ListOption {
	return func(o *ListOptions) {
		o.Offset = offset
	}
}

// Op is one operation in a Batch call. The concrete types are GetOp,
// PutOp, DeleteOp, SearchOp and ListOp.
type Op interface {
	isOp()
}

// GetOp reads one item; its Batch result is *Item or nil.
type GetOp struct {
	Namespace []string
	Key       string
}

// PutOp stores one item; its Batch result is nil.
type PutOp struct {
	Namespace []string
	Key       string
	Value     map[string]any
	Options   []PutOption
}

// DeleteOp removes one item; its Batch result is nil.
type DeleteOp struct {
	Namespace []string
	Key       string
}

// SearchOp searches a namespace prefix; its Batch result is []SearchItem.
type SearchOp struct {
	Prefix  []string
	Options []SearchOption
}

// ListOp lists namespaces; its Batch result is [][]string.
type ListOp struct {
	Options []ListOption
}

func (GetOp) isOp()    {}
func (PutOp) isOp()    {}
func (DeleteOp) isOp() {}
func (SearchOp) isOp() {}
func (ListOp) isOp()   {}

// Store is the long-term store contract. Implementations must provide
// their own concurrency control; nodes of one superstep call it in
// parallel.
type Store interface {
	// Get returns the item or nil when the key is absent.
	Get(ctx context.Context, namespace []string, key string) (*Item, error)
	// Put stores value under (namespace, key), replacing any prior item.
	Put(ctx context.Context, namespace []string, key string, value map[string]any, opts ...PutOption) error
	// Delete removes the item. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace []string, key string) error
	// Search returns items under the namespace prefix, filtered and
	// optionally ranked by similarity.
	Search(ctx context.Context, prefix []string, opts ...SearchOption) ([]SearchItem, error)
	// ListNamespaces reports the distinct namespaces holding items.
	ListNamespaces(ctx context.Context, opts ...ListOption) ([][]string, error)
	// Batch runs ops in order and returns one result per op.
	Batch(ctx context.Context, ops []Op) ([]any, error)
	// Close releases resources held by the store.
	Close() error
}

// ValidateNamespace checks the label rules: at least one label, labels
// non-empty and free of ".", and the reserved root untouched.
func ValidateNamespace(namespace []string) error {
	if len(namespace) == 0 {
		return fmt.Errorf("%w: namespace needs at least one label", ErrInvalidNamespace)
	}
	for _, label := range namespace {
		if label == "" {
			return fmt.Errorf("%w: empty label", ErrInvalidNamespace)
		}
		if strings.Contains(label, ".") {
			return fmt.Errorf("%w: label %q contains '.'", ErrInvalidNamespace, label)
		}
	}
	if namespace[0] == reservedRootLabel {
		return fmt.Errorf("%w: %q", ErrReservedNamespace, reservedRootLabel)
	}
	return nil
}
