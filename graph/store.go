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

	"trpc.group/trpc-go/trpc-graph-go/store"
)

type storeContextKey struct{}

func withStore(ctx context.Context, s store.Store) context.Context {
	return context.WithValue(ctx, storeContextKey{}, s)
}

// StoreFromContext returns the long-term store configured on the
// executor. The second result is false when none was configured.
func StoreFromContext(ctx context.Context) (store.Store, bool) {
	s, ok := ctx.Value(storeContextKey{}).(store.Store)
	return s, ok
}
