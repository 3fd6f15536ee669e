package clog

import (
	"context"
	"sync"
)

// attrStore accumulates log attributes over the life of a request so the
// AttributesHandler can attach them to every record emitted under that
// context. Middleware and error plumbing write to it from different
// goroutines, hence the lock.
type attrStore struct {
	mu    sync.RWMutex
	attrs map[string]any
}

type attrStoreKey struct{}

func ContextWithSlog(ctx context.Context) context.Context {
	return context.WithValue(ctx, attrStoreKey{}, &attrStore{attrs: map[string]any{}})
}

func storeFrom(ctx context.Context) *attrStore {
	s, _ := ctx.Value(attrStoreKey{}).(*attrStore)
	return s
}

// AddAttribute records one attribute. A context without a store (anything
// outside the request middleware) silently ignores it.
func AddAttribute(ctx context.Context, key string, value any) {
	s := storeFrom(ctx)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

func AddAttributes(ctx context.Context, attrs map[string]any) {
	s := storeFrom(ctx)
	if s == nil {
		return
	}
	s.mu.Lock()
	deepMerge(s.attrs, attrs)
	s.mu.Unlock()
}

// GetAttribute returns the attribute under key, or the zero value when the
// store, the key, or the type does not match.
func GetAttribute[T any](ctx context.Context, key string) T {
	var zero T
	s := storeFrom(ctx)
	if s == nil {
		return zero
	}
	s.mu.RLock()
	v, ok := s.attrs[key]
	s.mu.RUnlock()
	if !ok {
		return zero
	}
	typed, ok := v.(T)
	if !ok {
		return zero
	}
	return typed
}

func GetAttributes(ctx context.Context) map[string]any {
	s := storeFrom(ctx)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.attrs))
	for k, v := range s.attrs {
		out[k] = v
	}
	return out
}

// deepMerge folds src into dst, merging nested map values instead of
// replacing them so grouped attributes accumulate across calls.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		srcMap, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		dstMap, ok := dst[k].(map[string]any)
		if !ok {
			dst[k] = srcMap
			continue
		}
		deepMerge(dstMap, srcMap)
	}
}

const (
	ErrorAttributeKey = "error.message"
	StackAttributeKey = "error.stack"
)

func AddError(ctx context.Context, err error) {
	AddAttribute(ctx, ErrorAttributeKey, err)
}

func GetError(ctx context.Context) error {
	return GetAttribute[error](ctx, ErrorAttributeKey)
}

func AddStack(ctx context.Context, stack string) {
	AddAttribute(ctx, StackAttributeKey, stack)
}

func GetStack(ctx context.Context) string {
	return GetAttribute[string](ctx, StackAttributeKey)
}
