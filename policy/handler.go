// Package policy implements the per-call read/write source decisions of
// spec.md §4.3. It sits between the store façade and a backend adapter,
// deciding whether a given call is served from cache, from the backend, or
// both, and records successful loads into the cache index so subsequent
// invalidation can target them.
//
// The handler depends only on small function-shaped collaborators rather
// than the backend package directly, the same "accept the narrowest
// interface that does the job" shape used throughout
// internal/labelmutex/policy.go's config-driven handlers in the teacher
// repo, generalized here from file-based config lookups to network
// fetch/save callbacks.
package policy

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/fluxstore/core/cacheindex"
	"github.com/fluxstore/core/coreerr"
)

// FetchFunc retrieves the current value for an id from the backend.
// found=false with a nil error means "does not exist".
type FetchFunc[T any] func(ctx context.Context) (value T, found bool, err error)

// SaveFunc persists item to the backend and returns the saved value (which
// may differ from item, e.g. server-assigned fields).
type SaveFunc[T any] func(ctx context.Context, item T) (T, error)

// ValueCache is the materialized local copy a Handler reads and writes.
// cacheindex only tracks ids/tags/staleness (spec.md §3); the actual
// cached value lives here, owned by the store façade.
type ValueCache[T any, ID comparable] interface {
	Get(id ID) (T, bool)
	Set(id ID, value T)
	Delete(id ID)
}

// Handler implements spec.md §4.3's per-call read and write policies.
// idKey converts an ID into the string key the cache index is keyed by.
type Handler[T any, ID comparable] struct {
	index *cacheindex.Index
	cache ValueCache[T, ID]
	idKey func(ID) string

	sf singleflight.Group

	mu           sync.Mutex
	revalidating map[string]struct{}
}

// New builds a Handler over the given cache index and value store.
func New[T any, ID comparable](index *cacheindex.Index, cache ValueCache[T, ID], idKey func(ID) string) *Handler[T, ID] {
	return &Handler[T, ID]{
		index:        index,
		cache:        cache,
		idKey:        idKey,
		revalidating: make(map[string]struct{}),
	}
}

// CacheOnly returns a cache hit or fails with a NotFound-class error; it
// never consults the backend (spec.md §4.3).
func (h *Handler[T, ID]) CacheOnly(id ID) (T, error) {
	if v, ok := h.cache.Get(id); ok {
		return v, nil
	}
	var zero T
	return zero, coreerr.New(coreerr.NotFound, fmt.Sprintf("cacheOnly: no cached value for %v", id), nil)
}

// CacheFirst returns a fresh cache hit; on miss or staleness it fetches
// from the backend and records the result (spec.md §4.3).
func (h *Handler[T, ID]) CacheFirst(ctx context.Context, id ID, tags []string, fetch FetchFunc[T]) (T, bool, error) {
	key := h.idKey(id)
	if v, ok := h.cache.Get(id); ok && !h.index.IsStale(key) {
		return v, true, nil
	}
	return h.fetchAndRecord(ctx, id, key, tags, fetch)
}

// NetworkFirst fetches from the backend; on failure it falls back to a
// fresh cache hit if one exists, and records on success (spec.md §4.3).
func (h *Handler[T, ID]) NetworkFirst(ctx context.Context, id ID, tags []string, fetch FetchFunc[T]) (T, bool, error) {
	key := h.idKey(id)
	v, found, err := h.fetchAndRecord(ctx, id, key, tags, fetch)
	if err == nil {
		return v, found, nil
	}
	if cached, ok := h.cache.Get(id); ok && !h.index.IsStale(key) {
		return cached, true, nil
	}
	var zero T
	return zero, false, err
}

// NetworkOnly bypasses the cache entirely on both read and record
// (spec.md §4.3).
func (h *Handler[T, ID]) NetworkOnly(ctx context.Context, fetch FetchFunc[T]) (T, bool, error) {
	return fetch(ctx)
}

// StaleWhileRevalidate returns the cached value immediately, even if
// stale, and enqueues a single background fetch per id; subsequent reads
// observe the refreshed value once it lands (spec.md §4.3). onDone, if
// non-nil, is invoked after the background refresh completes (for tests
// and for the façade to fan out a watch notification).
func (h *Handler[T, ID]) StaleWhileRevalidate(ctx context.Context, id ID, tags []string, fetch FetchFunc[T], onDone func(T, bool, error)) (T, bool) {
	key := h.idKey(id)
	v, ok := h.cache.Get(id)

	h.mu.Lock()
	_, already := h.revalidating[key]
	if !already {
		h.revalidating[key] = struct{}{}
	}
	h.mu.Unlock()

	if !already {
		go func() {
			defer func() {
				h.mu.Lock()
				delete(h.revalidating, key)
				h.mu.Unlock()
			}()
			newVal, found, err := h.fetchAndRecord(ctx, id, key, tags, fetch)
			if onDone != nil {
				onDone(newVal, found, err)
			}
		}()
	}
	return v, ok
}

// fetchAndRecord calls fetch, deduplicating concurrent callers for the
// same key with a singleflight.Group (spec.md's
// SPEC_FULL domain-stack wiring for golang.org/x/sync), and records a
// successful, found result into the cache.
func (h *Handler[T, ID]) fetchAndRecord(ctx context.Context, id ID, key string, tags []string, fetch FetchFunc[T]) (T, bool, error) {
	type result struct {
		value T
		found bool
	}
	v, err, _ := h.sf.Do(key, func() (any, error) {
		value, found, err := fetch(ctx)
		if err != nil {
			return result{}, err
		}
		if found {
			h.cache.Set(id, value)
			h.index.Record(key, tags)
		}
		return result{value: value, found: found}, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	r := v.(result)
	return r.value, r.found, nil
}

// WriteThrough saves to the backend, then records the result in the
// cache (spec.md §4.3).
func (h *Handler[T, ID]) WriteThrough(ctx context.Context, id ID, item T, tags []string, save SaveFunc[T]) (T, error) {
	saved, err := save(ctx, item)
	if err != nil {
		var zero T
		return zero, err
	}
	h.cache.Set(id, saved)
	h.index.Record(h.idKey(id), tags)
	return saved, nil
}

// WriteBack records to the cache immediately and reports the value to
// enqueue, which the caller (the store façade) appends to the
// pending-change manager; the actual backend write happens later
// (spec.md §4.3).
func (h *Handler[T, ID]) WriteBack(id ID, item T, tags []string) T {
	h.cache.Set(id, item)
	h.index.Record(h.idKey(id), tags)
	return item
}

// WriteAround writes to the backend only and invalidates any cache entry
// for id, forcing the next read to refetch (spec.md §4.3).
func (h *Handler[T, ID]) WriteAround(ctx context.Context, id ID, item T, save SaveFunc[T]) (T, error) {
	saved, err := save(ctx, item)
	if err != nil {
		var zero T
		return zero, err
	}
	h.cache.Delete(id)
	h.index.InvalidateByIDs([]string{h.idKey(id)})
	return saved, nil
}
