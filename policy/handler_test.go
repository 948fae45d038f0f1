package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxstore/core/cacheindex"
)

type memCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemCache() *memCache { return &memCache{m: make(map[string]string)} }

func (c *memCache) Get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[id]
	return v, ok
}
func (c *memCache) Set(id string, v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id] = v
}
func (c *memCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
}

func identity(id string) string { return id }

func TestCacheOnlyMissIsNotFound(t *testing.T) {
	h := New[string, string](cacheindex.New(nil), newMemCache(), identity)
	_, err := h.CacheOnly("x")
	if err == nil {
		t.Fatal("expected NotFound error on cache miss")
	}
}

func TestCacheFirstFetchesOnceThenServesCache(t *testing.T) {
	h := New[string, string](cacheindex.New(nil), newMemCache(), identity)
	var calls int32
	fetch := func(ctx context.Context) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "v1", true, nil
	}

	v, found, err := h.CacheFirst(context.Background(), "x", []string{"tag"}, fetch)
	if err != nil || !found || v != "v1" {
		t.Fatalf("unexpected result %v %v %v", v, found, err)
	}
	v2, found2, err2 := h.CacheFirst(context.Background(), "x", nil, fetch)
	if err2 != nil || !found2 || v2 != "v1" {
		t.Fatalf("unexpected second result %v %v %v", v2, found2, err2)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 backend fetch, got %d", calls)
	}
}

func TestCacheFirstRefetchesOnStale(t *testing.T) {
	ix := cacheindex.New(nil)
	h := New[string, string](ix, newMemCache(), identity)
	var calls int32
	fetch := func(ctx context.Context) (string, bool, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return "v1", true, nil
		}
		return "v2", true, nil
	}
	h.CacheFirst(context.Background(), "x", nil, fetch)
	ix.InvalidateByIDs([]string{"x"})
	v, _, _ := h.CacheFirst(context.Background(), "x", nil, fetch)
	if v != "v2" {
		t.Fatalf("expected refetch after invalidation, got %q", v)
	}
	if calls != 2 {
		t.Fatalf("expected 2 fetches, got %d", calls)
	}
}

func TestNetworkFirstFallsBackToCacheOnFailure(t *testing.T) {
	ix := cacheindex.New(nil)
	h := New[string, string](ix, newMemCache(), identity)
	h.CacheFirst(context.Background(), "x", nil, func(ctx context.Context) (string, bool, error) {
		return "cached", true, nil
	})

	failErr := errors.New("network down")
	v, found, err := h.NetworkFirst(context.Background(), "x", nil, func(ctx context.Context) (string, bool, error) {
		return "", false, failErr
	})
	if err != nil {
		t.Fatalf("expected fallback to cache to suppress the error, got %v", err)
	}
	if !found || v != "cached" {
		t.Fatalf("expected fallback to cached value, got %v %v", v, found)
	}
}

func TestNetworkFirstPropagatesErrorWithoutCache(t *testing.T) {
	h := New[string, string](cacheindex.New(nil), newMemCache(), identity)
	failErr := errors.New("network down")
	_, _, err := h.NetworkFirst(context.Background(), "x", nil, func(ctx context.Context) (string, bool, error) {
		return "", false, failErr
	})
	if err == nil {
		t.Fatal("expected the error to propagate when no cache fallback exists")
	}
}

func TestNetworkOnlyBypassesCache(t *testing.T) {
	cache := newMemCache()
	cache.Set("x", "stale-cached")
	h := New[string, string](cacheindex.New(nil), cache, identity)
	v, found, err := h.NetworkOnly(context.Background(), func(ctx context.Context) (string, bool, error) {
		return "fresh", true, nil
	})
	if err != nil || !found || v != "fresh" {
		t.Fatalf("unexpected result %v %v %v", v, found, err)
	}
	if got, _ := cache.Get("x"); got != "stale-cached" {
		t.Fatal("networkOnly must not record into the cache")
	}
}

func TestStaleWhileRevalidateReturnsImmediatelyThenRefreshes(t *testing.T) {
	ix := cacheindex.New(nil)
	cache := newMemCache()
	cache.Set("x", "old")
	h := New[string, string](ix, cache, identity)

	done := make(chan struct{})
	v, ok := h.StaleWhileRevalidate(context.Background(), "x", nil,
		func(ctx context.Context) (string, bool, error) { return "new", true, nil },
		func(string, bool, error) { close(done) },
	)
	if !ok || v != "old" {
		t.Fatalf("expected immediate stale value, got %v %v", v, ok)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background revalidation did not complete")
	}
	if got, _ := cache.Get("x"); got != "new" {
		t.Fatalf("expected cache to hold refreshed value, got %q", got)
	}
}

func TestWriteThroughRecordsOnSuccess(t *testing.T) {
	ix := cacheindex.New(nil)
	cache := newMemCache()
	h := New[string, string](ix, cache, identity)
	v, err := h.WriteThrough(context.Background(), "x", "item", []string{"t"}, func(ctx context.Context, item string) (string, error) {
		return item + "-saved", nil
	})
	if err != nil || v != "item-saved" {
		t.Fatalf("unexpected %v %v", v, err)
	}
	if got, ok := cache.Get("x"); !ok || got != "item-saved" {
		t.Fatalf("expected cache to hold saved value, got %v %v", got, ok)
	}
}

func TestWriteAroundInvalidatesCache(t *testing.T) {
	ix := cacheindex.New(nil)
	cache := newMemCache()
	cache.Set("x", "old")
	ix.Record("x", nil)
	h := New[string, string](ix, cache, identity)

	_, err := h.WriteAround(context.Background(), "x", "item", func(ctx context.Context, item string) (string, error) {
		return item, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.Get("x"); ok {
		t.Fatal("writeAround must delete the cache entry")
	}
}

func TestWriteBackBuffersLocallyOnly(t *testing.T) {
	ix := cacheindex.New(nil)
	cache := newMemCache()
	h := New[string, string](ix, cache, identity)
	h.WriteBack("x", "buffered", []string{"t"})
	if got, ok := cache.Get("x"); !ok || got != "buffered" {
		t.Fatalf("expected local cache write, got %v %v", got, ok)
	}
}

// TestPolicyDeterminism is spec.md §8's "for a fixed policy and a frozen
// clock, identical inputs yield identical source selections and outputs".
func TestPolicyDeterminism(t *testing.T) {
	run := func() (string, bool, error) {
		ix := cacheindex.New(func() time.Time { return time.Unix(0, 0) })
		h := New[string, string](ix, newMemCache(), identity)
		return h.CacheFirst(context.Background(), "x", []string{"t"}, func(ctx context.Context) (string, bool, error) {
			return "v1", true, nil
		})
	}
	v1, f1, e1 := run()
	v2, f2, e2 := run()
	if v1 != v2 || f1 != f2 || (e1 == nil) != (e2 == nil) {
		t.Fatalf("expected deterministic results, got (%v,%v,%v) vs (%v,%v,%v)", v1, f1, e1, v2, f2, e2)
	}
}
