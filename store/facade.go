// Package store implements the façade of spec.md §4.8: the single
// CRUD+watch+query surface applications call, composing the policy
// handler, cache index, memory manager, pending-change manager, conflict
// pipeline, and transaction manager around one backend adapter.
//
// Span instrumentation around Save/Delete/Transaction follows
// internal/storage/dolt/store.go's doltTracer/endSpan pattern: a package
// tracer obtained from the global (no-op until configured) provider,
// fixed span attributes per call, RecordError+SetStatus on failure.
package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxstore/core/backend"
	"github.com/fluxstore/core/cacheindex"
	"github.com/fluxstore/core/conflict"
	"github.com/fluxstore/core/coreerr"
	"github.com/fluxstore/core/pending"
	"github.com/fluxstore/core/policy"
	"github.com/fluxstore/core/query"
	"github.com/fluxstore/core/txn"
)

var facadeTracer = otel.Tracer("github.com/fluxstore/core/store")

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// localCache is the façade's own ValueCache implementation: a plain
// mutex-guarded map, handed to the policy.Handler as its materialized
// value store. It also feeds every access through the façade's
// cacheindex.MemoryManager so size-pressure eviction (spec.md §4.2) sees
// every id the policy layer touches, not just the ones recorded through
// Facade's own exported methods.
type localCache[T any, ID comparable] struct {
	mu      sync.RWMutex
	m       map[ID]T
	keyToID map[string]ID
	idKey   func(ID) string
	mem     *cacheindex.MemoryManager
}

func newLocalCache[T any, ID comparable](idKey func(ID) string) *localCache[T, ID] {
	return &localCache[T, ID]{m: make(map[ID]T), keyToID: make(map[string]ID), idKey: idKey}
}

func (c *localCache[T, ID]) Get(id ID) (T, bool) {
	c.mu.RLock()
	v, ok := c.m[id]
	c.mu.RUnlock()
	if ok && c.mem != nil {
		c.mem.Touch(c.idKey(id))
	}
	return v, ok
}

func (c *localCache[T, ID]) Set(id ID, v T) {
	key := c.idKey(id)
	c.mu.Lock()
	c.m[id] = v
	c.keyToID[key] = id
	c.mu.Unlock()
	if c.mem != nil {
		c.mem.Track(key, v)
	}
}

func (c *localCache[T, ID]) Delete(id ID) {
	key := c.idKey(id)
	c.mu.Lock()
	delete(c.m, id)
	delete(c.keyToID, key)
	c.mu.Unlock()
	if c.mem != nil {
		c.mem.Forget(key)
	}
}

// evictByKeys drops the given memory-manager keys from the materialized
// map, keeping the cache and the MemoryManager's own bookkeeping
// consistent after a pressure-driven eviction (spec.md §4.2).
func (c *localCache[T, ID]) evictByKeys(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if id, ok := c.keyToID[key]; ok {
			delete(c.m, id)
			delete(c.keyToID, key)
		}
	}
}

// ReadPolicy selects which of policy.Handler's read strategies
// GetWithPolicy uses (spec.md §4.3); Get always uses ReadCacheFirst.
type ReadPolicy int

const (
	ReadCacheFirst ReadPolicy = iota
	ReadCacheOnly
	ReadNetworkFirst
	ReadNetworkOnly
	ReadStaleWhileRevalidate
)

// WritePolicy selects which of policy.Handler's write strategies
// SaveWithPolicy uses (spec.md §4.3); Save always uses WriteThrough. WriteBack is reached through SaveOffline instead of
// Save/WritePolicy, since it has no backend round trip and so no error to
// return.
type WritePolicy int

const (
	WriteThrough WritePolicy = iota
	WriteAround
)

// Options configures a new Facade.
type Options[T any, ID comparable] struct {
	Backend  backend.Backend[T, ID]
	IDOf     func(T) ID
	IDKey    func(ID) string
	Accessor query.FieldAccessor[T]

	TransactionTimeout time.Duration
	Resolver           conflict.Resolver[T]

	// MaxCacheBytes bounds the façade's local cache by estimated size
	// (spec.md §4.2); nil means no size-driven eviction.
	MaxCacheBytes *int64
	// CacheEstimator overrides cacheindex.DefaultSizeEstimator.
	CacheEstimator cacheindex.SizeEstimator
}

// Facade is the public entry point of spec.md §4.8.
type Facade[T any, ID comparable] struct {
	be       backend.Backend[T, ID]
	idOf     func(T) ID
	idKey    func(ID) string
	accessor query.FieldAccessor[T]

	index      *cacheindex.Index
	cache      *localCache[T, ID]
	mem        *cacheindex.MemoryManager
	policy     *policy.Handler[T, ID]
	txns       *txn.Manager[T, ID]
	pendingMgr *pending.Manager[T]
	resolver   conflict.Resolver[T]

	subsMu sync.Mutex
	subs   map[string]*subscription[T]

	allSubsMu sync.Mutex
	allSubs   map[string]*allSubscription[T]

	allPagedSubsMu sync.Mutex
	allPagedSubs   map[string]*allPagedSubscription[T]

	resolvedMu sync.Mutex
	resolved   map[int64]struct{}
}

// watchDebounce is how long a pooled subscription keeps its upstream
// backend.Watch alive after its last observer unsubscribes, so a quick
// unsubscribe/resubscribe (e.g. a UI component remounting) doesn't pay
// the cost of tearing down and re-establishing the watch (spec.md §5).
const watchDebounce = 5 * time.Second

// subscription pools one upstream backend.Watch by (kind, key) across N
// observers (spec.md §5: "watch-stream subscriptions are pooled by
// (kind, key)").
type subscription[T any] struct {
	mu        sync.Mutex
	refCount  int
	cancel    context.CancelFunc
	observers map[chan backend.WatchEvent[T]]struct{}
	debounce  *time.Timer
}

// allSubscription is subscription's collection-watch counterpart, pooling
// backend.WatchAll by a canonical encoding of the query (spec.md §5).
type allSubscription[T any] struct {
	mu        sync.Mutex
	refCount  int
	cancel    context.CancelFunc
	observers map[chan backend.WatchAllEvent[T]]struct{}
	debounce  *time.Timer
}

// allPagedSubscription pools backend.WatchAllPaged the same way.
type allPagedSubscription[T any] struct {
	mu        sync.Mutex
	refCount  int
	cancel    context.CancelFunc
	observers map[chan query.PagedResult[T]]struct{}
	debounce  *time.Timer
}

// queryKey builds the pooling key for a collection watch: two Querys with
// the same filters and orderings (the only parts that affect what a
// collection watch observes) pool onto the same upstream subscription.
func queryKey(q query.Query) string {
	raw, err := json.Marshal(struct {
		Filters   []query.Filter
		Orderings []query.Ordering
	}{q.Filters(), q.Orderings()})
	if err != nil {
		return "unkeyable"
	}
	return string(raw)
}

// New builds a Facade over the given backend.
func New[T any, ID comparable](opts Options[T, ID]) *Facade[T, ID] {
	cache := newLocalCache[T, ID](opts.IDKey)
	index := cacheindex.New(nil)
	mem := cacheindex.NewMemoryManager(cacheindex.ManagerOptions{
		Estimator:  opts.CacheEstimator,
		MaxBytes:   opts.MaxCacheBytes,
		OnEviction: func(keys []string) { cache.evictByKeys(keys) },
	})
	cache.mem = mem

	f := &Facade[T, ID]{
		be:           opts.Backend,
		idOf:         opts.IDOf,
		idKey:        opts.IDKey,
		accessor:     opts.Accessor,
		index:        index,
		cache:        cache,
		mem:          mem,
		policy:       policy.New[T, ID](index, cache, opts.IDKey),
		pendingMgr:   pending.New[T](),
		resolver:     opts.Resolver,
		subs:         make(map[string]*subscription[T]),
		allSubs:      make(map[string]*allSubscription[T]),
		allPagedSubs: make(map[string]*allPagedSubscription[T]),
		resolved:     make(map[int64]struct{}),
	}
	f.txns = txn.New[T, ID](txn.ManagerOptions[T, ID]{
		Backend: facadeTxnBackend[T, ID]{f},
		IDOf:    opts.IDOf,
		Timeout: opts.TransactionTimeout,
		OnCommit: func(op txn.Op[T, ID]) {
			f.applyTxnCommit(op)
		},
	})
	go f.consumeConflicts()
	go f.consumePressure()
	return f
}

// consumePressure evicts non-pinned cache entries whenever the memory
// manager reports critical or worse pressure, so a caller who configures
// MaxCacheBytes doesn't also have to poll Metrics/Evict by hand (spec.md
// §4.2: "pressure at or above critical triggers eviction").
func (f *Facade[T, ID]) consumePressure() {
	for level := range f.mem.PressureStream() {
		if level >= cacheindex.PressureCritical {
			f.mem.Evict(0)
		}
	}
}

// facadeTxnBackend adapts the Facade to txn.Backend without exposing
// cache/policy mutation during the buffered phase (spec.md §4.7: "cache
// updates are performed after a successful commit").
type facadeTxnBackend[T any, ID comparable] struct{ f *Facade[T, ID] }

func (b facadeTxnBackend[T, ID]) Get(ctx context.Context, id ID) (T, bool, error) {
	return b.f.be.Get(ctx, id)
}
func (b facadeTxnBackend[T, ID]) Save(ctx context.Context, item T) (T, error) {
	return b.f.be.Save(ctx, item)
}
func (b facadeTxnBackend[T, ID]) Delete(ctx context.Context, id ID) (bool, error) {
	return b.f.be.Delete(ctx, id)
}

func (f *Facade[T, ID]) applyTxnCommit(op txn.Op[T, ID]) {
	switch op.Kind {
	case txn.OpSave:
		id := f.idOf(op.NewValue)
		f.cache.Set(id, op.NewValue)
		f.index.Record(f.idKey(id), nil)
	case txn.OpDelete:
		f.cache.Delete(op.ID)
		f.index.RemoveID(f.idKey(op.ID))
	}
}

// Get reads id using CacheFirst: a fresh cache hit, else fetch-and-record
// from the backend. Use GetWithPolicy to select a different read policy
// (spec.md §4.3).
func (f *Facade[T, ID]) Get(ctx context.Context, id ID, tags []string) (T, bool, error) {
	return f.GetWithPolicy(ctx, id, tags, ReadCacheFirst)
}

// GetWithPolicy reads id using the given ReadPolicy, dispatching to the
// matching policy.Handler method (spec.md §4.3: "every read call names
// its cache policy").
func (f *Facade[T, ID]) GetWithPolicy(ctx context.Context, id ID, tags []string, p ReadPolicy) (T, bool, error) {
	fetch := func(ctx context.Context) (T, bool, error) { return f.be.Get(ctx, id) }
	switch p {
	case ReadCacheOnly:
		v, err := f.policy.CacheOnly(id)
		if err != nil {
			return v, false, err
		}
		return v, true, nil
	case ReadNetworkFirst:
		return f.policy.NetworkFirst(ctx, id, tags, fetch)
	case ReadNetworkOnly:
		return f.policy.NetworkOnly(ctx, fetch)
	case ReadStaleWhileRevalidate:
		v, ok := f.policy.StaleWhileRevalidate(ctx, id, tags, fetch, func(newVal T, found bool, err error) {
			if err == nil {
				f.publishToSubscribers(id, newVal, found, nil)
			}
		})
		return v, ok, nil
	default:
		return f.policy.CacheFirst(ctx, id, tags, fetch)
	}
}

// publishToSubscribers delivers a value directly to id's pooled watch
// subscribers, if any, without round-tripping through the backend's own
// Watch stream. StaleWhileRevalidate's background refresh uses this so
// observers see the refreshed value even though nothing was saved to the
// backend (spec.md §5).
func (f *Facade[T, ID]) publishToSubscribers(id ID, value T, found bool, err error) {
	key := f.idKey(id)
	f.subsMu.Lock()
	sub, ok := f.subs[key]
	f.subsMu.Unlock()
	if !ok {
		return
	}
	ev := backend.WatchEvent[T]{Value: value, Found: found, Err: err}
	sub.mu.Lock()
	for ch := range sub.observers {
		select {
		case <-ch:
		default:
		}
		ch <- ev
	}
	sub.mu.Unlock()
}

// Watch subscribes to id's value stream. Concurrent Watch calls for the
// same id share a single upstream backend.Watch; the returned cancel
// func only tears it down after watchDebounce has passed with zero
// remaining observers (spec.md §5).
func (f *Facade[T, ID]) Watch(ctx context.Context, id ID) (<-chan backend.WatchEvent[T], func(), error) {
	key := f.idKey(id)
	out := make(chan backend.WatchEvent[T], 1)

	f.subsMu.Lock()
	sub, ok := f.subs[key]
	if !ok {
		sub = &subscription[T]{observers: make(map[chan backend.WatchEvent[T]]struct{})}
		sub.observers[out] = struct{}{}
		sub.refCount = 1
		f.subs[key] = sub

		subCtx, cancel := context.WithCancel(context.Background())
		sub.cancel = cancel
		upstream, err := f.be.Watch(subCtx, id)
		if err != nil {
			cancel()
			delete(f.subs, key)
			f.subsMu.Unlock()
			return nil, nil, err
		}
		// The observer is already registered before this goroutine starts
		// fanning out, so the upstream's buffered initial event can never
		// race ahead of the first subscriber.
		go f.fanOut(key, sub, upstream)
		f.subsMu.Unlock()
	} else {
		if sub.debounce != nil {
			sub.debounce.Stop()
			sub.debounce = nil
		}
		sub.mu.Lock()
		sub.observers[out] = struct{}{}
		// A joining observer starts from id's current value, the same
		// starting point the first observer gets from the upstream.
		if v, found, err := f.be.Get(ctx, id); err == nil && found {
			out <- backend.WatchEvent[T]{Value: v, Found: true}
		}
		sub.mu.Unlock()
		sub.refCount++
		f.subsMu.Unlock()
	}

	var once sync.Once
	unsubscribe := func() { once.Do(func() { f.unsubscribe(key, out) }) }
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return out, unsubscribe, nil
}

// fanOut broadcasts every upstream event to every current observer of
// sub, mirroring memstore's own per-id broadcaster shape.
func (f *Facade[T, ID]) fanOut(key string, sub *subscription[T], upstream <-chan backend.WatchEvent[T]) {
	for ev := range upstream {
		sub.mu.Lock()
		for ch := range sub.observers {
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
		sub.mu.Unlock()
	}
}

func (f *Facade[T, ID]) unsubscribe(key string, ch chan backend.WatchEvent[T]) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	sub, ok := f.subs[key]
	if !ok {
		return
	}
	sub.mu.Lock()
	delete(sub.observers, ch)
	sub.mu.Unlock()
	sub.refCount--
	if sub.refCount > 0 {
		return
	}
	sub.debounce = time.AfterFunc(watchDebounce, func() {
		f.subsMu.Lock()
		defer f.subsMu.Unlock()
		if cur, ok := f.subs[key]; ok && cur == sub && sub.refCount == 0 {
			sub.cancel()
			delete(f.subs, key)
		}
	})
}

// WatchAll subscribes to the live result set of q, pooling concurrent
// WatchAll calls for an equivalent query onto a single upstream
// backend.WatchAll the same way Watch pools single-entity subscriptions
// (spec.md §5).
func (f *Facade[T, ID]) WatchAll(ctx context.Context, q query.Query) (<-chan backend.WatchAllEvent[T], func(), error) {
	key := queryKey(q)
	out := make(chan backend.WatchAllEvent[T], 1)

	f.allSubsMu.Lock()
	sub, ok := f.allSubs[key]
	if !ok {
		sub = &allSubscription[T]{observers: make(map[chan backend.WatchAllEvent[T]]struct{})}
		sub.observers[out] = struct{}{}
		sub.refCount = 1
		f.allSubs[key] = sub

		subCtx, cancel := context.WithCancel(context.Background())
		sub.cancel = cancel
		upstream, err := f.be.WatchAll(subCtx, q)
		if err != nil {
			cancel()
			delete(f.allSubs, key)
			f.allSubsMu.Unlock()
			return nil, nil, err
		}
		go f.fanOutAll(sub, upstream)
		f.allSubsMu.Unlock()
	} else {
		if sub.debounce != nil {
			sub.debounce.Stop()
			sub.debounce = nil
		}
		sub.mu.Lock()
		sub.observers[out] = struct{}{}
		// A joining observer starts from q's current result set, the same
		// starting point the first observer gets from the upstream.
		if items, err := f.be.GetAll(ctx, q); err == nil {
			out <- backend.WatchAllEvent[T]{Items: items}
		}
		sub.mu.Unlock()
		sub.refCount++
		f.allSubsMu.Unlock()
	}

	var once sync.Once
	unsubscribe := func() { once.Do(func() { f.unsubscribeAll(key, out) }) }
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return out, unsubscribe, nil
}

func (f *Facade[T, ID]) fanOutAll(sub *allSubscription[T], upstream <-chan backend.WatchAllEvent[T]) {
	for ev := range upstream {
		sub.mu.Lock()
		for ch := range sub.observers {
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
		sub.mu.Unlock()
	}
}

func (f *Facade[T, ID]) unsubscribeAll(key string, ch chan backend.WatchAllEvent[T]) {
	f.allSubsMu.Lock()
	defer f.allSubsMu.Unlock()
	sub, ok := f.allSubs[key]
	if !ok {
		return
	}
	sub.mu.Lock()
	delete(sub.observers, ch)
	sub.mu.Unlock()
	sub.refCount--
	if sub.refCount > 0 {
		return
	}
	sub.debounce = time.AfterFunc(watchDebounce, func() {
		f.allSubsMu.Lock()
		defer f.allSubsMu.Unlock()
		if cur, ok := f.allSubs[key]; ok && cur == sub && sub.refCount == 0 {
			sub.cancel()
			delete(f.allSubs, key)
		}
	})
}

// WatchAllPaged is WatchAll's paged counterpart, pooled the same way over
// backend.WatchAllPaged.
func (f *Facade[T, ID]) WatchAllPaged(ctx context.Context, q query.Query) (<-chan query.PagedResult[T], func(), error) {
	key := queryKey(q)
	out := make(chan query.PagedResult[T], 1)

	f.allPagedSubsMu.Lock()
	sub, ok := f.allPagedSubs[key]
	if !ok {
		sub = &allPagedSubscription[T]{observers: make(map[chan query.PagedResult[T]]struct{})}
		sub.observers[out] = struct{}{}
		sub.refCount = 1
		f.allPagedSubs[key] = sub

		subCtx, cancel := context.WithCancel(context.Background())
		sub.cancel = cancel
		upstream, err := f.be.WatchAllPaged(subCtx, q)
		if err != nil {
			cancel()
			delete(f.allPagedSubs, key)
			f.allPagedSubsMu.Unlock()
			return nil, nil, err
		}
		go f.fanOutAllPaged(sub, upstream)
		f.allPagedSubsMu.Unlock()
	} else {
		if sub.debounce != nil {
			sub.debounce.Stop()
			sub.debounce = nil
		}
		sub.mu.Lock()
		sub.observers[out] = struct{}{}
		sub.mu.Unlock()
		sub.refCount++
		f.allPagedSubsMu.Unlock()
	}

	var once sync.Once
	unsubscribe := func() { once.Do(func() { f.unsubscribeAllPaged(key, out) }) }
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return out, unsubscribe, nil
}

func (f *Facade[T, ID]) fanOutAllPaged(sub *allPagedSubscription[T], upstream <-chan query.PagedResult[T]) {
	for ev := range upstream {
		sub.mu.Lock()
		for ch := range sub.observers {
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
		sub.mu.Unlock()
	}
}

func (f *Facade[T, ID]) unsubscribeAllPaged(key string, ch chan query.PagedResult[T]) {
	f.allPagedSubsMu.Lock()
	defer f.allPagedSubsMu.Unlock()
	sub, ok := f.allPagedSubs[key]
	if !ok {
		return
	}
	sub.mu.Lock()
	delete(sub.observers, ch)
	sub.mu.Unlock()
	sub.refCount--
	if sub.refCount > 0 {
		return
	}
	sub.debounce = time.AfterFunc(watchDebounce, func() {
		f.allPagedSubsMu.Lock()
		defer f.allPagedSubsMu.Unlock()
		if cur, ok := f.allPagedSubs[key]; ok && cur == sub && sub.refCount == 0 {
			sub.cancel()
			delete(f.allPagedSubs, key)
		}
	})
}

// GetAll delegates directly to the backend (spec.md §4.8 step 3); it does
// not attempt to serve collection queries from the cache index, which
// tracks staleness per id, not per query.
func (f *Facade[T, ID]) GetAll(ctx context.Context, q query.Query) ([]T, error) {
	return f.be.GetAll(ctx, q)
}

// GetAllPaged delegates to the backend's paged read.
func (f *Facade[T, ID]) GetAllPaged(ctx context.Context, q query.Query) (query.PagedResult[T], error) {
	return f.be.GetAllPaged(ctx, q)
}

// Save applies WriteThrough: save to the backend, then record in cache
// (spec.md §4.3/§4.8). Use SaveWithPolicy for WriteAround, and SaveOffline
// for WriteBack.
func (f *Facade[T, ID]) Save(ctx context.Context, item T, tags []string) (T, error) {
	return f.SaveWithPolicy(ctx, item, tags, WriteThrough)
}

// SaveWithPolicy saves item using the given WritePolicy, dispatching to
// the matching policy.Handler method (spec.md §4.3).
func (f *Facade[T, ID]) SaveWithPolicy(ctx context.Context, item T, tags []string, p WritePolicy) (T, error) {
	ctx, span := facadeTracer.Start(ctx, "store.Save", trace.WithAttributes(
		attribute.Int("tags.count", len(tags)),
		attribute.Int("policy", int(p)),
	))
	var err error
	defer func() { endSpan(span, err) }()

	id := f.idOf(item)
	var saved T
	switch p {
	case WriteAround:
		saved, err = f.policy.WriteAround(ctx, id, item, f.be.Save)
	default:
		saved, err = f.policy.WriteThrough(ctx, id, item, tags, f.be.Save)
	}
	return saved, err
}

// SaveOffline buffers item locally using WriteBack and appends a pending
// change recording both the new value and whatever was cached before it,
// so CancelPendingChange can restore the pre-offline value (spec.md
// §4.3/§4.5).
func (f *Facade[T, ID]) SaveOffline(item T, tags []string) T {
	id := f.idOf(item)
	original, hadOriginal := f.cache.Get(id)
	saved := f.policy.WriteBack(id, item, tags)
	op := pending.OpUpdate
	if !hadOriginal {
		op = pending.OpCreate
	}
	f.pendingMgr.Add(pending.Change[T]{
		EntityID:      f.idKey(id),
		Op:            op,
		Value:         saved,
		HasValue:      true,
		OriginalValue: original,
		HasOriginal:   hadOriginal,
	})
	return saved
}

// Delete applies write-through delete: remove from backend, then drop the
// cached value and its index entry.
func (f *Facade[T, ID]) Delete(ctx context.Context, id ID) (bool, error) {
	ctx, span := facadeTracer.Start(ctx, "store.Delete")
	var err error
	defer func() { endSpan(span, err) }()

	var ok bool
	ok, err = f.be.Delete(ctx, id)
	if err == nil && ok {
		f.cache.Delete(id)
		f.index.RemoveID(f.idKey(id))
	}
	return ok, err
}

// Transaction runs fn against a buffered handle; see txn.Manager for the
// commit/rollback contract (spec.md §4.7). fn may call h.Nested to open a
// savepoint-based nested transaction.
func (f *Facade[T, ID]) Transaction(ctx context.Context, fn func(ctx context.Context, h *txn.Handle[T, ID]) error) error {
	ctx, span := facadeTracer.Start(ctx, "store.Transaction")
	err := f.txns.RunInTransaction(ctx, fn)
	endSpan(span, err)
	return err
}

// InvalidateByTags marks every entry carrying any of the given tags
// stale.
func (f *Facade[T, ID]) InvalidateByTags(tags []string) { f.index.InvalidateByTags(tags) }

// InvalidateByIDs marks the given ids stale.
func (f *Facade[T, ID]) InvalidateByIDs(ids []ID) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = f.idKey(id)
	}
	f.index.InvalidateByIDs(keys)
}

// InvalidateWhere marks stale every cached id whose materialized value
// matches q (spec.md §9's open-question decision: nil accessor is a
// Validation error).
func (f *Facade[T, ID]) InvalidateWhere(q query.Query) error {
	f.cache.mu.RLock()
	itemsAny := make(map[string]any, len(f.cache.m))
	for id, v := range f.cache.m {
		itemsAny[f.idKey(id)] = v
	}
	f.cache.mu.RUnlock()

	var acc query.FieldAccessor[any]
	if f.accessor != nil {
		acc = func(item any, field string) any { return f.accessor(item.(T), field) }
	}
	return f.index.InvalidateWhere(q, acc, itemsAny)
}

func (f *Facade[T, ID]) AddTags(id ID, tags []string) { f.index.AddTags(f.idKey(id), tags) }
func (f *Facade[T, ID]) RemoveTags(id ID, tags []string) {
	f.index.RemoveTags(f.idKey(id), tags)
}
func (f *Facade[T, ID]) GetTags(id ID) []string          { return f.index.GetTags(f.idKey(id)) }
func (f *Facade[T, ID]) IsStale(id ID) bool              { return f.index.IsStale(f.idKey(id)) }
func (f *Facade[T, ID]) GetCacheStats() cacheindex.Stats { return f.index.GetStats() }

// GetCacheMetrics reports the façade's memory-manager snapshot (spec.md
// §4.2): current/peak bytes, pinned counts, and pressure level.
func (f *Facade[T, ID]) GetCacheMetrics() cacheindex.Metrics { return f.mem.Metrics() }

// PinCacheEntry protects id from size-driven eviction.
func (f *Facade[T, ID]) PinCacheEntry(id ID) { f.mem.Pin(f.idKey(id)) }

// UnpinCacheEntry releases id back into eviction eligibility.
func (f *Facade[T, ID]) UnpinCacheEntry(id ID) { f.mem.Unpin(f.idKey(id)) }

// RetryPendingChange reprocesses the façade's own queued change id against
// the backend.
func (f *Facade[T, ID]) RetryPendingChange(ctx context.Context, id string) error {
	return f.pendingMgr.RetryChange(ctx, id, f.reprocessPending)
}

// reprocessPending replays a buffered SaveOffline write against the
// backend, updating the cache on success (spec.md §4.5).
func (f *Facade[T, ID]) reprocessPending(ctx context.Context, c pending.Change[T]) error {
	if c.HasValue {
		saved, err := f.be.Save(ctx, c.Value)
		if err != nil {
			return err
		}
		id := f.idOf(saved)
		f.cache.Set(id, saved)
		f.index.Record(f.idKey(id), nil)
		return nil
	}
	if c.HasOriginal {
		_, err := f.be.Delete(ctx, f.idOf(c.OriginalValue))
		return err
	}
	return nil
}

// CancelPendingChange drops the façade's queued change id and reverts
// local state per the manager's CancelResult (spec.md §4.5).
func (f *Facade[T, ID]) CancelPendingChange(ctx context.Context, id string) (*pending.Change[T], error) {
	res, ok := f.pendingMgr.CancelChange(id)
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "no pending change with id "+id, nil)
	}
	switch {
	case res.DeleteEntity:
		entID := f.idOf(res.Change.Value)
		f.be.Delete(ctx, entID)
		f.cache.Delete(entID)
		f.index.RemoveID(f.idKey(entID))
	case res.RestoreValue:
		if saved, err := f.be.Save(ctx, res.Value); err == nil {
			f.cache.Set(f.idOf(saved), saved)
		}
	}
	return &res.Change, nil
}

// RetryAllPending retries every currently-queued pending change,
// collecting (not short-circuiting on) individual failures.
func (f *Facade[T, ID]) RetryAllPending(ctx context.Context) []error {
	var errs []error
	for _, c := range f.pendingMgr.List() {
		if err := f.RetryPendingChange(ctx, c.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// CancelAllPending cancels every currently-queued pending change.
func (f *Facade[T, ID]) CancelAllPending(ctx context.Context) []error {
	var errs []error
	for _, c := range f.pendingMgr.List() {
		if _, err := f.CancelPendingChange(ctx, c.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// PendingChanges exposes the façade's own pending-change stream.
func (f *Facade[T, ID]) PendingChanges() <-chan []pending.Change[T] { return f.pendingMgr.Stream() }

// PendingChangesCount reports the façade's current queue length.
func (f *Facade[T, ID]) PendingChangesCount() int { return f.pendingMgr.Count() }

// SyncStatus reports the backend's current sync state.
func (f *Facade[T, ID]) SyncStatus() coreerr.SyncStatus { return f.be.SyncStatus() }

// Sync asks the backend to synchronize now.
func (f *Facade[T, ID]) Sync(ctx context.Context) error { return f.be.Sync(ctx) }

// consumeConflicts applies the façade's own resolver (or a server-wins
// conflict.DefaultResolver, if none was configured) to every divergence the backend
// surfaces, with at-most-once bookkeeping per sequence number (spec.md
// §4.6).
func (f *Facade[T, ID]) consumeConflicts() {
	for d := range f.be.ConflictsStream() {
		f.resolvedMu.Lock()
		_, already := f.resolved[d.Seq]
		f.resolvedMu.Unlock()
		if already {
			continue
		}

		resolver := f.resolver
		if resolver == nil {
			resolver = conflict.DefaultResolver[T](conflict.ServerWins)
		}
		action := resolver(context.Background(), d)
		f.applyConflictAction(d, action)
	}
}

func (f *Facade[T, ID]) applyConflictAction(d conflict.Details[T], action conflict.Action[T]) {
	ctx := context.Background()
	switch action.Kind {
	case conflict.KeepLocal:
		f.be.Save(ctx, d.Local)
	case conflict.KeepRemote:
		f.cache.Set(f.idOf(d.Remote), d.Remote)
		f.index.InvalidateByIDs([]string{f.idKey(f.idOf(d.Remote))})
	case conflict.Merge:
		f.be.Save(ctx, action.Value)
	case conflict.Skip:
		return
	}
	f.resolvedMu.Lock()
	f.resolved[d.Seq] = struct{}{}
	f.resolvedMu.Unlock()
}
