// Package memstore is a reference in-memory adapter implementing the full
// backend.Backend contract (spec.md §4.4). It exists as test scaffolding
// for the rest of this module and as a worked example for anyone writing
// a real adapter — it is not itself a production backend.
//
// Its watch-notification fan-out is grounded on
// internal/eventbus/bus.go's register/dispatch shape, adapted from
// "dispatch one event to N typed handlers" to "broadcast one mutation to
// N per-subscription channels".
package memstore

import (
	"context"
	"sync"

	"github.com/fluxstore/core/backend"
	"github.com/fluxstore/core/conflict"
	"github.com/fluxstore/core/coreerr"
	"github.com/fluxstore/core/pending"
	"github.com/fluxstore/core/query"
)

// Store is an in-memory backend.Backend[T, ID] implementation.
type Store[T any, ID comparable] struct {
	mu       sync.RWMutex
	items    map[ID]T
	idOf     func(T) ID
	accessor query.FieldAccessor[T]

	syncStatus   coreerr.SyncStatus
	syncStreamMu sync.Mutex
	syncStream   chan coreerr.SyncStatus

	pending  *pending.Manager[T]
	conflict *conflict.Pipeline[T]

	watchersMu sync.Mutex
	watchers   map[ID][]chan backend.WatchEvent[T]
	allMu      sync.Mutex
	allWatchers []chan backend.WatchAllEvent[T]
}

// Options configures a new Store.
type Options[T any, ID comparable] struct {
	IDOf     func(T) ID
	Accessor query.FieldAccessor[T]
	Resolver conflict.Resolver[T]
}

// New builds an empty Store.
func New[T any, ID comparable](opts Options[T, ID]) *Store[T, ID] {
	return &Store[T, ID]{
		items:      make(map[ID]T),
		idOf:       opts.IDOf,
		accessor:   opts.Accessor,
		syncStatus: coreerr.StatusSynced,
		syncStream: make(chan coreerr.SyncStatus, 1),
		pending:    pending.New[T](),
		conflict:   conflict.New(opts.Resolver),
		watchers:   make(map[ID][]chan backend.WatchEvent[T]),
	}
}

func (s *Store[T, ID]) Get(ctx context.Context, id ID) (T, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	return v, ok, nil
}

func (s *Store[T, ID]) GetAll(ctx context.Context, q query.Query) ([]T, error) {
	s.mu.RLock()
	items := make([]T, 0, len(s.items))
	for _, v := range s.items {
		items = append(items, v)
	}
	s.mu.RUnlock()
	return query.Evaluate(items, q, s.accessor)
}

func (s *Store[T, ID]) Save(ctx context.Context, item T) (T, error) {
	id := s.idOf(item)
	s.mu.Lock()
	s.items[id] = item
	s.mu.Unlock()
	s.notifyOne(id, item, true, nil)
	s.notifyAll(ctx)
	return item, nil
}

func (s *Store[T, ID]) SaveAll(ctx context.Context, items []T) ([]T, error) {
	return backend.SaveAllFromSave(ctx, s.Save, items)
}

func (s *Store[T, ID]) Delete(ctx context.Context, id ID) (bool, error) {
	s.mu.Lock()
	_, ok := s.items[id]
	delete(s.items, id)
	s.mu.Unlock()
	if ok {
		var zero T
		s.notifyOne(id, zero, false, nil)
		s.notifyAll(ctx)
	}
	return ok, nil
}

func (s *Store[T, ID]) DeleteAll(ctx context.Context, ids []ID) (int, error) {
	return backend.DeleteAllFromDelete(ctx, s.Delete, ids)
}

func (s *Store[T, ID]) DeleteWhere(ctx context.Context, q query.Query) (int, error) {
	return backend.DeleteWhereFromGetAllAndDelete(ctx, s.GetAll, s.idOf, s.Delete, q)
}

func (s *Store[T, ID]) Watch(ctx context.Context, id ID) (<-chan backend.WatchEvent[T], error) {
	ch := make(chan backend.WatchEvent[T], 1)
	s.watchersMu.Lock()
	s.watchers[id] = append(s.watchers[id], ch)
	s.watchersMu.Unlock()

	if v, ok, _ := s.Get(ctx, id); ok {
		ch <- backend.WatchEvent[T]{Value: v, Found: true}
	}

	go func() {
		<-ctx.Done()
		s.watchersMu.Lock()
		defer s.watchersMu.Unlock()
		chans := s.watchers[id]
		for i, c := range chans {
			if c == ch {
				s.watchers[id] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
	}()
	return ch, nil
}

func (s *Store[T, ID]) WatchAll(ctx context.Context, q query.Query) (<-chan backend.WatchAllEvent[T], error) {
	ch := make(chan backend.WatchAllEvent[T], 1)
	s.allMu.Lock()
	s.allWatchers = append(s.allWatchers, ch)
	s.allMu.Unlock()

	if items, err := s.GetAll(ctx, q); err == nil {
		ch <- backend.WatchAllEvent[T]{Items: items}
	}

	go func() {
		<-ctx.Done()
		s.allMu.Lock()
		defer s.allMu.Unlock()
		for i, c := range s.allWatchers {
			if c == ch {
				s.allWatchers = append(s.allWatchers[:i], s.allWatchers[i+1:]...)
				break
			}
		}
	}()
	return ch, nil
}

func (s *Store[T, ID]) GetAllPaged(ctx context.Context, q query.Query) (query.PagedResult[T], error) {
	return backend.PagedFromGetAll(ctx, s.GetAll, s.accessor, q)
}

func (s *Store[T, ID]) WatchAllPaged(ctx context.Context, q query.Query) (<-chan query.PagedResult[T], error) {
	// q's orderings/cursor are fixed for the life of this subscription, so
	// Validate is checked once up front rather than once per event.
	if err := q.Validate(); err != nil {
		return nil, err
	}
	src, err := s.WatchAll(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make(chan query.PagedResult[T], 1)
	go func() {
		defer close(out)
		for ev := range src {
			if ev.Err != nil {
				continue
			}
			paged, err := query.EvaluatePaged(ev.Items, q, s.accessor)
			if err != nil {
				continue
			}
			out <- paged
		}
	}()
	return out, nil
}

func (s *Store[T, ID]) SyncStatus() coreerr.SyncStatus {
	s.syncStreamMu.Lock()
	defer s.syncStreamMu.Unlock()
	return s.syncStatus
}

func (s *Store[T, ID]) SyncStatusStream() <-chan coreerr.SyncStatus { return s.syncStream }

func (s *Store[T, ID]) Sync(ctx context.Context) error {
	s.applySyncEvent(coreerr.EventSyncStart)
	s.applySyncEvent(coreerr.EventSyncSuccess)
	return nil
}

// applySyncEvent drives the sync-status state machine through
// coreerr.NextSyncStatus rather than assigning s.syncStatus directly, so an
// out-of-order event (e.g. EventSyncSuccess while already Synced) is a
// documented no-op instead of silently corrupting the state (spec.md §4.4).
func (s *Store[T, ID]) applySyncEvent(event coreerr.SyncEvent) {
	s.syncStreamMu.Lock()
	next := coreerr.NextSyncStatus(s.syncStatus, event)
	s.syncStatus = next
	s.syncStreamMu.Unlock()
	select {
	case <-s.syncStream:
	default:
	}
	s.syncStream <- next
}

func (s *Store[T, ID]) PendingChangesCount() int { return s.pending.Count() }

func (s *Store[T, ID]) PendingChangesStream() <-chan []pending.Change[T] { return s.pending.Stream() }

func (s *Store[T, ID]) ConflictsStream() <-chan conflict.Details[T] { return s.conflict.Stream() }

func (s *Store[T, ID]) RetryChange(ctx context.Context, changeID string) error {
	return s.pending.RetryChange(ctx, changeID, func(ctx context.Context, c pending.Change[T]) error {
		if c.HasValue {
			_, err := s.Save(ctx, c.Value)
			return err
		}
		var id ID
		if c.HasOriginal {
			id = s.idOf(c.OriginalValue)
		}
		_, err := s.Delete(ctx, id)
		return err
	})
}

func (s *Store[T, ID]) CancelChange(ctx context.Context, changeID string) (*pending.Change[T], error) {
	res, ok := s.pending.CancelChange(changeID)
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "no pending change with id "+changeID, nil)
	}
	if res.DeleteEntity {
		s.Delete(ctx, s.idOf(res.Change.Value))
	} else if res.RestoreValue {
		s.Save(ctx, res.Value)
	}
	return &res.Change, nil
}

func (s *Store[T, ID]) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsOffline:      true,
		SupportsRealtime:     true,
		SupportsTransactions: false,
		SupportsPagination:   true,
	}
}

func (s *Store[T, ID]) notifyOne(id ID, value T, found bool, err error) {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	for _, ch := range s.watchers[id] {
		select {
		case <-ch:
		default:
		}
		ch <- backend.WatchEvent[T]{Value: value, Found: found, Err: err}
	}
}

func (s *Store[T, ID]) notifyAll(ctx context.Context) {
	items, err := s.GetAll(ctx, query.New())
	s.allMu.Lock()
	defer s.allMu.Unlock()
	for _, ch := range s.allWatchers {
		select {
		case <-ch:
		default:
		}
		ch <- backend.WatchAllEvent[T]{Items: items, Err: err}
	}
}

// InjectPendingChange lets tests and write-back policies seed a queued
// change without going through Save.
func (s *Store[T, ID]) InjectPendingChange(c pending.Change[T]) pending.Change[T] {
	return s.pending.Add(c)
}

// DetectConflict lets an external sync loop surface a divergence through
// this store's conflict pipeline.
func (s *Store[T, ID]) DetectConflict(ctx context.Context, d conflict.Details[T]) (conflict.Details[T], conflict.Action[T]) {
	return s.conflict.Detect(ctx, d)
}

var _ backend.Backend[struct{}, string] = (*Store[struct{}, string])(nil)
