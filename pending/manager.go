// Package pending implements the pending-change queue of spec.md §4.5: the
// buffered writes accumulated while a backend is offline or using
// write-back, published in full on every mutation so subscribers always
// see the current queue rather than a diff.
//
// Retry scheduling follows the exponential-backoff idiom of
// internal/storage/dolt/store.go's newServerRetryBackoff, generalized from
// one backend's transient-connection retries to the core's generic
// retryChange/backend-reprocess loop.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/fluxstore/core/coreerr"
)

// Op is the kind of write a Change represents.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one buffered write awaiting upload (spec.md §4.5).
type Change[T any] struct {
	ID            string
	EntityID      string
	Op            Op
	Value         T
	HasValue      bool
	OriginalValue T
	HasOriginal   bool
	CreatedAt     time.Time
	RetryCount    int
	LastAttempt   *time.Time
	LastError     string
}

// Manager is the ordered, id-indexed pending-change queue. All methods are
// safe for concurrent use; every mutation publishes the full queue
// snapshot on Stream (spec.md §4.5: "appends and publishes the full
// queue").
type Manager[T any] struct {
	mu      sync.Mutex
	order   []string
	byID    map[string]*Change[T]
	stream  chan []Change[T]
	newID   func() string
	nowFunc func() time.Time
}

// New builds an empty Manager.
func New[T any]() *Manager[T] {
	return &Manager[T]{
		byID:    make(map[string]*Change[T]),
		stream:  make(chan []Change[T], 1),
		newID:   func() string { return uuid.NewString() },
		nowFunc: time.Now,
	}
}

// Stream emits the full queue on every mutation (replaces any unread
// snapshot, so subscribers always observe the latest state).
func (m *Manager[T]) Stream() <-chan []Change[T] { return m.stream }

// Add appends a new change and assigns it an id.
func (m *Manager[T]) Add(c Change[T]) Change[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = m.newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.nowFunc()
	}
	stored := c
	m.byID[c.ID] = &stored
	m.order = append(m.order, c.ID)
	m.publishLocked()
	return stored
}

// Remove drops id from the queue.
func (m *Manager[T]) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return
	}
	delete(m.byID, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.publishLocked()
}

// Update mutates retryCount/lastAttempt/lastError for id (spec.md §4.5).
func (m *Manager[T]) Update(id string, retryCount int, lastAttempt time.Time, lastErr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return
	}
	c.RetryCount = retryCount
	c.LastAttempt = &lastAttempt
	c.LastError = lastErr
	m.publishLocked()
}

// GetChange returns a snapshot of id, or ok=false if not queued.
func (m *Manager[T]) GetChange(id string) (Change[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return Change[T]{}, false
	}
	return *c, true
}

// List returns a snapshot of the full ordered queue.
func (m *Manager[T]) List() []Change[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Count returns the number of queued changes.
func (m *Manager[T]) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *Manager[T]) snapshotLocked() []Change[T] {
	out := make([]Change[T], 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.byID[id])
	}
	return out
}

func (m *Manager[T]) publishLocked() {
	snap := m.snapshotLocked()
	select {
	case <-m.stream:
	default:
	}
	m.stream <- snap
}

// RetryBackoff is the exponential backoff policy used by RetryChange,
// matching newServerRetryBackoff's 30s max-elapsed budget.
func RetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

// RetryChange reprocesses id by calling reprocess with backoff, updating
// the change's bookkeeping on failure and removing it from the queue on
// success (spec.md §4.5: "on success, the entry is removed").
func (m *Manager[T]) RetryChange(ctx context.Context, id string, reprocess func(ctx context.Context, c Change[T]) error) error {
	c, ok := m.GetChange(id)
	if !ok {
		return coreerr.New(coreerr.NotFound, "no pending change with id "+id, nil)
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := reprocess(ctx, c)
		if err == nil {
			return nil
		}
		now := m.nowFunc()
		m.Update(id, attempt, now, err.Error())
		if coreerr.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(RetryBackoff(), ctx))

	if err != nil {
		return err
	}
	m.Remove(id)
	return nil
}

// CancelChange drops the queued entry for id and reports the revert that
// the caller (the store façade) must perform on local state: for create,
// delete the entity; for update/delete with an original value, restore
// it; otherwise no local change is needed (spec.md §4.5).
type CancelResult[T any] struct {
	Change       Change[T]
	DeleteEntity bool
	RestoreValue bool
	Value        T
}

func (m *Manager[T]) CancelChange(id string) (CancelResult[T], bool) {
	c, ok := m.GetChange(id)
	if !ok {
		return CancelResult[T]{}, false
	}
	m.Remove(id)

	switch c.Op {
	case OpCreate:
		return CancelResult[T]{Change: c, DeleteEntity: true}, true
	case OpUpdate, OpDelete:
		if c.HasOriginal {
			return CancelResult[T]{Change: c, RestoreValue: true, Value: c.OriginalValue}, true
		}
	}
	return CancelResult[T]{Change: c}, true
}
