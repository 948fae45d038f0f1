// Package txn implements the transaction manager of spec.md §4.7: a
// buffered op log applied to the backend on commit, reversed in order on
// rollback, with savepoint-based nesting as pure bookkeeping rather than
// nested backend sessions.
//
// RunInTransaction's shape — a callback that receives a handle, with
// rollback on any error escape and commit on normal return — follows
// internal/storage/ephemeral/transaction.go's RunInTransaction, adapted
// from "delegate to *sql.Tx" to "buffer ops and replay them against a
// generic Backend", since the core has no native SQL transaction to
// delegate to for most adapters.
package txn

import (
	"context"
	"time"

	"github.com/fluxstore/core/coreerr"
)

// OpKind is the kind of buffered mutation.
type OpKind string

const (
	OpSave   OpKind = "save"
	OpDelete OpKind = "delete"
)

// Op is one buffered mutation plus the pre-image needed to roll it back
// (spec.md §4.7: "each buffered op records the pre-image by calling the
// backend's get(id)").
type Op[T any, ID comparable] struct {
	Kind        OpKind
	ID          ID
	NewValue    T
	HadPrevious bool
	PrevValue   T
}

// Backend is the minimal surface a Manager needs from the store: get the
// current value (for the pre-image), save, and delete.
type Backend[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, bool, error)
	Save(ctx context.Context, item T) (T, error)
	Delete(ctx context.Context, id ID) (bool, error)
}

// HandleState tracks whether a Handle is still open for new ops.
type HandleState int

const (
	HandleOpen HandleState = iota
	HandleCommitted
	HandleRolledBack
)

// Handle is passed to a transaction callback; it buffers ops without
// touching the backend until commit (spec.md §4.7). Operations attempted
// after commit/rollback raise a State error (spec.md §4.7).
type Handle[T any, ID comparable] struct {
	mgr   *Manager[T, ID]
	ctx   context.Context
	ops   []Op[T, ID]
	idOf  func(T) ID
	state HandleState
}

func (h *Handle[T, ID]) checkOpen() error {
	if h.state != HandleOpen {
		return coreerr.New(coreerr.State, "transaction handle is no longer open", nil)
	}
	return nil
}

// Save buffers a save of item, recording its pre-image.
func (h *Handle[T, ID]) Save(item T) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	id := h.idOf(item)
	prev, found, err := h.mgr.backend.Get(h.ctx, id)
	if err != nil {
		return err
	}
	h.ops = append(h.ops, Op[T, ID]{Kind: OpSave, ID: id, NewValue: item, HadPrevious: found, PrevValue: prev})
	return nil
}

// SaveAll buffers a save per item, in order.
func (h *Handle[T, ID]) SaveAll(items []T) error {
	for _, item := range items {
		if err := h.Save(item); err != nil {
			return err
		}
	}
	return nil
}

// Delete buffers a delete of id, recording its pre-image.
func (h *Handle[T, ID]) Delete(id ID) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	prev, found, err := h.mgr.backend.Get(h.ctx, id)
	if err != nil {
		return err
	}
	h.ops = append(h.ops, Op[T, ID]{Kind: OpDelete, ID: id, HadPrevious: found, PrevValue: prev})
	return nil
}

// DeleteAll buffers a delete per id, in order.
func (h *Handle[T, ID]) DeleteAll(ids []ID) error {
	for _, id := range ids {
		if err := h.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

// Manager runs transactions against a Backend. The configured timeout
// caps wall-clock duration between begin and commit (spec.md §4.7,
// default 30s); on expiry the transaction is rolled back with a Timeout
// error.
type Manager[T any, ID comparable] struct {
	backend Backend[T, ID]
	idOf    func(T) ID
	timeout time.Duration

	// onCommit is invoked once per committed op, in order, after the
	// backend has accepted it — the façade uses this to update its cache
	// and re-emit watch notifications (spec.md §4.7: "after a successful
	// commit, in op order").
	onCommit func(Op[T, ID])
}

// ManagerOptions configures a Manager. Timeout defaults to 30s.
type ManagerOptions[T any, ID comparable] struct {
	Backend  Backend[T, ID]
	IDOf     func(T) ID
	Timeout  time.Duration
	OnCommit func(Op[T, ID])
}

func New[T any, ID comparable](opts ManagerOptions[T, ID]) *Manager[T, ID] {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager[T, ID]{backend: opts.Backend, idOf: opts.IDOf, timeout: timeout, onCommit: opts.OnCommit}
}

// RunInTransaction executes fn against a fresh Handle. On normal return,
// every buffered op is applied to the backend in order; on any error
// (from fn, or from applying an op), every successfully-applied op is
// rolled back in reverse order by re-applying its pre-image (spec.md
// §4.7).
func (m *Manager[T, ID]) RunInTransaction(ctx context.Context, fn func(ctx context.Context, h *Handle[T, ID]) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	h := &Handle[T, ID]{mgr: m, ctx: ctx, idOf: m.idOf, state: HandleOpen}
	err := fn(ctx, h)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		h.state = HandleRolledBack
		if ctx.Err() != nil {
			return coreerr.New(coreerr.Timeout, "transaction exceeded its timeout", ctx.Err())
		}
		return coreerr.TransactionError("transaction callback failed", err, true, 0)
	}

	applied, applyErr := m.applyOps(ctx, h.ops)
	if applyErr != nil {
		h.state = HandleRolledBack
		rollbackErr := m.rollback(ctx, applied)
		if rollbackErr != nil {
			return coreerr.TransactionError("commit failed and rollback also failed", applyErr, false, len(applied))
		}
		return coreerr.TransactionError("commit failed, rolled back", applyErr, true, len(applied))
	}

	h.state = HandleCommitted
	for _, op := range applied {
		if m.onCommit != nil {
			m.onCommit(op)
		}
	}
	return nil
}

// RunNested executes fn as a savepoint within an already-open Handle: its
// ops are recorded on the same buffer, but if fn fails, only the ops it
// added are discarded — the outer handle's prior ops are untouched
// (spec.md §4.7's "nested transactions are a pure bookkeeping trick").
func (m *Manager[T, ID]) RunNested(ctx context.Context, h *Handle[T, ID], fn func(ctx context.Context, h *Handle[T, ID]) error) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	savepoint := len(h.ops)
	if err := fn(ctx, h); err != nil {
		h.ops = h.ops[:savepoint]
		return err
	}
	return nil
}

// Nested runs fn as a savepoint within h, delegating to the owning
// Manager's RunNested: if fn fails, only the ops it buffered are discarded,
// leaving h's prior ops untouched (spec.md §4.7). This is the entry point a
// callback passed to Manager.RunInTransaction uses to open a savepoint from
// inside itself.
func (h *Handle[T, ID]) Nested(ctx context.Context, fn func(ctx context.Context, h *Handle[T, ID]) error) error {
	return h.mgr.RunNested(ctx, h, fn)
}

func (m *Manager[T, ID]) applyOps(ctx context.Context, ops []Op[T, ID]) ([]Op[T, ID], error) {
	applied := make([]Op[T, ID], 0, len(ops))
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpSave:
			_, err = m.backend.Save(ctx, op.NewValue)
		case OpDelete:
			_, err = m.backend.Delete(ctx, op.ID)
		}
		if err != nil {
			return applied, err
		}
		applied = append(applied, op)
	}
	return applied, nil
}

// rollback re-applies each applied op's pre-image in reverse order
// (spec.md §4.7).
func (m *Manager[T, ID]) rollback(ctx context.Context, applied []Op[T, ID]) error {
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		var err error
		if op.HadPrevious {
			_, err = m.backend.Save(ctx, op.PrevValue)
		} else if op.Kind == OpSave {
			_, err = m.backend.Delete(ctx, op.ID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
