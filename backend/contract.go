// Package backend declares the adapter contract every pluggable storage
// backend implements (spec.md §4.4), plus a set of default-behavior free
// functions that let an adapter implement only the required subset.
//
// The split between a minimal required surface and optional capability
// flags is grounded on internal/decision/iterate.go's "Storage defines the
// minimal storage interface needed ... this avoids importing the full
// storage package and allows for easier testing" idiom, generalized here
// from one call site's narrow interface to the full adapter contract.
package backend

import (
	"context"

	"github.com/fluxstore/core/conflict"
	"github.com/fluxstore/core/coreerr"
	"github.com/fluxstore/core/pending"
	"github.com/fluxstore/core/query"
)

// Capabilities reports which optional parts of the contract an adapter
// actually implements (spec.md §4.4).
type Capabilities struct {
	SupportsOffline      bool
	SupportsRealtime     bool
	SupportsTransactions bool
	SupportsPagination   bool
}

// Backend is the full adapter contract of spec.md §4.4. Every adapter
// must implement this interface; adapters that can't support a given
// method return a coreerr-classified error (e.g. Unsupported).
type Backend[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (value T, found bool, err error)
	GetAll(ctx context.Context, q query.Query) ([]T, error)
	Save(ctx context.Context, item T) (T, error)
	SaveAll(ctx context.Context, items []T) ([]T, error)
	Delete(ctx context.Context, id ID) (bool, error)
	DeleteAll(ctx context.Context, ids []ID) (int, error)
	DeleteWhere(ctx context.Context, q query.Query) (int, error)

	Watch(ctx context.Context, id ID) (<-chan WatchEvent[T], error)
	WatchAll(ctx context.Context, q query.Query) (<-chan WatchAllEvent[T], error)

	GetAllPaged(ctx context.Context, q query.Query) (query.PagedResult[T], error)
	WatchAllPaged(ctx context.Context, q query.Query) (<-chan query.PagedResult[T], error)

	SyncStatus() coreerr.SyncStatus
	SyncStatusStream() <-chan coreerr.SyncStatus
	Sync(ctx context.Context) error
	PendingChangesCount() int

	PendingChangesStream() <-chan []pending.Change[T]
	ConflictsStream() <-chan conflict.Details[T]
	RetryChange(ctx context.Context, changeID string) error
	CancelChange(ctx context.Context, changeID string) (*pending.Change[T], error)

	Capabilities() Capabilities
}

// WatchEvent is a single-entity watch notification; Found=false means the
// entity was deleted or never existed.
type WatchEvent[T any] struct {
	Value T
	Found bool
	Err   error
}

// WatchAllEvent is a collection watch notification.
type WatchAllEvent[T any] struct {
	Items []T
	Err   error
}

// Transactional is the optional transaction surface of spec.md §4.4. An
// adapter that does not implement it signals SupportsTransactions=false
// in Capabilities, and the core falls back to the optimistic
// buffer+revert scheme described in spec.md §4.7.
type Transactional[T any, ID comparable] interface {
	BeginTransaction(ctx context.Context) (TxHandle, error)
	CommitTransaction(ctx context.Context, tx TxHandle) error
	RollbackTransaction(ctx context.Context, tx TxHandle) error
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxHandle is an opaque adapter-defined transaction token.
type TxHandle any

// Unsupported builds the State-kind error adapters return from a
// capability they don't implement: invoking an operation outside what the
// backend's Capabilities() advertises is a wrong-lifecycle-state error
// (spec.md §7), not a new taxonomy member.
func Unsupported(op string) error {
	return coreerr.New(coreerr.State, op+" is not supported by this backend", nil)
}
