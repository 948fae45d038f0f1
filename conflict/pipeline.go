// Package conflict implements the divergence-resolution pipeline of
// spec.md §4.6. An adapter emits Details when it detects that the local
// and remote copies of an entity have diverged; a caller-supplied
// Resolver decides the Action, with a default server-wins/client-wins
// fallback when none is configured.
//
// The three-way-divergence shape (local, remote, a base to diff against)
// is a well-known merge concept; this package implements only its own
// decision plumbing — accept a Resolver, classify the action, track
// at-most-once resolution — and deliberately does not draw on
// internal/merge/merge.go's code, which carries a third-party MIT
// attribution header unrelated to this module's own authorship.
package conflict

import (
	"context"
	"sync"
	"time"
)

// Details describes one detected divergence (spec.md §4.6).
type Details[T any] struct {
	Seq              int64
	EntityID         string
	Local            T
	Remote           T
	LocalUpdatedAt   time.Time
	RemoteUpdatedAt  time.Time
	ConflictingFields []string
}

// IsNewerLocal reports whether the local copy was updated after the
// remote copy, a convenience most resolvers branch on first.
func (d Details[T]) IsNewerLocal() bool {
	return d.LocalUpdatedAt.After(d.RemoteUpdatedAt)
}

// ActionKind is the resolver's verdict (spec.md §4.6).
type ActionKind string

const (
	KeepLocal  ActionKind = "keep_local"
	KeepRemote ActionKind = "keep_remote"
	Merge      ActionKind = "merge"
	Skip       ActionKind = "skip"
)

// Action is a resolver's decision. Value is only meaningful when Kind ==
// Merge.
type Action[T any] struct {
	Kind  ActionKind
	Value T
}

// Resolver decides how to resolve a detected conflict.
type Resolver[T any] func(ctx context.Context, details Details[T]) Action[T]

// DefaultPolicy selects ServerWins or ClientWins when the façade is
// constructed without an explicit resolver (spec.md §4.6).
type DefaultPolicy string

const (
	ServerWins DefaultPolicy = "server_wins"
	ClientWins DefaultPolicy = "client_wins"
)

// DefaultResolver builds the policy-driven fallback resolver.
func DefaultResolver[T any](policy DefaultPolicy) Resolver[T] {
	return func(ctx context.Context, d Details[T]) Action[T] {
		switch policy {
		case ClientWins:
			return Action[T]{Kind: KeepLocal}
		default:
			return Action[T]{Kind: KeepRemote}
		}
	}
}

// Pipeline runs detected conflicts through a Resolver and tracks
// at-most-once resolution per conflict sequence number (spec.md §4.6:
// "re-emission occurs only if divergence is detected again after a
// subsequent sync").
type Pipeline[T any] struct {
	resolver Resolver[T]

	mu       sync.Mutex
	resolved map[int64]struct{}
	stream   chan Details[T]
	nextSeq  int64
}

// New builds a Pipeline with the given resolver. A nil resolver falls
// back to DefaultResolver(ServerWins).
func New[T any](resolver Resolver[T]) *Pipeline[T] {
	if resolver == nil {
		resolver = DefaultResolver[T](ServerWins)
	}
	return &Pipeline[T]{
		resolver: resolver,
		resolved: make(map[int64]struct{}),
		stream:   make(chan Details[T], 16),
	}
}

// Stream exposes every detected conflict, resolved or not, for observers
// (spec.md §4.6: "the conflict remains visible on the stream" for skip).
func (p *Pipeline[T]) Stream() <-chan Details[T] { return p.stream }

// Detect assigns the next sequence number to a divergence, publishes it,
// and resolves it via the configured Resolver. It returns the resolved
// Action; the caller (the store façade) is responsible for applying its
// side effects (push local, overwrite local, write merge value, or
// nothing).
func (p *Pipeline[T]) Detect(ctx context.Context, d Details[T]) (Details[T], Action[T]) {
	p.mu.Lock()
	p.nextSeq++
	d.Seq = p.nextSeq
	p.mu.Unlock()

	select {
	case p.stream <- d:
	default:
	}

	action := p.resolver(ctx, d)
	if action.Kind != Skip {
		p.mu.Lock()
		p.resolved[d.Seq] = struct{}{}
		p.mu.Unlock()
	}
	return d, action
}

// IsResolved reports whether seq has already been resolved (at-most-once
// bookkeeping).
func (p *Pipeline[T]) IsResolved(seq int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.resolved[seq]
	return ok
}
