// Package coreerr defines the closed error taxonomy shared by every
// component of the store: a fixed set of error kinds, each with a fixed
// retryability rule, so callers can branch on Kind()/Retryable() instead of
// matching on package-specific sentinel values.
//
// The wrapping style is grounded on internal/storage/sqlite/errors.go's
// wrapDBError: a sentinel per condition, %w-wrapped with operation context,
// and errors.Is/As for classification — generalized here from one
// not-found/conflict pair to the full taxonomy in spec.md §7.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is a closed taxonomy of error categories. New kinds are never added
// by adapters or callers — only the nine components of this module raise
// errors, and all of them raise one of these.
type Kind string

const (
	NotFound           Kind = "not_found"
	Network            Kind = "network"
	Timeout            Kind = "timeout"
	Validation         Kind = "validation"
	Conflict           Kind = "conflict"
	Sync               Kind = "sync"
	Authentication     Kind = "authentication"
	Authorization      Kind = "authorization"
	Transaction        Kind = "transaction"
	State              Kind = "state"
	Cancellation       Kind = "cancellation"
	QuotaExceeded      Kind = "quota_exceeded"
	CircuitBreakerOpen Kind = "circuit_breaker_open"
	Saga               Kind = "saga"
)

// Error is the concrete type every public entry point returns for a
// classified failure. It always carries a human-readable message and a
// retryability flag; Code and Cause are optional.
type Error struct {
	Kind      Kind
	Message   string
	Code      string
	Cause     error
	retryable bool

	// NetworkStatus is set only for Kind == Network; 0 means "unknown".
	NetworkStatus int

	// Transaction-only fields.
	WasRolledBack bool
	FailingStep   int

	// CircuitBreakerOpen-only field.
	RetryAfterSeconds float64

	// Saga-only fields.
	CompensatedSteps   []string
	FailedCompensations []string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the operation that produced this error may
// succeed if retried, per the table in spec.md §7.
func (e *Error) Retryable() bool { return e.retryable }

// New constructs an Error of the given kind with the kind's default
// retryability. Use the Kind-specific constructors below when extra fields
// (NetworkStatus, WasRolledBack, ...) need setting.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, retryable: defaultRetryable(kind)}
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case Timeout, Sync:
		return true
	case CircuitBreakerOpen:
		return true
	default:
		return false
	}
}

// NetworkError builds a Network-kind error; Retryable follows the table:
// retryable for status >= 500, 408, 429, or an unknown (zero) status.
func NetworkError(message string, status int, cause error) *Error {
	e := New(Network, message, cause)
	e.NetworkStatus = status
	e.retryable = status == 0 || status == 408 || status == 429 || status >= 500
	return e
}

// TransactionError builds a Transaction-kind error carrying rollback outcome.
func TransactionError(message string, cause error, wasRolledBack bool, failingStep int) *Error {
	e := New(Transaction, message, cause)
	e.WasRolledBack = wasRolledBack
	e.FailingStep = failingStep
	return e
}

// CircuitBreakerError builds a CircuitBreakerOpen-kind error with a retry-after hint.
func CircuitBreakerError(message string, retryAfterSeconds float64) *Error {
	e := New(CircuitBreakerOpen, message, nil)
	e.RetryAfterSeconds = retryAfterSeconds
	return e
}

// SagaError builds a Saga-kind error carrying compensation outcome.
func SagaError(message string, cause error, compensated, failed []string) *Error {
	e := New(Saga, message, cause)
	e.CompensatedSteps = compensated
	e.FailedCompensations = failed
	return e
}

// Is lets errors.Is(err, coreerr.NotFound) style matching work by comparing
// Kind when the target is a bare *Error with only Kind set, and otherwise
// falls back to identity. Most callers should use KindOf instead.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.Message == "" && other.Cause == nil
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, with ok=false
// for any other error, including nil.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err is a classified *Error whose Retryable()
// is true. An unclassified error is treated as non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Wrap classifies an adapter-originated error that has no richer
// classification of its own into the given Kind, preserving the cause
// chain — mirroring wrapDBError's "%s: %w" pattern but producing a typed
// *Error instead of a sentinel-wrapped generic error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return New(kind, op, err)
}
