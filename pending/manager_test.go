package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fluxstore/core/coreerr"
)

func TestAddPublishesFullQueue(t *testing.T) {
	m := New[string]()
	m.Add(Change[string]{Op: OpCreate, Value: "a"})
	m.Add(Change[string]{Op: OpCreate, Value: "b"})

	select {
	case snap := <-m.Stream():
		if len(snap) != 2 {
			t.Fatalf("expected full queue of 2, got %d", len(snap))
		}
	default:
		t.Fatal("expected a published snapshot")
	}
}

func TestUpdateMutatesRetryBookkeeping(t *testing.T) {
	m := New[string]()
	c := m.Add(Change[string]{Op: OpUpdate, Value: "x"})
	m.Update(c.ID, 3, time.Unix(100, 0), "boom")

	got, ok := m.GetChange(c.ID)
	if !ok {
		t.Fatal("expected change to still be queued")
	}
	if got.RetryCount != 3 || got.LastError != "boom" || got.LastAttempt == nil {
		t.Fatalf("unexpected change state: %+v", got)
	}
}

func TestCancelCreateDeletesEntity(t *testing.T) {
	m := New[string]()
	c := m.Add(Change[string]{Op: OpCreate, Value: "new"})
	res, ok := m.CancelChange(c.ID)
	if !ok || !res.DeleteEntity || res.RestoreValue {
		t.Fatalf("unexpected cancel result: %+v ok=%v", res, ok)
	}
	if _, ok := m.GetChange(c.ID); ok {
		t.Fatal("expected change to be removed from the queue")
	}
}

func TestCancelUpdateWithOriginalRestoresIt(t *testing.T) {
	m := New[string]()
	c := m.Add(Change[string]{Op: OpUpdate, Value: "new", OriginalValue: "orig", HasOriginal: true})
	res, ok := m.CancelChange(c.ID)
	if !ok || !res.RestoreValue || res.Value != "orig" {
		t.Fatalf("unexpected cancel result: %+v ok=%v", res, ok)
	}
}

func TestCancelWithoutOriginalOnlyDropsQueueEntry(t *testing.T) {
	m := New[string]()
	c := m.Add(Change[string]{Op: OpDelete, Value: "gone"})
	res, ok := m.CancelChange(c.ID)
	if !ok || res.DeleteEntity || res.RestoreValue {
		t.Fatalf("expected no local-state revert without an original value, got %+v", res)
	}
}

func TestRetryChangeRemovesOnSuccess(t *testing.T) {
	m := New[string]()
	c := m.Add(Change[string]{Op: OpCreate, Value: "a"})
	err := m.RetryChange(context.Background(), c.ID, func(ctx context.Context, c Change[string]) error {
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.GetChange(c.ID); ok {
		t.Fatal("expected change to be removed after successful retry")
	}
}

func TestRetryChangeStopsOnNonRetryableError(t *testing.T) {
	m := New[string]()
	c := m.Add(Change[string]{Op: OpCreate, Value: "a"})
	nonRetryable := coreerr.New(coreerr.Validation, "bad data", nil)
	var calls int
	err := m.RetryChange(context.Background(), c.ID, func(ctx context.Context, c Change[string]) error {
		calls++
		return nonRetryable
	})
	if err == nil {
		t.Fatal("expected the non-retryable error to propagate")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for a non-retryable error, got %d", calls)
	}
	if _, ok := m.GetChange(c.ID); !ok {
		t.Fatal("expected change to remain queued after a failed retry")
	}
}

func TestRetryChangeUnknownID(t *testing.T) {
	m := New[string]()
	err := m.RetryChange(context.Background(), "missing", func(ctx context.Context, c Change[string]) error { return nil })
	if !errors.Is(err, coreerr.New(coreerr.NotFound, "", nil)) {
		kind, _ := coreerr.KindOf(err)
		if kind != coreerr.NotFound {
			t.Fatalf("expected NotFound, got %v", err)
		}
	}
}
