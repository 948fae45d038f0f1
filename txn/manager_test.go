package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fluxstore/core/coreerr"
)

type record struct {
	ID    string
	Value string
}

type fakeBackend struct {
	mu    sync.Mutex
	items map[string]record
}

func newFakeBackend() *fakeBackend { return &fakeBackend{items: make(map[string]record)} }

func (b *fakeBackend) Get(ctx context.Context, id string) (record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.items[id]
	return r, ok, nil
}
func (b *fakeBackend) Save(ctx context.Context, item record) (record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[item.ID] = item
	return item, nil
}
func (b *fakeBackend) Delete(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[id]
	delete(b.items, id)
	return ok, nil
}

func idOf(r record) string { return r.ID }

func TestCommitAppliesOpsInOrder(t *testing.T) {
	be := newFakeBackend()
	mgr := New[record, string](ManagerOptions[record, string]{Backend: be, IDOf: idOf})

	err := mgr.RunInTransaction(context.Background(), func(ctx context.Context, h *Handle[record, string]) error {
		if err := h.Save(record{ID: "a", Value: "1"}); err != nil {
			return err
		}
		return h.Save(record{ID: "b", Value: "2"})
	})
	if err != nil {
		t.Fatal(err)
	}
	if be.items["a"].Value != "1" || be.items["b"].Value != "2" {
		t.Fatalf("unexpected backend state: %+v", be.items)
	}
}

func TestRollbackRestoresPreImageOnError(t *testing.T) {
	be := newFakeBackend()
	be.items["a"] = record{ID: "a", Value: "original"}
	mgr := New[record, string](ManagerOptions[record, string]{Backend: be, IDOf: idOf})

	boom := errors.New("boom")
	err := mgr.RunInTransaction(context.Background(), func(ctx context.Context, h *Handle[record, string]) error {
		if err := h.Save(record{ID: "a", Value: "changed"}); err != nil {
			return err
		}
		return boom
	})
	if err == nil {
		t.Fatal("expected transaction error")
	}
	kind, ok := coreerr.KindOf(err)
	if !ok || kind != coreerr.Transaction {
		t.Fatalf("expected Transaction-kind error, got %v", err)
	}
	if be.items["a"].Value != "original" {
		t.Fatalf("expected rollback to restore original value, got %+v", be.items["a"])
	}
}

func TestRollbackDeletesCreatedEntityOnError(t *testing.T) {
	be := newFakeBackend()
	mgr := New[record, string](ManagerOptions[record, string]{Backend: be, IDOf: idOf})

	err := mgr.RunInTransaction(context.Background(), func(ctx context.Context, h *Handle[record, string]) error {
		if err := h.Save(record{ID: "new", Value: "v"}); err != nil {
			return err
		}
		return errors.New("fail after create")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := be.items["new"]; ok {
		t.Fatal("expected created entity to be rolled back (deleted)")
	}
}

func TestHandleRejectsOpsAfterCommit(t *testing.T) {
	be := newFakeBackend()
	mgr := New[record, string](ManagerOptions[record, string]{Backend: be, IDOf: idOf})
	var captured *Handle[record, string]
	mgr.RunInTransaction(context.Background(), func(ctx context.Context, h *Handle[record, string]) error {
		captured = h
		return nil
	})
	if err := captured.Save(record{ID: "late", Value: "x"}); err == nil {
		t.Fatal("expected State error for a save after commit")
	}
}

func TestNestedSavepointRevertsOnlyInnerOps(t *testing.T) {
	be := newFakeBackend()
	mgr := New[record, string](ManagerOptions[record, string]{Backend: be, IDOf: idOf})

	err := mgr.RunInTransaction(context.Background(), func(ctx context.Context, h *Handle[record, string]) error {
		if err := h.Save(record{ID: "outer", Value: "kept"}); err != nil {
			return err
		}
		innerErr := mgr.RunNested(ctx, h, func(ctx context.Context, h *Handle[record, string]) error {
			h.Save(record{ID: "inner", Value: "discarded"})
			return errors.New("inner failure")
		})
		if innerErr == nil {
			t.Fatal("expected inner transaction to fail")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := be.items["outer"]; !ok {
		t.Fatal("expected outer op to survive inner failure")
	}
	if _, ok := be.items["inner"]; ok {
		t.Fatal("expected inner op to have been discarded by the savepoint")
	}
}

func TestOnCommitFiresInOpOrder(t *testing.T) {
	be := newFakeBackend()
	var order []string
	mgr := New[record, string](ManagerOptions[record, string]{
		Backend: be, IDOf: idOf,
		OnCommit: func(op Op[record, string]) { order = append(order, op.ID) },
	})
	mgr.RunInTransaction(context.Background(), func(ctx context.Context, h *Handle[record, string]) error {
		h.Save(record{ID: "a"})
		h.Save(record{ID: "b"})
		return nil
	})
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected commit order: %v", order)
	}
}

func TestTransactionTimeoutRollsBack(t *testing.T) {
	be := newFakeBackend()
	mgr := New[record, string](ManagerOptions[record, string]{Backend: be, IDOf: idOf, Timeout: 10 * time.Millisecond})

	err := mgr.RunInTransaction(context.Background(), func(ctx context.Context, h *Handle[record, string]) error {
		time.Sleep(30 * time.Millisecond)
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	kind, _ := coreerr.KindOf(err)
	if kind != coreerr.Timeout {
		t.Fatalf("expected Timeout kind, got %v", err)
	}
}
