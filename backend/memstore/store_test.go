package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/fluxstore/core/coreerr"
	"github.com/fluxstore/core/pending"
	"github.com/fluxstore/core/query"
)

type widget struct {
	ID       string
	Priority int
}

func idOf(w widget) string { return w.ID }
func accessor(w widget, field string) any {
	switch field {
	case "id":
		return w.ID
	case "priority":
		return w.Priority
	}
	return nil
}

func newStore() *Store[widget, string] {
	return New[widget, string](Options[widget, string]{IDOf: idOf, Accessor: accessor})
}

func TestSaveThenGet(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	s.Save(ctx, widget{ID: "a", Priority: 1})
	v, found, err := s.Get(ctx, "a")
	if err != nil || !found || v.Priority != 1 {
		t.Fatalf("unexpected %v %v %v", v, found, err)
	}
}

func TestDeleteReportsFoundness(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	s.Save(ctx, widget{ID: "a"})
	ok, err := s.Delete(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("expected delete to report found, got %v %v", ok, err)
	}
	ok2, _ := s.Delete(ctx, "a")
	if ok2 {
		t.Fatal("second delete of the same id should report not found")
	}
}

func TestGetAllFiltersByQuery(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	s.Save(ctx, widget{ID: "a", Priority: 1})
	s.Save(ctx, widget{ID: "b", Priority: 2})
	got, err := s.GetAll(ctx, query.New().Where("priority", query.OpGe, 2))
	if err != nil || len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unexpected result %v %v", got, err)
	}
}

func TestWatchDeliversInitialAndSubsequentValues(t *testing.T) {
	s := newStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Save(ctx, widget{ID: "a", Priority: 1})

	ch, err := s.Watch(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-ch:
		if !ev.Found || ev.Value.Priority != 1 {
			t.Fatalf("unexpected initial watch event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected initial watch event")
	}

	s.Save(ctx, widget{ID: "a", Priority: 9})
	select {
	case ev := <-ch:
		if ev.Value.Priority != 9 {
			t.Fatalf("expected updated value, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected update watch event")
	}
}

func TestSyncTransitionsSyncingThenSynced(t *testing.T) {
	s := newStore()
	if s.SyncStatus() != coreerr.StatusSynced {
		t.Fatalf("expected initial status synced, got %v", s.SyncStatus())
	}
	s.Sync(context.Background())
	if s.SyncStatus() != coreerr.StatusSynced {
		t.Fatalf("expected status synced after sync, got %v", s.SyncStatus())
	}
}

func TestRetryChangeAppliesSaveAndRemovesFromQueue(t *testing.T) {
	s := newStore()
	c := s.InjectPendingChange(pending.Change[widget]{Op: pending.OpCreate, Value: widget{ID: "x", Priority: 5}, HasValue: true})
	if s.PendingChangesCount() != 1 {
		t.Fatal("expected one pending change")
	}
	if err := s.RetryChange(context.Background(), c.ID); err != nil {
		t.Fatal(err)
	}
	if s.PendingChangesCount() != 0 {
		t.Fatal("expected pending change to be removed after retry")
	}
	v, found, _ := s.Get(context.Background(), "x")
	if !found || v.Priority != 5 {
		t.Fatalf("expected retried change to be applied, got %v %v", v, found)
	}
}

func TestCancelChangeRestoresOriginal(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	s.Save(ctx, widget{ID: "x", Priority: 1})
	c := s.InjectPendingChange(pending.Change[widget]{
		Op: pending.OpUpdate, Value: widget{ID: "x", Priority: 2}, HasValue: true,
		OriginalValue: widget{ID: "x", Priority: 1}, HasOriginal: true,
	})
	if _, err := s.CancelChange(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	v, _, _ := s.Get(ctx, "x")
	if v.Priority != 1 {
		t.Fatalf("expected cancel to restore original value, got %+v", v)
	}
}

func TestCapabilitiesAdvertiseNoTransactions(t *testing.T) {
	s := newStore()
	caps := s.Capabilities()
	if caps.SupportsTransactions {
		t.Fatal("memstore does not implement native transactions")
	}
	if !caps.SupportsOffline || !caps.SupportsPagination {
		t.Fatal("memstore should advertise offline and pagination support")
	}
}
