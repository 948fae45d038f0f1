package cacheindex

import (
	"testing"
	"time"
)

// TestLRUEvictionScenario is spec.md §8 scenario 2, verbatim values.
func TestLRUEvictionScenario(t *testing.T) {
	var evicted []string
	maxBytes := int64(1000)
	fixedSize := func(item any) int64 { return 400 }

	clockTick := 0
	clock := func() time.Time {
		clockTick++
		return time.Unix(int64(clockTick), 0)
	}

	mgr := NewMemoryManager(ManagerOptions{
		Estimator:  fixedSize,
		MaxBytes:   &maxBytes,
		Strategy:   EvictionLRU,
		BatchSize:  2,
		OnEviction: func(ids []string) { evicted = append(evicted, ids...) },
		Clock:      clock,
	})

	mgr.Track("a", nil)
	mgr.Track("b", nil)
	mgr.Track("c", nil)
	mgr.Touch("a")
	mgr.Track("d", nil)

	mgr.Evict(1)

	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted = %v, want [b]", evicted)
	}
	for _, id := range []string{"a", "c", "d"} {
		if _, ok := mgr.records[id]; !ok {
			t.Errorf("expected %q to remain tracked", id)
		}
	}
	if _, ok := mgr.records["b"]; ok {
		t.Error("expected b to be evicted")
	}
}

func TestPinnedNeverEvictedEvenAtEmergency(t *testing.T) {
	maxBytes := int64(100)
	mgr := NewMemoryManager(ManagerOptions{
		Estimator: func(item any) int64 { return 200 }, // instantly over max -> emergency
		MaxBytes:  &maxBytes,
		BatchSize: 10,
	})
	mgr.Track("pinned", nil)
	mgr.Track("evictable", nil)
	mgr.Pin("pinned")

	if mgr.Metrics().PressureLevel != PressureEmergency {
		t.Fatalf("expected emergency pressure, got %v", mgr.Metrics().PressureLevel)
	}

	evicted := mgr.EvictUnpinned()
	for _, id := range evicted {
		if id == "pinned" {
			t.Fatal("pinned id must never be evicted, even at emergency pressure")
		}
	}
	if !mgr.IsPinned("pinned") {
		t.Error("pinned id must still be tracked as pinned")
	}
}

func TestPressureLevelThresholds(t *testing.T) {
	maxBytes := int64(100)
	mgr := NewMemoryManager(ManagerOptions{MaxBytes: &maxBytes, Estimator: func(any) int64 { return 0 }})

	cases := []struct {
		bytes int64
		want  PressureLevel
	}{
		{50, PressureNone},
		{70, PressureModerate},
		{90, PressureCritical},
		{101, PressureEmergency},
	}
	for _, c := range cases {
		mgr.currentBytes = c.bytes
		got := mgr.pressureLocked()
		if got != c.want {
			t.Errorf("pressure at %d/100 = %v, want %v", c.bytes, got, c.want)
		}
	}
}

func TestNilMaxBytesAlwaysNone(t *testing.T) {
	mgr := NewMemoryManager(ManagerOptions{Estimator: func(any) int64 { return 1_000_000 }})
	mgr.Track("a", nil)
	if mgr.Metrics().PressureLevel != PressureNone {
		t.Fatal("nil maxBytes must always report PressureNone")
	}
}

func TestMetricsStreamEmitsOnlyOnChange(t *testing.T) {
	mgr := NewMemoryManager(ManagerOptions{Estimator: func(any) int64 { return 10 }})
	mgr.Track("a", nil)
	select {
	case <-mgr.MetricsStream():
	default:
		t.Fatal("expected a metrics event after first Track")
	}
	// draining again immediately should find nothing new since nothing changed.
	select {
	case m := <-mgr.MetricsStream():
		t.Fatalf("unexpected extra metrics event: %+v", m)
	default:
	}
}
