package cacheindex

import (
	"testing"
	"time"

	"github.com/fluxstore/core/query"
)

// TestTagInvalidationScenario is spec.md §8 scenario 1, verbatim values.
func TestTagInvalidationScenario(t *testing.T) {
	ix := New(nil)
	ix.Record("u1", []string{"u", "team:5"})
	ix.Record("u2", []string{"u"})

	ix.InvalidateByTags([]string{"team:5"})

	if !ix.IsStale("u1") {
		t.Error("u1 should be stale after invalidating team:5")
	}
	if ix.IsStale("u2") {
		t.Error("u2 should not be stale")
	}
	tags := ix.GetTags("u1")
	want := map[string]bool{"u": true, "team:5": true}
	if len(tags) != len(want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
	for _, tag := range tags {
		if !want[tag] {
			t.Fatalf("unexpected tag %q", tag)
		}
	}
}

func TestTagConsistencyInvariant(t *testing.T) {
	ix := New(nil)
	ix.Record("a", []string{"x", "y"})
	ix.Record("b", []string{"x"})
	ix.RemoveTags("a", []string{"x"})
	ix.AddTags("b", []string{"z"})
	ix.RemoveID("b")

	assertConsistent(t, ix)
}

func assertConsistent(t *testing.T, ix *Index) {
	t.Helper()
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for id, e := range ix.entries {
		for tag := range e.Tags {
			set, ok := ix.byTag[tag]
			if !ok || !has(set, id) {
				t.Errorf("tag %q on id %q missing from reverse index", tag, id)
			}
		}
	}
	for tag, set := range ix.byTag {
		if len(set) == 0 {
			t.Errorf("empty inner set for tag %q must be pruned", tag)
		}
		for id := range set {
			e, ok := ix.entries[id]
			if !ok || !hasTag(e.Tags, tag) {
				t.Errorf("id %q indexed under tag %q but entry disagrees", id, tag)
			}
		}
	}
}

func has(set map[string]struct{}, id string) bool {
	_, ok := set[id]
	return ok
}

func hasTag(tags map[string]struct{}, tag string) bool {
	_, ok := tags[tag]
	return ok
}

func TestCacheStatsAccuracy(t *testing.T) {
	now := time.Unix(1000, 0)
	ix := New(func() time.Time { return now })
	ix.Record("a", []string{"t1"})
	ix.Record("b", []string{"t1", "t2"})
	ix.Record("c", nil)
	ix.InvalidateByIDs([]string{"a"})

	stats := ix.GetStats()
	if stats.TotalCount != 3 {
		t.Errorf("TotalCount = %d, want 3", stats.TotalCount)
	}
	if stats.StaleCount != 1 {
		t.Errorf("StaleCount = %d, want 1", stats.StaleCount)
	}
	if stats.StaleCount > stats.TotalCount {
		t.Error("staleCount must not exceed totalCount")
	}
	if stats.TagCounts["t1"] != 2 {
		t.Errorf("tagCounts[t1] = %d, want 2", stats.TagCounts["t1"])
	}
	if stats.TagCounts["t2"] != 1 {
		t.Errorf("tagCounts[t2] = %d, want 1", stats.TagCounts["t2"])
	}
}

func TestInvalidateWhereRequiresAccessor(t *testing.T) {
	ix := New(nil)
	ix.Record("a", nil)
	err := ix.InvalidateWhere(query.New(), nil, nil)
	if err == nil {
		t.Fatal("expected validation error with nil accessor")
	}
}
