// Package cacheindex implements the tag-indexed cache (spec.md §4.2): a
// bidirectional tag<->id map with per-entry staleness, plus a memory
// manager that evicts under size pressure. Grounded methodologically on
// internal/storage/sqlite/blocked_cache.go's single derived-cache
// invalidation pattern, generalized here to an arbitrary caller-defined tag
// set instead of one hardcoded "blocked" cache.
package cacheindex

import (
	"sync"
	"time"

	"github.com/fluxstore/core/coreerr"
	"github.com/fluxstore/core/query"
)

// Entry is the per-id bookkeeping record (spec.md §3's "Cache entry").
type Entry struct {
	ID       string
	Tags     map[string]struct{}
	CachedAt time.Time
	StaleAt  *time.Time
}

// IsStale reports whether the entry is considered stale at now: an entry
// with StaleAt == nil is never stale (spec.md §3).
func (e Entry) IsStale(now time.Time) bool {
	return e.StaleAt != nil && now.After(*e.StaleAt)
}

// Stats is a snapshot of the index's contents (spec.md §3).
type Stats struct {
	TotalCount int
	StaleCount int
	TagCounts  map[string]int
}

// FreshCount is the derived count of non-stale entries.
func (s Stats) FreshCount() int { return s.TotalCount - s.StaleCount }

// StalePercentage is the derived stale fraction in [0, 100].
func (s Stats) StalePercentage() float64 {
	if s.TotalCount == 0 {
		return 0
	}
	return 100 * float64(s.StaleCount) / float64(s.TotalCount)
}

// Clock lets tests freeze time; defaults to time.Now.
type Clock func() time.Time

// Index is the bidirectional tag<->id map plus staleness bookkeeping. All
// methods are safe for concurrent use (spec.md §5: the cache index is
// shared mutable state owned by the façade, serialized through its own
// lock rather than a module-wide one).
type Index struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byTag   map[string]map[string]struct{}
	now     Clock
}

// New creates an empty Index. now defaults to time.Now when nil.
func New(now Clock) *Index {
	if now == nil {
		now = time.Now
	}
	return &Index{
		entries: make(map[string]*Entry),
		byTag:   make(map[string]map[string]struct{}),
		now:     now,
	}
}

// Record creates or updates an entry for id with "cached now, not stale"
// (spec.md §4.2). Tags, if given, replace the entry's existing tag set;
// nil tags keep an existing entry's tags.
func (ix *Index) Record(id string, tags []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	now := ix.now()

	if e, ok := ix.entries[id]; ok {
		if tags == nil {
			e.CachedAt = now
			e.StaleAt = nil
			return
		}
		ix.unindexTagsLocked(id, e.Tags)
	}
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}
	ix.entries[id] = &Entry{ID: id, Tags: tagSet, CachedAt: now}
	ix.indexTagsLocked(id, tagSet)
}

func (ix *Index) indexTagsLocked(id string, tags map[string]struct{}) {
	for t := range tags {
		set, ok := ix.byTag[t]
		if !ok {
			set = make(map[string]struct{})
			ix.byTag[t] = set
		}
		set[id] = struct{}{}
	}
}

func (ix *Index) unindexTagsLocked(id string, tags map[string]struct{}) {
	for t := range tags {
		set, ok := ix.byTag[t]
		if !ok {
			continue
		}
		delete(set, id)
		if len(set) == 0 {
			delete(ix.byTag, t)
		}
	}
}

// AddTags adds tags to id's tag set, updating both index directions in one
// call (spec.md §4.2). A no-op if id is not recorded.
func (ix *Index) AddTags(id string, tags []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[id]
	if !ok {
		return
	}
	for _, t := range tags {
		if _, exists := e.Tags[t]; exists {
			continue
		}
		e.Tags[t] = struct{}{}
		set, ok := ix.byTag[t]
		if !ok {
			set = make(map[string]struct{})
			ix.byTag[t] = set
		}
		set[id] = struct{}{}
	}
}

// RemoveTags removes tags from id's tag set; any inner set left empty is
// pruned immediately (spec.md §3).
func (ix *Index) RemoveTags(id string, tags []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[id]
	if !ok {
		return
	}
	for _, t := range tags {
		delete(e.Tags, t)
		if set, ok := ix.byTag[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(ix.byTag, t)
			}
		}
	}
}

// RemoveID drops id's entry entirely, pruning it from every tag set.
func (ix *Index) RemoveID(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[id]
	if !ok {
		return
	}
	ix.unindexTagsLocked(id, e.Tags)
	delete(ix.entries, id)
}

// GetTags returns a snapshot of id's tags, or nil if id is not recorded.
func (ix *Index) GetTags(id string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.Tags))
	for t := range e.Tags {
		out = append(out, t)
	}
	return out
}

// GetByAnyTag returns the union of ids carrying any of the given tags.
func (ix *Index) GetByAnyTag(tags []string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, t := range tags {
		for id := range ix.byTag[t] {
			seen[id] = struct{}{}
		}
	}
	return keysOf(seen)
}

// GetByAllTags returns the intersection of ids carrying every given tag
// (empty if any tag is absent entirely).
func (ix *Index) GetByAllTags(tags []string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(tags) == 0 {
		return nil
	}
	first, ok := ix.byTag[tags[0]]
	if !ok {
		return nil
	}
	result := make(map[string]struct{}, len(first))
	for id := range first {
		result[id] = struct{}{}
	}
	for _, t := range tags[1:] {
		set, ok := ix.byTag[t]
		if !ok {
			return nil
		}
		for id := range result {
			if _, ok := set[id]; !ok {
				delete(result, id)
			}
		}
	}
	return keysOf(result)
}

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (ix *Index) markStaleLocked(id string) {
	e, ok := ix.entries[id]
	if !ok {
		return
	}
	past := ix.now().Add(-time.Nanosecond)
	e.StaleAt = &past
}

// InvalidateByTags marks every entry carrying any of the given tags as
// stale, without forgetting its tags (spec.md §4.2).
func (ix *Index) InvalidateByTags(tags []string) {
	ids := ix.GetByAnyTag(tags)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range ids {
		ix.markStaleLocked(id)
	}
}

// InvalidateByIDs marks the given ids as stale.
func (ix *Index) InvalidateByIDs(ids []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range ids {
		ix.markStaleLocked(id)
	}
}

// InvalidateWhere marks every recorded id whose materialized item matches q
// as stale. accessor is required: with no accessor supplied, the call
// raises Validation (spec.md §9 open-question decision, recorded in
// DESIGN.md). items supplies the current materialized value for each id
// (the cache index stores only ids/tags, not values).
func (ix *Index) InvalidateWhere(q query.Query, accessor query.FieldAccessor[any], items map[string]any) error {
	if accessor == nil {
		return coreerr.New(coreerr.Validation, "invalidateWhere requires a field accessor", nil)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for id := range ix.entries {
		item, ok := items[id]
		if !ok {
			continue
		}
		if query.Matches(item, q, accessor) {
			ix.markStaleLocked(id)
		}
	}
	return nil
}

// IsStale reports id's staleness as of now. A never-recorded id is not stale
// (there is nothing cached to be stale).
func (ix *Index) IsStale(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	if !ok {
		return false
	}
	return e.IsStale(ix.now())
}

// GetStats returns a snapshot satisfying spec.md §8's cache-stats-accuracy property.
func (ix *Index) GetStats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	now := ix.now()
	stats := Stats{TotalCount: len(ix.entries), TagCounts: make(map[string]int, len(ix.byTag))}
	for _, e := range ix.entries {
		if e.IsStale(now) {
			stats.StaleCount++
		}
	}
	for t, set := range ix.byTag {
		stats.TagCounts[t] = len(set)
	}
	return stats
}

// Has reports whether id currently has a recorded entry.
func (ix *Index) Has(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.entries[id]
	return ok
}
