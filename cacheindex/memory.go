package cacheindex

import (
	"encoding/json"
	"sync"
	"time"
)

// PressureLevel is the ordinal memory-pressure classification (spec.md §3).
// The constants are declared in ascending order so `a < b` comparisons work
// directly, per spec.md's "strictly ordered for threshold comparisons".
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureModerate
	PressureCritical
	PressureEmergency
)

func (p PressureLevel) String() string {
	switch p {
	case PressureNone:
		return "none"
	case PressureModerate:
		return "moderate"
	case PressureCritical:
		return "critical"
	case PressureEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// EvictionStrategy selects which non-pinned entries are evicted first (spec.md §4.2).
type EvictionStrategy int

const (
	EvictionLRU EvictionStrategy = iota
	EvictionLFU
	EvictionBySize
)

// SizeEstimator estimates an item's footprint in bytes. Must be
// deterministic (spec.md §6).
type SizeEstimator func(item any) int64

// DefaultSizeEstimator is a JSON-length estimator, the default contract
// named in spec.md §4.2. Callers may wrap it with WithOverhead for a fixed
// per-entry cost plus multiplier.
func DefaultSizeEstimator(item any) int64 {
	raw, err := json.Marshal(item)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}

// WithOverhead wraps an estimator with a fixed per-item overhead and a
// multiplier, for callers whose in-memory representation costs more than
// its JSON form.
func WithOverhead(base SizeEstimator, overhead int64, multiplier float64) SizeEstimator {
	return func(item any) int64 {
		return overhead + int64(float64(base(item))*multiplier)
	}
}

// Metrics is the point-in-time snapshot described in spec.md §3.
type Metrics struct {
	CurrentBytes  int64
	PeakBytes     int64
	EvictionCount int64
	PinnedCount   int
	PinnedBytes   int64
	PressureLevel PressureLevel
	ItemCount     int
	Timestamp     time.Time
}

type record struct {
	size        int64
	lastAccess  time.Time
	accessCount int64
	pinned      bool
}

// PressureThresholds configures the pressure level computation (spec.md §4.2):
// currentBytes/maxBytes >= CriticalThreshold -> critical,
// >= ModerateThreshold -> moderate, > 1.0 -> emergency, else none.
type PressureThresholds struct {
	ModerateThreshold float64
	CriticalThreshold float64
}

// DefaultPressureThresholds matches the common 70%/90% convention.
var DefaultPressureThresholds = PressureThresholds{ModerateThreshold: 0.7, CriticalThreshold: 0.9}

// MemoryManager implements the size-pressure eviction half of spec.md §4.2.
// Nil MaxBytes means "always none" pressure (spec.md §4.2).
type MemoryManager struct {
	mu         sync.Mutex
	estimator  SizeEstimator
	maxBytes   *int64
	thresholds PressureThresholds
	strategy   EvictionStrategy
	batchSize  int
	onEviction func(ids []string)
	clock      Clock

	records      map[string]*record
	currentBytes int64
	peakBytes    int64
	evictionCnt  int64

	lastPressure PressureLevel
	lastMetrics  Metrics
	metricsCh    chan Metrics
	pressureCh   chan PressureLevel
}

// ManagerOptions configures a new MemoryManager.
type ManagerOptions struct {
	Estimator  SizeEstimator
	MaxBytes   *int64
	Thresholds PressureThresholds
	Strategy   EvictionStrategy
	BatchSize  int
	OnEviction func(ids []string)
	Clock      Clock
}

// NewMemoryManager builds a MemoryManager. A zero-value Thresholds falls
// back to DefaultPressureThresholds; a zero BatchSize falls back to 100.
func NewMemoryManager(opts ManagerOptions) *MemoryManager {
	if opts.Estimator == nil {
		opts.Estimator = DefaultSizeEstimator
	}
	if opts.Thresholds == (PressureThresholds{}) {
		opts.Thresholds = DefaultPressureThresholds
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &MemoryManager{
		estimator:  opts.Estimator,
		maxBytes:   opts.MaxBytes,
		thresholds: opts.Thresholds,
		strategy:   opts.Strategy,
		batchSize:  opts.BatchSize,
		onEviction: opts.OnEviction,
		clock:      opts.Clock,
		records:    make(map[string]*record),
		metricsCh:  make(chan Metrics, 1),
		pressureCh: make(chan PressureLevel, 1),
	}
}

// MetricsStream emits a Metrics snapshot only when it changes (spec.md §4.2).
func (m *MemoryManager) MetricsStream() <-chan Metrics { return m.metricsCh }

// PressureStream emits the PressureLevel only when it changes.
func (m *MemoryManager) PressureStream() <-chan PressureLevel { return m.pressureCh }

// Track records or updates id's tracked size from item, adjusting the byte
// counter before any event is published (spec.md §4.2 invariant).
func (m *MemoryManager) Track(id string, item any) {
	size := m.estimator(item)
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		m.currentBytes += size - r.size
		r.size = size
		r.lastAccess = m.clock()
		r.accessCount++
	} else {
		m.records[id] = &record{size: size, lastAccess: m.clock(), accessCount: 1}
		m.currentBytes += size
	}
	if m.currentBytes > m.peakBytes {
		m.peakBytes = m.currentBytes
	}
	m.recomputeAndPublishLocked()
}

// Touch records an access to id for LRU/LFU purposes without changing its
// tracked size.
func (m *MemoryManager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.lastAccess = m.clock()
		r.accessCount++
	}
}

// Forget removes id from tracking entirely (e.g. on delete).
func (m *MemoryManager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		m.currentBytes -= r.size
		delete(m.records, id)
		m.recomputeAndPublishLocked()
	}
}

// Pin protects id from size-driven eviction (spec.md §4.2).
func (m *MemoryManager) Pin(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.pinned = true
	}
}

// Unpin releases id back into eviction eligibility.
func (m *MemoryManager) Unpin(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.pinned = false
	}
}

func (m *MemoryManager) pressureLocked() PressureLevel {
	if m.maxBytes == nil {
		return PressureNone
	}
	ratio := float64(m.currentBytes) / float64(*m.maxBytes)
	switch {
	case ratio > 1.0:
		return PressureEmergency
	case ratio >= m.thresholds.CriticalThreshold:
		return PressureCritical
	case ratio >= m.thresholds.ModerateThreshold:
		return PressureModerate
	default:
		return PressureNone
	}
}

func (m *MemoryManager) snapshotLocked() Metrics {
	pinnedCount, pinnedBytes := 0, int64(0)
	for _, r := range m.records {
		if r.pinned {
			pinnedCount++
			pinnedBytes += r.size
		}
	}
	return Metrics{
		CurrentBytes:  m.currentBytes,
		PeakBytes:     m.peakBytes,
		EvictionCount: m.evictionCnt,
		PinnedCount:   pinnedCount,
		PinnedBytes:   pinnedBytes,
		PressureLevel: m.pressureLocked(),
		ItemCount:     len(m.records),
		Timestamp:     m.clock(),
	}
}

// recomputeAndPublishLocked recomputes pressure and publishes to both
// streams, but only on change (spec.md §4.2: "emit only on change").
func (m *MemoryManager) recomputeAndPublishLocked() {
	snap := m.snapshotLocked()
	cmp := snap
	cmp.Timestamp = time.Time{}
	if cmp != m.lastMetrics {
		m.lastMetrics = cmp
		publishMetrics(m.metricsCh, snap)
	}
	if snap.PressureLevel != m.lastPressure {
		m.lastPressure = snap.PressureLevel
		publishPressure(m.pressureCh, snap.PressureLevel)
	}
}

func publishMetrics(ch chan Metrics, m Metrics) {
	select {
	case <-ch:
	default:
	}
	ch <- m
}

func publishPressure(ch chan PressureLevel, p PressureLevel) {
	select {
	case <-ch:
	default:
	}
	ch <- p
}

// Metrics returns the current snapshot without waiting on the stream.
func (m *MemoryManager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// candidatesLocked returns non-pinned ids ordered by the configured
// eviction strategy, least-wanted first.
func (m *MemoryManager) candidatesLocked() []string {
	ids := make([]string, 0, len(m.records))
	for id, r := range m.records {
		if !r.pinned {
			ids = append(ids, id)
		}
	}
	less := func(i, j int) bool {
		ri, rj := m.records[ids[i]], m.records[ids[j]]
		switch m.strategy {
		case EvictionLFU:
			return ri.accessCount < rj.accessCount
		case EvictionBySize:
			return ri.size > rj.size
		default: // EvictionLRU
			return ri.lastAccess.Before(rj.lastAccess)
		}
	}
	sortStrings(ids, less)
	return ids
}

func sortStrings(ids []string, less func(i, j int) bool) {
	// insertion sort: eviction batches are small and this avoids importing
	// sort just for a closure-driven comparator over a handful of ids.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// Evict removes up to n non-pinned entries (default batchSize when n<=0),
// invoking onEviction with the chosen ids, and re-evaluates pressure before
// any new event is published (spec.md §4.2). Pinned ids are never selected,
// even at PressureEmergency (spec.md §8 invariant).
func (m *MemoryManager) Evict(n int) []string {
	m.mu.Lock()
	if n <= 0 {
		n = m.batchSize
	}
	candidates := m.candidatesLocked()
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	for _, id := range candidates {
		r := m.records[id]
		m.currentBytes -= r.size
		delete(m.records, id)
	}
	m.evictionCnt += int64(len(candidates))
	m.recomputeAndPublishLocked()
	cb := m.onEviction
	m.mu.Unlock()

	if cb != nil && len(candidates) > 0 {
		cb(candidates)
	}
	return candidates
}

// EvictUnpinned removes every non-pinned entry in one pass.
func (m *MemoryManager) EvictUnpinned() []string {
	m.mu.Lock()
	candidates := m.candidatesLocked()
	for _, id := range candidates {
		r := m.records[id]
		m.currentBytes -= r.size
		delete(m.records, id)
	}
	m.evictionCnt += int64(len(candidates))
	m.recomputeAndPublishLocked()
	cb := m.onEviction
	m.mu.Unlock()

	if cb != nil && len(candidates) > 0 {
		cb(candidates)
	}
	return candidates
}

// IsPinned reports whether id is currently pinned.
func (m *MemoryManager) IsPinned(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return ok && r.pinned
}
