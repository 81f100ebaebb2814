// Package store implements the in-memory trace store (C3): the
// trace_id -> Trace index, per-trace derived indexes (variable, lock,
// span, by-event-id), admission control for backpressure, and eviction by
// age or LRU count. It also owns the distributed span linker (C4) and
// exposes the merged cross-service view get_trace(trace_id) depends on.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mode-7/raceway-server/internal/event"
	"github.com/mode-7/raceway-server/internal/linker"
)

// Backpressure complements the store's own per-process high-water-mark
// check with a cluster-wide one, for deployments running more than one
// raceway-server instance against a shared admission counter.
type Backpressure interface {
	Allow(ctx context.Context, traceID string, n int64, highWaterMark int64) (bool, error)
}

// Archiver durably records a trace snapshot immediately before eviction
// drops it from memory.
type Archiver interface {
	ArchiveTrace(ctx context.Context, snapshot Snapshot) error
}

// Config bounds a Store's retention and per-trace admission queue.
type Config struct {
	MaxTraces         int           // LRU cap on last-access timestamp; 0 = unbounded
	MaxAge            time.Duration // evict traces with no append within this window; 0 = unbounded
	HighWaterMark     int           // max events buffered per trace before Busy; 0 = unbounded
	BusyRetryAfter    time.Duration // suggested retry-after when Busy
}

// DefaultConfig returns sane defaults for a single-process deployment.
func DefaultConfig() Config {
	return Config{
		MaxTraces:      10_000,
		MaxAge:         30 * time.Minute,
		HighWaterMark:  200_000,
		BusyRetryAfter: 500 * time.Millisecond,
	}
}

// Store is the in-memory trace index. Safe for concurrent use: the
// top-level map is protected by a RWMutex acquired exclusively only to
// insert a brand-new trace; appends to an existing trace take only that
// trace's own lock, so concurrent appends to different traces never
// contend with each other or with readers of other traces.
type Store struct {
	cfg Config
	now func() time.Time

	mu     sync.RWMutex
	traces map[string]*Trace

	linker       *linker.Linker
	backpressure Backpressure
	archiver     Archiver
}

// New creates an empty Store.
func New(cfg Config, l *linker.Linker) *Store {
	return &Store{
		cfg:    cfg,
		now:    time.Now,
		traces: make(map[string]*Trace),
		linker: l,
	}
}

// Linker returns the store's span linker, used by analyses that need
// cross-service edges (critical path, service-call hotspots).
func (s *Store) Linker() *linker.Linker { return s.linker }

// SetBackpressure attaches a cluster-wide admission check that
// AppendOrBusy consults in addition to its own local high-water-mark.
func (s *Store) SetBackpressure(b Backpressure) { s.backpressure = b }

// SetArchiver attaches a durable sink that Evict writes a trace's
// snapshot to immediately before dropping it from memory.
func (s *Store) SetArchiver(a Archiver) { s.archiver = a }

// HasEvent reports whether eventID is already retained under traceID.
func (s *Store) HasEvent(traceID, eventID string) bool {
	t := s.lookup(traceID)
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byEventID[eventID]
	return ok
}

// AppendOrBusy appends events to traceID, creating it if necessary, unless
// appending them would take the trace past its high-water mark, in which
// case nothing is appended and ok is false.
func (s *Store) AppendOrBusy(traceID string, events []event.Event) (ok bool, retryAfter time.Duration) {
	// A cluster-wide check we can't reach shouldn't stall ingest, so an
	// error here falls through to the local high-water-mark below.
	if s.backpressure != nil {
		if allowed, err := s.backpressure.Allow(context.Background(), traceID, int64(len(events)), int64(s.cfg.HighWaterMark)); err == nil && !allowed {
			return false, s.cfg.BusyRetryAfter
		}
	}

	t := s.getOrCreate(traceID)

	t.mu.Lock()
	if s.cfg.HighWaterMark > 0 && len(t.events)+len(events) > s.cfg.HighWaterMark {
		t.mu.Unlock()
		return false, s.cfg.BusyRetryAfter
	}
	t.appendLocked(events)
	t.mu.Unlock()

	now := s.now().UnixNano()
	t.lastAccess.Store(now)
	t.lastAppend.Store(now)

	for _, e := range events {
		s.linker.Observe(e)
	}

	return true, 0
}

// lookup returns the trace for id, or nil, without creating it.
func (s *Store) lookup(traceID string) *Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traces[traceID]
}

// getOrCreate returns the trace for id, creating it under an exclusive
// top-level lock if it doesn't exist yet. Double-checked so the common case
// (trace already exists) only needs a read lock.
func (s *Store) getOrCreate(traceID string) *Trace {
	if t := s.lookup(traceID); t != nil {
		return t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.traces[traceID]; ok {
		return t
	}
	t := newTrace(traceID)
	now := s.now().UnixNano()
	t.lastAccess.Store(now)
	// A brand-new trace has had no append yet, but it's about to (the only
	// caller is AppendOrBusy) — seed lastAppend here too so the narrow
	// window between insertion and the append actually completing can't
	// look artificially stale to age-based eviction.
	t.lastAppend.Store(now)
	s.traces[traceID] = t
	return t
}

// GetTrace returns a snapshot of traceID, or ErrNotFound. The snapshot's
// events are the union of every trace reachable from traceID's spans via
// the linker (the cross-service merge in §4.4); this trace's own events
// are always included even absent any distributed span.
func (s *Store) GetTrace(traceID string) (Snapshot, error) {
	t := s.lookup(traceID)
	if t == nil {
		return Snapshot{}, event.ErrNotFound
	}
	t.lastAccess.Store(s.now().UnixNano())

	traceIDs := map[string]bool{traceID: true}
	for _, spanID := range s.linker.SpansForTrace(traceID) {
		for _, reachable := range s.linker.Reachable(spanID) {
			if tid, ok := s.linker.SpanTraceID(reachable); ok {
				traceIDs[tid] = true
			}
		}
	}

	var all []event.Event
	for tid := range traceIDs {
		other := s.lookup(tid)
		if other == nil {
			continue
		}
		all = append(all, other.snapshotEvents()...)
	}

	dedup := make(map[string]event.Event, len(all))
	for _, e := range all {
		dedup[e.ID] = e
	}
	merged := make([]event.Event, 0, len(dedup))
	for _, e := range dedup {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	return newSnapshot(traceID, merged), nil
}

// Trace returns the raw (unmerged) trace for internal use by analyses that
// operate on a single trace's own event set and indexes — race detection,
// critical path, and audit all key off the trace actually addressed, not
// the cross-service merge, per their definitions in §4.5-4.7.
func (s *Store) Trace(traceID string) (*Trace, error) {
	t := s.lookup(traceID)
	if t == nil {
		return nil, event.ErrNotFound
	}
	t.lastAccess.Store(s.now().UnixNano())
	return t, nil
}

// ListedTrace is the summary row returned by ListTraces.
type ListedTrace struct {
	ID          string
	FirstTS     time.Time
	LastTS      time.Time
	EventCount  int
	Services    []string
}

// PagedTraces is one page of ListTraces results.
type PagedTraces struct {
	Traces []ListedTrace
	Total  int
}

// ListTraces returns traces sorted by last-event timestamp descending,
// paginated. page is 1-indexed; size <= 0 defaults to 50.
func (s *Store) ListTraces(page, size int) PagedTraces {
	if size <= 0 {
		size = 50
	}
	if page <= 0 {
		page = 1
	}

	s.mu.RLock()
	rows := make([]ListedTrace, 0, len(s.traces))
	for _, t := range s.traces {
		rows = append(rows, t.summary())
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].LastTS.After(rows[j].LastTS)
	})

	total := len(rows)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	return PagedTraces{Traces: rows[start:end], Total: total}
}

// AllTraceIDs returns every retained trace id, used by aggregations that
// scan across all non-evicted traces (hotspots, performance sampling).
func (s *Store) AllTraceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.traces))
	for id := range s.traces {
		out = append(out, id)
	}
	return out
}

// Count returns the number of retained traces.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.traces)
}
