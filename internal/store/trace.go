package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mode-7/raceway-server/internal/event"
)

// VariableAccess is the projection of a StateChange event used by the race
// detector and audit trail builder (§3).
type VariableAccess struct {
	Variable   string
	ThreadID   string
	Timestamp  time.Time
	AccessType event.AccessType
	OldValue   interface{}
	NewValue   interface{}
	Location   string
	Clock      event.Clock
	LockSet    []string
	EventID    string
}

// analysisCache holds lazily-computed, per-trace analysis results. It is
// swapped atomically on every append so a running analysis never observes
// a torn read, and a new analysis never blocks behind an in-flight append.
type analysisCache struct {
	// opaque storage keyed by analysis name; kept generic so C5-C8 can each
	// cache their own result type without this package knowing about them.
	values sync.Map
}

// Trace holds one trace's append-ordered event list and derived indexes.
// Events are retained in append order and never reordered or compacted;
// the indexes are rebuilt incrementally so they are always consistent with
// the event list immediately after every append.
type Trace struct {
	ID string

	mu            sync.RWMutex
	events        []event.Event
	byEventID     map[string]int
	variableIndex map[string][]VariableAccess
	lockIndex     map[string][]int
	spanIndex     map[string]*localSpan
	firstTS       time.Time
	lastTS        time.Time

	lastAccess atomic.Int64 // unix nanos; last append or lookup, drives LRU eviction
	lastAppend atomic.Int64 // unix nanos; last append only, drives age eviction
	cache      atomic.Pointer[analysisCache]
}

// localSpan is the store's own per-trace span bookkeeping — separate from
// the linker's cross-trace SpanMeta, used only to answer "which spans does
// this trace itself contain" when seeding a cross-service merge.
type localSpan struct {
	firstTS, lastTS time.Time
}

func newTrace(id string) *Trace {
	t := &Trace{
		ID:            id,
		byEventID:     make(map[string]int),
		variableIndex: make(map[string][]VariableAccess),
		lockIndex:     make(map[string][]int),
		spanIndex:     make(map[string]*localSpan),
	}
	t.cache.Store(&analysisCache{})
	return t
}

// appendLocked appends events and rebuilds the affected indexes. Caller
// must hold t.mu for writing. Any cached analyses are dropped (not
// updated) since they're no longer valid against the extended event list.
func (t *Trace) appendLocked(events []event.Event) {
	for _, e := range events {
		idx := len(t.events)
		t.events = append(t.events, e)
		t.byEventID[e.ID] = idx

		if t.firstTS.IsZero() || e.Timestamp.Before(t.firstTS) {
			t.firstTS = e.Timestamp
		}
		if e.Timestamp.After(t.lastTS) {
			t.lastTS = e.Timestamp
		}

		if sc := e.Kind.StateChange; sc != nil {
			t.variableIndex[sc.Variable] = append(t.variableIndex[sc.Variable], VariableAccess{
				Variable:   sc.Variable,
				ThreadID:   e.Metadata.ThreadID,
				Timestamp:  e.Timestamp,
				AccessType: sc.AccessType,
				OldValue:   sc.OldValue,
				NewValue:   sc.NewValue,
				Location:   sc.Location,
				Clock:      e.CausalityVector,
				LockSet:    e.LockSet,
				EventID:    e.ID,
			})
		}

		if la := e.Kind.LockAcquire; la != nil {
			t.lockIndex[la.LockID] = append(t.lockIndex[la.LockID], idx)
		}
		if lr := e.Kind.LockRelease; lr != nil {
			t.lockIndex[lr.LockID] = append(t.lockIndex[lr.LockID], idx)
		}

		if spanID := e.Metadata.DistributedSpanID; spanID != "" {
			sp, ok := t.spanIndex[spanID]
			if !ok {
				sp = &localSpan{firstTS: e.Timestamp, lastTS: e.Timestamp}
				t.spanIndex[spanID] = sp
			} else {
				if e.Timestamp.Before(sp.firstTS) {
					sp.firstTS = e.Timestamp
				}
				if e.Timestamp.After(sp.lastTS) {
					sp.lastTS = e.Timestamp
				}
			}
		}
	}

	// Invalidate cached analyses by atomic pointer swap — a concurrent
	// reader holding the old pointer still sees a consistent (if stale)
	// cache; it will simply recompute next time.
	t.cache.Store(&analysisCache{})
}

// snapshotEvents returns a copy of the trace's events in append order.
func (t *Trace) snapshotEvents() []event.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]event.Event, len(t.events))
	copy(out, t.events)
	return out
}

// Events returns a copy of the trace's events in append order.
func (t *Trace) Events() []event.Event { return t.snapshotEvents() }

// VariableAccesses returns a copy of the access list for variable.
func (t *Trace) VariableAccesses(variable string) []VariableAccess {
	t.mu.RLock()
	defer t.mu.RUnlock()
	src := t.variableIndex[variable]
	out := make([]VariableAccess, len(src))
	copy(out, src)
	return out
}

// Variables returns every variable name with at least one access.
func (t *Trace) Variables() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.variableIndex))
	for v := range t.variableIndex {
		out = append(out, v)
	}
	return out
}

// Span returns the first/last observed timestamps for a span id local to
// this trace, if any.
func (t *Trace) Span(spanID string) (firstTS, lastTS time.Time, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sp, found := t.spanIndex[spanID]
	if !found {
		return time.Time{}, time.Time{}, false
	}
	return sp.firstTS, sp.lastTS, true
}

// FirstLast returns the trace's first and last event timestamps.
func (t *Trace) FirstLast() (time.Time, time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.firstTS, t.lastTS
}

// Services returns the distinct service names observed in this trace.
func (t *Trace) Services() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range t.events {
		if !seen[e.Metadata.ServiceName] {
			seen[e.Metadata.ServiceName] = true
			out = append(out, e.Metadata.ServiceName)
		}
	}
	return out
}

func (t *Trace) summary() ListedTrace {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return ListedTrace{
		ID:         t.ID,
		FirstTS:    t.firstTS,
		LastTS:     t.lastTS,
		EventCount: len(t.events),
		Services:   t.servicesLocked(),
	}
}

func (t *Trace) servicesLocked() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range t.events {
		if !seen[e.Metadata.ServiceName] {
			seen[e.Metadata.ServiceName] = true
			out = append(out, e.Metadata.ServiceName)
		}
	}
	return out
}

// CacheGet returns a previously-cached analysis result for key, and
// whether it was still valid (i.e. no append has happened since).
func (t *Trace) CacheGet(key string) (interface{}, bool) {
	c := t.cache.Load()
	v, ok := c.values.Load(key)
	return v, ok
}

// CacheSet stores an analysis result under key in the current cache
// generation. If an append raced with the computation, the result is
// stored into a generation that's about to be discarded — harmless, since
// the next reader loads the latest pointer and simply recomputes.
func (t *Trace) CacheSet(key string, value interface{}) {
	c := t.cache.Load()
	c.values.Store(key, value)
}

// LastAccess returns the time of the most recent append or lookup.
func (t *Trace) LastAccess() time.Time {
	return time.Unix(0, t.lastAccess.Load())
}

// LastAppend returns the time of the most recent append, ignoring reads.
func (t *Trace) LastAppend() time.Time {
	return time.Unix(0, t.lastAppend.Load())
}
