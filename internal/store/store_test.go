package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matryer/is"
	"github.com/mode-7/raceway-server/internal/event"
	"github.com/mode-7/raceway-server/internal/linker"
)

type fakeBackpressure struct {
	allow bool
	calls int
}

func (f *fakeBackpressure) Allow(_ context.Context, _ string, _ int64, _ int64) (bool, error) {
	f.calls++
	return f.allow, nil
}

type fakeArchiver struct {
	archived []string
}

func (f *fakeArchiver) ArchiveTrace(_ context.Context, snapshot Snapshot) error {
	f.archived = append(f.archived, snapshot.TraceID)
	return nil
}

func mkEvent(traceID string, ts time.Time) event.Event {
	return event.Event{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		Timestamp: ts,
		Kind:      event.Kind{FunctionCall: &event.FunctionCall{Name: "f", Module: "m"}},
		Metadata:  event.Metadata{ServiceName: "svc", ThreadID: "t1"},
	}
}

func TestAppendAndGetTrace(t *testing.T) {
	is := is.New(t)
	s := New(DefaultConfig(), linker.New(nil))

	traceID := uuid.NewString()
	e1 := mkEvent(traceID, time.Now())
	e2 := mkEvent(traceID, time.Now().Add(time.Millisecond))

	ok, _ := s.AppendOrBusy(traceID, []event.Event{e1, e2})
	is.True(ok)

	snap, err := s.GetTrace(traceID)
	is.NoErr(err)
	is.Equal(len(snap.Events), 2)
	is.True(s.HasEvent(traceID, e1.ID))
}

func TestGetTraceNotFound(t *testing.T) {
	is := is.New(t)
	s := New(DefaultConfig(), linker.New(nil))
	_, err := s.GetTrace(uuid.NewString())
	is.Equal(err, event.ErrNotFound)
}

func TestAppendOrBusyRejectsOverHighWaterMark(t *testing.T) {
	is := is.New(t)
	cfg := DefaultConfig()
	cfg.HighWaterMark = 1
	s := New(cfg, linker.New(nil))

	traceID := uuid.NewString()
	ok, _ := s.AppendOrBusy(traceID, []event.Event{mkEvent(traceID, time.Now())})
	is.True(ok)

	ok, retryAfter := s.AppendOrBusy(traceID, []event.Event{mkEvent(traceID, time.Now())})
	is.True(!ok)
	is.True(retryAfter > 0)
}

func TestEvictByAge(t *testing.T) {
	is := is.New(t)
	cfg := DefaultConfig()
	cfg.MaxAge = time.Minute
	s := New(cfg, linker.New(nil))

	frozen := time.Now()
	s.now = func() time.Time { return frozen }

	traceID := uuid.NewString()
	s.AppendOrBusy(traceID, []event.Event{mkEvent(traceID, frozen)})

	s.now = func() time.Time { return frozen.Add(2 * time.Minute) }
	n := s.Evict()
	is.Equal(n, 1)

	_, err := s.GetTrace(traceID)
	is.Equal(err, event.ErrNotFound)
}

func TestEvictByAgeIgnoresReadsWithoutAppend(t *testing.T) {
	is := is.New(t)
	cfg := DefaultConfig()
	cfg.MaxAge = time.Minute
	s := New(cfg, linker.New(nil))

	frozen := time.Now()
	s.now = func() time.Time { return frozen }

	traceID := uuid.NewString()
	s.AppendOrBusy(traceID, []event.Event{mkEvent(traceID, frozen)})

	// Repeated reads, with no further append, must not postpone eviction —
	// only appends should refresh the age-eviction clock.
	s.now = func() time.Time { return frozen.Add(30 * time.Second) }
	_, err := s.GetTrace(traceID)
	is.NoErr(err)
	_, err = s.Trace(traceID)
	is.NoErr(err)

	s.now = func() time.Time { return frozen.Add(2 * time.Minute) }
	n := s.Evict()
	is.Equal(n, 1)

	_, err = s.GetTrace(traceID)
	is.Equal(err, event.ErrNotFound)
}

func TestAppendOrBusyRejectsWhenBackpressureDenies(t *testing.T) {
	is := is.New(t)
	s := New(DefaultConfig(), linker.New(nil))
	bp := &fakeBackpressure{allow: false}
	s.SetBackpressure(bp)

	traceID := uuid.NewString()
	ok, retryAfter := s.AppendOrBusy(traceID, []event.Event{mkEvent(traceID, time.Now())})
	is.True(!ok)
	is.True(retryAfter > 0)
	is.Equal(bp.calls, 1)

	_, err := s.GetTrace(traceID)
	is.Equal(err, event.ErrNotFound)
}

func TestEvictArchivesBeforeDroppingByAge(t *testing.T) {
	is := is.New(t)
	cfg := DefaultConfig()
	cfg.MaxAge = time.Minute
	s := New(cfg, linker.New(nil))
	arc := &fakeArchiver{}
	s.SetArchiver(arc)

	frozen := time.Now()
	s.now = func() time.Time { return frozen }

	traceID := uuid.NewString()
	s.AppendOrBusy(traceID, []event.Event{mkEvent(traceID, frozen)})

	s.now = func() time.Time { return frozen.Add(2 * time.Minute) }
	n := s.Evict()
	is.Equal(n, 1)
	is.Equal(arc.archived, []string{traceID})
}

func TestEvictByCountKeepsMostRecentlyUsed(t *testing.T) {
	is := is.New(t)
	cfg := DefaultConfig()
	cfg.MaxTraces = 2
	cfg.MaxAge = 0
	s := New(cfg, linker.New(nil))

	frozen := time.Now()
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.NewString()
		s.now = func(i int) func() time.Time {
			return func() time.Time { return frozen.Add(time.Duration(i) * time.Second) }
		}(i)
		s.AppendOrBusy(ids[i], []event.Event{mkEvent(ids[i], frozen)})
	}

	n := s.Evict()
	is.Equal(n, 1)
	is.Equal(s.Count(), 2)

	_, err := s.GetTrace(ids[0])
	is.Equal(err, event.ErrNotFound)
	_, err = s.GetTrace(ids[2])
	is.NoErr(err)
}

func TestListTracesSortedByLastEventDescending(t *testing.T) {
	is := is.New(t)
	s := New(DefaultConfig(), linker.New(nil))

	now := time.Now()
	t1, t2 := uuid.NewString(), uuid.NewString()
	s.AppendOrBusy(t1, []event.Event{mkEvent(t1, now)})
	s.AppendOrBusy(t2, []event.Event{mkEvent(t2, now.Add(time.Hour))})

	page := s.ListTraces(1, 10)
	is.Equal(page.Total, 2)
	is.Equal(page.Traces[0].ID, t2)
	is.Equal(page.Traces[1].ID, t1)
}

func TestCacheInvalidatedOnAppend(t *testing.T) {
	is := is.New(t)
	s := New(DefaultConfig(), linker.New(nil))
	traceID := uuid.NewString()
	s.AppendOrBusy(traceID, []event.Event{mkEvent(traceID, time.Now())})

	tr, err := s.Trace(traceID)
	is.NoErr(err)
	tr.CacheSet("races", 42)

	v, ok := tr.CacheGet("races")
	is.True(ok)
	is.Equal(v, 42)

	s.AppendOrBusy(traceID, []event.Event{mkEvent(traceID, time.Now())})
	_, ok = tr.CacheGet("races")
	is.True(!ok) // new cache generation after append
}
