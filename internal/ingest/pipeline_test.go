package ingest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matryer/is"
	"github.com/mode-7/raceway-server/internal/event"
)

type fakeStore struct {
	seen    map[string]map[string]bool
	appends map[string][]event.Event
	busy    map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		seen:    map[string]map[string]bool{},
		appends: map[string][]event.Event{},
		busy:    map[string]time.Duration{},
	}
}

func (f *fakeStore) HasEvent(traceID, eventID string) bool {
	return f.seen[traceID] != nil && f.seen[traceID][eventID]
}

func (f *fakeStore) AppendOrBusy(traceID string, events []event.Event) (bool, time.Duration) {
	if d, busy := f.busy[traceID]; busy {
		return false, d
	}
	if f.seen[traceID] == nil {
		f.seen[traceID] = map[string]bool{}
	}
	for _, e := range events {
		f.seen[traceID][e.ID] = true
	}
	f.appends[traceID] = append(f.appends[traceID], events...)
	return true, 0
}

func validEvent(traceID string) event.Event {
	return event.Event{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		Timestamp: time.Now(),
		Kind:      event.Kind{FunctionCall: &event.FunctionCall{Name: "f", Module: "m", File: "f.go", Line: 1}},
		Metadata:  event.Metadata{ServiceName: "svc", ThreadID: "t1"},
	}
}

func TestIngestAcceptsValidBatch(t *testing.T) {
	is := is.New(t)
	store := newFakeStore()
	p := New(store, nil)

	traceID := uuid.NewString()
	batch := event.EventBatch{Events: []event.Event{validEvent(traceID), validEvent(traceID)}}

	result := p.Ingest(batch)
	is.Equal(result.Accepted, 2)
	is.Equal(len(result.Rejected), 0)
}

func TestIngestRejectsIndividuallyWithinBatch(t *testing.T) {
	is := is.New(t)
	store := newFakeStore()
	p := New(store, nil)

	traceID := uuid.NewString()
	good := validEvent(traceID)
	bad := validEvent(traceID)
	bad.ID = "not-a-uuid"

	result := p.Ingest(event.EventBatch{Events: []event.Event{good, bad}})
	is.Equal(result.Accepted, 1)
	is.Equal(len(result.Rejected), 1)
	is.Equal(result.Rejected[0].EventID, "not-a-uuid")
}

func TestIngestRejectsDuplicateID(t *testing.T) {
	is := is.New(t)
	store := newFakeStore()
	p := New(store, nil)

	traceID := uuid.NewString()
	e := validEvent(traceID)

	r1 := p.Ingest(event.EventBatch{Events: []event.Event{e}})
	is.Equal(r1.Accepted, 1)

	r2 := p.Ingest(event.EventBatch{Events: []event.Event{e}})
	is.Equal(r2.Accepted, 0)
	is.Equal(len(r2.Rejected), 1)
	var merr *event.MalformedEventError
	is.True(asMalformed(r2.Rejected[0].Err, &merr))
	is.Equal(merr.Reason, "duplicate")
}

func TestIngestRejectsDuplicateIDWithinSameBatch(t *testing.T) {
	is := is.New(t)
	store := newFakeStore()
	p := New(store, nil)

	traceID := uuid.NewString()
	e := validEvent(traceID)
	dup := e

	result := p.Ingest(event.EventBatch{Events: []event.Event{e, dup}})
	is.Equal(result.Accepted, 1)
	is.Equal(len(result.Rejected), 1)
	is.Equal(result.Rejected[0].EventID, e.ID)

	var merr *event.MalformedEventError
	is.True(asMalformed(result.Rejected[0].Err, &merr))
	is.Equal(merr.Reason, "duplicate")
}

func TestIngestBusyTraceDoesNotAffectOtherTraces(t *testing.T) {
	is := is.New(t)
	store := newFakeStore()
	p := New(store, nil)

	busyTrace := uuid.NewString()
	okTrace := uuid.NewString()
	store.busy[busyTrace] = 2 * time.Second

	result := p.Ingest(event.EventBatch{Events: []event.Event{validEvent(busyTrace), validEvent(okTrace)}})
	is.Equal(result.Accepted, 1)
	is.Equal(len(result.Rejected), 1)

	var berr *event.BusyError
	is.True(asMalformed(result.Rejected[0].Err, &berr))
	is.Equal(berr.RetryAfter, 2*time.Second)
}

func TestValidateRejectsMultiVariantKind(t *testing.T) {
	is := is.New(t)
	e := validEvent(uuid.NewString())
	e.Kind.StateChange = &event.StateChange{Variable: "x", AccessType: event.Read}
	_, err := validate(e)
	is.True(err != nil)
}

func TestValidateRequiresLocalClockComponentForStateChange(t *testing.T) {
	is := is.New(t)
	e := event.Event{
		ID:        uuid.NewString(),
		TraceID:   uuid.NewString(),
		Timestamp: time.Now(),
		Kind:      event.Kind{StateChange: &event.StateChange{Variable: "balance", AccessType: event.Write}},
		Metadata:  event.Metadata{ServiceName: "svc", InstanceID: "i1", ThreadID: "t1"},
	}
	_, err := validate(e)
	is.True(err != nil)

	e.CausalityVector = event.Clock{"svc#i1": 1}
	_, err = validate(e)
	is.NoErr(err)
}

// asMalformed is a tiny errors.As helper to keep the test terse.
func asMalformed(err error, target interface{}) bool {
	switch t := target.(type) {
	case **event.MalformedEventError:
		if e, ok := err.(*event.MalformedEventError); ok {
			*t = e
			return true
		}
	case **event.BusyError:
		if e, ok := err.(*event.BusyError); ok {
			*t = e
			return true
		}
	}
	return false
}
