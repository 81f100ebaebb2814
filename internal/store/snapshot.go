package store

import (
	"time"

	"github.com/mode-7/raceway-server/internal/event"
)

// Snapshot is a read-only, merged view of a trace returned by GetTrace. Its
// events hold no references back into the store — they are copied — per
// the ownership rule that analyses never hold live trace references after
// returning.
type Snapshot struct {
	TraceID  string
	Events   []event.Event
	FirstTS  time.Time
	LastTS   time.Time
	Services []string
}

func newSnapshot(traceID string, events []event.Event) Snapshot {
	s := Snapshot{TraceID: traceID, Events: events}
	seen := map[string]bool{}
	for _, e := range events {
		if s.FirstTS.IsZero() || e.Timestamp.Before(s.FirstTS) {
			s.FirstTS = e.Timestamp
		}
		if e.Timestamp.After(s.LastTS) {
			s.LastTS = e.Timestamp
		}
		if !seen[e.Metadata.ServiceName] {
			seen[e.Metadata.ServiceName] = true
			s.Services = append(s.Services, e.Metadata.ServiceName)
		}
	}
	return s
}
