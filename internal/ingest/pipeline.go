// Package ingest implements the batch-ingest contract (§4.2): validating
// events individually so a batch can partially succeed, deduplicating
// against retained event ids, and dispatching accepted events to the trace
// store under per-trace admission control.
package ingest

import (
	"log/slog"
	"time"

	"github.com/mode-7/raceway-server/internal/event"
)

// Store is the subset of the trace store's contract the ingest pipeline
// depends on. The real implementation is internal/store.Store.
type Store interface {
	// HasEvent reports whether eventID has already been retained for
	// traceID, used to reject duplicates idempotently.
	HasEvent(traceID, eventID string) bool
	// AppendOrBusy appends events to traceID (creating it if new) under a
	// single exclusive acquisition that also performs the admission check,
	// so the check-then-append sequence is race-free. If the trace's
	// admission queue is full it appends nothing and returns ok=false with
	// the retry-after duration.
	AppendOrBusy(traceID string, events []event.Event) (ok bool, retryAfter time.Duration)
}

// Rejection explains why one event in a batch was not accepted.
type Rejection struct {
	EventID string
	Err     error
}

// Result is the outcome of ingesting one batch.
type Result struct {
	Accepted int
	Rejected []Rejection
}

// Pipeline validates and dispatches event batches.
type Pipeline struct {
	store Store
	log   *slog.Logger
}

// New creates a Pipeline backed by store. log may be nil, in which case
// slog.Default() is used.
func New(store Store, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{store: store, log: log}
}

// Ingest validates every event in the batch, groups accepted events by
// trace, checks per-trace admission, and appends what's left. Rejections
// never affect the rest of the batch — a Busy trace does not block
// unrelated traces in the same batch.
func (p *Pipeline) Ingest(batch event.EventBatch) Result {
	var result Result

	byTrace := make(map[string][]event.Event)
	order := make([]string, 0, len(batch.Events))
	seen := make(map[string]bool, len(batch.Events))

	for _, e := range batch.Events {
		normalized, err := validate(e)
		if err != nil {
			result.Rejected = append(result.Rejected, Rejection{EventID: e.ID, Err: err})
			continue
		}
		e = normalized
		if p.store.HasEvent(e.TraceID, e.ID) || seen[e.ID] {
			result.Rejected = append(result.Rejected, Rejection{
				EventID: e.ID,
				Err:     &event.MalformedEventError{Field: "id", Reason: "duplicate"},
			})
			continue
		}
		seen[e.ID] = true
		if _, ok := byTrace[e.TraceID]; !ok {
			order = append(order, e.TraceID)
		}
		byTrace[e.TraceID] = append(byTrace[e.TraceID], e)
	}

	for _, traceID := range order {
		events := byTrace[traceID]
		ok, retryAfter := p.store.AppendOrBusy(traceID, events)
		if !ok {
			p.log.Warn("ingest: trace admission queue full", "trace_id", traceID, "retry_after", retryAfter)
			for _, e := range events {
				result.Rejected = append(result.Rejected, Rejection{
					EventID: e.ID,
					Err:     &event.BusyError{RetryAfter: retryAfter},
				})
			}
			continue
		}
		result.Accepted += len(events)
	}

	if len(result.Rejected) > 0 {
		p.log.Debug("ingest: batch partially rejected", "accepted", result.Accepted, "rejected", len(result.Rejected))
	}

	return result
}
