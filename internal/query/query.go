// Package query implements the read-only query API surface (C9): every
// analysis is a pure projection over the store, cached per trace and
// invalidated automatically on append, and checks its deadline between
// phases rather than buried inside a single monolithic call.
package query

import (
	"context"
	"log/slog"
	"time"

	"github.com/mode-7/raceway-server/internal/aggregate"
	"github.com/mode-7/raceway-server/internal/audit"
	"github.com/mode-7/raceway-server/internal/critpath"
	"github.com/mode-7/raceway-server/internal/event"
	"github.com/mode-7/raceway-server/internal/race"
	"github.com/mode-7/raceway-server/internal/store"
)

// Envelope is the uniform response shape for every query operation.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(data interface{}) Envelope { return Envelope{Success: true, Data: data} }
func fail(err error) Envelope      { return Envelope{Success: false, Error: err.Error()} }

const (
	cacheKeyRaces       = "races"
	cacheKeyCriticalPath = "critical_path"
)

// Service answers every read-only query over a Store.
type Service struct {
	store *store.Store
	log   *slog.Logger
}

// New creates a query Service over s.
func New(s *store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: s, log: log}
}

func deadlineExceeded(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// GetTrace returns the merged cross-service view of traceID.
func (q *Service) GetTrace(ctx context.Context, traceID string) Envelope {
	if deadlineExceeded(ctx) {
		return fail(event.ErrTimeout)
	}
	snap, err := q.store.GetTrace(traceID)
	if err != nil {
		return fail(err)
	}
	return ok(snap)
}

// ListTraces returns a paginated summary of every retained trace.
func (q *Service) ListTraces(ctx context.Context, page, size int) Envelope {
	if deadlineExceeded(ctx) {
		return fail(event.ErrTimeout)
	}
	return ok(q.store.ListTraces(page, size))
}

// Races returns the race reports for traceID, computed once per trace
// generation and cached thereafter.
func (q *Service) Races(ctx context.Context, traceID string) Envelope {
	tr, err := q.store.Trace(traceID)
	if err != nil {
		return fail(err)
	}
	if deadlineExceeded(ctx) {
		return fail(event.ErrTimeout)
	}

	reports, err := q.races(ctx, tr)
	if err != nil {
		return fail(err)
	}
	return ok(reports)
}

func (q *Service) races(ctx context.Context, tr *store.Trace) ([]race.RaceReport, error) {
	if cached, found := tr.CacheGet(cacheKeyRaces); found {
		return cached.([]race.RaceReport), nil
	}
	if deadlineExceeded(ctx) {
		return nil, event.ErrTimeout
	}
	reports := race.Detect(tr)
	tr.CacheSet(cacheKeyRaces, reports)
	return reports, nil
}

// CriticalPath returns the longest weighted causal path through traceID.
func (q *Service) CriticalPath(ctx context.Context, traceID string) Envelope {
	tr, err := q.store.Trace(traceID)
	if err != nil {
		return fail(err)
	}
	if deadlineExceeded(ctx) {
		return fail(event.ErrTimeout)
	}

	if cached, found := tr.CacheGet(cacheKeyCriticalPath); found {
		return ok(cached.(critpath.Result))
	}

	events := tr.Events()
	if deadlineExceeded(ctx) {
		return fail(event.ErrTimeout)
	}

	result := critpath.Compute(events, q.store.Linker().Edges())
	tr.CacheSet(cacheKeyCriticalPath, result)
	return ok(result)
}

// Anomalies returns duration-based anomalies within traceID.
func (q *Service) Anomalies(ctx context.Context, traceID string, k float64) Envelope {
	tr, err := q.store.Trace(traceID)
	if err != nil {
		return fail(err)
	}
	if deadlineExceeded(ctx) {
		return fail(event.ErrTimeout)
	}
	anomalies := aggregate.Detect(tr.Events(), k)
	return ok(anomalies)
}

// Audit returns the audit trail for variable within traceID.
func (q *Service) Audit(ctx context.Context, traceID, variable string) Envelope {
	tr, err := q.store.Trace(traceID)
	if err != nil {
		return fail(err)
	}
	if deadlineExceeded(ctx) {
		return fail(event.ErrTimeout)
	}

	reports, err := q.races(ctx, tr)
	if err != nil {
		return fail(err)
	}
	if deadlineExceeded(ctx) {
		return fail(event.ErrTimeout)
	}

	trail := audit.Build(tr, variable, reports)
	return ok(trail)
}

// Hotspots returns the variable and service-call access-count rankings.
func (q *Service) Hotspots(ctx context.Context, now time.Time, window time.Duration, topN int) Envelope {
	if deadlineExceeded(ctx) {
		return fail(event.ErrTimeout)
	}
	variables := aggregate.VariableHotspots(q.store, now, window, topN)

	if deadlineExceeded(ctx) {
		return fail(event.ErrTimeout)
	}
	services := aggregate.ServiceCallHotspots(q.store, topN)

	return ok(struct {
		Variables []aggregate.VariableHotspot    `json:"variables"`
		Services  []aggregate.ServiceCallHotspot `json:"services"`
	}{variables, services})
}

// ServiceHealth returns the activity classification for every service seen
// across retained traces.
func (q *Service) ServiceHealth(ctx context.Context, now time.Time) Envelope {
	if deadlineExceeded(ctx) {
		return fail(event.ErrTimeout)
	}
	return ok(aggregate.Health(q.store, now))
}

// Performance returns throughput and latency metrics sampled over the most
// recently active traces.
func (q *Service) Performance(ctx context.Context, now time.Time, sampleSize int, window time.Duration) Envelope {
	if deadlineExceeded(ctx) {
		return fail(event.ErrTimeout)
	}
	return ok(aggregate.Compute(q.store, now, sampleSize, window))
}
