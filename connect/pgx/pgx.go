// Package pgx is the optional Postgres sink: it durably records the
// distributed span graph the linker builds, so a deployment can keep a
// cross-service trace index after the in-memory store evicts it. Events
// themselves are never persisted here — only span and edge metadata.
package pgx

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mode-7/raceway-server/internal/linker"
)

// Sink writes distributed span graph metadata to Postgres.
type Sink struct {
	pool *pgxpool.Pool
}

// Connect opens a pgx pool against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Sink{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Sink) Close() {
	s.pool.Close()
}

// spanData is the jsonb payload for span attributes not worth their own
// column — currently just the parent span id, kept here rather than as a
// scalar column since it's linker-internal bookkeeping, not a query key.
type spanData struct {
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// edgeData is the jsonb payload for edge attributes.
type edgeData struct {
	CreatedAt string `json:"created_at,omitempty"`
}

// WriteSpan upserts one distributed span's metadata. Re-observing the same
// span id (the linker extends FirstEventTS/LastEventTS as events arrive) is
// expected, so later writes widen the recorded time range rather than erroring.
func (s *Sink) WriteSpan(ctx context.Context, span linker.SpanMeta) error {
	data, err := json.Marshal(spanData{ParentSpanID: span.ParentSpanID})
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO distributed_spans (trace_id, span_id, service, instance, first_event, last_event, span_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (span_id) DO UPDATE SET
			first_event = LEAST(distributed_spans.first_event, EXCLUDED.first_event),
			last_event  = GREATEST(distributed_spans.last_event, EXCLUDED.last_event),
			span_data   = EXCLUDED.span_data
	`, span.TraceID, span.SpanID, span.Service, span.Instance, span.FirstEventTS, span.LastEventTS, data)
	return err
}

// WriteEdge inserts one cross-service call edge, ignoring duplicates — the
// at-most-once semantics the declared primary key is meant to give.
func (s *Sink) WriteEdge(ctx context.Context, edge linker.Edge) error {
	var createdAt string
	if !edge.CreatedAt.IsZero() {
		createdAt = edge.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00")
	}
	data, err := json.Marshal(edgeData{CreatedAt: createdAt})
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO distributed_edges (from_span, to_span, link_type, edge_data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (from_span, to_span) DO NOTHING
	`, edge.FromSpan, edge.ToSpan, edge.LinkType, data)
	return err
}
