// Package linker implements the distributed span linker (C4): it assembles
// a cross-service graph of spans from the per-event distributed-span and
// upstream-span fields and answers "which spans are transitively reachable
// from this one", which is how a merged cross-service trace is built.
package linker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mode-7/raceway-server/internal/event"
)

// SpanMeta describes one distributed span observed by the linker.
type SpanMeta struct {
	SpanID       string
	TraceID      string
	Service      string
	Instance     string
	ParentSpanID string
	FirstEventTS time.Time
	LastEventTS  time.Time
}

// Edge is a directed cross-service call link, parent span to child span.
type Edge struct {
	FromSpan string
	ToSpan   string
	LinkType string
	CreatedAt time.Time
}

// SpanSink durably records the span graph as the linker builds it, so a
// deployment can keep a cross-service index after the in-memory store
// evicts the traces it was built from. Observe calls it outside the
// linker's lock, so an implementation is free to block on I/O.
type SpanSink interface {
	WriteSpan(ctx context.Context, span SpanMeta) error
	WriteEdge(ctx context.Context, edge Edge) error
}

// Linker tracks spans and edges across all traces. It is safe for
// concurrent use; all mutation happens under a single mutex since span
// graphs are typically small and shared across an entire distributed trace.
type Linker struct {
	mu    sync.RWMutex
	spans map[string]*SpanMeta          // span id -> meta
	fwd   map[string]map[string]bool    // parent span -> child spans
	rev   map[string]map[string]bool    // child span -> parent spans
	// orphans holds children whose parent span hasn't been observed yet,
	// keyed by the missing parent span id.
	orphans map[string][]string
	log     *slog.Logger
	sink    SpanSink
}

// New creates an empty Linker.
func New(log *slog.Logger) *Linker {
	if log == nil {
		log = slog.Default()
	}
	return &Linker{
		spans:   make(map[string]*SpanMeta),
		fwd:     make(map[string]map[string]bool),
		rev:     make(map[string]map[string]bool),
		orphans: make(map[string][]string),
		log:     log,
	}
}

// SetSink attaches a durable sink that every future Observe call persists
// to, in addition to the linker's own in-memory graph.
func (l *Linker) SetSink(sink SpanSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// Observe updates span bookkeeping for one event, creating or extending the
// span it belongs to and attempting to link it to its upstream span. It is
// a no-op for events with no distributed span id.
func (l *Linker) Observe(e event.Event) {
	spanID := e.Metadata.DistributedSpanID
	if spanID == "" {
		return
	}

	l.mu.Lock()

	meta, ok := l.spans[spanID]
	if !ok {
		meta = &SpanMeta{
			SpanID:       spanID,
			TraceID:      e.TraceID,
			Service:      e.Metadata.ServiceName,
			Instance:     e.Metadata.InstanceID,
			FirstEventTS: e.Timestamp,
			LastEventTS:  e.Timestamp,
		}
		l.spans[spanID] = meta
	} else {
		if e.Timestamp.Before(meta.FirstEventTS) {
			meta.FirstEventTS = e.Timestamp
		}
		if e.Timestamp.After(meta.LastEventTS) {
			meta.LastEventTS = e.Timestamp
		}
	}

	var newEdges []Edge
	upstream := e.Metadata.UpstreamSpanID
	if upstream != "" && upstream != meta.ParentSpanID {
		meta.ParentSpanID = upstream

		if _, known := l.spans[upstream]; !known {
			l.orphans[upstream] = append(l.orphans[upstream], spanID)
		} else {
			if l.link(upstream, spanID) {
				newEdges = append(newEdges, Edge{FromSpan: upstream, ToSpan: spanID, LinkType: "rpc-call", CreatedAt: e.Timestamp})
			}
		}
	}

	// The arrival of this span may resolve orphans waiting on it.
	for _, child := range l.orphans[spanID] {
		if l.link(spanID, child) {
			newEdges = append(newEdges, Edge{FromSpan: spanID, ToSpan: child, LinkType: "rpc-call", CreatedAt: e.Timestamp})
		}
	}
	delete(l.orphans, spanID)

	spanCopy := *meta
	sink := l.sink
	l.mu.Unlock()

	if sink == nil {
		return
	}
	ctx := context.Background()
	if err := sink.WriteSpan(ctx, spanCopy); err != nil {
		l.log.Error("linker: persist span", "span_id", spanCopy.SpanID, "error", err)
	}
	for _, edge := range newEdges {
		if err := sink.WriteEdge(ctx, edge); err != nil {
			l.log.Error("linker: persist edge", "from", edge.FromSpan, "to", edge.ToSpan, "error", err)
		}
	}
}

// link adds the parent->child edge unless it would close a cycle, in which
// case the edge is dropped and logged — analyses are undefined on cyclic
// cross-service graphs, so we never let one form. Reports whether the edge
// was actually added. Caller must hold l.mu.
func (l *Linker) link(parent, child string) bool {
	if l.reachableLocked(child, true)[parent] {
		l.log.Warn("linker: dropping edge that would close a cycle", "from", parent, "to", child)
		return false
	}
	if l.fwd[parent] == nil {
		l.fwd[parent] = make(map[string]bool)
	}
	l.fwd[parent][child] = true
	if l.rev[child] == nil {
		l.rev[child] = make(map[string]bool)
	}
	l.rev[child][parent] = true
	return true
}

// reachableLocked returns the set of span ids reachable from start,
// traversing forward edges only if directed is true, or both directions
// otherwise. Caller must hold l.mu.
func (l *Linker) reachableLocked(start string, directed bool) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range l.fwd[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
		if !directed {
			for next := range l.rev[cur] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
	}
	return seen
}

// Reachable returns every span id reachable from spanID by following edges
// in either direction, including spanID itself.
func (l *Linker) Reachable(spanID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.spans[spanID]; !ok {
		return nil
	}
	set := l.reachableLocked(spanID, false)
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// SpanTraceID returns the trace id that owns spanID, and whether it's known.
func (l *Linker) SpanTraceID(spanID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.spans[spanID]
	if !ok {
		return "", false
	}
	return m.TraceID, true
}

// SpansForTrace returns every span id the linker has observed for traceID.
func (l *Linker) SpansForTrace(traceID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for id, m := range l.spans {
		if m.TraceID == traceID {
			out = append(out, id)
		}
	}
	return out
}

// Span returns a copy of the span metadata, if known.
func (l *Linker) Span(spanID string) (SpanMeta, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.spans[spanID]
	if !ok {
		return SpanMeta{}, false
	}
	return *m, true
}

// Edges returns every cross-service edge the linker currently holds, used
// by the critical-path analyzer (cross-span edges) and by service-call
// hotspots.
func (l *Linker) Edges() []Edge {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Edge
	for parent, children := range l.fwd {
		for child := range children {
			out = append(out, Edge{FromSpan: parent, ToSpan: child, LinkType: "rpc-call"})
		}
	}
	return out
}
