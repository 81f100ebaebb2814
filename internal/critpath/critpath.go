// Package critpath implements the critical-path analyzer (C6): the longest
// weighted chain of causally-ordered events in a trace, and the fraction of
// the trace's total duration it accounts for.
package critpath

import (
	"sort"
	"time"

	"github.com/mode-7/raceway-server/internal/event"
	"github.com/mode-7/raceway-server/internal/linker"
)

// EventRef is one step of a critical path.
type EventRef struct {
	EventID    string
	TraceID    string
	Timestamp  time.Time
	Kind       string
	DurationNs int64
}

// Result is the critical-path analysis output.
type Result struct {
	Path                 []EventRef
	PathDurationMs       float64
	TraceTotalDurationMs float64
	PercentageOfTotal    float64
}

// Compute builds the causal DAG over events — parent_id edges, same-thread
// consecutive order, and cross-span edges from spanEdges — and returns its
// longest weighted path. spanEdges may be nil for a single-service trace.
func Compute(events []event.Event, spanEdges []linker.Edge) Result {
	if len(events) == 0 {
		return Result{}
	}

	sorted := make([]event.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	totalMs := sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp).Seconds() * 1000

	index := make(map[string]event.Event, len(sorted))
	for _, e := range sorted {
		index[e.ID] = e
	}

	pred := make(map[string][]string)
	addPred := func(child, parent string) {
		if parent == "" || child == parent {
			return
		}
		if _, ok := index[parent]; !ok {
			return
		}
		pred[child] = append(pred[child], parent)
	}

	for _, e := range sorted {
		addPred(e.ID, e.ParentID)
	}

	threadLast := map[string]string{}
	spanFirst := map[string]string{}
	spanLast := map[string]string{}
	hasDuration := false
	for _, e := range sorted {
		if last, ok := threadLast[e.Metadata.ThreadID]; ok {
			addPred(e.ID, last)
		}
		threadLast[e.Metadata.ThreadID] = e.ID

		if spanID := e.Metadata.DistributedSpanID; spanID != "" {
			if _, ok := spanFirst[spanID]; !ok {
				spanFirst[spanID] = e.ID
			}
			spanLast[spanID] = e.ID
		}

		if e.Metadata.DurationNs != nil {
			hasDuration = true
		}
	}

	for _, se := range spanEdges {
		lastID, ok1 := spanLast[se.FromSpan]
		firstID, ok2 := spanFirst[se.ToSpan]
		if ok1 && ok2 {
			addPred(firstID, lastID)
		}
	}

	if !hasDuration {
		return Result{TraceTotalDurationMs: totalMs}
	}

	weight := func(e event.Event) float64 {
		if e.Metadata.DurationNs != nil {
			return float64(*e.Metadata.DurationNs)
		}
		return 0
	}

	best := make(map[string]float64, len(sorted))
	prev := make(map[string]string, len(sorted))

	var maxID string
	var maxVal float64
	for _, e := range sorted {
		b := weight(e)
		var bestPred string
		bestPredVal := -1.0
		for _, p := range pred[e.ID] {
			if bp, ok := best[p]; ok && bp > bestPredVal {
				bestPredVal = bp
				bestPred = p
			}
		}
		if bestPredVal >= 0 {
			b += bestPredVal
			prev[e.ID] = bestPred
		}
		best[e.ID] = b
		if maxID == "" || b > maxVal {
			maxID = e.ID
			maxVal = b
		}
	}

	var chain []string
	for id := maxID; id != ""; {
		chain = append(chain, id)
		p, ok := prev[id]
		if !ok {
			break
		}
		id = p
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	path := make([]EventRef, 0, len(chain))
	for _, id := range chain {
		e := index[id]
		var d int64
		if e.Metadata.DurationNs != nil {
			d = *e.Metadata.DurationNs
		}
		path = append(path, EventRef{
			EventID:    e.ID,
			TraceID:    e.TraceID,
			Timestamp:  e.Timestamp,
			Kind:       e.Kind.Variant(),
			DurationNs: d,
		})
	}

	pathMs := maxVal / 1e6
	var pct float64
	if totalMs > 0 {
		pct = pathMs / totalMs * 100
	}

	return Result{
		Path:                 path,
		PathDurationMs:       pathMs,
		TraceTotalDurationMs: totalMs,
		PercentageOfTotal:    pct,
	}
}
