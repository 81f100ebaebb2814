// Package aggregate implements the hotspot, anomaly, performance, and
// service-health aggregations (C8): cross-trace rollups computed on demand
// over the traces currently retained by the store.
package aggregate

import (
	"sort"
	"time"

	"github.com/mode-7/raceway-server/internal/store"
)

// VariableHotspot is one entry of the variable access-count ranking.
type VariableHotspot struct {
	Variable    string
	AccessCount int
}

// ServiceCallHotspot is one entry of the cross-service call-count ranking.
type ServiceCallHotspot struct {
	FromService string
	ToService   string
	CallCount   int
}

// VariableHotspots ranks variables by access_count across every retained
// trace, restricted to accesses within window of now (window <= 0 means
// all history), returning at most topN entries.
func VariableHotspots(s *store.Store, now time.Time, window time.Duration, topN int) []VariableHotspot {
	counts := map[string]int{}
	for _, traceID := range s.AllTraceIDs() {
		tr, err := s.Trace(traceID)
		if err != nil {
			continue
		}
		for _, variable := range tr.Variables() {
			for _, a := range tr.VariableAccesses(variable) {
				if window > 0 && now.Sub(a.Timestamp) > window {
					continue
				}
				counts[variable]++
			}
		}
	}

	out := make([]VariableHotspot, 0, len(counts))
	for v, c := range counts {
		out = append(out, VariableHotspot{Variable: v, AccessCount: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccessCount != out[j].AccessCount {
			return out[i].AccessCount > out[j].AccessCount
		}
		return out[i].Variable < out[j].Variable
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// ServiceCallHotspots ranks (from_service, to_service) pairs by call count,
// derived from the linker's distributed-span edges.
func ServiceCallHotspots(s *store.Store, topN int) []ServiceCallHotspot {
	type key struct{ from, to string }
	counts := map[key]int{}

	linker := s.Linker()
	for _, e := range linker.Edges() {
		from, ok1 := linker.Span(e.FromSpan)
		to, ok2 := linker.Span(e.ToSpan)
		if !ok1 || !ok2 {
			continue
		}
		counts[key{from.Service, to.Service}]++
	}

	out := make([]ServiceCallHotspot, 0, len(counts))
	for k, c := range counts {
		out = append(out, ServiceCallHotspot{FromService: k.from, ToService: k.to, CallCount: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CallCount != out[j].CallCount {
			return out[i].CallCount > out[j].CallCount
		}
		if out[i].FromService != out[j].FromService {
			return out[i].FromService < out[j].FromService
		}
		return out[i].ToService < out[j].ToService
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}
