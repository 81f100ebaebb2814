package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/mode-7/raceway-server/internal/store"
)

// PerformanceMetrics summarizes throughput and latency over a sample of
// recent traces.
type PerformanceMetrics struct {
	LatencyP50Ms         float64
	LatencyP95Ms         float64
	LatencyP99Ms         float64
	AvgDurationByService map[string]float64
	EventCountByKind     map[string]int
	EventsPerSec         float64
	TracesPerSec         float64
	SampledTraces        int
}

// Compute samples the sampleSize most recently active traces and derives
// end-to-end latency percentiles, per-service average event duration, event
// counts per kind, and events/traces-per-second throughput measured over
// window ending at now.
func Compute(s *store.Store, now time.Time, sampleSize int, window time.Duration) PerformanceMetrics {
	page := s.ListTraces(1, sampleSize)

	latencies := make([]float64, 0, len(page.Traces))
	durationSum := map[string]float64{}
	durationCount := map[string]int{}
	kindCount := map[string]int{}

	var eventsInWindow, tracesInWindow int

	for _, listed := range page.Traces {
		tr, err := s.Trace(listed.ID)
		if err != nil {
			continue
		}

		first, last := tr.FirstLast()
		latencies = append(latencies, last.Sub(first).Seconds()*1000)

		inWindow := window <= 0 || now.Sub(last) <= window
		if inWindow {
			tracesInWindow++
		}

		for _, e := range tr.Events() {
			kindCount[e.Kind.Variant()]++
			if e.Metadata.DurationNs != nil {
				durationSum[e.Metadata.ServiceName] += float64(*e.Metadata.DurationNs)
				durationCount[e.Metadata.ServiceName]++
			}
			if inWindow {
				eventsInWindow++
			}
		}
	}

	avgDuration := make(map[string]float64, len(durationSum))
	for svc, sum := range durationSum {
		avgDuration[svc] = sum / float64(durationCount[svc])
	}

	var eventsPerSec, tracesPerSec float64
	if window > 0 {
		eventsPerSec = float64(eventsInWindow) / window.Seconds()
		tracesPerSec = float64(tracesInWindow) / window.Seconds()
	}

	sort.Float64s(latencies)
	return PerformanceMetrics{
		LatencyP50Ms:         percentile(latencies, 50),
		LatencyP95Ms:         percentile(latencies, 95),
		LatencyP99Ms:         percentile(latencies, 99),
		AvgDurationByService: avgDuration,
		EventCountByKind:     kindCount,
		EventsPerSec:         eventsPerSec,
		TracesPerSec:         tracesPerSec,
		SampledTraces:        len(page.Traces),
	}
}

// percentile returns the nearest-rank p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
