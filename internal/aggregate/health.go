package aggregate

import (
	"sort"
	"time"

	"github.com/mode-7/raceway-server/internal/store"
)

const (
	healthWarningAge  = 5 * time.Minute
	healthCriticalAge = 30 * time.Minute
)

// ServiceHealth is the activity classification for one service.
type ServiceHealth struct {
	Service           string
	LastEventTS       time.Time
	Activity          string // healthy | warning | critical
	TraceCount        int
	AvgEventsPerTrace float64
}

// Health classifies every service observed across the store's retained
// traces by how long ago its last event was seen.
func Health(s *store.Store, now time.Time) []ServiceHealth {
	lastSeen := map[string]time.Time{}
	tracesByService := map[string]map[string]bool{}
	eventsByService := map[string]int{}

	for _, traceID := range s.AllTraceIDs() {
		tr, err := s.Trace(traceID)
		if err != nil {
			continue
		}
		for _, e := range tr.Events() {
			svc := e.Metadata.ServiceName
			if e.Timestamp.After(lastSeen[svc]) {
				lastSeen[svc] = e.Timestamp
			}
			if tracesByService[svc] == nil {
				tracesByService[svc] = map[string]bool{}
			}
			tracesByService[svc][traceID] = true
			eventsByService[svc]++
		}
	}

	out := make([]ServiceHealth, 0, len(lastSeen))
	for svc, last := range lastSeen {
		age := now.Sub(last)
		activity := "healthy"
		switch {
		case age > healthCriticalAge:
			activity = "critical"
		case age > healthWarningAge:
			activity = "warning"
		}

		traceCount := len(tracesByService[svc])
		var avg float64
		if traceCount > 0 {
			avg = float64(eventsByService[svc]) / float64(traceCount)
		}

		out = append(out, ServiceHealth{
			Service:           svc,
			LastEventTS:       last,
			Activity:          activity,
			TraceCount:        traceCount,
			AvgEventsPerTrace: avg,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
