package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/mode-7/raceway-server/internal/event"
)

const (
	Critical = "Critical"
	Warning  = "Warning"
	Minor    = "Minor"

	// DefaultSigmaK is the default flagging threshold: an event is an
	// anomaly candidate once its duration exceeds mean + k*stddev.
	DefaultSigmaK    = 3.0
	minSamplesPerKind = 5
)

// Anomaly is one event whose duration deviates from its kind's norm.
type Anomaly struct {
	EventID       string
	Kind          string
	Timestamp     time.Time
	DurationNs    int64
	Mean          float64
	StdDev        float64
	SigmaDistance float64
	Severity      string
}

// Detect flags events whose duration exceeds mean + k*stddev for their
// event kind, computed separately per kind within events. Kinds with fewer
// than 5 duration samples are skipped entirely — too few to be
// statistically meaningful.
func Detect(events []event.Event, k float64) []Anomaly {
	if k <= 0 {
		k = DefaultSigmaK
	}

	groups := map[string][]event.Event{}
	for _, e := range events {
		if e.Metadata.DurationNs == nil {
			continue
		}
		groups[e.Kind.Variant()] = append(groups[e.Kind.Variant()], e)
	}

	var out []Anomaly
	for kind, evs := range groups {
		if len(evs) < minSamplesPerKind {
			continue
		}

		var sum float64
		for _, e := range evs {
			sum += float64(*e.Metadata.DurationNs)
		}
		mean := sum / float64(len(evs))

		var sumSq float64
		for _, e := range evs {
			d := float64(*e.Metadata.DurationNs) - mean
			sumSq += d * d
		}
		stddev := math.Sqrt(sumSq / float64(len(evs)))
		if stddev == 0 {
			continue
		}

		threshold := mean + k*stddev
		for _, e := range evs {
			d := float64(*e.Metadata.DurationNs)
			if d <= threshold {
				continue
			}
			sigma := (d - mean) / stddev
			severity := Minor
			switch {
			case sigma >= 3:
				severity = Critical
			case sigma >= 2:
				severity = Warning
			}
			out = append(out, Anomaly{
				EventID:       e.ID,
				Kind:          kind,
				Timestamp:     e.Timestamp,
				DurationNs:    int64(d),
				Mean:          mean,
				StdDev:        stddev,
				SigmaDistance: sigma,
				Severity:      severity,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
