package aggregate

import (
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/mode-7/raceway-server/internal/event"
)

func httpResponseEvent(id string, ts time.Time, durationMs int64) event.Event {
	d := durationMs * int64(time.Millisecond)
	return event.Event{
		ID:        id,
		TraceID:   "trace-1",
		Timestamp: ts,
		Kind:      event.Kind{HTTPResponse: &event.HTTPResponse{Status: 200}},
		Metadata:  event.Metadata{ServiceName: "svc", ThreadID: "T1", DurationNs: &d},
	}
}

// TestDetectFlagsOutlier mirrors the spec's Scenario E: 19 HttpResponse
// events clustered around 50ms plus one outlier at 500ms.
func TestDetectFlagsOutlier(t *testing.T) {
	is := is.New(t)

	durations := []int64{
		50, 52, 48, 51, 49, 53, 47, 50, 50, 51,
		49, 52, 48, 50, 51, 49, 53, 47, 50, 500,
	}

	base := time.Now()
	events := make([]event.Event, 0, len(durations))
	for i, d := range durations {
		events = append(events, httpResponseEvent("E"+string(rune('A'+i)), base.Add(time.Duration(i)*time.Millisecond), d))
	}

	anomalies := Detect(events, DefaultSigmaK)
	is.Equal(len(anomalies), 1)
	is.Equal(anomalies[0].Severity, Critical)
	is.Equal(anomalies[0].DurationNs, int64(500)*int64(time.Millisecond))
}

func TestDetectSkipsKindsBelowMinSamples(t *testing.T) {
	is := is.New(t)
	base := time.Now()
	events := []event.Event{
		httpResponseEvent("E1", base, 50),
		httpResponseEvent("E2", base.Add(time.Millisecond), 500),
	}
	anomalies := Detect(events, DefaultSigmaK)
	is.Equal(len(anomalies), 0)
}
