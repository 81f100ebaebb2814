package aggregate

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matryer/is"
	"github.com/mode-7/raceway-server/internal/event"
	"github.com/mode-7/raceway-server/internal/linker"
	"github.com/mode-7/raceway-server/internal/store"
)

func durationEvent(traceID, service string, ts time.Time, durationNs int64) event.Event {
	d := durationNs
	return event.Event{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		Timestamp: ts,
		Kind:      event.Kind{FunctionCall: &event.FunctionCall{Name: "handle"}},
		Metadata:  event.Metadata{ServiceName: service, ThreadID: "T1", DurationNs: &d},
	}
}

func TestComputeReportsLatencyAndThroughput(t *testing.T) {
	is := is.New(t)

	s := store.New(store.DefaultConfig(), linker.New(nil))
	traceID := uuid.NewString()
	now := time.Now()

	events := []event.Event{
		durationEvent(traceID, "checkout", now, int64(10*time.Millisecond)),
		durationEvent(traceID, "checkout", now.Add(10*time.Millisecond), int64(20*time.Millisecond)),
		durationEvent(traceID, "inventory", now.Add(20*time.Millisecond), int64(30*time.Millisecond)),
	}
	ok, _ := s.AppendOrBusy(traceID, events)
	is.True(ok)

	metrics := Compute(s, now.Add(time.Minute), 10, time.Hour)
	is.Equal(metrics.SampledTraces, 1)
	is.Equal(metrics.EventCountByKind["FunctionCall"], 3)
	is.True(metrics.AvgDurationByService["checkout"] > 0)
	is.True(metrics.LatencyP50Ms >= 0)
	is.True(metrics.TracesPerSec > 0)
}

func TestPercentileNearestRank(t *testing.T) {
	is := is.New(t)
	sorted := []float64{10, 20, 30, 40, 50}
	is.Equal(percentile(sorted, 50), float64(30))
	is.Equal(percentile(sorted, 0), float64(10))
	is.Equal(percentile(nil, 50), float64(0))
}
