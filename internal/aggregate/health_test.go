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

func TestHealthClassifiesByLastEventAge(t *testing.T) {
	is := is.New(t)

	s := store.New(store.DefaultConfig(), linker.New(nil))
	now := time.Now()

	healthyTrace := uuid.NewString()
	warningTrace := uuid.NewString()
	criticalTrace := uuid.NewString()

	s.AppendOrBusy(healthyTrace, []event.Event{{
		ID: uuid.NewString(), TraceID: healthyTrace, Timestamp: now.Add(-time.Minute),
		Kind: event.Kind{FunctionCall: &event.FunctionCall{Name: "f"}}, Metadata: event.Metadata{ServiceName: "healthy-svc", ThreadID: "T1"},
	}})
	s.AppendOrBusy(warningTrace, []event.Event{{
		ID: uuid.NewString(), TraceID: warningTrace, Timestamp: now.Add(-10 * time.Minute),
		Kind: event.Kind{FunctionCall: &event.FunctionCall{Name: "f"}}, Metadata: event.Metadata{ServiceName: "warning-svc", ThreadID: "T1"},
	}})
	s.AppendOrBusy(criticalTrace, []event.Event{{
		ID: uuid.NewString(), TraceID: criticalTrace, Timestamp: now.Add(-time.Hour),
		Kind: event.Kind{FunctionCall: &event.FunctionCall{Name: "f"}}, Metadata: event.Metadata{ServiceName: "critical-svc", ThreadID: "T1"},
	}})

	health := Health(s, now)
	is.Equal(len(health), 3)

	byService := map[string]ServiceHealth{}
	for _, h := range health {
		byService[h.Service] = h
	}
	is.Equal(byService["healthy-svc"].Activity, "healthy")
	is.Equal(byService["warning-svc"].Activity, "warning")
	is.Equal(byService["critical-svc"].Activity, "critical")
}
