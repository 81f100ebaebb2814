package pgx

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestSpanDataOmitsEmptyParent(t *testing.T) {
	is := is.New(t)
	out, err := json.Marshal(spanData{})
	is.NoErr(err)
	is.Equal(string(out), "{}")
}

func TestSpanDataIncludesParent(t *testing.T) {
	is := is.New(t)
	out, err := json.Marshal(spanData{ParentSpanID: "span-1"})
	is.NoErr(err)
	is.Equal(string(out), `{"parent_span_id":"span-1"}`)
}

func TestEdgeDataIncludesCreatedAt(t *testing.T) {
	is := is.New(t)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out, err := json.Marshal(edgeData{CreatedAt: ts.Format("2006-01-02T15:04:05.000Z07:00")})
	is.NoErr(err)
	is.Equal(string(out), `{"created_at":"2026-01-01T00:00:00.000Z"}`)
}
