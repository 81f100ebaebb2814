package event

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/matryer/is"
)

func TestBuildAndParseTraceparentRoundTrip(t *testing.T) {
	is := is.New(t)

	traceID := uuid.NewString()
	spanID := "0123456789abcdef"

	h := BuildTraceparent(traceID, spanID)
	gotTrace, gotSpan, err := ParseTraceparent(h)
	is.NoErr(err)
	is.Equal(gotTrace, traceID)
	is.Equal(gotSpan, spanID)
}

func TestParseTraceparentRejectsMalformed(t *testing.T) {
	is := is.New(t)

	cases := []string{
		"",
		"00-too-short-01",
		"01-" + "a" + "-0123456789abcdef-01", // bad version
	}
	for _, c := range cases {
		_, _, err := ParseTraceparent(c)
		is.True(err != nil)
	}
}

func TestParseIncomingHeadersGeneratesFreshTraceIDOnMalformedHeader(t *testing.T) {
	is := is.New(t)

	h := http.Header{}
	h.Set(TraceparentHeader, "garbage")

	ctx, errs := ParseIncomingHeaders(h, "checkout", "i1")
	is.True(len(errs) == 1)
	is.True(ctx.TraceID != "")
	is.Equal(ctx.Distributed, false)
}

func TestBuildPropagationHeadersRoundTripsThroughParse(t *testing.T) {
	is := is.New(t)

	traceID := uuid.NewString()
	clock := Clock{"checkout#i1": 1}

	headers, childSpan := BuildPropagationHeaders(traceID, "aaaaaaaaaaaaaaaa", clock, "checkout", "i1")

	h := http.Header{}
	h.Set(TraceparentHeader, headers[TraceparentHeader])
	h.Set(ClockHeader, headers[ClockHeader])

	ctx, errs := ParseIncomingHeaders(h, "payments", "i2")
	is.Equal(len(errs), 0)
	is.Equal(ctx.TraceID, traceID)
	is.Equal(ctx.ParentSpanID, childSpan)
	is.True(ctx.Distributed)
	is.Equal(ctx.Clock["checkout#i1"], uint64(2))
	is.True(ctx.Clock.Has("payments#i2"))
}

func TestClockJSONRoundTrip(t *testing.T) {
	is := is.New(t)

	c := Clock{"svc-a#1": 3, "svc-b#2": 7}
	data, err := c.MarshalJSON()
	is.NoErr(err)

	var out Clock
	is.NoErr(out.UnmarshalJSON(data))
	is.Equal(out, c)
}
