package event

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	TraceparentHeader = "traceparent"
	TracestateHeader  = "tracestate"
	ClockHeader       = "raceway-clock"

	traceparentVersion = "00"
	traceFlags         = "01"
	clockVersionPrefix = "v1;"
)

// TraceContext is the result of parsing incoming propagation headers: the
// causal context a service should attach to every event it emits for this
// request.
type TraceContext struct {
	TraceID      string
	ParentSpanID string // upstream span id, "" if this is the trace's entry point
	Clock        Clock
	Distributed  bool
}

// ParseIncomingHeaders parses traceparent and raceway-clock per §4.1.
// Malformed headers are never fatal: the bad header is ignored (logged by
// the caller) and a fresh trace id is generated.
func ParseIncomingHeaders(h http.Header, serviceName, instanceID string) (TraceContext, []error) {
	var errs []error
	traceID := uuid.NewString()
	var parentSpanID string
	distributed := false

	if raw := h.Get(TraceparentHeader); raw != "" {
		tp, err := parseTraceparent(raw)
		if err != nil {
			errs = append(errs, &MalformedHeaderError{Header: TraceparentHeader, Reason: err.Error()})
		} else {
			traceID = tp.traceID
			parentSpanID = tp.spanID
			distributed = true
		}
	}

	clock := Clock{}
	if raw := h.Get(ClockHeader); raw != "" {
		pc, err := parseRacewayClock(raw)
		if err != nil {
			errs = append(errs, &MalformedHeaderError{Header: ClockHeader, Reason: err.Error()})
		} else {
			if pc.traceID != "" {
				traceID = pc.traceID
			}
			if pc.parentSpanID != "" {
				parentSpanID = pc.parentSpanID
			}
			clock = pc.clock
			distributed = true
		}
	}

	component := serviceName + "#" + instanceID
	if !clock.Has(component) {
		clock[component] = 0
	}

	return TraceContext{
		TraceID:      traceID,
		ParentSpanID: parentSpanID,
		Clock:        clock,
		Distributed:  distributed,
	}, errs
}

// BuildPropagationHeaders increments the local component and produces the
// egress headers plus the span id to attach to the event that triggers the
// outbound call.
func BuildPropagationHeaders(traceID, currentSpanID string, clock Clock, serviceName, instanceID string) (headers map[string]string, childSpanID string) {
	component := serviceName + "#" + instanceID
	next := Increment(clock, component)
	childSpanID = newSpanID()

	traceparent := strings.Join([]string{
		traceparentVersion,
		uuidToTraceparent(traceID),
		childSpanID,
		traceFlags,
	}, "-")

	payload := map[string]interface{}{
		"trace_id":       traceID,
		"span_id":        childSpanID,
		"parent_span_id": currentSpanID,
		"service":        serviceName,
		"instance":       instanceID,
		"clock":          next.sortedPairs(),
	}
	body, _ := json.Marshal(payload)
	clockHeader := clockVersionPrefix + base64.RawURLEncoding.EncodeToString(body)

	return map[string]string{
		TraceparentHeader: traceparent,
		ClockHeader:       clockHeader,
	}, childSpanID
}

func (c Clock) sortedPairs() [][2]interface{} {
	components := c.sortedComponents()
	out := make([][2]interface{}, 0, len(components))
	for _, comp := range components {
		out = append(out, [2]interface{}{comp, c[comp]})
	}
	return out
}

func newSpanID() string {
	var b [8]byte
	// crypto/rand via uuid's random source keeps this dependency-free;
	// uuid.New() is backed by a CSPRNG.
	u := uuid.New()
	copy(b[:], u[:8])
	return hex.EncodeToString(b[:])
}

type parsedTraceparent struct {
	traceID string
	spanID  string
}

func parseTraceparent(value string) (parsedTraceparent, error) {
	parts := strings.Split(strings.TrimSpace(value), "-")
	if len(parts) != 4 {
		return parsedTraceparent{}, fmt.Errorf("expected 4 dash-separated fields, got %d", len(parts))
	}
	if parts[0] != traceparentVersion {
		return parsedTraceparent{}, fmt.Errorf("unsupported version %q", parts[0])
	}
	traceHex, spanHex := parts[1], parts[2]
	if len(traceHex) != 32 {
		return parsedTraceparent{}, fmt.Errorf("trace id must be 32 hex chars, got %d", len(traceHex))
	}
	if len(spanHex) != 16 {
		return parsedTraceparent{}, fmt.Errorf("span id must be 16 hex chars, got %d", len(spanHex))
	}
	if _, err := hex.DecodeString(traceHex); err != nil {
		return parsedTraceparent{}, fmt.Errorf("trace id not hex: %w", err)
	}
	if _, err := hex.DecodeString(spanHex); err != nil {
		return parsedTraceparent{}, fmt.Errorf("span id not hex: %w", err)
	}
	return parsedTraceparent{traceID: traceparentToUUID(traceHex), spanID: spanHex}, nil
}

// BuildTraceparent renders a traceparent header from a canonical trace id
// (UUID form) and span id (16-hex).
func BuildTraceparent(traceID, spanID string) string {
	return strings.Join([]string{traceparentVersion, uuidToTraceparent(traceID), spanID, traceFlags}, "-")
}

// ParseTraceparent extracts (traceID, spanID) from a traceparent header.
func ParseTraceparent(value string) (traceID, spanID string, err error) {
	tp, err := parseTraceparent(value)
	if err != nil {
		return "", "", err
	}
	return tp.traceID, tp.spanID, nil
}

type parsedClock struct {
	traceID      string
	parentSpanID string
	clock        Clock
}

type clockPayload struct {
	TraceID      string          `json:"trace_id"`
	SpanID       string          `json:"span_id"`
	ParentSpanID string          `json:"parent_span_id"`
	Service      string          `json:"service"`
	Instance     string          `json:"instance"`
	Clock        [][]interface{} `json:"clock"`
}

func parseRacewayClock(value string) (parsedClock, error) {
	if !strings.HasPrefix(value, clockVersionPrefix) {
		return parsedClock{}, fmt.Errorf("unsupported version prefix")
	}
	encoded := strings.TrimPrefix(value, clockVersionPrefix)
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return parsedClock{}, fmt.Errorf("invalid base64url: %w", err)
	}
	var payload clockPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return parsedClock{}, fmt.Errorf("invalid json: %w", err)
	}

	clock := make(Clock, len(payload.Clock))
	for _, item := range payload.Clock {
		if len(item) != 2 {
			continue
		}
		component, ok := item[0].(string)
		if !ok {
			continue
		}
		var tick uint64
		switch v := item[1].(type) {
		case float64:
			tick = uint64(v)
		case string:
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				tick = n
			}
		}
		clock[component] = tick
	}

	return parsedClock{
		traceID:      payload.TraceID,
		parentSpanID: payload.ParentSpanID,
		clock:        clock,
	}, nil
}

func uuidToTraceparent(id string) string {
	return strings.ReplaceAll(id, "-", "")
}

func traceparentToUUID(hex32 string) string {
	return strings.Join([]string{
		hex32[0:8], hex32[8:12], hex32[12:16], hex32[16:20], hex32[20:32],
	}, "-")
}
