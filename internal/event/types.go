// Package event defines Raceway's wire-level event model and vector-clock
// algebra: the typed event variants, the causality vector and its partial
// order, and the propagation header codec used to stitch events from
// different services into one distributed trace.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// AccessType distinguishes a read from a write StateChange.
type AccessType string

const (
	Read  AccessType = "Read"
	Write AccessType = "Write"
)

// Metadata carries the process/service context and optional timing and
// distributed-span linkage for a single event.
type Metadata struct {
	ThreadID          string            `json:"thread_id"`
	ProcessID         int               `json:"process_id"`
	ServiceName       string            `json:"service_name"`
	InstanceID        string            `json:"instance_id,omitempty"`
	Environment       string            `json:"environment"`
	Tags              map[string]string `json:"tags,omitempty"`
	DurationNs        *int64            `json:"duration_ns,omitempty"`
	DistributedSpanID string            `json:"distributed_span_id,omitempty"`
	UpstreamSpanID    string            `json:"upstream_span_id,omitempty"`
}

// Component returns the vector-clock component id for this event's
// originating process: "<service>#<instance>".
func (m Metadata) Component() string {
	return m.ServiceName + "#" + m.InstanceID
}

// StateChange is a read or write of a named variable.
type StateChange struct {
	Variable   string      `json:"variable"`
	OldValue   interface{} `json:"old_value"`
	NewValue   interface{} `json:"new_value"`
	Location   string      `json:"location"`
	AccessType AccessType  `json:"access_type"`
}

// FunctionCall is a function entry.
type FunctionCall struct {
	Name   string      `json:"name"`
	Module string      `json:"module"`
	Args   interface{} `json:"args,omitempty"`
	File   string      `json:"file"`
	Line   int         `json:"line"`
}

// FunctionReturn is a function exit.
type FunctionReturn struct {
	Name        string      `json:"name"`
	ReturnValue interface{} `json:"return_value,omitempty"`
	File        string      `json:"file"`
	Line        int         `json:"line"`
}

// AsyncSpawn is the creation of an asynchronous task.
type AsyncSpawn struct {
	TaskID    string `json:"task_id"`
	TaskName  string `json:"task_name"`
	SpawnedAt string `json:"spawned_at"`
}

// AsyncAwait is the suspension point awaiting a future.
type AsyncAwait struct {
	FutureID  string `json:"future_id"`
	AwaitedAt string `json:"awaited_at"`
}

// LockAcquire is taking a lock.
type LockAcquire struct {
	LockID   string `json:"lock_id"`
	LockType string `json:"lock_type"`
	Location string `json:"location"`
}

// LockRelease is releasing a lock.
type LockRelease struct {
	LockID   string `json:"lock_id"`
	LockType string `json:"lock_type"`
	Location string `json:"location"`
}

// HTTPRequest is an outbound or inbound HTTP request observation.
type HTTPRequest struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    interface{}         `json:"body,omitempty"`
}

// HTTPResponse is the response half of an HTTP exchange.
type HTTPResponse struct {
	Status     int                 `json:"status"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       interface{}         `json:"body,omitempty"`
	DurationMs float64             `json:"duration_ms"`
}

// ErrorObserved is an observed application error.
type ErrorObserved struct {
	ErrorType  string   `json:"error_type"`
	Message    string   `json:"message"`
	StackTrace []string `json:"stack_trace,omitempty"`
}

// Kind is a tagged union: exactly one field is set, and the JSON wire form
// wraps the payload in a single-key object named after the variant, per
// the event schema.
type Kind struct {
	StateChange    *StateChange    `json:"StateChange,omitempty"`
	FunctionCall   *FunctionCall   `json:"FunctionCall,omitempty"`
	FunctionReturn *FunctionReturn `json:"FunctionReturn,omitempty"`
	AsyncSpawn     *AsyncSpawn     `json:"AsyncSpawn,omitempty"`
	AsyncAwait     *AsyncAwait     `json:"AsyncAwait,omitempty"`
	LockAcquire    *LockAcquire    `json:"LockAcquire,omitempty"`
	LockRelease    *LockRelease    `json:"LockRelease,omitempty"`
	HTTPRequest    *HTTPRequest    `json:"HttpRequest,omitempty"`
	HTTPResponse   *HTTPResponse   `json:"HttpResponse,omitempty"`
	Error          *ErrorObserved  `json:"Error,omitempty"`
}

// Variant returns the name of the one set variant, or "" if none is set.
func (k Kind) Variant() string {
	switch {
	case k.StateChange != nil:
		return "StateChange"
	case k.FunctionCall != nil:
		return "FunctionCall"
	case k.FunctionReturn != nil:
		return "FunctionReturn"
	case k.AsyncSpawn != nil:
		return "AsyncSpawn"
	case k.AsyncAwait != nil:
		return "AsyncAwait"
	case k.LockAcquire != nil:
		return "LockAcquire"
	case k.LockRelease != nil:
		return "LockRelease"
	case k.HTTPRequest != nil:
		return "HttpRequest"
	case k.HTTPResponse != nil:
		return "HttpResponse"
	case k.Error != nil:
		return "Error"
	default:
		return ""
	}
}

// count returns how many variant fields are non-nil — used to reject
// malformed events that set more than one, or none.
func (k Kind) count() int {
	n := 0
	for _, set := range []bool{
		k.StateChange != nil, k.FunctionCall != nil, k.FunctionReturn != nil,
		k.AsyncSpawn != nil, k.AsyncAwait != nil, k.LockAcquire != nil,
		k.LockRelease != nil, k.HTTPRequest != nil, k.HTTPResponse != nil,
		k.Error != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Event is a single atomic observation emitted by an instrumented service.
type Event struct {
	ID              string    `json:"id"`
	TraceID         string    `json:"trace_id"`
	ParentID        string    `json:"parent_id,omitempty"`
	Timestamp       time.Time `json:"-"`
	Kind            Kind      `json:"kind"`
	Metadata        Metadata  `json:"metadata"`
	CausalityVector Clock     `json:"causality_vector"`
	LockSet         []string  `json:"lock_set,omitempty"`
}

// wireEvent mirrors the JSON wire shape from the spec, with Timestamp kept
// as a raw string so both RFC3339Nano and second-precision RFC3339 parse.
type wireEvent struct {
	ID              string          `json:"id"`
	TraceID         string          `json:"trace_id"`
	ParentID        string          `json:"parent_id,omitempty"`
	Timestamp       string          `json:"timestamp"`
	Kind            Kind            `json:"kind"`
	Metadata        Metadata        `json:"metadata"`
	CausalityVector Clock           `json:"causality_vector"`
	LockSet         []string        `json:"lock_set,omitempty"`
}

// MarshalJSON renders the canonical wire shape in §6, including a
// nanosecond-precision RFC3339 timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		ID:              e.ID,
		TraceID:         e.TraceID,
		ParentID:        e.ParentID,
		Timestamp:       e.Timestamp.UTC().Format(time.RFC3339Nano),
		Kind:            e.Kind,
		Metadata:        e.Metadata,
		CausalityVector: e.CausalityVector,
		LockSet:         e.LockSet,
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts RFC3339Nano or plain-second RFC3339 timestamps —
// time.RFC3339Nano parses both, satisfying the degraded-precision allowance.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	e.ID = w.ID
	e.TraceID = w.TraceID
	e.ParentID = w.ParentID
	e.Timestamp = ts
	e.Kind = w.Kind
	e.Metadata = w.Metadata
	e.CausalityVector = w.CausalityVector
	e.LockSet = w.LockSet
	return nil
}

// MarshalJSON renders the clock as an ordered list of [component, tick]
// pairs, sorted by component name for determinism.
func (c Clock) MarshalJSON() ([]byte, error) {
	components := c.sortedComponents()
	pairs := make([][2]interface{}, 0, len(components))
	for _, comp := range components {
		pairs = append(pairs, [2]interface{}{comp, c[comp]})
	}
	if pairs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON parses a list of [component, tick] pairs into a sparse map.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Clock, len(raw))
	for _, item := range raw {
		var pair []json.RawMessage
		if err := json.Unmarshal(item, &pair); err != nil || len(pair) != 2 {
			return fmt.Errorf("causality vector entry: expected [component, tick] pair")
		}
		var component string
		if err := json.Unmarshal(pair[0], &component); err != nil {
			return fmt.Errorf("causality vector entry: component: %w", err)
		}
		var tick uint64
		if err := json.Unmarshal(pair[1], &tick); err != nil {
			// tolerate a numeric string, seen from some SDKs
			var s string
			if err2 := json.Unmarshal(pair[1], &s); err2 == nil {
				n, perr := strconv.ParseUint(s, 10, 64)
				if perr != nil {
					return fmt.Errorf("causality vector entry: tick: %w", err)
				}
				tick = n
			} else {
				return fmt.Errorf("causality vector entry: tick: %w", err)
			}
		}
		out[component] = tick
	}
	*c = out
	return nil
}

// EventBatch is the ingest request body: POST /events {"events": [...]}.
type EventBatch struct {
	Events []Event `json:"events"`
}
