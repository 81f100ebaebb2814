package event

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a trace, span, or variable is not present —
// either evicted or never observed.
var ErrNotFound = errors.New("not found")

// ErrTimeout is returned when a query exceeds its deadline.
var ErrTimeout = errors.New("query timeout")

// MalformedEventError rejects a single event within a batch; the batch may
// still partially succeed.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: field %q: %s", e.Field, e.Reason)
}

// MalformedHeaderError is never fatal: ingress falls back to a fresh trace
// id and treats the event as non-distributed.
type MalformedHeaderError struct {
	Header string
	Reason string
}

func (e *MalformedHeaderError) Error() string {
	return fmt.Sprintf("malformed header %q: %s", e.Header, e.Reason)
}

// BusyError reports that a trace's admission queue is saturated.
type BusyError struct {
	RetryAfter time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("busy: retry after %s", e.RetryAfter)
}

// ConflictError reports a distributed edge rejected because it would close
// a cycle. It is logged and recovered locally — it never propagates past
// the linker.
type ConflictError struct {
	FromSpan, ToSpan string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: edge %s -> %s would close a cycle", e.FromSpan, e.ToSpan)
}

// InternalError signals an invariant violation that should be impossible.
// The offending analysis is abandoned; no partial result is returned.
type InternalError struct {
	Context string
	Err     error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal: %s: %v", e.Context, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }
