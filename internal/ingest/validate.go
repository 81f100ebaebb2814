package ingest

import (
	"github.com/google/uuid"
	"github.com/mode-7/raceway-server/internal/event"
)

// raceSensitive reports whether k is a kind that participates in race
// detection; such kinds require a
// non-empty causality vector entry for their own component — see
// SPEC_FULL.md §12(iii).
func raceSensitive(k event.Kind) bool {
	return k.StateChange != nil || k.LockAcquire != nil || k.LockRelease != nil
}

// validate checks a single event against the field-presence and
// well-formedness rules of §4.2, returning a normalized copy (deduplicated
// lock set) on success. It returns the first violation found otherwise.
func validate(e event.Event) (event.Event, error) {
	if e.ID == "" {
		return e, &event.MalformedEventError{Field: "id", Reason: "required"}
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return e, &event.MalformedEventError{Field: "id", Reason: "not a uuid"}
	}
	if e.TraceID == "" {
		return e, &event.MalformedEventError{Field: "trace_id", Reason: "required"}
	}
	if _, err := uuid.Parse(e.TraceID); err != nil {
		return e, &event.MalformedEventError{Field: "trace_id", Reason: "not a uuid"}
	}
	if e.Timestamp.IsZero() {
		return e, &event.MalformedEventError{Field: "timestamp", Reason: "unparseable"}
	}
	if n := e.Kind.count(); n != 1 {
		return e, &event.MalformedEventError{Field: "kind", Reason: "exactly one variant must be set"}
	}
	if err := validateKind(e.Kind); err != nil {
		return e, err
	}
	if e.Metadata.ServiceName == "" {
		return e, &event.MalformedEventError{Field: "metadata.service_name", Reason: "required"}
	}
	if e.Metadata.ThreadID == "" {
		return e, &event.MalformedEventError{Field: "metadata.thread_id", Reason: "required"}
	}

	if raceSensitive(e.Kind) {
		component := e.Metadata.Component()
		if !e.CausalityVector.Has(component) {
			return e, &event.MalformedEventError{
				Field:  "causality_vector",
				Reason: "missing local component " + component,
			}
		}
	}

	e.LockSet = dedupe(e.LockSet)

	return e, nil
}

func validateKind(k event.Kind) error {
	switch {
	case k.StateChange != nil:
		sc := k.StateChange
		if sc.Variable == "" {
			return &event.MalformedEventError{Field: "kind.StateChange.variable", Reason: "required"}
		}
		if sc.AccessType != event.Read && sc.AccessType != event.Write {
			return &event.MalformedEventError{Field: "kind.StateChange.access_type", Reason: "must be Read or Write"}
		}
	case k.FunctionCall != nil:
		if k.FunctionCall.Name == "" {
			return &event.MalformedEventError{Field: "kind.FunctionCall.name", Reason: "required"}
		}
	case k.FunctionReturn != nil:
		if k.FunctionReturn.Name == "" {
			return &event.MalformedEventError{Field: "kind.FunctionReturn.name", Reason: "required"}
		}
	case k.AsyncSpawn != nil:
		if k.AsyncSpawn.TaskID == "" {
			return &event.MalformedEventError{Field: "kind.AsyncSpawn.task_id", Reason: "required"}
		}
	case k.AsyncAwait != nil:
		if k.AsyncAwait.FutureID == "" {
			return &event.MalformedEventError{Field: "kind.AsyncAwait.future_id", Reason: "required"}
		}
	case k.LockAcquire != nil:
		if k.LockAcquire.LockID == "" {
			return &event.MalformedEventError{Field: "kind.LockAcquire.lock_id", Reason: "required"}
		}
	case k.LockRelease != nil:
		if k.LockRelease.LockID == "" {
			return &event.MalformedEventError{Field: "kind.LockRelease.lock_id", Reason: "required"}
		}
	case k.HTTPRequest != nil:
		if k.HTTPRequest.Method == "" {
			return &event.MalformedEventError{Field: "kind.HttpRequest.method", Reason: "required"}
		}
	case k.HTTPResponse != nil:
		if k.HTTPResponse.Status == 0 {
			return &event.MalformedEventError{Field: "kind.HttpResponse.status", Reason: "required"}
		}
	case k.Error != nil:
		if k.Error.ErrorType == "" {
			return &event.MalformedEventError{Field: "kind.Error.error_type", Reason: "required"}
		}
	}
	return nil
}

func dedupe(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
