// Package audit implements the audit trail builder (C7): the chronological
// access history for one variable, annotated with whether each access
// participates in a detected race.
package audit

import (
	"sort"
	"time"

	"github.com/mode-7/raceway-server/internal/event"
	"github.com/mode-7/raceway-server/internal/race"
	"github.com/mode-7/raceway-server/internal/store"
)

// Access is one entry in a variable's audit trail.
type Access struct {
	Timestamp  time.Time
	ThreadID   string
	AccessType event.AccessType
	OldValue   interface{}
	NewValue   interface{}
	Location   string
	EventID    string
	IsRace     bool
}

// Trail is the full audit trail for one variable.
type Trail struct {
	Variable string
	Accesses []Access
}

// Build assembles the audit trail for variable, marking is_race true for
// every access that participates in one of races' reports for it.
func Build(tr *store.Trace, variable string, races []race.RaceReport) Trail {
	racing := map[string]bool{}
	for _, r := range races {
		if r.Variable != variable {
			continue
		}
		for _, a := range r.Accesses {
			racing[a.EventID] = true
		}
	}

	src := tr.VariableAccesses(variable)
	accesses := make([]Access, 0, len(src))
	for _, a := range src {
		accesses = append(accesses, Access{
			Timestamp:  a.Timestamp,
			ThreadID:   a.ThreadID,
			AccessType: a.AccessType,
			OldValue:   a.OldValue,
			NewValue:   a.NewValue,
			Location:   a.Location,
			EventID:    a.EventID,
			IsRace:     racing[a.EventID],
		})
	}

	sort.Slice(accesses, func(i, j int) bool {
		if accesses[i].Timestamp.Equal(accesses[j].Timestamp) {
			return accesses[i].EventID < accesses[j].EventID
		}
		return accesses[i].Timestamp.Before(accesses[j].Timestamp)
	})

	return Trail{Variable: variable, Accesses: accesses}
}
