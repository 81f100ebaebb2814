// Package race implements the race detector (C5): per-variable
// concurrent-access detection using vector-clock incomparability and
// lock-set intersection.
package race

import (
	"sort"

	"github.com/mode-7/raceway-server/internal/event"
	"github.com/mode-7/raceway-server/internal/store"
)

const (
	Critical = "Critical"
	Warning  = "Warning"
)

// RaceReport groups the accesses to one variable that race with each other —
// the union of every pairwise candidate found for that variable.
type RaceReport struct {
	Variable    string
	Severity    string
	Accesses    []store.VariableAccess
	Threads     []string
	AccessCount int
}

// Detect runs the race detector over every variable touched in tr.
func Detect(tr *store.Trace) []RaceReport {
	var reports []RaceReport

	for _, variable := range tr.Variables() {
		accesses := tr.VariableAccesses(variable)

		participantIDs := map[string]bool{}
		threads := map[string]bool{}
		writeWrite := false
		found := false

		for i := 0; i < len(accesses); i++ {
			for j := i + 1; j < len(accesses); j++ {
				a, b := accesses[i], accesses[j]
				if a.ThreadID == b.ThreadID {
					continue
				}
				if a.AccessType != event.Write && b.AccessType != event.Write {
					continue
				}
				// Lack of a happens-before edge either way means neither
				// synchronized with the other: a genuine concurrent pair
				// also covers clocks that tie (Equal), since a shared tick
				// on a single-component clock reflects two threads acting
				// at the same logical moment with no ordering between them.
				ord := event.Compare(a.Clock, b.Clock)
				if ord != event.Concurrent && ord != event.Equal {
					continue
				}
				if sharesLock(a.LockSet, b.LockSet) {
					continue
				}

				found = true
				participantIDs[a.EventID] = true
				participantIDs[b.EventID] = true
				threads[a.ThreadID] = true
				threads[b.ThreadID] = true
				if a.AccessType == event.Write && b.AccessType == event.Write {
					writeWrite = true
				}
			}
		}

		if !found {
			continue
		}

		var participants []store.VariableAccess
		for _, a := range accesses {
			if participantIDs[a.EventID] {
				participants = append(participants, a)
			}
		}
		sort.Slice(participants, func(i, j int) bool {
			if participants[i].Timestamp.Equal(participants[j].Timestamp) {
				return participants[i].EventID < participants[j].EventID
			}
			return participants[i].Timestamp.Before(participants[j].Timestamp)
		})

		severity := Warning
		if writeWrite {
			severity = Critical
		}

		reports = append(reports, RaceReport{
			Variable:    variable,
			Severity:    severity,
			Accesses:    participants,
			Threads:     sortedKeys(threads),
			AccessCount: len(participants),
		})
	}

	sort.Slice(reports, func(i, j int) bool {
		if reports[i].Severity != reports[j].Severity {
			return reports[i].Severity == Critical
		}
		if reports[i].AccessCount != reports[j].AccessCount {
			return reports[i].AccessCount > reports[j].AccessCount
		}
		return reports[i].Variable < reports[j].Variable
	})

	return reports
}

// sharesLock reports whether a and b hold at least one lock id in common.
func sharesLock(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	held := make(map[string]bool, len(a))
	for _, id := range a {
		held[id] = true
	}
	for _, id := range b {
		if held[id] {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
