package store

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// Evict removes traces exceeding the store's age or count limits — the two
// policies are AND-combined: a trace survives only if it is both within
// MaxAge of its last append and within the MaxTraces most-recently-used set.
func (s *Store) Evict() (evicted int) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxAge > 0 {
		for id, t := range s.traces {
			if now.Sub(time.Unix(0, t.lastAppend.Load())) > s.cfg.MaxAge {
				s.archiveLocked(id, t)
				delete(s.traces, id)
				evicted++
			}
		}
	}

	if s.cfg.MaxTraces > 0 && len(s.traces) > s.cfg.MaxTraces {
		type entry struct {
			id   string
			last int64
		}
		entries := make([]entry, 0, len(s.traces))
		for id, t := range s.traces {
			entries = append(entries, entry{id, t.lastAccess.Load()})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].last > entries[j].last })

		for _, e := range entries[s.cfg.MaxTraces:] {
			s.archiveLocked(e.id, s.traces[e.id])
			delete(s.traces, e.id)
			evicted++
		}
	}

	return evicted
}

// archiveLocked writes t's snapshot to the configured Archiver, if any,
// before it is dropped from the map. Caller must hold s.mu. A failed
// archive is logged but never blocks eviction — the in-memory copy is
// gone either way once Evict returns.
func (s *Store) archiveLocked(id string, t *Trace) {
	if s.archiver == nil {
		return
	}
	snapshot := newSnapshot(id, t.snapshotEvents())
	if err := s.archiver.ArchiveTrace(context.Background(), snapshot); err != nil {
		slog.Default().Error("store: archive trace before eviction", "trace_id", id, "error", err)
	}
}

// RunEvictionLoop periodically sweeps for evictable traces until ctx is
// cancelled. interval <= 0 disables the loop.
func RunEvictionLoop(ctx context.Context, s *Store, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Evict(); n > 0 {
				log.Info("store: evicted traces", "count", n)
			}
		}
	}
}
