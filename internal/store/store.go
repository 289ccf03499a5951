package store

import (
	"sync"

	"github.com/workletforge/studio/internal/model"
)

// Entry is the accumulated state of one thread. Entries are never mutated in
// place; every change installs a fresh Entry with fresh slices.
type Entry struct {
	Progress []model.ProgressMessage
	Bundles  []model.WorkletBundle
	Revision uint64
}

// Latest returns the most recent progress message
func (e Entry) Latest() (model.ProgressMessage, bool) {
	if len(e.Progress) == 0 {
		return model.ProgressMessage{}, false
	}
	return e.Progress[len(e.Progress)-1], true
}

// Partial describes a put. Nil fields keep the current value.
type Partial struct {
	Progress []model.ProgressMessage
	Bundles  []model.WorkletBundle
}

// Store maps a thread id to its progress history and worklets
type Store struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	revision uint64
}

// New creates an empty Store
func New() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Get returns the entry of jobID
func (s *Store) Get(jobID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[jobID]
	return e, ok
}

// Len returns the number of tracked threads
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Put replaces the fields set in p
func (s *Store) Put(jobID string, p Partial) Entry {
	return s.update(jobID, func(cur Entry) Entry {
		if p.Progress != nil {
			cur.Progress = append([]model.ProgressMessage(nil), p.Progress...)
		}
		if p.Bundles != nil {
			cur.Bundles = append([]model.WorkletBundle(nil), p.Bundles...)
		}
		return cur
	})
}

// RemoveJob drops progress and worklets of jobID in one step
func (s *Store) RemoveJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, jobID)
	s.revision++
}

// AppendProgress adds msg to the end of the history of jobID
func (s *Store) AppendProgress(jobID string, msg model.ProgressMessage) Entry {
	return s.update(jobID, func(cur Entry) Entry {
		progress := make([]model.ProgressMessage, len(cur.Progress), len(cur.Progress)+1)
		copy(progress, cur.Progress)
		cur.Progress = append(progress, msg)
		return cur
	})
}

// AppendArtifact upserts bundle by worklet id. An existing bundle gets the
// incoming iterations merged by iteration id and a newly added revision
// becomes its default.
func (s *Store) AppendArtifact(jobID string, bundle model.WorkletBundle) Entry {
	return s.update(jobID, func(cur Entry) Entry {
		cur.Bundles = MergeBundle(cur.Bundles, bundle)
		return cur
	})
}

// ReplaceArtifacts installs the authoritative worklet set of jobID
func (s *Store) ReplaceArtifacts(jobID string, bundles []model.WorkletBundle) Entry {
	return s.update(jobID, func(cur Entry) Entry {
		cur.Bundles = append([]model.WorkletBundle{}, bundles...)
		return cur
	})
}

// UpdateBundle applies fn to the bundle with workletID, if present
func (s *Store) UpdateBundle(jobID, workletID string, fn func(model.WorkletBundle) model.WorkletBundle) (Entry, bool) {
	found := false
	e := s.update(jobID, func(cur Entry) Entry {
		bundles := append([]model.WorkletBundle(nil), cur.Bundles...)
		for i := range bundles {
			if bundles[i].WorkletID == workletID {
				bundles[i] = fn(bundles[i])
				found = true
				break
			}
		}
		cur.Bundles = bundles
		return cur
	})
	return e, found
}

func (s *Store) update(jobID string, fn func(Entry) Entry) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := fn(s.entries[jobID])
	s.revision++
	next.Revision = s.revision
	s.entries[jobID] = next
	return next
}

// MergeBundle returns a new slice with incoming upserted by worklet id
func MergeBundle(bundles []model.WorkletBundle, incoming model.WorkletBundle) []model.WorkletBundle {
	out := make([]model.WorkletBundle, len(bundles), len(bundles)+1)
	copy(out, bundles)

	for i, existing := range out {
		if existing.WorkletID != incoming.WorkletID {
			continue
		}
		merged := existing
		added := false
		for _, it := range incoming.Iterations {
			if merged.IndexOf(it.IterationID) < 0 {
				added = true
			}
			merged = merged.WithIteration(it)
		}
		if added {
			merged.SelectedIterationIndex = len(merged.Iterations) - 1
		}
		out[i] = merged
		return out
	}
	return append(out, incoming)
}
