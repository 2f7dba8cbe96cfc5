package progress

import (
	"context"
	"strings"
	"sync"
)

// SnapshotStore caches snapshots per report. Save never replaces a stable
// snapshot and reports whether it wrote.
type SnapshotStore interface {
	Load(ctx context.Context, reportID string) (*Snapshot, error)
	Save(ctx context.Context, snap Snapshot) (bool, error)
}

// InMemorySnapshotStore keeps snapshots in a map.
type InMemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewInMemorySnapshotStore constructs an empty store.
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{snaps: make(map[string]Snapshot)}
}

func (s *InMemorySnapshotStore) Load(_ context.Context, reportID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[strings.TrimSpace(reportID)]
	if !ok {
		return nil, nil
	}
	cp := cloneSnapshot(snap)
	return &cp, nil
}

func (s *InMemorySnapshotStore) Save(_ context.Context, snap Snapshot) (bool, error) {
	id := strings.TrimSpace(snap.ReportID)
	if id == "" {
		return false, errSnapshotID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.snaps[id]; ok && existing.IsStable {
		return false, nil
	}
	s.snaps[id] = cloneSnapshot(snap)
	return true, nil
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := in
	if in.StepStates != nil {
		out.StepStates = make(map[string]StepState, len(in.StepStates))
		for k, v := range in.StepStates {
			out.StepStates[k] = v
		}
	}
	out.Steps = append([]StepSnapshot(nil), in.Steps...)
	return out
}
