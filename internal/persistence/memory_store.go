package persistence

import (
	"context"
	"slices"
	"sync"

	"github.com/petrijr/sagaflow/pkg/api"
)

// InMemoryStore is a goroutine-safe Store backed by maps. Snapshots and
// checkpoints are copied on the way in and out.
type InMemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]*api.Snapshot
	steps       map[string][]StepRecord
	checkpoints map[string]*api.Checkpoint
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		executions:  make(map[string]*api.Snapshot),
		steps:       make(map[string][]StepRecord),
		checkpoints: make(map[string]*api.Checkpoint),
	}
}

func (s *InMemoryStore) UpdateExecution(_ context.Context, snap *api.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[snap.ID] = snap.Clone()
	return nil
}

func (s *InMemoryStore) GetExecution(_ context.Context, id string) (*api.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return snap.Clone(), nil
}

func (s *InMemoryStore) ListExecutions(_ context.Context, filter api.ExecutionFilter) ([]*api.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.Snapshot, 0, len(s.executions))
	for _, snap := range s.executions {
		if matches(snap, filter) {
			out = append(out, snap.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *api.Snapshot) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) RecordStep(_ context.Context, rec StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.steps[rec.ExecutionID] = append(s.steps[rec.ExecutionID], rec)
	return nil
}

func (s *InMemoryStore) ListSteps(_ context.Context, executionID string) ([]StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.steps[executionID]), nil
}

func (s *InMemoryStore) SaveCheckpoint(_ context.Context, cp *api.Checkpoint) error {
	// Round-trip through the codec so the in-memory store sees exactly what
	// a durable store would.
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	stored, err := decodeCheckpoint(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ExecutionID] = stored
	return nil
}

func (s *InMemoryStore) LoadCheckpoint(_ context.Context, executionID string) (*api.Checkpoint, error) {
	s.mu.RLock()
	cp, ok := s.checkpoints[executionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrCheckpointNotFound
	}

	data, err := encodeCheckpoint(cp)
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(data)
}

func (s *InMemoryStore) DeleteCheckpoint(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, executionID)
	return nil
}
