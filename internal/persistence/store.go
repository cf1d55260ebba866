package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

var (
	// ErrExecutionNotFound is returned when an execution record is not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrCheckpointNotFound is returned when no checkpoint exists for an execution.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// StepEvent is the kind of a step history record.
type StepEvent string

const (
	StepStarted   StepEvent = "start"
	StepCompleted StepEvent = "complete"
	StepFailed    StepEvent = "failed"
)

// StepRecord is one append-only step history entry.
type StepRecord struct {
	ExecutionID string
	Step        string
	Event       StepEvent
	Attempt     int
	At          time.Time
	Duration    time.Duration
	Error       string
}

// ExecutionStore holds the latest snapshot of each execution.
type ExecutionStore interface {
	// UpdateExecution inserts or replaces the snapshot for snap.ID.
	UpdateExecution(ctx context.Context, snap *api.Snapshot) error
	GetExecution(ctx context.Context, id string) (*api.Snapshot, error)
	ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Snapshot, error)
}

// StepStore is an append-only history of step starts and outcomes.
type StepStore interface {
	RecordStep(ctx context.Context, rec StepRecord) error
	ListSteps(ctx context.Context, executionID string) ([]StepRecord, error)
}

// CheckpointStore keeps the resumable state of paused executions.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *api.Checkpoint) error
	LoadCheckpoint(ctx context.Context, executionID string) (*api.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, executionID string) error
}

// Store bundles the three store interfaces so the engine can depend on a
// single abstraction.
type Store interface {
	ExecutionStore
	StepStore
	CheckpointStore
}

func matches(snap *api.Snapshot, filter api.ExecutionFilter) bool {
	if filter.Workflow != "" && snap.Workflow != filter.Workflow {
		return false
	}
	if filter.State != "" && snap.State != filter.State {
		return false
	}
	return true
}
