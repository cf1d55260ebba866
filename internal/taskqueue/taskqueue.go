package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeStartExecution launches a scheduled execution that already
	// exists in the store in the pending state.
	TaskTypeStartExecution TaskType = "start-execution"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	ExecutionID string
	Workflow    string

	// Attempts counts failed launches of this task so far.
	Attempts  int
	LastError string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time
}

// NewStartTask builds a start-execution task due at notBefore.
func NewStartTask(executionID, workflow string, notBefore time.Time) Task {
	return Task{
		ID:          uuid.NewString(),
		Type:        TaskTypeStartExecution,
		ExecutionID: executionID,
		Workflow:    workflow,
		EnqueuedAt:  time.Now(),
		NotBefore:   notBefore,
	}
}

// Due reports whether t may be processed at now.
func (t Task) Due(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or the context is cancelled. Tasks are handed out in
	// NotBefore order.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, due or not.
	Len() int
}

// normalize fills the bookkeeping fields every backend relies on.
func normalize(t Task, now time.Time) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}
