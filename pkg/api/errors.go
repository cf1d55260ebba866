package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown execution ids.
	ErrNotFound = errors.New("execution not found")

	// ErrWorkflowNotFound is returned for unknown workflow names or versions.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInvalidDefinition wraps every registration-time validation failure.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrInvalidResult marks a step result shape the engine cannot handle.
	ErrInvalidResult = errors.New("invalid step result")

	// ErrStepTimeout is reported when an attempt outlives its timeout.
	ErrStepTimeout = errors.New("step timed out")

	// ErrCancelled is reported for work dropped by cancellation.
	ErrCancelled = errors.New("execution cancelled")

	// ErrInvalidState is returned for commands that do not fit the current state.
	ErrInvalidState = errors.New("invalid execution state")

	// ErrSyncTimeout is returned by StartSync when the run outlives its timeout.
	ErrSyncTimeout = errors.New("timed out waiting for execution")

	// ErrNoQueue is returned by Schedule when the engine has no queue.
	ErrNoQueue = errors.New("no schedule queue configured")

	// ErrEngineClosed is returned once Close has been called.
	ErrEngineClosed = errors.New("engine closed")
)

// ExecutionError reports a failed or cancelled execution.
type ExecutionError struct {
	ExecutionID string
	Workflow    string
	State       ExecutionState
	Step        string
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("execution %s (%s) %s at step %q: %v", e.ExecutionID, e.Workflow, e.State, e.Step, e.Err)
	}
	return fmt.Sprintf("execution %s (%s) %s: %v", e.ExecutionID, e.Workflow, e.State, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PanicError is a step panic recovered by the engine.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("step panicked: %v", e.Value)
}
