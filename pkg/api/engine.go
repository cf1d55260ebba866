package api

import (
	"context"
	"time"
)

// Engine is the orchestration engine API.
type Engine interface {
	// RegisterWorkflow validates and registers a definition by name+version.
	RegisterWorkflow(def WorkflowDefinition) error

	// Start creates an execution and begins driving it asynchronously.
	Start(ctx context.Context, name string, input map[string]any, opts ...StartOption) (string, error)

	// StartSync starts an execution and polls it until it is terminal or
	// timeout elapses. It returns the final context of a completed run.
	StartSync(ctx context.Context, name string, input map[string]any, timeout time.Duration, opts ...StartOption) (map[string]any, error)

	// Schedule records a pending execution and enqueues its start for later.
	Schedule(ctx context.Context, name string, opts ScheduleOptions) (string, error)

	// Launch begins driving a pending execution created by Schedule.
	Launch(ctx context.Context, id string) error

	// Cancel stops an execution, optionally rolling back completed steps
	// before returning.
	Cancel(ctx context.Context, id string, opts CancelOptions) error

	// Pause stops admitting new steps and checkpoints the execution.
	Pause(ctx context.Context, id string) error

	// Resume continues a paused execution, live or checkpointed.
	Resume(ctx context.Context, id string, opts ResumeOptions) error

	// GetState returns a snapshot of an execution or ErrNotFound.
	GetState(ctx context.Context, id string) (*Snapshot, error)

	// ListExecutions returns stored executions matching filter.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Snapshot, error)

	// Close stops every driver and flushes pending persistence.
	Close(ctx context.Context) error
}

type engineKey struct{}

// WithEngine attaches an engine to ctx so nested-workflow bodies can use it.
func WithEngine(ctx context.Context, eng Engine) context.Context {
	return context.WithValue(ctx, engineKey{}, eng)
}

// EngineFromContext returns the engine attached by WithEngine.
func EngineFromContext(ctx context.Context) (Engine, bool) {
	eng, ok := ctx.Value(engineKey{}).(Engine)
	return eng, ok && eng != nil
}
