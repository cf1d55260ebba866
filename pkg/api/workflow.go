package api

import (
	"context"
	"encoding/gob"
	"errors"
	"maps"
	"slices"
	"time"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// ExecutionState is the lifecycle state of an execution.
type ExecutionState string

const (
	StatePending   ExecutionState = "pending"
	StateRunning   ExecutionState = "running"
	StatePaused    ExecutionState = "paused"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
	StateCancelled ExecutionState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// StepState is the state of a single step within an execution.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepAwaiting  StepState = "awaiting"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
	StepCancelled StepState = "cancelled"

	// Timeline-only states.
	StepRolledBack     StepState = "rolled_back"
	StepRollbackFailed StepState = "rollback_failed"
)

// Terminal reports whether the step will not run again.
func (s StepState) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// WorkflowDefinition describes a workflow as a graph of steps.
type WorkflowDefinition struct {
	Name    string
	Version string
	Steps   []Step

	// MaxConcurrency bounds how many steps of one execution run at once.
	// Zero uses the engine default.
	MaxConcurrency int

	// FailWhen is checked on every tick; a non-nil error fails the execution.
	FailWhen func(s *Snapshot) error

	// OnComplete receives the final context of a completed execution.
	OnComplete func(ctx context.Context, result map[string]any) error

	// OnFailure receives the context augmented with ErrorKey, ErrorStepKey
	// and RollbackErrorsKey after rollback has run.
	OnFailure func(ctx context.Context, augmented map[string]any) error

	// RollbackOnCancel runs compensations on every cancellation, even when
	// the caller did not ask for it.
	RollbackOnCancel bool
}

// Keys added to the context handed to WorkflowDefinition.OnFailure.
const (
	ErrorKey          = "_error"
	ErrorStepKey      = "_error_step"
	RollbackErrorsKey = "_rollback_errors"
)

// TimelineEntry is one append-only record of a step transition.
type TimelineEntry struct {
	Step     string
	State    StepState
	Start    time.Time
	End      time.Time
	Duration time.Duration
	Attempt  int
	Error    string
}

// Failure describes why an execution failed.
type Failure struct {
	Step    string
	Message string
	Trace   string

	err error
}

// NewFailure records err as the failure of step.
func NewFailure(step string, err error, trace string) *Failure {
	f := &Failure{Step: step, Trace: trace, err: err}
	if err != nil {
		f.Message = err.Error()
	}
	return f
}

// Err returns the original error when known, or one rebuilt from Message.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	if f.err != nil {
		return f.err
	}
	return errors.New(f.Message)
}

// Snapshot is a point-in-time copy of an execution.
type Snapshot struct {
	ID       string
	Workflow string
	Version  string
	State    ExecutionState

	Input   map[string]any
	Context map[string]any

	// Order lists every known step, grafted ones included, in declaration order.
	Order       []string
	Steps       map[string]StepState
	Attempts    map[string]int
	SkipReasons map[string]string

	Running   []string
	Pending   []string
	Awaiting  []string
	Completed []string
	Skipped   []string
	Failed    []string
	Cancelled []string

	CompletionOrder []string
	Timeline        []TimelineEntry

	Failure        *Failure
	RollbackErrors []string
	CancelReason   string

	ParentID string
	Children []string
	Grafts   map[string][]string
	Trigger  map[string]any

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	UpdatedAt  time.Time
}

// Terminal reports whether the execution has finished.
func (s *Snapshot) Terminal() bool {
	return s != nil && s.State.Terminal()
}

// Progress returns how many known steps are terminal, and how many there are.
func (s *Snapshot) Progress() (done, total int) {
	for _, st := range s.Steps {
		if st.Terminal() {
			done++
		}
	}
	return done, len(s.Steps)
}

// Clone returns a deep copy of s. Context values are copied one level deep.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Input = maps.Clone(s.Input)
	c.Context = maps.Clone(s.Context)
	c.Order = slices.Clone(s.Order)
	c.Steps = maps.Clone(s.Steps)
	c.Attempts = maps.Clone(s.Attempts)
	c.SkipReasons = maps.Clone(s.SkipReasons)
	c.Running = slices.Clone(s.Running)
	c.Pending = slices.Clone(s.Pending)
	c.Awaiting = slices.Clone(s.Awaiting)
	c.Completed = slices.Clone(s.Completed)
	c.Skipped = slices.Clone(s.Skipped)
	c.Failed = slices.Clone(s.Failed)
	c.Cancelled = slices.Clone(s.Cancelled)
	c.CompletionOrder = slices.Clone(s.CompletionOrder)
	c.Timeline = slices.Clone(s.Timeline)
	c.RollbackErrors = slices.Clone(s.RollbackErrors)
	c.Children = slices.Clone(s.Children)
	c.Trigger = maps.Clone(s.Trigger)
	if s.Grafts != nil {
		c.Grafts = make(map[string][]string, len(s.Grafts))
		for k, v := range s.Grafts {
			c.Grafts[k] = slices.Clone(v)
		}
	}
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	return &c
}

// Checkpoint is the resumable state of a paused execution.
type Checkpoint struct {
	ExecutionID string
	Workflow    string
	Version     string

	// Snapshot carries step states, attempts, timeline and links.
	Snapshot *Snapshot

	// Overlay is context supplied by earlier resumes.
	Overlay map[string]any
	// Outputs holds each completed step's own output.
	Outputs map[string]map[string]any

	Awaiting []string
	Pending  []string
	// WakeAt holds the wake time of snoozed pending steps.
	WakeAt map[string]time.Time

	CreatedAt time.Time
}

// ExecutionFilter selects executions in ListExecutions. Zero fields match all.
type ExecutionFilter struct {
	Workflow string
	State    ExecutionState
}

// StartOptions tune a single Start call.
type StartOptions struct {
	Version     string
	ExecutionID string
	ParentID    string
	Trigger     map[string]any
}

// StartOption mutates StartOptions.
type StartOption func(*StartOptions)

// WithVersion starts a specific workflow version instead of the latest.
func WithVersion(v string) StartOption {
	return func(o *StartOptions) { o.Version = v }
}

// WithExecutionID uses id instead of a generated one.
func WithExecutionID(id string) StartOption {
	return func(o *StartOptions) { o.ExecutionID = id }
}

// WithParent links the new execution to a parent execution.
func WithParent(id string) StartOption {
	return func(o *StartOptions) { o.ParentID = id }
}

// WithTrigger attaches trigger metadata.
func WithTrigger(meta map[string]any) StartOption {
	return func(o *StartOptions) { o.Trigger = maps.Clone(meta) }
}

// ScheduleOptions describe a deferred start.
type ScheduleOptions struct {
	// At is the earliest start time. If zero, Delay from now is used.
	At    time.Time
	Delay time.Duration

	Input   map[string]any
	Version string
	Trigger map[string]any
}

// CancelOptions tune Cancel.
type CancelOptions struct {
	Reason   string
	Rollback bool
}

// ResumeOptions tune Resume.
type ResumeOptions struct {
	// Context is merged into the execution context before awaiting steps
	// are re-run.
	Context map[string]any
}
