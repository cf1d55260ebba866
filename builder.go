package sagaflow

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflow graphs:
//
//	flow := sagaflow.New("checkout").
//	    Saga("reserve", reserve, release).
//	    Saga("charge", charge, refund, sagaflow.After("reserve"), sagaflow.Retry(3, sagaflow.BackoffExponential, 50*time.Millisecond)).
//	    Step("ship", ship, sagaflow.After("charge"))
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	out, err := engine.StartSync(ctx, flow.Name(), input, time.Minute)
//
// Steps without dependencies are roots and start together.
type FlowBuilder struct {
	def api.WorkflowDefinition
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			Name:  name,
			Steps: make([]api.Step, 0),
		},
	}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Definition returns a copy of the underlying WorkflowDefinition.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	def := b.def
	def.Steps = append([]api.Step(nil), b.def.Steps...)
	return def
}

// Version sets the definition version. Unset versions register as "v1".
func (b *FlowBuilder) Version(v string) *FlowBuilder {
	b.def.Version = v
	return b
}

// MaxConcurrency bounds the steps of one execution running at once.
func (b *FlowBuilder) MaxConcurrency(n int) *FlowBuilder {
	b.def.MaxConcurrency = n
	return b
}

// Step appends a function step.
func (b *FlowBuilder) Step(name string, fn StepFunc, opts ...StepOption) *FlowBuilder {
	if fn == nil {
		panic(fmt.Sprintf("sagaflow: step %q has nil function", name))
	}
	return b.StepWith(name, api.Func(fn), opts...)
}

// Saga appends a function step with a compensation that runs if the
// execution later fails.
func (b *FlowBuilder) Saga(name string, fn StepFunc, rollback RollbackFunc, opts ...StepOption) *FlowBuilder {
	if fn == nil {
		panic(fmt.Sprintf("sagaflow: step %q has nil function", name))
	}
	return b.StepWith(name, api.FuncWithRollback(fn, rollback), opts...)
}

// Workflow appends a step that runs another registered workflow and
// completes with its result.
func (b *FlowBuilder) Workflow(name, workflow string, timeout time.Duration, opts ...StepOption) *FlowBuilder {
	return b.StepWith(name, api.SubWorkflow(workflow, timeout), opts...)
}

// StepWith appends a step with any body.
func (b *FlowBuilder) StepWith(name string, body Body, opts ...StepOption) *FlowBuilder {
	if name == "" {
		panic("sagaflow: step name must not be empty")
	}
	step := api.Step{Name: name, Body: body}
	for _, opt := range opts {
		opt(&step)
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// OnComplete sets the hook receiving the final context of completed runs.
func (b *FlowBuilder) OnComplete(fn func(ctx context.Context, result map[string]any) error) *FlowBuilder {
	b.def.OnComplete = fn
	return b
}

// OnFailure sets the hook called after rollback of a failed run.
func (b *FlowBuilder) OnFailure(fn func(ctx context.Context, augmented map[string]any) error) *FlowBuilder {
	b.def.OnFailure = fn
	return b
}

// FailWhen sets a predicate that fails the execution when it returns an
// error.
func (b *FlowBuilder) FailWhen(fn func(s *Snapshot) error) *FlowBuilder {
	b.def.FailWhen = fn
	return b
}

// RollbackOnCancel makes every cancellation run compensations.
func (b *FlowBuilder) RollbackOnCancel() *FlowBuilder {
	b.def.RollbackOnCancel = true
	return b
}

// Register registers the built workflow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	return eng.RegisterWorkflow(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

// StepOption configures a step added through a FlowBuilder.
type StepOption func(*api.Step)

// After makes the step wait for every named step.
func After(steps ...string) StepOption {
	return func(s *api.Step) { s.DependsOn = append(s.DependsOn, steps...) }
}

// AfterAny makes the step wait for at least one of the named steps.
func AfterAny(steps ...string) StepOption {
	return func(s *api.Step) { s.DependsOnAny = append(s.DependsOnAny, steps...) }
}

// AfterGroup makes the step wait for every member of group.
func AfterGroup(group string) StepOption {
	return func(s *api.Step) { s.DependsOnGroup = group }
}

// AfterExpansion makes the step wait for the steps grafted by step.
func AfterExpansion(step string) StepOption {
	return func(s *api.Step) { s.DependsOnGraft = step }
}

// InGroup puts the step into a parallel group.
func InGroup(group string) StepOption {
	return func(s *api.Step) { s.Group = group }
}

// When skips the step unless cond holds once it is ready.
func When(cond ConditionFunc) StepOption {
	return func(s *api.Step) { s.Condition = cond }
}

// Timeout bounds each attempt of the step.
func Timeout(d time.Duration) StepOption {
	return func(s *api.Step) { s.Timeout = d }
}

// Retry allows up to retries further attempts, spaced by strategy from
// base.
func Retry(retries int, strategy BackoffStrategy, base time.Duration) StepOption {
	return func(s *api.Step) {
		s.MaxRetries = retries
		s.Backoff = strategy
		s.BaseDelay = base
	}
}

// MaxDelay caps the delay between retries.
func MaxDelay(d time.Duration) StepOption {
	return func(s *api.Step) { s.MaxDelay = d }
}

// Jitter randomises retry delays.
func Jitter() StepOption {
	return func(s *api.Step) { s.Jitter = true }
}

// CustomBackoff computes the delay before each retry.
func CustomBackoff(fn func(retry int) time.Duration) StepOption {
	return func(s *api.Step) {
		s.Backoff = api.BackoffCustom
		s.CustomBackoff = fn
	}
}

// RetryOn restricts retries to errors matching one of targets.
func RetryOn(targets ...error) StepOption {
	return func(s *api.Step) {
		for _, t := range targets {
			s.RetryOn = append(s.RetryOn, api.MatchError(t))
		}
	}
}

// NoRetryOn never retries errors matching one of targets.
func NoRetryOn(targets ...error) StepOption {
	return func(s *api.Step) {
		for _, t := range targets {
			s.NoRetryOn = append(s.NoRetryOn, api.MatchError(t))
		}
	}
}

// OnFailed sets what a failure of the step does to the execution.
func OnFailed(policy OnError) StepOption {
	return func(s *api.Step) { s.OnError = policy }
}

// Circuit guards the step body with the named circuit breaker.
func Circuit(name string) StepOption {
	return func(s *api.Step) { s.Circuit = name }
}

// Cancellable lets cancellation interrupt the running step.
func Cancellable() StepOption {
	return func(s *api.Step) { s.Cancellable = true }
}
