package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BodyKind identifies which constructor produced a Body.
type BodyKind string

const (
	BodyKindFunc     BodyKind = "func"
	BodyKindModule   BodyKind = "module"
	BodyKindRef      BodyKind = "ref"
	BodyKindWorkflow BodyKind = "workflow"
)

// Body is the executable part of a step. The set of implementations is
// closed; use Func, FuncWithRollback, Module, Ref or SubWorkflow.
type Body interface {
	Kind() BodyKind
	Execute(ctx context.Context, in StepInput) (Result, error)
	Rollback(ctx context.Context, in StepInput) error
	HasRollback() bool
	Validate() error

	sealed()
}

// Performer is the module form of a step body.
type Performer interface {
	Perform(ctx context.Context, in StepInput) (Result, error)
}

// Compensator is optionally implemented by a Performer that can undo its work.
type Compensator interface {
	Rollback(ctx context.Context, in StepInput) error
}

// RefFunc is a function reference invoked with fixed extra arguments.
type RefFunc func(ctx context.Context, in StepInput, args ...any) (Result, error)

// Func wraps a plain function.
func Func(fn StepFunc) Body {
	return &funcBody{fn: fn}
}

// FuncWithRollback wraps a plain function and its compensation.
func FuncWithRollback(fn StepFunc, rollback RollbackFunc) Body {
	return &funcBody{fn: fn, rb: rollback}
}

type funcBody struct {
	fn StepFunc
	rb RollbackFunc
}

func (b *funcBody) Kind() BodyKind { return BodyKindFunc }

func (b *funcBody) Execute(ctx context.Context, in StepInput) (Result, error) {
	return b.fn(ctx, in)
}

func (b *funcBody) Rollback(ctx context.Context, in StepInput) error {
	if b.rb == nil {
		return nil
	}
	return b.rb(ctx, in)
}

func (b *funcBody) HasRollback() bool { return b.rb != nil }

func (b *funcBody) Validate() error {
	if b.fn == nil {
		return errors.New("func body has nil function")
	}
	return nil
}

func (*funcBody) sealed() {}

// Module wraps a Performer. If m also implements Compensator its Rollback
// is used for compensation; this is decided here, once.
func Module(m Performer) Body {
	b := &moduleBody{m: m}
	if c, ok := m.(Compensator); ok {
		b.rb = c.Rollback
	}
	return b
}

type moduleBody struct {
	m  Performer
	rb RollbackFunc
}

func (b *moduleBody) Kind() BodyKind { return BodyKindModule }

func (b *moduleBody) Execute(ctx context.Context, in StepInput) (Result, error) {
	return b.m.Perform(ctx, in)
}

func (b *moduleBody) Rollback(ctx context.Context, in StepInput) error {
	if b.rb == nil {
		return nil
	}
	return b.rb(ctx, in)
}

func (b *moduleBody) HasRollback() bool { return b.rb != nil }

func (b *moduleBody) Validate() error {
	if b.m == nil {
		return errors.New("module body has nil performer")
	}
	return nil
}

func (*moduleBody) sealed() {}

// Ref wraps a function reference with the arguments it is called with.
func Ref(fn RefFunc, args ...any) Body {
	return &refBody{fn: fn, args: append([]any(nil), args...)}
}

type refBody struct {
	fn   RefFunc
	args []any
}

func (b *refBody) Kind() BodyKind { return BodyKindRef }

func (b *refBody) Execute(ctx context.Context, in StepInput) (Result, error) {
	return b.fn(ctx, in, b.args...)
}

func (b *refBody) Rollback(context.Context, StepInput) error { return nil }

func (b *refBody) HasRollback() bool { return false }

func (b *refBody) Validate() error {
	if b.fn == nil {
		return errors.New("ref body has nil function")
	}
	return nil
}

func (*refBody) sealed() {}

// SubWorkflow runs the named workflow to completion with the current
// context as input, using the engine attached to the step context. Its
// result context is merged into the parent. timeout <= 0 waits without
// limit.
func SubWorkflow(name string, timeout time.Duration) Body {
	return &workflowBody{name: name, timeout: timeout}
}

type workflowBody struct {
	name    string
	timeout time.Duration
}

func (b *workflowBody) Kind() BodyKind { return BodyKindWorkflow }

func (b *workflowBody) Execute(ctx context.Context, in StepInput) (Result, error) {
	eng, ok := EngineFromContext(ctx)
	if !ok {
		return Result{}, fmt.Errorf("sub-workflow %q: no engine in context", b.name)
	}
	childID := uuid.NewString()
	out, err := eng.StartSync(ctx, b.name, in.Context, b.timeout,
		WithExecutionID(childID),
		WithParent(in.ExecutionID),
	)
	if err != nil {
		return Result{child: childID}, fmt.Errorf("sub-workflow %q: %w", b.name, err)
	}
	return Result{Kind: ResultMerge, Output: out, child: childID}, nil
}

func (b *workflowBody) Rollback(context.Context, StepInput) error { return nil }

func (b *workflowBody) HasRollback() bool { return false }

func (b *workflowBody) Validate() error {
	if b.name == "" {
		return errors.New("sub-workflow body has empty workflow name")
	}
	return nil
}

func (*workflowBody) sealed() {}
