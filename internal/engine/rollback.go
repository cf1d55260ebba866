package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/hashicorp/go-multierror"

	"github.com/petrijr/sagaflow/pkg/api"
)

// rollback compensates completed steps in reverse completion order. Every
// compensation runs even if an earlier one failed; failures are collected
// on the execution and logged, never escalated.
func (d *driver) rollback() {
	ctx := context.WithoutCancel(d.ctx)
	var errs *multierror.Error

	for i := len(d.ex.completionOrder) - 1; i >= 0; i-- {
		name := d.ex.completionOrder[i]
		rt := d.ex.steps[name]
		if rt.def.Body == nil || !rt.def.Body.HasRollback() {
			continue
		}

		start := d.now()
		in := d.ex.stepInput(name)
		err := safeCall(func() error { return rt.def.Body.Rollback(ctx, in) })
		end := d.now()

		entry := api.TimelineEntry{
			Step:     name,
			State:    api.StepRolledBack,
			Start:    start,
			End:      end,
			Duration: end.Sub(start),
			Attempt:  rt.attempts,
		}
		if err != nil {
			entry.State = api.StepRollbackFailed
			entry.Error = err.Error()
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			d.logger.Error("rollback failed", "step", name, "error", err)
		}
		d.ex.timeline = append(d.ex.timeline, entry)
	}

	if errs == nil {
		return
	}
	for _, err := range errs.Errors {
		d.ex.rollbackErrors = append(d.ex.rollbackErrors, err.Error())
	}
	d.touch()
}

// runFailureHandler hands the failure handler the context augmented with
// the error, the failing step and the rollback errors.
func (d *driver) runFailureHandler() {
	if d.def.OnFailure == nil {
		return
	}
	augmented := d.ex.context()
	if f := d.ex.failure; f != nil {
		augmented[api.ErrorKey] = f.Message
		augmented[api.ErrorStepKey] = f.Step
	}
	augmented[api.RollbackErrorsKey] = slices.Clone(d.ex.rollbackErrors)

	if err := safeCall(func() error { return d.def.OnFailure(d.ctx, augmented) }); err != nil {
		d.logger.Error("failure handler failed", "error", err)
	}
}

// safeCall runs fn, turning a panic into a *api.PanicError.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &api.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}
