package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petrijr/sagaflow/pkg/api"
)

// taskMsg is what a running step reports to its driver. Attempt messages
// come first, in order; the message with final set ends the task.
type taskMsg struct {
	step  string
	token uint64

	attempt int
	start   time.Time
	elapsed time.Duration
	started bool // attempt start, as opposed to attempt end
	err     error
	child   string

	final  bool
	result api.Result
	trace  string
}

// stepBackOff feeds a step's own delay schedule to the retry loop.
type stepBackOff struct {
	step  api.Step
	retry int
}

func (b *stepBackOff) Reset() { b.retry = 0 }

func (b *stepBackOff) NextBackOff() time.Duration {
	b.retry++
	return b.step.RetryDelay(b.retry)
}

// runTask executes one admission of a step: every attempt, the retries in
// between and the final report. It runs on its own goroutine so the driver
// never waits on a body. ctx ends when the driver stops the admission; no
// attempt starts after that. Bodies of cancellable steps see ctx itself,
// other bodies only see engine shutdown.
func (d *driver) runTask(ctx context.Context, step api.Step, in api.StepInput, token uint64) {
	bodyCtx := d.ctx
	if step.Cancellable {
		bodyCtx = ctx
	}

	var (
		result  api.Result
		trace   string
		retries int
		base    = in.Attempt
	)

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt := base + retries
		in.Attempt = attempt
		start := d.clock.Now()
		d.report(taskMsg{step: step.Name, token: token, attempt: attempt, start: start, started: true})

		out := d.attempt(ctx, bodyCtx, step, in)
		d.report(taskMsg{
			step:    step.Name,
			token:   token,
			attempt: attempt,
			start:   start,
			elapsed: d.clock.Now().Sub(start),
			err:     out.err,
			child:   out.result.Child(),
		})
		err := out.err
		if err == nil {
			result = out.result
			return nil
		}
		trace = out.trace
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if !step.ShouldRetryError(err) || !step.CanRetry(retries) {
			return backoff.Permanent(err)
		}
		retries++
		return err
	}

	notify := func(err error, next time.Duration) {
		d.logger.Debug("retrying step",
			"execution_id", in.ExecutionID,
			"step", step.Name,
			"retry", retries,
			"delay", next,
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(&stepBackOff{step: step}, ctx), notify)
	if err != nil && ctx.Err() != nil && !errors.Is(err, api.ErrCancelled) {
		err = fmt.Errorf("%w: %w", api.ErrCancelled, err)
	}
	d.report(taskMsg{step: step.Name, token: token, final: true, result: result, err: err, trace: trace})
}

type attemptOutcome struct {
	result api.Result
	err    error
	trace  string
}

// attempt runs the body once under the step's circuit. The circuit sees
// the timed outcome, so a timeout counts against it like any other
// tripping error.
func (d *driver) attempt(ctx, bodyCtx context.Context, step api.Step, in api.StepInput) attemptOutcome {
	var out attemptOutcome
	timed := func(c context.Context) error {
		out = d.timedRun(ctx, c, step, in)
		return out.err
	}

	if step.Circuit == "" || d.engine.circuits == nil {
		timed(bodyCtx)
		return out
	}
	if err := d.engine.circuits.Call(bodyCtx, step.Circuit, timed); err != nil && out.err == nil {
		// Rejected by an open circuit; the body never ran.
		out.err = err
	}
	return out
}

// timedRun races one body call against the step timeout and against ctx.
// A late result after either is discarded. The body's context is cancelled
// on timeout, and when ctx ends only if bodyCtx ends with it.
func (d *driver) timedRun(ctx, bodyCtx context.Context, step api.Step, in api.StepInput) attemptOutcome {
	attemptCtx, cancel := context.WithCancel(bodyCtx)

	done := make(chan attemptOutcome, 1)
	go func() {
		defer cancel()
		var out attemptOutcome
		out.err = func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := string(debug.Stack())
					out.trace = stack
					err = &api.PanicError{Value: r, Stack: stack}
				}
			}()
			res, err := step.Body.Execute(attemptCtx, in)
			if err != nil {
				out.result = res
				return err
			}
			if verr := res.Validate(); verr != nil {
				return verr
			}
			out.result = res
			return nil
		}()
		done <- out
	}()

	// A nil channel never fires: no timeout.
	var fired chan struct{}
	timeout := d.timeoutFor(step)
	if timeout > 0 {
		fired = make(chan struct{})
		timer := d.clock.AfterFunc(timeout, func() { close(fired) })
		defer timer.Stop()
	}

	select {
	case out := <-done:
		return out
	case <-fired:
		cancel()
		return attemptOutcome{err: fmt.Errorf("%w after %v", api.ErrStepTimeout, timeout)}
	case <-ctx.Done():
		return attemptOutcome{err: fmt.Errorf("%w: %w", api.ErrCancelled, ctx.Err())}
	}
}

func (d *driver) timeoutFor(step api.Step) time.Duration {
	switch {
	case step.Timeout == api.Infinite:
		return 0
	case step.Timeout > 0:
		return step.Timeout
	default:
		return d.engine.cfg.DefaultStepTimeout
	}
}

// report hands a message to the driver unless the driver has exited.
func (d *driver) report(m taskMsg) {
	select {
	case d.results <- m:
	case <-d.done:
	}
}
