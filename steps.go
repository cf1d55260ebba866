package sagaflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotApproved is returned by AwaitApproval steps whose key was resumed
// with false.
var ErrNotApproved = errors.New("sagaflow: not approved")

// AwaitApproval returns a step that pauses the execution until it is
// resumed with key in the context. A true value completes the step and a
// false one fails it with ErrNotApproved:
//
//	flow.Step("approve", sagaflow.AwaitApproval("approved"), sagaflow.After("quote"))
//	...
//	eng.Resume(ctx, id, sagaflow.ResumeOptions{Context: map[string]any{"approved": true}})
func AwaitApproval(key string) StepFunc {
	return func(ctx context.Context, in StepInput) (Result, error) {
		v, ok := in.Get(key)
		if !ok {
			return Await("waiting for " + key), nil
		}
		if approved, _ := v.(bool); approved {
			return Done(), nil
		}
		return Result{}, fmt.Errorf("%w: %s", ErrNotApproved, key)
	}
}

// SleepStep returns a step that waits for d and completes without output.
// It returns early with ctx.Err() when the attempt is cancelled or times
// out.
func SleepStep(d time.Duration) StepFunc {
	return func(ctx context.Context, _ StepInput) (Result, error) {
		t := time.NewTimer(d)
		defer t.Stop()

		select {
		case <-t.C:
			return Done(), nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}
