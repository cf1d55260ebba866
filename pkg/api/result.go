package api

import (
	"fmt"
	"time"
)

// ResultKind enumerates the legal result shapes of a step body.
type ResultKind int

const (
	// ResultDone completes the step without touching the context. It is the
	// zero value, so a bare Result{} means "done".
	ResultDone ResultKind = iota
	ResultMerge
	ResultSkip
	ResultAwait
	ResultExpand
	ResultSnooze
)

func (k ResultKind) String() string {
	switch k {
	case ResultDone:
		return "done"
	case ResultMerge:
		return "merge"
	case ResultSkip:
		return "skip"
	case ResultAwait:
		return "await"
	case ResultExpand:
		return "expand"
	case ResultSnooze:
		return "snooze"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is what a step body hands back to the engine on success.
type Result struct {
	Kind ResultKind

	// Output is merged into the execution context (ResultMerge).
	Output map[string]any
	// Reason explains a skip or an await.
	Reason string
	// Steps are grafted into the graph (ResultExpand).
	Steps []Step
	// Delay is how long to snooze (ResultSnooze).
	Delay time.Duration

	child string
}

// OK completes the step and merges out into the context.
func OK(out map[string]any) Result {
	return Result{Kind: ResultMerge, Output: out}
}

// Done completes the step without changing the context.
func Done() Result {
	return Result{Kind: ResultDone}
}

// Skip marks the step as skipped.
func Skip(reason string) Result {
	return Result{Kind: ResultSkip, Reason: reason}
}

// Await pauses the execution until it is resumed; the step then runs again.
func Await(reason string) Result {
	return Result{Kind: ResultAwait, Reason: reason}
}

// Expand grafts steps into the running graph. Each grafted step implicitly
// depends on the step that returned it.
func Expand(steps ...Step) Result {
	return Result{Kind: ResultExpand, Steps: steps}
}

// Snooze re-runs the step after d without spending a retry.
func Snooze(d time.Duration) Result {
	return Result{Kind: ResultSnooze, Delay: d}
}

// Child returns the id of the nested execution that produced this result.
func (r Result) Child() string {
	return r.child
}

// Validate rejects result shapes the engine does not understand.
func (r Result) Validate() error {
	switch r.Kind {
	case ResultDone, ResultMerge, ResultSkip, ResultAwait:
		return nil
	case ResultExpand:
		if len(r.Steps) == 0 {
			return fmt.Errorf("%w: expand without steps", ErrInvalidResult)
		}
		return nil
	case ResultSnooze:
		if r.Delay <= 0 {
			return fmt.Errorf("%w: snooze needs a positive delay, got %v", ErrInvalidResult, r.Delay)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %v", ErrInvalidResult, r.Kind)
	}
}
