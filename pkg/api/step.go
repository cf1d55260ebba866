package api

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

// Infinite disables the timeout of a step.
const Infinite time.Duration = -1

// OnError decides what a step failure does to the surrounding execution
// once its retries are exhausted.
type OnError string

const (
	// OnErrorFail fails the execution and triggers rollback.
	OnErrorFail OnError = "fail"
	// OnErrorSkip marks the step skipped and carries on.
	OnErrorSkip OnError = "skip"
	// OnErrorContinue marks the step failed without blocking the execution.
	OnErrorContinue OnError = "continue"
)

// BackoffStrategy selects how the delay between retries grows.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffCustom      BackoffStrategy = "custom"
)

// ErrorMatcher reports whether err belongs to some family of errors.
// It is used by Step.RetryOn and Step.NoRetryOn.
type ErrorMatcher func(err error) bool

// MatchError matches errors for which errors.Is(err, target) holds.
func MatchError(target error) ErrorMatcher {
	return func(err error) bool {
		return errors.Is(err, target)
	}
}

// MatchMessage matches errors whose message contains substr (case-insensitive).
func MatchMessage(substr string) ErrorMatcher {
	needle := strings.ToLower(substr)
	return func(err error) bool {
		return err != nil && strings.Contains(strings.ToLower(err.Error()), needle)
	}
}

// StepInput is what a step body receives on every invocation.
type StepInput struct {
	ExecutionID string
	Workflow    string
	Step        string

	// Attempt is 1 for the first invocation and grows with every retry.
	Attempt int

	// Context is a private copy of the execution context at dispatch time.
	Context map[string]any
}

// Get returns the context value stored under key.
func (in StepInput) Get(key string) (any, bool) {
	v, ok := in.Context[key]
	return v, ok
}

// String returns the context value under key if it is a string.
func (in StepInput) String(key string) string {
	s, _ := in.Context[key].(string)
	return s
}

// StepFunc is the plain-function form of a step body.
type StepFunc func(ctx context.Context, in StepInput) (Result, error)

// RollbackFunc compensates a previously completed step.
type RollbackFunc func(ctx context.Context, in StepInput) error

// ConditionFunc decides whether a ready step runs or is skipped.
type ConditionFunc func(ctx context.Context, in StepInput) (bool, error)

// Step describes one node of a workflow graph.
type Step struct {
	Name string
	Body Body

	// DependsOn lists steps that must all be completed.
	DependsOn []string
	// DependsOnAny lists steps of which at least one must be completed.
	DependsOnAny []string
	// DependsOnGroup waits for every member of the named group.
	DependsOnGroup string
	// DependsOnGraft waits for the named step to have expanded and for
	// everything it grafted to have finished.
	DependsOnGraft string
	// Group puts the step into a named parallel group.
	Group string

	// Condition is evaluated when the step becomes ready. A false result or
	// an error skips the step.
	Condition ConditionFunc

	// Timeout bounds each attempt. Zero uses the engine default; Infinite
	// disables it.
	Timeout time.Duration

	MaxRetries    int
	Backoff       BackoffStrategy
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Jitter        bool
	CustomBackoff func(retry int) time.Duration

	// NoRetryOn is consulted before RetryOn. An empty RetryOn retries
	// anything that is not denied.
	RetryOn   []ErrorMatcher
	NoRetryOn []ErrorMatcher

	OnError OnError

	// Circuit names the circuit breaker guarding the body, if any.
	Circuit string

	// Cancellable steps see their context cancelled when the execution is
	// cancelled or fails. Other steps finish their current attempt and their
	// result is dropped. Neither kind is retried once stopped.
	Cancellable bool
}

// ErrorPolicy returns OnError, defaulting to OnErrorFail.
func (s Step) ErrorPolicy() OnError {
	if s.OnError == "" {
		return OnErrorFail
	}
	return s.OnError
}

// ConditionSatisfied evaluates the step condition. Steps without a
// condition always run; a failing predicate counts as not satisfied.
func (s Step) ConditionSatisfied(ctx context.Context, in StepInput) (ok bool) {
	if s.Condition == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	ok, err := s.Condition(ctx, in)
	if err != nil {
		return false
	}
	return ok
}

// CanRetry reports whether another retry is allowed after `retries`
// retries have already been spent.
func (s Step) CanRetry(retries int) bool {
	return retries < s.MaxRetries
}

// ShouldRetryError applies the deny list, then the allow list.
func (s Step) ShouldRetryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidResult) || errors.Is(err, ErrCancelled) {
		return false
	}
	for _, deny := range s.NoRetryOn {
		if deny != nil && deny(err) {
			return false
		}
	}
	if len(s.RetryOn) == 0 {
		return true
	}
	for _, allow := range s.RetryOn {
		if allow != nil && allow(err) {
			return true
		}
	}
	return false
}

// RetryDelay returns the pause before the given retry (1-based).
func (s Step) RetryDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}

	var d time.Duration
	switch s.Backoff {
	case BackoffLinear:
		d = s.BaseDelay * time.Duration(retry)
	case BackoffExponential:
		shift := retry - 1
		if shift > 30 {
			shift = 30
		}
		d = s.BaseDelay * time.Duration(1<<uint(shift))
		if d < 0 {
			d = s.MaxDelay
		}
	case BackoffCustom:
		if s.CustomBackoff != nil {
			d = s.CustomBackoff(retry)
		}
	default:
		d = s.BaseDelay
	}

	if s.Jitter && d > 0 {
		if spread := int64(d) / 10; spread > 0 {
			d += time.Duration(rand.Int64N(spread + 1))
		}
	}
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
