package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep_ErrorPolicyDefaultsToFail(t *testing.T) {
	assert.Equal(t, OnErrorFail, Step{}.ErrorPolicy())
	assert.Equal(t, OnErrorSkip, Step{OnError: OnErrorSkip}.ErrorPolicy())
}

func TestStep_CanRetry(t *testing.T) {
	s := Step{MaxRetries: 2}
	assert.True(t, s.CanRetry(0))
	assert.True(t, s.CanRetry(1))
	assert.False(t, s.CanRetry(2))
	assert.False(t, Step{}.CanRetry(0))
}

func TestStep_ConditionSatisfied(t *testing.T) {
	ctx := context.Background()

	assert.True(t, Step{}.ConditionSatisfied(ctx, StepInput{}))

	yes := Step{Condition: func(context.Context, StepInput) (bool, error) { return true, nil }}
	assert.True(t, yes.ConditionSatisfied(ctx, StepInput{}))

	failing := Step{Condition: func(context.Context, StepInput) (bool, error) { return true, errors.New("boom") }}
	assert.False(t, failing.ConditionSatisfied(ctx, StepInput{}), "predicate error fails closed")

	panicking := Step{Condition: func(context.Context, StepInput) (bool, error) { panic("bad") }}
	assert.False(t, panicking.ConditionSatisfied(ctx, StepInput{}))

	byContext := Step{Condition: func(_ context.Context, in StepInput) (bool, error) {
		return in.String("mode") == "fast", nil
	}}
	assert.True(t, byContext.ConditionSatisfied(ctx, StepInput{Context: map[string]any{"mode": "fast"}}))
	assert.False(t, byContext.ConditionSatisfied(ctx, StepInput{Context: map[string]any{"mode": "slow"}}))
}

func TestStep_ShouldRetryError(t *testing.T) {
	errTransient := errors.New("connection reset")
	errFatal := errors.New("fatal")

	open := Step{}
	assert.True(t, open.ShouldRetryError(errFatal), "no lists retries anything")
	assert.False(t, open.ShouldRetryError(nil))
	assert.False(t, open.ShouldRetryError(ErrInvalidResult))
	assert.False(t, open.ShouldRetryError(ErrCancelled))

	allow := Step{RetryOn: []ErrorMatcher{MatchError(errTransient)}}
	assert.True(t, allow.ShouldRetryError(errTransient))
	assert.False(t, allow.ShouldRetryError(errFatal))

	deny := Step{
		RetryOn:   []ErrorMatcher{MatchMessage("connection")},
		NoRetryOn: []ErrorMatcher{MatchMessage("RESET")},
	}
	assert.False(t, deny.ShouldRetryError(errTransient), "deny list is consulted first")
	assert.True(t, deny.ShouldRetryError(errors.New("connection refused")))
}

func TestStep_RetryDelay(t *testing.T) {
	base := 100 * time.Millisecond

	fixed := Step{BaseDelay: base}
	assert.Equal(t, base, fixed.RetryDelay(1))
	assert.Equal(t, base, fixed.RetryDelay(5))

	linear := Step{Backoff: BackoffLinear, BaseDelay: base}
	assert.Equal(t, 300*time.Millisecond, linear.RetryDelay(3))

	exp := Step{Backoff: BackoffExponential, BaseDelay: base, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, exp.RetryDelay(1))
	assert.Equal(t, 200*time.Millisecond, exp.RetryDelay(2))
	assert.Equal(t, 400*time.Millisecond, exp.RetryDelay(3))
	assert.Equal(t, time.Second, exp.RetryDelay(10), "capped at MaxDelay")
	assert.Equal(t, time.Second, exp.RetryDelay(100), "large retries do not overflow")

	custom := Step{Backoff: BackoffCustom, CustomBackoff: func(n int) time.Duration {
		return time.Duration(n) * time.Second
	}}
	assert.Equal(t, 2*time.Second, custom.RetryDelay(2))

	jitter := Step{Backoff: BackoffFixed, BaseDelay: time.Second, Jitter: true}
	for range 50 {
		d := jitter.RetryDelay(1)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestResult_Validate(t *testing.T) {
	require.NoError(t, OK(map[string]any{"a": 1}).Validate())
	require.NoError(t, Done().Validate())
	require.NoError(t, Result{}.Validate())
	require.NoError(t, Skip("no").Validate())
	require.NoError(t, Await("approval").Validate())
	require.NoError(t, Snooze(time.Second).Validate())
	require.NoError(t, Expand(Step{Name: "x"}).Validate())

	require.ErrorIs(t, Expand().Validate(), ErrInvalidResult)
	require.ErrorIs(t, Snooze(0).Validate(), ErrInvalidResult)
	require.ErrorIs(t, Result{Kind: ResultKind(42)}.Validate(), ErrInvalidResult)
}

type chargeCard struct{ rolledBack bool }

func (c *chargeCard) Perform(context.Context, StepInput) (Result, error) {
	return OK(map[string]any{"charged": true}), nil
}

func (c *chargeCard) Rollback(context.Context, StepInput) error {
	c.rolledBack = true
	return nil
}

type notify struct{}

func (notify) Perform(context.Context, StepInput) (Result, error) { return Done(), nil }

func TestBody_Variants(t *testing.T) {
	ctx := context.Background()

	fn := Func(func(context.Context, StepInput) (Result, error) { return Done(), nil })
	assert.Equal(t, BodyKindFunc, fn.Kind())
	assert.False(t, fn.HasRollback())
	require.NoError(t, fn.Rollback(ctx, StepInput{}))

	called := false
	withRb := FuncWithRollback(
		func(context.Context, StepInput) (Result, error) { return Done(), nil },
		func(context.Context, StepInput) error { called = true; return nil },
	)
	assert.True(t, withRb.HasRollback())
	require.NoError(t, withRb.Rollback(ctx, StepInput{}))
	assert.True(t, called)

	card := &chargeCard{}
	mod := Module(card)
	assert.Equal(t, BodyKindModule, mod.Kind())
	assert.True(t, mod.HasRollback())
	res, err := mod.Execute(ctx, StepInput{})
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["charged"])
	require.NoError(t, mod.Rollback(ctx, StepInput{}))
	assert.True(t, card.rolledBack)

	assert.False(t, Module(notify{}).HasRollback())

	ref := Ref(func(_ context.Context, _ StepInput, args ...any) (Result, error) {
		return OK(map[string]any{"n": len(args), "first": args[0]}), nil
	}, "x", 2)
	res, err = ref.Execute(ctx, StepInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output["n"])
	assert.Equal(t, "x", res.Output["first"])

	require.Error(t, Func(nil).Validate())
	require.Error(t, Module(nil).Validate())
	require.Error(t, Ref(nil).Validate())
	require.Error(t, SubWorkflow("", 0).Validate())
}

func TestSubWorkflow_RequiresEngineInContext(t *testing.T) {
	_, err := SubWorkflow("child", time.Second).Execute(context.Background(), StepInput{})
	require.Error(t, err)
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	s := &Snapshot{
		ID:      "e1",
		Context: map[string]any{"a": 1},
		Steps:   map[string]StepState{"a": StepCompleted, "b": StepPending},
		Order:   []string{"a", "b"},
		Grafts:  map[string][]string{"a": {"a1"}},
		Failure: &Failure{Step: "b", Message: "boom"},
	}
	c := s.Clone()
	c.Context["a"] = 2
	c.Steps["b"] = StepFailed
	c.Order[0] = "z"
	c.Grafts["a"][0] = "zz"
	c.Failure.Message = "changed"

	assert.Equal(t, 1, s.Context["a"])
	assert.Equal(t, StepPending, s.Steps["b"])
	assert.Equal(t, "a", s.Order[0])
	assert.Equal(t, "a1", s.Grafts["a"][0])
	assert.Equal(t, "boom", s.Failure.Message)

	done, total := s.Progress()
	assert.Equal(t, 1, done)
	assert.Equal(t, 2, total)
}
