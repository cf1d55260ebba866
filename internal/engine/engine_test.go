package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow/internal/taskqueue"
	"github.com/petrijr/sagaflow/pkg/api"
	"github.com/petrijr/sagaflow/pkg/circuit"
)

func TestEngine_LinearChainCompletesInOrder(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			eng := b.new(t)
			rec := &recorder{}
			require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
				Name: "linear",
				Steps: []api.Step{
					okStep(rec, "A"),
					okStep(rec, "B", "A"),
					okStep(rec, "C", "B"),
				},
			}))

			ctx := context.Background()
			id, err := eng.Start(ctx, "linear", map[string]any{})
			require.NoError(t, err)

			snap := waitState(t, eng, id, api.StateCompleted)
			assert.Equal(t, []string{"A", "B", "C"}, rec.list())
			assert.Equal(t, []string{"A", "B", "C"}, timelineSteps(snap, api.StepCompleted))
			assert.Equal(t, []string{"A", "B", "C"}, snap.CompletionOrder)
			assert.Equal(t, map[string]any{"A": true, "B": true, "C": true}, snap.Context)

			done, total := snap.Progress()
			assert.Equal(t, 3, done)
			assert.Equal(t, 3, total)
		})
	}
}

func TestEngine_FailureRollsBackCompletedStepsOnce(t *testing.T) {
	eng := newTestEngine(t, Config{})

	var rollbacks atomic.Int32
	var failureCtx map[string]any
	handled := make(chan struct{})

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "saga",
		Steps: []api.Step{
			{
				Name: "A",
				Body: api.FuncWithRollback(
					func(ctx context.Context, in api.StepInput) (api.Result, error) {
						return api.OK(map[string]any{"reserved": true}), nil
					},
					func(ctx context.Context, in api.StepInput) error {
						rollbacks.Add(1)
						return nil
					},
				),
			},
			{
				Name:      "B",
				DependsOn: []string{"A"},
				Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
					return api.Result{}, errors.New("card declined")
				}),
			},
		},
		OnFailure: func(ctx context.Context, augmented map[string]any) error {
			failureCtx = augmented
			close(handled)
			return nil
		},
	}))

	_, err := eng.StartSync(context.Background(), "saga", nil, 2*time.Second)
	require.Error(t, err)

	var ee *api.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "B", ee.Step)
	assert.Equal(t, api.StateFailed, ee.State)
	assert.EqualError(t, ee.Err, "card declined")

	<-handled
	assert.Equal(t, int32(1), rollbacks.Load())
	assert.Equal(t, "card declined", failureCtx[api.ErrorKey])
	assert.Equal(t, "B", failureCtx[api.ErrorStepKey])
	assert.Empty(t, failureCtx[api.RollbackErrorsKey])
	assert.Equal(t, true, failureCtx["reserved"])

	snap, err := eng.GetState(context.Background(), ee.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, timelineSteps(snap, api.StepRolledBack))
}

func TestEngine_RollbackRunsInReverseOrderAndCollectsErrors(t *testing.T) {
	eng := newTestEngine(t, Config{})
	rec := &recorder{}

	compensated := func(name string, rbErr error) api.Step {
		return api.Step{
			Name: name,
			Body: api.FuncWithRollback(
				func(ctx context.Context, in api.StepInput) (api.Result, error) {
					return api.Done(), nil
				},
				func(ctx context.Context, in api.StepInput) error {
					rec.add(name)
					return rbErr
				},
			),
		}
	}
	s1 := compensated("s1", nil)
	s2 := compensated("s2", errors.New("refund api down"))
	s2.DependsOn = []string{"s1"}
	s3 := compensated("s3", nil)
	s3.DependsOn = []string{"s2"}

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "reverse",
		Steps: []api.Step{s1, s2, s3, {
			Name:      "boom",
			DependsOn: []string{"s3"},
			Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				return api.Result{}, errors.New("invalid order")
			}),
		}},
	}))

	id, err := eng.Start(context.Background(), "reverse", nil)
	require.NoError(t, err)
	snap := waitState(t, eng, id, api.StateFailed)

	assert.Equal(t, []string{"s3", "s2", "s1"}, rec.list(), "one failing rollback does not stop the rest")
	require.Len(t, snap.RollbackErrors, 1)
	assert.Contains(t, snap.RollbackErrors[0], "refund api down")
	assert.Equal(t, []string{"s2"}, timelineSteps(snap, api.StepRollbackFailed))
}

func TestEngine_StepNeverRunsBeforeItsDependencies(t *testing.T) {
	eng := newTestEngine(t, Config{})
	var aDone, bDone atomic.Bool
	var sawBoth atomic.Bool

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "deps",
		Steps: []api.Step{
			{Name: "A", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				time.Sleep(30 * time.Millisecond)
				aDone.Store(true)
				return api.Done(), nil
			})},
			{Name: "B", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				bDone.Store(true)
				return api.Done(), nil
			})},
			{Name: "C", DependsOn: []string{"A", "B"}, Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				sawBoth.Store(aDone.Load() && bDone.Load())
				return api.Done(), nil
			})},
		},
	}))

	_, err := eng.StartSync(context.Background(), "deps", nil, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, sawBoth.Load())
}

func TestEngine_ConcurrencyBudgetIsRespected(t *testing.T) {
	eng := newTestEngine(t, Config{})
	var current, peak atomic.Int32

	steps := make([]api.Step, 0, 6)
	for i := range 6 {
		steps = append(steps, api.Step{
			Name: fmt.Sprintf("s%d", i),
			Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				return api.Done(), nil
			}),
		})
	}
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{Name: "budget", Steps: steps, MaxConcurrency: 2}))

	_, err := eng.StartSync(context.Background(), "budget", nil, 3*time.Second)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load(), "independent steps fan out up to the budget")
}

func TestEngine_RetriesStayWithinBudget(t *testing.T) {
	eng := newTestEngine(t, Config{})
	var calls atomic.Int32

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "retry",
		Steps: []api.Step{{
			Name:       "flaky",
			MaxRetries: 2,
			BaseDelay:  5 * time.Millisecond,
			Backoff:    api.BackoffExponential,
			Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				calls.Add(1)
				return api.Result{}, errors.New("connection refused")
			}),
		}},
	}))

	id, err := eng.Start(context.Background(), "retry", nil)
	require.NoError(t, err)
	snap := waitState(t, eng, id, api.StateFailed)

	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
	assert.Equal(t, 3, snap.Attempts["flaky"])
	assert.Equal(t, "flaky", snap.Failure.Step)
}

func TestEngine_RetrySucceedsEventually(t *testing.T) {
	eng := newTestEngine(t, Config{})
	var calls atomic.Int32
	var attempts []int
	var mu sync.Mutex

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "retry-ok",
		Steps: []api.Step{{
			Name:       "flaky",
			MaxRetries: 5,
			BaseDelay:  time.Millisecond,
			Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				mu.Lock()
				attempts = append(attempts, in.Attempt)
				mu.Unlock()
				if calls.Add(1) < 3 {
					return api.Result{}, errors.New("temporarily unavailable")
				}
				return api.OK(map[string]any{"ok": true}), nil
			}),
		}},
	}))

	out, err := eng.StartSync(context.Background(), "retry-ok", nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestEngine_NoRetryOnStopsRetries(t *testing.T) {
	eng := newTestEngine(t, Config{})
	var calls atomic.Int32
	errDeclined := errors.New("declined")

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "deny",
		Steps: []api.Step{{
			Name:       "charge",
			MaxRetries: 3,
			NoRetryOn:  []api.ErrorMatcher{api.MatchError(errDeclined)},
			Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				calls.Add(1)
				return api.Result{}, fmt.Errorf("charge: %w", errDeclined)
			}),
		}},
	}))

	_, err := eng.StartSync(context.Background(), "deny", nil, 2*time.Second)
	require.ErrorIs(t, err, errDeclined)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_TimeoutFailsTheAttempt(t *testing.T) {
	eng := newTestEngine(t, Config{})

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "slow",
		Steps: []api.Step{{
			Name:    "hang",
			Timeout: 20 * time.Millisecond,
			Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				select {
				case <-ctx.Done():
					return api.Result{}, ctx.Err()
				case <-time.After(time.Second):
					return api.Done(), nil
				}
			}),
		}},
	}))

	start := time.Now()
	_, err := eng.StartSync(context.Background(), "slow", nil, 2*time.Second)
	require.ErrorIs(t, err, api.ErrStepTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEngine_FailureStopsSiblingRetries(t *testing.T) {
	eng := newTestEngine(t, Config{})
	var charges atomic.Int32

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "checkout",
		Steps: []api.Step{
			{Name: "charge", MaxRetries: 5, Backoff: api.BackoffFixed, BaseDelay: 30 * time.Millisecond,
				Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
					charges.Add(1)
					return api.Result{}, errors.New("gateway unavailable")
				})},
			{Name: "bad", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				time.Sleep(10 * time.Millisecond)
				return api.Result{}, errors.New("malformed order")
			})},
		},
	}))

	id, err := eng.Start(context.Background(), "checkout", nil)
	require.NoError(t, err)
	snap := waitState(t, eng, id, api.StateFailed)
	assert.Equal(t, "bad", snap.Failure.Step)

	seen := charges.Load()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, seen, charges.Load(), "no attempt starts after the execution failed")
}

func TestEngine_CancelStopsRetries(t *testing.T) {
	eng := newTestEngine(t, Config{})
	var calls atomic.Int32
	first := make(chan struct{}, 1)

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "flaky",
		Steps: []api.Step{{Name: "sync", MaxRetries: 10, Backoff: api.BackoffFixed, BaseDelay: 30 * time.Millisecond,
			Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				if calls.Add(1) == 1 {
					first <- struct{}{}
				}
				return api.Result{}, errors.New("upstream 503")
			})}},
	}))

	ctx := context.Background()
	id, err := eng.Start(ctx, "flaky", nil)
	require.NoError(t, err)
	<-first
	require.NoError(t, eng.Cancel(ctx, id, api.CancelOptions{Reason: "operator"}))
	waitState(t, eng, id, api.StateCancelled)

	seen := calls.Load()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, seen, calls.Load(), "no attempt starts after cancel")
	assert.Less(t, seen, int32(4))
}

func TestEngine_TimeoutsCountAgainstCircuit(t *testing.T) {
	eng := newTestEngine(t, Config{})
	eng.Circuits().Register("inventory", circuit.Config{FailureThreshold: 2, ResetTimeout: time.Minute})
	var calls atomic.Int32

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "reserve",
		Steps: []api.Step{{
			Name:       "hold",
			Circuit:    "inventory",
			Timeout:    20 * time.Millisecond,
			MaxRetries: 3,
			Backoff:    api.BackoffFixed,
			BaseDelay:  time.Millisecond,
			Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				calls.Add(1)
				<-ctx.Done()
				return api.Result{}, ctx.Err()
			}),
		}},
	}))

	_, err := eng.StartSync(context.Background(), "reserve", nil, 2*time.Second)
	require.ErrorIs(t, err, circuit.ErrCircuitOpen)
	assert.Equal(t, circuit.Open, eng.Circuits().State("inventory"))

	stats, ok := eng.Circuits().Stats("inventory")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.Failures)
	assert.Equal(t, int64(1), stats.Trips)
	assert.Equal(t, int32(2), calls.Load(), "open circuit rejects the remaining attempts")
}

func TestEngine_OnErrorSkipAndContinue(t *testing.T) {
	eng := newTestEngine(t, Config{})
	rec := &recorder{}
	fail := api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
		return api.Result{}, errors.New("optional service down")
	})

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "tolerant",
		Steps: []api.Step{
			{Name: "optional", OnError: api.OnErrorSkip, Body: fail},
			{Name: "best-effort", OnError: api.OnErrorContinue, Body: fail},
			okStep(rec, "after-optional", "optional"),
			okStep(rec, "independent"),
			{Name: "either", DependsOnAny: []string{"best-effort", "independent"}, Body: api.Func(
				func(ctx context.Context, in api.StepInput) (api.Result, error) {
					rec.add("either")
					return api.Done(), nil
				})},
		},
	}))

	id, err := eng.Start(context.Background(), "tolerant", nil)
	require.NoError(t, err)
	snap := waitState(t, eng, id, api.StateCompleted)

	assert.Equal(t, api.StepSkipped, snap.Steps["optional"])
	assert.Equal(t, api.StepFailed, snap.Steps["best-effort"])
	assert.Equal(t, api.StepSkipped, snap.Steps["after-optional"])
	assert.Equal(t, reasonUnsatisfiable, snap.SkipReasons["after-optional"])
	assert.Equal(t, api.StepCompleted, snap.Steps["independent"])
	assert.Equal(t, api.StepCompleted, snap.Steps["either"])
	assert.Nil(t, snap.Failure)
}

func TestEngine_ConditionSkipsStepAndDependents(t *testing.T) {
	eng := newTestEngine(t, Config{})
	rec := &recorder{}

	vip := okStep(rec, "vip")
	vip.Condition = func(ctx context.Context, in api.StepInput) (bool, error) {
		return in.String("tier") == "gold", nil
	}
	broken := okStep(rec, "broken")
	broken.Condition = func(ctx context.Context, in api.StepInput) (bool, error) {
		return true, errors.New("lookup failed")
	}

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name:  "conditional",
		Steps: []api.Step{vip, okStep(rec, "perk", "vip"), broken, okStep(rec, "always")},
	}))

	id, err := eng.Start(context.Background(), "conditional", map[string]any{"tier": "silver"})
	require.NoError(t, err)
	snap := waitState(t, eng, id, api.StateCompleted)

	assert.Equal(t, []string{"always"}, rec.list())
	assert.Equal(t, reasonCondition, snap.SkipReasons["vip"])
	assert.Equal(t, reasonCondition, snap.SkipReasons["broken"], "failing predicates fail closed")
	assert.Equal(t, reasonUnsatisfiable, snap.SkipReasons["perk"])
}

func TestEngine_GroupGate(t *testing.T) {
	eng := newTestEngine(t, Config{})
	rec := &recorder{}

	g1 := okStep(rec, "g1")
	g1.Group = "checks"
	g2 := okStep(rec, "g2")
	g2.Group = "checks"
	after := okStep(rec, "after")
	after.DependsOnGroup = "checks"

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name:           "groups",
		Steps:          []api.Step{after, g1, g2},
		MaxConcurrency: 1,
	}))

	_, err := eng.StartSync(context.Background(), "groups", nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "after", rec.list()[2])
}

func TestEngine_AwaitPausesUntilResumed(t *testing.T) {
	eng := newTestEngine(t, Config{})
	rec := &recorder{}

	require.NoError(t, eng.RegisterWorkflow(approvalWorkflow(rec)))

	ctx := context.Background()
	id, err := eng.Start(ctx, "approval", map[string]any{"order": "o-1"})
	require.NoError(t, err)

	snap := waitState(t, eng, id, api.StatePaused)
	assert.Equal(t, []string{"approve"}, snap.Awaiting)
	assert.Equal(t, []string{"ship"}, snap.Pending)
	assert.Equal(t, 0, rec.count("ship"))

	require.NoError(t, eng.Pause(ctx, id), "pausing a paused execution is a no-op")
	require.NoError(t, eng.Resume(ctx, id, api.ResumeOptions{Context: map[string]any{"approved": true}}))

	snap = waitState(t, eng, id, api.StateCompleted)
	assert.Equal(t, 2, snap.Attempts["approve"])
	assert.Equal(t, "ops", snap.Context["approved_by"])
	assert.Equal(t, 1, rec.count("prepare"))
	assert.Equal(t, 1, rec.count("ship"))

	assert.ErrorIs(t, eng.Resume(ctx, id, api.ResumeOptions{}), api.ErrInvalidState)
}

// approvalWorkflow is prepare -> approve (awaits "approved") -> ship.
func approvalWorkflow(rec *recorder) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: "approval",
		Steps: []api.Step{
			okStep(rec, "prepare"),
			{
				Name:      "approve",
				DependsOn: []string{"prepare"},
				Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
					rec.add("approve")
					if ok, _ := in.Context["approved"].(bool); ok {
						return api.OK(map[string]any{"approved_by": "ops"}), nil
					}
					return api.Await("manager approval"), nil
				}),
			},
			okStep(rec, "ship", "approve"),
		},
	}
}

func TestEngine_ExplicitPauseHoldsAdmissions(t *testing.T) {
	eng := newTestEngine(t, Config{})
	rec := &recorder{}
	started := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "pausable",
		Steps: []api.Step{
			{Name: "A", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				close(started)
				<-release
				return api.Done(), nil
			})},
			okStep(rec, "B", "A"),
		},
	}))

	ctx := context.Background()
	id, err := eng.Start(ctx, "pausable", nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, eng.Pause(ctx, id))
	close(release)

	require.Eventually(t, func() bool {
		s, err := eng.GetState(ctx, id)
		return err == nil && s.Steps["A"] == api.StepCompleted
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := eng.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.StatePaused, snap.State)
	assert.Equal(t, 0, rec.count("B"))

	require.NoError(t, eng.Resume(ctx, id, api.ResumeOptions{}))
	waitState(t, eng, id, api.StateCompleted)
	assert.Equal(t, 1, rec.count("B"))
}

func TestEngine_ExpandGraftsSteps(t *testing.T) {
	eng := newTestEngine(t, Config{})
	var joined atomic.Int32

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "fanout",
		Steps: []api.Step{
			{Name: "split", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				var steps []api.Step
				for i := range 3 {
					key := fmt.Sprintf("item-%d", i)
					steps = append(steps, api.Step{
						Name: key,
						Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
							return api.OK(map[string]any{key: i}), nil
						}),
					})
				}
				return api.Expand(steps...), nil
			})},
			{Name: "join", DependsOnGraft: "split", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				for i := range 3 {
					if _, ok := in.Get(fmt.Sprintf("item-%d", i)); ok {
						joined.Add(1)
					}
				}
				return api.Done(), nil
			})},
		},
	}))

	id, err := eng.Start(context.Background(), "fanout", nil)
	require.NoError(t, err)
	snap := waitState(t, eng, id, api.StateCompleted)

	assert.Equal(t, int32(3), joined.Load())
	assert.Equal(t, []string{"item-0", "item-1", "item-2"}, snap.Grafts["split"])
	assert.Equal(t, []string{"split", "item-0", "item-1", "item-2", "join"}, snap.Order)
	done, total := snap.Progress()
	assert.Equal(t, 5, done)
	assert.Equal(t, 5, total)
}

func TestEngine_InvalidExpansionFailsStep(t *testing.T) {
	eng := newTestEngine(t, Config{})

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "bad-graft",
		Steps: []api.Step{{Name: "split", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
			return api.Expand(api.Step{Name: "split", Body: api.Func(nil)}), nil
		})}},
	}))

	_, err := eng.StartSync(context.Background(), "bad-graft", nil, 2*time.Second)
	require.ErrorIs(t, err, api.ErrInvalidResult)
}

func TestEngine_InvalidResultIsNotRetried(t *testing.T) {
	eng := newTestEngine(t, Config{})
	var calls atomic.Int32

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "bad-result",
		Steps: []api.Step{{Name: "weird", MaxRetries: 3, Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
			calls.Add(1)
			return api.Result{Kind: api.ResultKind(42)}, nil
		})}},
	}))

	_, err := eng.StartSync(context.Background(), "bad-result", nil, 2*time.Second)
	require.ErrorIs(t, err, api.ErrInvalidResult)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_SnoozeRerunsStepLater(t *testing.T) {
	eng := newTestEngine(t, Config{})
	var calls atomic.Int32

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "snooze",
		Steps: []api.Step{{Name: "poll", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
			if calls.Add(1) == 1 {
				return api.Snooze(40 * time.Millisecond), nil
			}
			return api.OK(map[string]any{"ready": true}), nil
		})}},
	}))

	start := time.Now()
	out, err := eng.StartSync(context.Background(), "snooze", nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, out["ready"])
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestEngine_CancelWithRollback(t *testing.T) {
	eng := newTestEngine(t, Config{})
	var rollbacks atomic.Int32
	started := make(chan struct{})
	stopped := make(chan struct{})
	var once sync.Once

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "cancellable",
		Steps: []api.Step{
			{Name: "reserve", Body: api.FuncWithRollback(
				func(ctx context.Context, in api.StepInput) (api.Result, error) { return api.Done(), nil },
				func(ctx context.Context, in api.StepInput) error {
					rollbacks.Add(1)
					return nil
				},
			)},
			{Name: "wait", DependsOn: []string{"reserve"}, Cancellable: true, Body: api.Func(
				func(ctx context.Context, in api.StepInput) (api.Result, error) {
					once.Do(func() { close(started) })
					<-ctx.Done()
					close(stopped)
					return api.Result{}, ctx.Err()
				})},
			{Name: "later", DependsOn: []string{"wait"}, Body: api.Func(
				func(ctx context.Context, in api.StepInput) (api.Result, error) { return api.Done(), nil })},
		},
	}))

	ctx := context.Background()
	id, err := eng.Start(ctx, "cancellable", nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, eng.Cancel(ctx, id, api.CancelOptions{Reason: "customer request", Rollback: true}))
	assert.Equal(t, int32(1), rollbacks.Load(), "compensation ran before Cancel returned")

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("cancellable step did not see its context cancelled")
	}

	snap := waitState(t, eng, id, api.StateCancelled)
	assert.Equal(t, "customer request", snap.CancelReason)
	assert.Equal(t, api.StepCancelled, snap.Steps["wait"])
	assert.Equal(t, api.StepCancelled, snap.Steps["later"])

	assert.ErrorIs(t, eng.Cancel(ctx, id, api.CancelOptions{}), api.ErrInvalidState)
}

func TestEngine_FailWhenTripsWorkflow(t *testing.T) {
	eng := newTestEngine(t, Config{})
	rec := &recorder{}

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "guarded",
		Steps: []api.Step{
			{Name: "score", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				return api.OK(map[string]any{"fraud": true}), nil
			})},
			okStep(rec, "charge", "score"),
		},
		FailWhen: func(s *api.Snapshot) error {
			if s.Context["fraud"] == true {
				return errors.New("fraud detected")
			}
			return nil
		},
	}))

	id, err := eng.Start(context.Background(), "guarded", nil)
	require.NoError(t, err)
	snap := waitState(t, eng, id, api.StateFailed)

	assert.Equal(t, 0, rec.count("charge"))
	require.NotNil(t, snap.Failure)
	assert.Equal(t, "", snap.Failure.Step)
	assert.Equal(t, "fraud detected", snap.Failure.Message)
}

func TestEngine_ContextMergeIsDeterministic(t *testing.T) {
	eng := newTestEngine(t, Config{})

	writer := func(name string, delay time.Duration) api.Step {
		return api.Step{Name: name, Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
			time.Sleep(delay)
			return api.OK(map[string]any{"winner": name}), nil
		})}
	}
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name:  "slow-first",
		Steps: []api.Step{writer("first", 30*time.Millisecond), writer("second", 0)},
	}))
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name:  "slow-second",
		Steps: []api.Step{writer("first", 0), writer("second", 30*time.Millisecond)},
	}))

	for _, name := range []string{"slow-first", "slow-second"} {
		out, err := eng.StartSync(context.Background(), name, map[string]any{"winner": "input"}, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "second", out["winner"], "later-declared step wins in %s", name)
	}
}

func TestEngine_CircuitOpensAfterThreshold(t *testing.T) {
	eng := newTestEngine(t, Config{})
	eng.Circuits().Register("payments", circuit.Config{FailureThreshold: 2, ResetTimeout: time.Minute})
	var calls atomic.Int32

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "pay",
		Steps: []api.Step{{Name: "charge", Circuit: "payments", Body: api.Func(
			func(ctx context.Context, in api.StepInput) (api.Result, error) {
				calls.Add(1)
				return api.Result{}, errors.New("connection reset by peer")
			})}},
	}))

	ctx := context.Background()
	for range 2 {
		_, err := eng.StartSync(ctx, "pay", nil, 2*time.Second)
		require.Error(t, err)
	}
	assert.Equal(t, circuit.Open, eng.Circuits().State("payments"))

	_, err := eng.StartSync(ctx, "pay", nil, 2*time.Second)
	require.ErrorIs(t, err, circuit.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load(), "rejected call never reaches the body")
}

func TestEngine_PanicIsRecovered(t *testing.T) {
	eng := newTestEngine(t, Config{})

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "panics",
		Steps: []api.Step{{Name: "boom", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
			panic("nil map write")
		})}},
	}))

	id, err := eng.Start(context.Background(), "panics", nil)
	require.NoError(t, err)
	snap := waitState(t, eng, id, api.StateFailed)

	var pe *api.PanicError
	require.ErrorAs(t, snap.Failure.Err(), &pe)
	assert.Equal(t, "nil map write", pe.Value)
	assert.NotEmpty(t, snap.Failure.Trace)
}

func TestEngine_StartSyncTimeoutLeavesExecutionRunning(t *testing.T) {
	eng := newTestEngine(t, Config{})
	release := make(chan struct{})

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "long",
		Steps: []api.Step{{Name: "wait", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
			<-release
			return api.Done(), nil
		})}},
	}))

	ctx := context.Background()
	_, err := eng.StartSync(ctx, "long", nil, 30*time.Millisecond, api.WithExecutionID("long-1"))
	require.ErrorIs(t, err, api.ErrSyncTimeout)

	snap, err := eng.GetState(ctx, "long-1")
	require.NoError(t, err)
	assert.Equal(t, api.StateRunning, snap.State)

	close(release)
	waitState(t, eng, "long-1", api.StateCompleted)
}

func TestEngine_SubWorkflowLinksChild(t *testing.T) {
	eng := newTestEngine(t, Config{})

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "child",
		Steps: []api.Step{{Name: "work", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
			return api.OK(map[string]any{"child_saw": in.String("order"), "child_done": true}), nil
		})}},
	}))
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name:  "parent",
		Steps: []api.Step{{Name: "nested", Body: api.SubWorkflow("child", time.Second)}},
	}))

	ctx := context.Background()
	id, err := eng.Start(ctx, "parent", map[string]any{"order": "o-9"})
	require.NoError(t, err)
	snap := waitState(t, eng, id, api.StateCompleted)

	assert.Equal(t, true, snap.Context["child_done"])
	assert.Equal(t, "o-9", snap.Context["child_saw"])
	require.Len(t, snap.Children, 1)

	child, err := eng.GetState(ctx, snap.Children[0])
	require.NoError(t, err)
	assert.Equal(t, id, child.ParentID)
	assert.Equal(t, api.StateCompleted, child.State)
}

func TestEngine_ListExecutions(t *testing.T) {
	eng := newTestEngine(t, Config{})
	rec := &recorder{}
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{Name: "a", Steps: []api.Step{okStep(rec, "x")}}))
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{Name: "b", Steps: []api.Step{okStep(rec, "y")}}))

	ctx := context.Background()
	for _, name := range []string{"a", "a", "b"} {
		_, err := eng.StartSync(ctx, name, nil, 2*time.Second)
		require.NoError(t, err)
	}

	onlyA, err := eng.ListExecutions(ctx, api.ExecutionFilter{Workflow: "a"})
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	completed, err := eng.ListExecutions(ctx, api.ExecutionFilter{State: api.StateCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 3)

	failed, err := eng.ListExecutions(ctx, api.ExecutionFilter{State: api.StateFailed})
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestEngine_ObserverSeesLifecycle(t *testing.T) {
	obs := &eventRecorder{}
	eng := newTestEngine(t, Config{Observer: obs})
	rec := &recorder{}
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{Name: "observed", Steps: []api.Step{okStep(rec, "only")}}))

	_, err := eng.StartSync(context.Background(), "observed", nil, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, []api.EventName{
		api.EventWorkflowStart,
		api.EventStepStart,
		api.EventStepStop,
		api.EventWorkflowStop,
	}, obs.names())
}

func TestEngine_UnknownWorkflowAndExecution(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Start(ctx, "missing", nil)
	assert.ErrorIs(t, err, api.ErrWorkflowNotFound)

	_, err = eng.GetState(ctx, "nope")
	assert.ErrorIs(t, err, api.ErrNotFound)

	assert.ErrorIs(t, eng.Cancel(ctx, "nope", api.CancelOptions{}), api.ErrNotFound)
	assert.ErrorIs(t, eng.Resume(ctx, "nope", api.ResumeOptions{}), api.ErrNotFound)
}

func TestEngine_MaxExecutionsKeepsExtraRunsPending(t *testing.T) {
	eng := newTestEngine(t, Config{MaxExecutions: 1})
	release := make(chan struct{})

	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name: "capped",
		Steps: []api.Step{{Name: "hold", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
			<-release
			return api.Done(), nil
		})}},
	}))

	ctx := context.Background()
	first, err := eng.Start(ctx, "capped", nil)
	require.NoError(t, err)
	waitState(t, eng, first, api.StateRunning)

	second, err := eng.Start(ctx, "capped", nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	snap, err := eng.GetState(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, api.StatePending, snap.State)

	close(release)
	waitState(t, eng, first, api.StateCompleted)
	waitState(t, eng, second, api.StateCompleted)
}

func TestEngine_ScheduleAndLaunch(t *testing.T) {
	eng := newTestEngine(t, Config{Queue: taskqueue.NewInMemoryQueue(0)})
	rec := &recorder{}
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{Name: "later", Steps: []api.Step{okStep(rec, "run")}}))

	ctx := context.Background()
	id, err := eng.Schedule(ctx, "later", api.ScheduleOptions{
		Delay:   time.Hour,
		Input:   map[string]any{"k": "v"},
		Trigger: map[string]any{"cron": "0 * * * *"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, eng.Queue().Len())

	snap, err := eng.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.StatePending, snap.State)
	assert.Equal(t, "0 * * * *", snap.Trigger["cron"])

	require.NoError(t, eng.Launch(ctx, id))
	snap = waitState(t, eng, id, api.StateCompleted)
	assert.Equal(t, "v", snap.Context["k"])

	assert.ErrorIs(t, eng.Launch(ctx, id), api.ErrInvalidState)
}

func TestEngine_CancelScheduledExecution(t *testing.T) {
	eng := newTestEngine(t, Config{Queue: taskqueue.NewInMemoryQueue(0)})
	rec := &recorder{}
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{Name: "later", Steps: []api.Step{okStep(rec, "run")}}))

	ctx := context.Background()
	id, err := eng.Schedule(ctx, "later", api.ScheduleOptions{Delay: time.Hour})
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(ctx, id, api.CancelOptions{Reason: "not needed"}))
	snap, err := eng.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.StateCancelled, snap.State)
	assert.Equal(t, api.StepCancelled, snap.Steps["run"])

	assert.ErrorIs(t, eng.Launch(ctx, id), api.ErrInvalidState)
	assert.Empty(t, rec.list())
}

func TestEngine_ScheduleWithoutQueue(t *testing.T) {
	eng := newTestEngine(t, Config{})
	_, err := eng.Schedule(context.Background(), "x", api.ScheduleOptions{})
	assert.ErrorIs(t, err, api.ErrNoQueue)
}

func TestEngine_ClosedEngineRejectsStarts(t *testing.T) {
	eng := New(Config{})
	rec := &recorder{}
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{Name: "w", Steps: []api.Step{okStep(rec, "s")}}))
	require.NoError(t, eng.Close(context.Background()))
	require.NoError(t, eng.Close(context.Background()), "close is idempotent")

	_, err := eng.Start(context.Background(), "w", nil)
	assert.ErrorIs(t, err, api.ErrEngineClosed)
}
