package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/pkg/api"
)

func closeEngine(t *testing.T, eng *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Close(ctx))
}

func TestRestore_AwaitingExecutionResumesOnNewEngine(t *testing.T) {
	store := persistence.NewInMemoryStore()
	rec := &recorder{}
	ctx := context.Background()

	first := New(Config{Store: store})
	require.NoError(t, first.RegisterWorkflow(approvalWorkflow(rec)))
	id, err := first.Start(ctx, "approval", map[string]any{"order": "o-7"})
	require.NoError(t, err)
	waitState(t, first, id, api.StatePaused)
	closeEngine(t, first)

	cp, err := store.LoadCheckpoint(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"approve"}, cp.Awaiting)
	assert.Equal(t, true, cp.Outputs["prepare"]["prepare"])

	second := newTestEngine(t, Config{Store: store})
	require.NoError(t, second.RegisterWorkflow(approvalWorkflow(rec)))

	snap, err := second.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.StatePaused, snap.State)

	require.NoError(t, second.Resume(ctx, id, api.ResumeOptions{Context: map[string]any{"approved": true}}))
	snap = waitState(t, second, id, api.StateCompleted)

	assert.Equal(t, 1, rec.count("prepare"), "completed steps are not re-run")
	assert.Equal(t, 1, rec.count("ship"))
	assert.Equal(t, "o-7", snap.Context["order"])
	assert.Equal(t, true, snap.Context["prepare"])
	assert.Equal(t, "ops", snap.Context["approved_by"])

	_, err = store.LoadCheckpoint(ctx, id)
	assert.ErrorIs(t, err, persistence.ErrCheckpointNotFound)
}

func TestRestore_ShutdownPausesRunningExecution(t *testing.T) {
	store := persistence.NewInMemoryStore()
	ctx := context.Background()
	var calls atomic.Int32
	started := make(chan struct{}, 1)

	def := api.WorkflowDefinition{
		Name: "interrupted",
		Steps: []api.Step{{Name: "work", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
			if calls.Add(1) == 1 {
				started <- struct{}{}
				<-ctx.Done()
				return api.Result{}, ctx.Err()
			}
			return api.OK(map[string]any{"attempt": in.Attempt}), nil
		})}},
	}

	first := New(Config{Store: store})
	require.NoError(t, first.RegisterWorkflow(def))
	id, err := first.Start(ctx, "interrupted", nil)
	require.NoError(t, err)
	<-started
	closeEngine(t, first)

	snap, err := store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.StatePaused, snap.State)

	second := newTestEngine(t, Config{Store: store})
	require.NoError(t, second.RegisterWorkflow(def))
	require.NoError(t, second.Resume(ctx, id, api.ResumeOptions{}))

	snap = waitState(t, second, id, api.StateCompleted)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, snap.Context["attempt"])
}

func TestRestore_CancelPausedExecutionWithoutDriver(t *testing.T) {
	store := persistence.NewInMemoryStore()
	rec := &recorder{}
	ctx := context.Background()

	first := New(Config{Store: store})
	require.NoError(t, first.RegisterWorkflow(approvalWorkflow(rec)))
	id, err := first.Start(ctx, "approval", nil)
	require.NoError(t, err)
	waitState(t, first, id, api.StatePaused)
	closeEngine(t, first)

	second := newTestEngine(t, Config{Store: store})
	require.NoError(t, second.RegisterWorkflow(approvalWorkflow(rec)))
	require.NoError(t, second.Cancel(ctx, id, api.CancelOptions{Reason: "expired"}))

	snap := waitState(t, second, id, api.StateCancelled)
	assert.Equal(t, "expired", snap.CancelReason)
	assert.Equal(t, 0, rec.count("ship"))
}

func TestRestore_ExpandedStepsSurviveRestart(t *testing.T) {
	store := persistence.NewInMemoryStore()
	ctx := context.Background()
	def := api.WorkflowDefinition{
		Name: "grafted",
		Steps: []api.Step{
			{Name: "split", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				return api.Expand(api.Step{Name: "part", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
					return api.OK(map[string]any{"part": true}), nil
				})}), nil
			})},
			{Name: "gate", DependsOnGraft: "split", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				if ok, _ := in.Context["go"].(bool); !ok {
					return api.Await("waiting for go"), nil
				}
				return api.Done(), nil
			})},
		},
	}
	first := New(Config{Store: store})
	require.NoError(t, first.RegisterWorkflow(def))
	id, err := first.Start(ctx, "grafted", nil)
	require.NoError(t, err)
	waitState(t, first, id, api.StatePaused)
	closeEngine(t, first)

	second := newTestEngine(t, Config{Store: store})
	require.NoError(t, second.RegisterWorkflow(def))
	require.NoError(t, second.Resume(ctx, id, api.ResumeOptions{Context: map[string]any{"go": true}}))

	snap := waitState(t, second, id, api.StateCompleted)
	assert.Equal(t, []string{"part"}, snap.Grafts["split"])
	assert.Equal(t, api.StepCompleted, snap.Steps["part"])
	assert.Equal(t, true, snap.Context["part"])
}

// failingStore rejects every write and read.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) UpdateExecution(context.Context, *api.Snapshot) error { return errStoreDown }
func (failingStore) GetExecution(context.Context, string) (*api.Snapshot, error) {
	return nil, errStoreDown
}
func (failingStore) ListExecutions(context.Context, api.ExecutionFilter) ([]*api.Snapshot, error) {
	return nil, errStoreDown
}
func (failingStore) RecordStep(context.Context, persistence.StepRecord) error { return errStoreDown }
func (failingStore) ListSteps(context.Context, string) ([]persistence.StepRecord, error) {
	return nil, errStoreDown
}
func (failingStore) SaveCheckpoint(context.Context, *api.Checkpoint) error { return errStoreDown }
func (failingStore) LoadCheckpoint(context.Context, string) (*api.Checkpoint, error) {
	return nil, errStoreDown
}
func (failingStore) DeleteCheckpoint(context.Context, string) error { return errStoreDown }

func TestEngine_StoreFailuresAreNotFatal(t *testing.T) {
	eng := newTestEngine(t, Config{Store: failingStore{}})
	rec := &recorder{}
	require.NoError(t, eng.RegisterWorkflow(api.WorkflowDefinition{
		Name:  "resilient",
		Steps: []api.Step{okStep(rec, "a"), okStep(rec, "b", "a")},
	}))

	out, err := eng.StartSync(context.Background(), "resilient", nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": true, "b": true}, out)
}

func TestRestore_SnoozedStepKeepsItsWakeTime(t *testing.T) {
	store := persistence.NewInMemoryStore()
	ctx := context.Background()
	var calls atomic.Int32
	var rerunAt atomic.Int64

	def := api.WorkflowDefinition{
		Name: "nap",
		Steps: []api.Step{
			{Name: "poll", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				if calls.Add(1) == 1 {
					return api.Snooze(400 * time.Millisecond), nil
				}
				rerunAt.Store(time.Now().UnixNano())
				return api.OK(map[string]any{"ready": true}), nil
			})},
			{Name: "gate", Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
				if ok, _ := in.Context["open"].(bool); ok {
					return api.Done(), nil
				}
				time.Sleep(20 * time.Millisecond)
				return api.Await("gate closed"), nil
			})},
		},
	}

	first := New(Config{Store: store})
	require.NoError(t, first.RegisterWorkflow(def))
	id, err := first.Start(ctx, "nap", nil)
	require.NoError(t, err)
	waitState(t, first, id, api.StatePaused)
	closeEngine(t, first)

	cp, err := store.LoadCheckpoint(ctx, id)
	require.NoError(t, err)
	wakeAt, ok := cp.WakeAt["poll"]
	require.True(t, ok, "snoozed step carries its wake time")
	assert.True(t, wakeAt.After(time.Now()))

	second := newTestEngine(t, Config{Store: store})
	require.NoError(t, second.RegisterWorkflow(def))
	require.NoError(t, second.Resume(ctx, id, api.ResumeOptions{Context: map[string]any{"open": true}}))
	snap := waitState(t, second, id, api.StateCompleted)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, true, snap.Context["ready"])
	assert.GreaterOrEqual(t, rerunAt.Load(), wakeAt.UnixNano(), "restored step waits out its snooze")
}
