package engine

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/sagaflow/pkg/api"
)

type engineFactory struct {
	name string
	new  func(t *testing.T) *Engine
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	return eng
}

func backends() []engineFactory {
	return []engineFactory{
		{
			name: "in-memory",
			new: func(t *testing.T) *Engine {
				return newTestEngine(t, Config{})
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T) *Engine {
				db, err := sql.Open("sqlite", ":memory:")
				require.NoError(t, err)
				db.SetMaxOpenConns(1)
				t.Cleanup(func() { _ = db.Close() })

				eng, err := NewSQLiteEngine(context.Background(), db)
				require.NoError(t, err)
				t.Cleanup(func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = eng.Close(ctx)
				})
				return eng
			},
		},
	}
}

// waitState polls until the execution reaches state.
func waitState(t *testing.T, eng *Engine, id string, state api.ExecutionState) *api.Snapshot {
	t.Helper()
	var snap *api.Snapshot
	require.Eventuallyf(t, func() bool {
		s, err := eng.GetState(context.Background(), id)
		if err != nil {
			return false
		}
		snap = s
		return s.State == state
	}, 3*time.Second, 5*time.Millisecond, "execution %s never reached %s", id, state)
	return snap
}

// recorder collects the order in which step bodies ran.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(name string) int {
	n := 0
	for _, c := range r.list() {
		if c == name {
			n++
		}
	}
	return n
}

// okStep records its name and merges {name: true}.
func okStep(rec *recorder, name string, deps ...string) api.Step {
	return api.Step{
		Name:      name,
		DependsOn: deps,
		Body: api.Func(func(ctx context.Context, in api.StepInput) (api.Result, error) {
			rec.add(name)
			return api.OK(map[string]any{name: true}), nil
		}),
	}
}

func timelineSteps(s *api.Snapshot, state api.StepState) []string {
	var out []string
	for _, e := range s.Timeline {
		if e.State == state {
			out = append(out, e.Step)
		}
	}
	return out
}

// eventRecorder is an observer keeping every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []api.Event
}

func (o *eventRecorder) Observe(_ context.Context, ev api.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *eventRecorder) names() []api.EventName {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]api.EventName, 0, len(o.events))
	for _, ev := range o.events {
		out = append(out, ev.Name)
	}
	return out
}
