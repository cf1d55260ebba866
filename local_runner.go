package sagaflow

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/sagaflow/internal/engine"
	"github.com/petrijr/sagaflow/internal/taskqueue"
	"github.com/petrijr/sagaflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory schedule queue and
// a Worker to provide a simple "local runner" for development and tests.
//
// Typical usage:
//
//	runner := sagaflow.NewLocalRunner()
//	flow := sagaflow.New("my-flow").Step(...)
//	flow.MustRegister(runner.Engine)
//
//	// Synchronous run (no queue/worker involved):
//	out, err := runner.Engine.StartSync(ctx, flow.Name(), input, time.Minute)
//
//	// Deferred run:
//	_ = runner.StartWorkers(ctx, 2)
//	id, _ := runner.Schedule(ctx, flow.Name(), sagaflow.ScheduleOptions{Delay: time.Second})
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine Engine

	// Queue holds scheduled starts until the workers launch them.
	Queue taskqueue.Queue

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine
// and queue. Nothing survives the process.
func NewLocalRunner() *LocalRunner {
	q := taskqueue.NewInMemoryQueue(1024)
	return &LocalRunner{
		Engine: engine.New(engine.Config{Queue: q}),
		Queue:  q,
	}
}

// StartWorkers starts 'concurrency' consumers that launch scheduled
// executions until Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("sagaflow: LocalRunner already started")
	}

	w := worker.NewWithConfig(r.Engine, r.Queue, worker.Config{Concurrency: concurrency})

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = w.Run(ctx)
	}()
	return nil
}

// Schedule records a pending execution that a worker starts once due.
func (r *LocalRunner) Schedule(ctx context.Context, workflow string, opts ScheduleOptions) (string, error) {
	return r.Engine.Schedule(ctx, workflow, opts)
}

// Stop cancels the workers started by StartWorkers and waits for them to
// exit. Running executions are not affected.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Close stops the workers and the engine.
func (r *LocalRunner) Close(ctx context.Context) error {
	r.Stop()
	return r.Engine.Close(ctx)
}
