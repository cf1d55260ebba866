package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/sagaflow/internal/taskqueue"
	"github.com/petrijr/sagaflow/pkg/api"
	"github.com/petrijr/sagaflow/pkg/classify"
)

// Launcher starts executions that were scheduled earlier. *engine.Engine
// implements it.
type Launcher interface {
	Launch(ctx context.Context, id string) error
	// Abandon moves a still-pending execution to a terminal state once
	// its start task is dropped.
	Abandon(ctx context.Context, id, reason string) error
}

// Config tunes a Worker. Zero fields take defaults.
type Config struct {
	Logger     *slog.Logger
	Classifier *classify.Classifier
	Clock      api.Clock

	// MaxAttempts caps how often one task is tried, whatever the
	// classification says. Zero leaves it to the classifier.
	MaxAttempts int

	// Backoff, if set, replaces the classifier's delay between attempts.
	Backoff time.Duration

	// Concurrency is the number of consumers Run starts. Default 1.
	Concurrency int

	// OnDeadLetter is called for tasks that exhausted their attempts.
	OnDeadLetter func(ctx context.Context, task taskqueue.Task, err error)
}

// Worker pulls start tasks from a Queue and launches the executions they
// name.
type Worker struct {
	launcher Launcher
	queue    taskqueue.Queue
	cfg      Config
}

// New creates a Worker with the default configuration.
func New(launcher Launcher, queue taskqueue.Queue) *Worker {
	return NewWithConfig(launcher, queue, Config{})
}

// NewWithConfig creates a Worker.
func NewWithConfig(launcher Launcher, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.Default
	}
	if cfg.Clock == nil {
		cfg.Clock = api.SystemClock{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		launcher: launcher,
		queue:    queue,
		cfg:      cfg,
	}
}

// ProcessOne pulls a single task from the queue and handles it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error.
//   - processed == true: a task was handled. err is nil when the execution
//     was launched or the task re-enqueued for another attempt, and the
//     launch error when the task was dropped.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	log := w.cfg.Logger.With(
		"task_id", task.ID,
		"execution_id", task.ExecutionID,
		"workflow", task.Workflow,
		"attempt", task.Attempts+1,
	)

	switch task.Type {
	case taskqueue.TaskTypeStartExecution:
		err = w.launcher.Launch(ctx, task.ExecutionID)
	default:
		err := fmt.Errorf("unknown task type: %q", task.Type)
		log.Error("discarding task", "error", err)
		return true, err
	}
	if err == nil {
		log.Debug("execution launched")
		return true, nil
	}
	return true, w.handleFailure(ctx, log, *task, err)
}

// handleFailure re-enqueues, dead-letters or discards a task whose launch
// failed.
func (w *Worker) handleFailure(ctx context.Context, log *slog.Logger, task taskqueue.Task, err error) error {
	attempt := task.Attempts + 1
	action := w.cfg.Classifier.NextAction(err, attempt)
	if action.Kind == classify.ActionRetry && w.cfg.MaxAttempts > 0 && attempt >= w.cfg.MaxAttempts {
		action = classify.Action{Kind: classify.ActionDeadLetter}
	}

	switch action.Kind {
	case classify.ActionRetry:
		delay := action.Delay
		if w.cfg.Backoff > 0 {
			delay = w.cfg.Backoff
		}
		task.Attempts = attempt
		task.LastError = err.Error()
		task.NotBefore = w.cfg.Clock.Now().Add(delay)
		if qerr := w.queue.Enqueue(ctx, task); qerr != nil {
			log.Error("re-enqueue failed, task lost", "error", err, "enqueue_error", qerr)
			return multierror.Append(err, qerr)
		}
		log.Warn("launch failed, retrying", "error", err, "delay", delay)
		return nil

	case classify.ActionDeadLetter:
		task.Attempts = attempt
		task.LastError = err.Error()
		log.Error("launch failed, giving up", "error", err)
		if w.cfg.OnDeadLetter != nil {
			w.cfg.OnDeadLetter(ctx, task, err)
		}
		w.abandon(ctx, log, task, err)
		return fmt.Errorf("task %s dead-lettered after %d attempts: %w", task.ID, attempt, err)

	default:
		log.Warn("launch failed, discarding task", "error", err)
		w.abandon(ctx, log, task, err)
		return fmt.Errorf("task %s discarded: %w", task.ID, err)
	}
}

// abandon settles the execution of a dropped task. ErrInvalidState means
// the execution already left pending, so there is nothing to settle. A
// task dropped while the worker stops leaves its execution pending.
func (w *Worker) abandon(ctx context.Context, log *slog.Logger, task taskqueue.Task, cause error) {
	if errors.Is(cause, api.ErrInvalidState) || ctx.Err() != nil {
		return
	}
	if err := w.launcher.Abandon(ctx, task.ExecutionID, "launch failed: "+cause.Error()); err != nil {
		log.Error("abandon execution failed", "error", err)
	}
}

// Run processes tasks with Config.Concurrency consumers until ctx is done.
// Queue errors are retried with exponential backoff; launch errors are
// logged and handled per task. Run returns nil once ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range w.cfg.Concurrency {
		g.Go(func() error {
			return w.consume(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (w *Worker) consume(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 10 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(exp, ctx)
	b.Reset()

	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case !processed && err != nil:
			delay := b.NextBackOff()
			if delay == backoff.Stop {
				return ctx.Err()
			}
			w.cfg.Logger.Warn("dequeue failed", "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		case err != nil:
			b.Reset()
			w.cfg.Logger.Debug("task dropped", "error", err)
		default:
			b.Reset()
		}
	}
}
