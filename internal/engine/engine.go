package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/semaphore"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/internal/taskqueue"
	"github.com/petrijr/sagaflow/pkg/api"
	"github.com/petrijr/sagaflow/pkg/circuit"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultConcurrency      = 5
	DefaultSyncPollInterval = 10 * time.Millisecond
	DefaultPersistQueueSize = 256

	// finishedCacheSize bounds how many terminal snapshots are kept in
	// memory for GetState when the store lags or fails.
	finishedCacheSize = 1024
)

// Config describes how to construct an Engine.
type Config struct {
	Store    persistence.Store
	Queue    taskqueue.Queue
	Observer api.Observer
	Logger   *slog.Logger
	Clock    api.Clock
	Circuits *circuit.Registry

	// DefaultConcurrency bounds the steps running at once in an execution
	// whose definition does not set MaxConcurrency.
	DefaultConcurrency int
	// DefaultStepTimeout applies to steps without a Timeout. Zero means none.
	DefaultStepTimeout time.Duration
	// MaxExecutions caps the executions driven at once. Zero means no cap.
	MaxExecutions int64

	SyncPollInterval time.Duration
	PersistQueueSize int
}

// Engine orchestrates workflow executions. Each in-flight execution is
// owned by one driver goroutine.
type Engine struct {
	cfg       Config
	registry  *workflowRegistry
	store     persistence.Store
	queue     taskqueue.Queue
	observer  api.Observer
	logger    *slog.Logger
	clock     api.Clock
	circuits  *circuit.Registry
	persister *persister
	sem       *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	finished map[string]*api.Snapshot
	recent   []string
}

var _ api.Engine = (*Engine)(nil)

// New creates an Engine from cfg, filling in defaults.
func New(cfg Config) *Engine {
	if cfg.Store == nil {
		cfg.Store = persistence.NewInMemoryStore()
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = api.SystemClock{}
	}
	if cfg.Circuits == nil {
		cfg.Circuits = circuit.NewRegistry(
			circuit.WithClock(cfg.Clock),
			circuit.WithNotifier(circuit.ObserverNotifier(cfg.Observer)),
		)
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = DefaultConcurrency
	}
	if cfg.SyncPollInterval <= 0 {
		cfg.SyncPollInterval = DefaultSyncPollInterval
	}
	if cfg.PersistQueueSize <= 0 {
		cfg.PersistQueueSize = DefaultPersistQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		registry:  newWorkflowRegistry(),
		store:     cfg.Store,
		queue:     cfg.Queue,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		circuits:  cfg.Circuits,
		persister: newPersister(cfg.Store, cfg.Logger, cfg.PersistQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		finished:  make(map[string]*api.Snapshot),
	}
	if cfg.MaxExecutions > 0 {
		e.sem = semaphore.NewWeighted(cfg.MaxExecutions)
	}
	return e
}

// NewInMemoryEngine returns an Engine with an in-memory store and queue.
func NewInMemoryEngine() *Engine {
	return New(Config{Queue: taskqueue.NewInMemoryQueue(0)})
}

// NewSQLiteEngine returns an Engine persisting to SQLite, with its
// schedule queue in the same database.
func NewSQLiteEngine(ctx context.Context, db *sql.DB) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(ctx, db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return New(Config{Store: store, Queue: queue}), nil
}

// NewPostgresEngine returns an Engine persisting to PostgreSQL, with its
// schedule queue in the same database.
func NewPostgresEngine(ctx context.Context, db *sql.DB) (*Engine, error) {
	store, err := persistence.NewPostgresStore(ctx, db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewPostgresQueue(ctx, db, "")
	if err != nil {
		return nil, err
	}
	return New(Config{Store: store, Queue: queue}), nil
}

// NewRedisEngine returns an Engine using Redis for both persistence and
// the schedule queue.
func NewRedisEngine(client *redis.Client, prefix string) *Engine {
	return New(Config{
		Store: persistence.NewRedisStore(client, prefix),
		Queue: taskqueue.NewRedisQueue(client, prefix),
	})
}

// NewMongoEngine returns an Engine using MongoDB for both persistence and
// the schedule queue.
func NewMongoEngine(client *mongo.Client, dbName string) *Engine {
	return New(Config{
		Store: persistence.NewMongoStore(client, dbName),
		Queue: taskqueue.NewMongoQueue(client, dbName, ""),
	})
}

// Circuits returns the circuit registry guarding step bodies.
func (e *Engine) Circuits() *circuit.Registry { return e.circuits }

// Queue returns the schedule queue, or nil.
func (e *Engine) Queue() taskqueue.Queue { return e.queue }

// Store returns the store executions are persisted to.
func (e *Engine) Store() persistence.Store { return e.store }

func (e *Engine) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.registry.Register(def)
}

func (e *Engine) Start(ctx context.Context, name string, input map[string]any, opts ...api.StartOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var o api.StartOptions
	for _, opt := range opts {
		opt(&o)
	}

	def, err := e.registry.Get(name, o.Version)
	if err != nil {
		return "", err
	}
	id := o.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}

	ex := newExecution(def, id, input, e.clock.Now())
	ex.parentID = o.ParentID
	ex.trigger = maps.Clone(o.Trigger)

	if err := e.spawn(e.newDriver(def, ex)); err != nil {
		return "", err
	}
	return id, nil
}

// spawn indexes d and starts its goroutine.
func (e *Engine) spawn(d *driver) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return api.ErrEngineClosed
	}
	if err := e.registry.track(d); err != nil {
		return err
	}
	e.persister.saveSnapshot(d.ex.snapshot())
	e.wg.Add(1)
	go d.run()
	return nil
}

func (e *Engine) StartSync(ctx context.Context, name string, input map[string]any, timeout time.Duration, opts ...api.StartOption) (map[string]any, error) {
	id, err := e.Start(ctx, name, input, opts...)
	if err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(e.cfg.SyncPollInterval)
	defer ticker.Stop()

	for {
		snap, err := e.GetState(ctx, id)
		if err == nil && snap.Terminal() {
			return syncResult(snap)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("%w: execution %s after %v", api.ErrSyncTimeout, id, timeout)
		case <-ticker.C:
		}
	}
}

func syncResult(snap *api.Snapshot) (map[string]any, error) {
	switch snap.State {
	case api.StateCompleted:
		return maps.Clone(snap.Context), nil
	case api.StateCancelled:
		return nil, &api.ExecutionError{
			ExecutionID: snap.ID,
			Workflow:    snap.Workflow,
			State:       snap.State,
			Err:         api.ErrCancelled,
		}
	default:
		ee := &api.ExecutionError{
			ExecutionID: snap.ID,
			Workflow:    snap.Workflow,
			State:       snap.State,
			Err:         errors.New("execution failed"),
		}
		if snap.Failure != nil {
			ee.Step = snap.Failure.Step
			ee.Err = snap.Failure.Err()
		}
		return nil, ee
	}
}

// Schedule records a pending execution now and queues its start for later.
func (e *Engine) Schedule(ctx context.Context, name string, opts api.ScheduleOptions) (string, error) {
	if e.queue == nil {
		return "", api.ErrNoQueue
	}
	if e.isClosed() {
		return "", api.ErrEngineClosed
	}
	def, err := e.registry.Get(name, opts.Version)
	if err != nil {
		return "", err
	}

	now := e.clock.Now()
	at := opts.At
	if at.IsZero() {
		at = now.Add(opts.Delay)
	}

	id := uuid.NewString()
	ex := newExecution(def, id, opts.Input, now)
	ex.trigger = maps.Clone(opts.Trigger)
	if err := e.store.UpdateExecution(ctx, ex.snapshot()); err != nil {
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	if err := e.queue.Enqueue(ctx, taskqueue.NewStartTask(id, def.Name, at)); err != nil {
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	return id, nil
}

// Launch starts driving a scheduled execution that is still pending.
func (e *Engine) Launch(ctx context.Context, id string) error {
	if _, live := e.registry.lookup(id); live {
		return fmt.Errorf("%w: execution %s is already running", api.ErrInvalidState, id)
	}
	snap, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if snap.State != api.StatePending {
		return fmt.Errorf("%w: cannot launch %s execution %s", api.ErrInvalidState, snap.State, id)
	}
	def, err := e.registry.Get(snap.Workflow, snap.Version)
	if err != nil {
		return err
	}

	ex := newExecution(def, snap.ID, snap.Input, snap.CreatedAt)
	ex.parentID = snap.ParentID
	ex.trigger = maps.Clone(snap.Trigger)
	return e.spawn(e.newDriver(def, ex))
}

// Abandon cancels a scheduled execution whose launch will not be retried.
// Executions that are no longer pending are left alone.
func (e *Engine) Abandon(ctx context.Context, id, reason string) error {
	if _, live := e.registry.lookup(id); live {
		return nil
	}
	snap, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if snap.State != api.StatePending {
		return nil
	}
	return e.cancelScheduled(ctx, snap, api.CancelOptions{Reason: reason})
}

func (e *Engine) Cancel(ctx context.Context, id string, opts api.CancelOptions) error {
	if d, ok := e.registry.lookup(id); ok {
		if r, ok := e.send(ctx, d, command{kind: cmdCancel, cancel: opts}); ok {
			return r.err
		}
	}

	snap, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case snap.State.Terminal():
		return fmt.Errorf("%w: execution already %s", api.ErrInvalidState, snap.State)
	case snap.State == api.StatePending:
		return e.cancelScheduled(ctx, snap, opts)
	}

	d, err := e.revive(ctx, id)
	if err != nil {
		return err
	}
	r, ok := e.send(ctx, d, command{kind: cmdCancel, cancel: opts})
	if !ok {
		return fmt.Errorf("%w: execution %s stopped", api.ErrInvalidState, id)
	}
	return r.err
}

// cancelScheduled cancels an execution that was scheduled but never launched.
func (e *Engine) cancelScheduled(ctx context.Context, snap *api.Snapshot, opts api.CancelOptions) error {
	now := e.clock.Now()
	snap.State = api.StateCancelled
	snap.CancelReason = opts.Reason
	snap.FinishedAt = now
	snap.UpdatedAt = now
	for name := range snap.Steps {
		snap.Steps[name] = api.StepCancelled
	}
	snap.Cancelled = append(snap.Cancelled[:0], snap.Pending...)
	snap.Pending = nil
	if err := e.store.UpdateExecution(ctx, snap); err != nil {
		return err
	}
	e.remember(snap)
	e.observe(ctx, api.Event{
		Name: api.EventWorkflowCancel,
		At:   now,
		Metadata: map[string]any{
			api.MetaExecutionID: snap.ID,
			api.MetaWorkflow:    snap.Workflow,
			api.MetaReason:      opts.Reason,
		},
	})
	return nil
}

func (e *Engine) Pause(ctx context.Context, id string) error {
	if d, ok := e.registry.lookup(id); ok {
		if r, ok := e.send(ctx, d, command{kind: cmdPause}); ok {
			return r.err
		}
	}
	snap, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if snap.State == api.StatePaused {
		return nil
	}
	return fmt.Errorf("%w: cannot pause %s execution", api.ErrInvalidState, snap.State)
}

// Resume continues a paused execution. Executions without a live driver,
// for example after a restart, are rebuilt from their checkpoint.
func (e *Engine) Resume(ctx context.Context, id string, opts api.ResumeOptions) error {
	d, ok := e.registry.lookup(id)
	if !ok {
		var err error
		if d, err = e.revive(ctx, id); err != nil {
			return err
		}
	}
	r, ok := e.send(ctx, d, command{kind: cmdResume, resume: opts})
	if !ok {
		return fmt.Errorf("%w: execution %s stopped", api.ErrInvalidState, id)
	}
	return r.err
}

// revive rebuilds a paused execution from its checkpoint and starts a
// driver for it.
func (e *Engine) revive(ctx context.Context, id string) (*driver, error) {
	cp, err := e.store.LoadCheckpoint(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrCheckpointNotFound) {
			if _, lerr := e.load(ctx, id); lerr != nil {
				return nil, lerr
			}
			return nil, fmt.Errorf("%w: execution %s has no checkpoint", api.ErrInvalidState, id)
		}
		return nil, err
	}
	def, err := e.registry.Get(cp.Workflow, cp.Version)
	if err != nil {
		return nil, err
	}

	d := e.newDriver(def, restoreExecution(def, cp))
	if err := e.spawn(d); err != nil {
		// Lost a race with a concurrent revive.
		if live, ok := e.registry.lookup(id); ok {
			return live, nil
		}
		return nil, err
	}
	e.logger.Info("execution restored from checkpoint", "execution_id", id, "workflow", def.Name)
	return d, nil
}

func (e *Engine) GetState(ctx context.Context, id string) (*api.Snapshot, error) {
	if d, ok := e.registry.lookup(id); ok {
		if r, ok := e.send(ctx, d, command{kind: cmdSnapshot}); ok {
			return r.snap, r.err
		}
	}
	return e.load(ctx, id)
}

// load returns the last known snapshot of a non-live execution.
func (e *Engine) load(ctx context.Context, id string) (*api.Snapshot, error) {
	e.mu.Lock()
	snap, ok := e.finished[id]
	e.mu.Unlock()
	if ok {
		return snap.Clone(), nil
	}

	snap, err := e.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrNotFound, id)
		}
		return nil, err
	}
	return snap, nil
}

func (e *Engine) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Snapshot, error) {
	stored, err := e.store.ListExecutions(ctx, api.ExecutionFilter{Workflow: filter.Workflow})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*api.Snapshot, len(stored))
	for _, s := range stored {
		byID[s.ID] = s
	}
	e.mu.Lock()
	for id, s := range e.finished {
		if _, ok := byID[id]; ok {
			byID[id] = s.Clone()
		}
	}
	e.mu.Unlock()
	for _, d := range e.registry.liveDrivers() {
		if filter.Workflow != "" && d.ex.workflow != filter.Workflow {
			continue
		}
		if r, ok := e.send(ctx, d, command{kind: cmdSnapshot}); ok && r.snap != nil {
			byID[r.snap.ID] = r.snap
		}
	}

	out := make([]*api.Snapshot, 0, len(byID))
	for _, s := range byID {
		if filter.State != "" && s.State != filter.State {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// send delivers cmd to a live driver. ok is false when the driver exited
// before accepting it.
func (e *Engine) send(ctx context.Context, d *driver, cmd command) (commandReply, bool) {
	cmd.reply = make(chan commandReply, 1)
	select {
	case d.commands <- cmd:
	case <-d.done:
		return commandReply{}, false
	case <-ctx.Done():
		return commandReply{err: ctx.Err()}, true
	}
	return <-cmd.reply, true
}

// remember keeps a terminal snapshot for GetState.
func (e *Engine) remember(snap *api.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.finished[snap.ID]; !ok {
		e.recent = append(e.recent, snap.ID)
	}
	e.finished[snap.ID] = snap
	for len(e.recent) > finishedCacheSize {
		delete(e.finished, e.recent[0])
		e.recent = e.recent[1:]
	}
}

func (e *Engine) observe(ctx context.Context, ev api.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("observer panicked", "event", string(ev.Name), "panic", r)
		}
	}()
	e.observer.Observe(ctx, ev)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops every driver, pausing running executions so they can be
// resumed later, and flushes pending store writes.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	stopped := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.persister.close(ctx)
}
