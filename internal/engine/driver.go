package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/pkg/api"
)

type commandKind int

const (
	cmdSnapshot commandKind = iota
	cmdPause
	cmdResume
	cmdCancel
)

type command struct {
	kind   commandKind
	resume api.ResumeOptions
	cancel api.CancelOptions
	reply  chan commandReply
}

type commandReply struct {
	snap *api.Snapshot
	err  error
}

// driver owns one execution. All state changes happen on its goroutine;
// the outside talks to it through commands, step tasks through results.
type driver struct {
	id     string
	engine *Engine
	def    api.WorkflowDefinition
	ex     *execution
	clock  api.Clock
	logger *slog.Logger

	// ctx ends when the engine closes. It carries the engine for
	// sub-workflow bodies.
	ctx context.Context

	commands chan command
	results  chan taskMsg
	wakeups  chan string
	done     chan struct{}

	running  int
	cancels  map[string]context.CancelFunc
	timers   map[string]api.Timer
	dirty    bool
	finished bool
	holding  bool
}

func (e *Engine) newDriver(def api.WorkflowDefinition, ex *execution) *driver {
	return &driver{
		id:       ex.id,
		engine:   e,
		def:      def,
		ex:       ex,
		clock:    e.clock,
		logger:   e.logger.With("execution_id", ex.id, "workflow", ex.workflow),
		ctx:      api.WithEngine(e.ctx, e),
		commands: make(chan command),
		results:  make(chan taskMsg, 64),
		wakeups:  make(chan string, 8),
		done:     make(chan struct{}),
		cancels:  make(map[string]context.CancelFunc),
		timers:   make(map[string]api.Timer),
	}
}

func (d *driver) run() {
	defer d.engine.wg.Done()
	defer d.exit()

	if !d.admit() {
		return
	}
	if d.ex.state == api.StatePending {
		d.start()
	}
	d.rearmWakes()
	d.tick()
	d.flushState()

	for !d.finished {
		select {
		case cmd := <-d.commands:
			d.handle(cmd)
		case m := <-d.results:
			d.handleTask(m)
		case name := <-d.wakeups:
			d.wake(name)
		case <-d.ctx.Done():
			d.shutdown()
			return
		}
		if !d.finished {
			d.tick()
			d.flushState()
		}
	}
}

// admit waits for a slot under the engine-wide execution cap. Commands
// are served meanwhile; a cancel ends the wait.
func (d *driver) admit() bool {
	sem := d.engine.sem
	if sem == nil {
		return true
	}
	if sem.TryAcquire(1) {
		d.holding = true
		return true
	}

	actx, stop := context.WithCancel(d.ctx)
	defer stop()
	acquired := make(chan error, 1)
	go func() { acquired <- sem.Acquire(actx, 1) }()

	for {
		select {
		case err := <-acquired:
			if err != nil {
				return false
			}
			d.holding = true
			return true
		case cmd := <-d.commands:
			d.handle(cmd)
			if d.finished {
				stop()
				if err := <-acquired; err == nil {
					sem.Release(1)
				}
				return false
			}
		}
	}
}

func (d *driver) exit() {
	for name, t := range d.timers {
		t.Stop()
		delete(d.timers, name)
	}
	for name, cancel := range d.cancels {
		cancel()
		delete(d.cancels, name)
	}
	if d.holding {
		d.engine.sem.Release(1)
		d.holding = false
	}
	d.engine.registry.untrack(d)
	close(d.done)
}

func (d *driver) now() time.Time { return d.clock.Now() }

func (d *driver) touch() {
	d.dirty = true
	d.ex.updatedAt = d.now()
}

// flushState queues the current snapshot, and the checkpoint while paused.
func (d *driver) flushState() {
	if !d.dirty {
		return
	}
	d.dirty = false
	d.engine.persister.saveSnapshot(d.ex.snapshot())
	if d.ex.state == api.StatePaused {
		d.engine.persister.saveCheckpoint(d.ex.checkpoint(d.now()))
	}
}

func (d *driver) emit(name api.EventName, meta map[string]any, measurements map[string]float64) {
	md := map[string]any{
		api.MetaExecutionID: d.ex.id,
		api.MetaWorkflow:    d.ex.workflow,
	}
	maps.Copy(md, meta)
	d.engine.observe(d.ctx, api.Event{
		Name:         name,
		At:           d.now(),
		Measurements: measurements,
		Metadata:     md,
	})
}

func (d *driver) start() {
	d.ex.state = api.StateRunning
	if d.ex.startedAt.IsZero() {
		d.ex.startedAt = d.now()
	}
	d.touch()
	d.emit(api.EventWorkflowStart, nil, nil)
}

func (d *driver) handle(cmd command) {
	var r commandReply
	switch cmd.kind {
	case cmdSnapshot:
	case cmdPause:
		switch d.ex.state {
		case api.StateRunning:
			d.pause("requested")
		case api.StatePaused:
		default:
			r.err = fmt.Errorf("%w: cannot pause %s execution", api.ErrInvalidState, d.ex.state)
		}
	case cmdResume:
		if d.ex.state != api.StatePaused {
			r.err = fmt.Errorf("%w: cannot resume %s execution", api.ErrInvalidState, d.ex.state)
			break
		}
		d.resume(cmd.resume)
	case cmdCancel:
		if d.ex.state.Terminal() {
			r.err = fmt.Errorf("%w: execution already %s", api.ErrInvalidState, d.ex.state)
			break
		}
		d.cancel(cmd.cancel)
	}
	r.snap = d.ex.snapshot()
	cmd.reply <- r
}

func (d *driver) pause(reason string) {
	d.ex.state = api.StatePaused
	d.touch()
	d.emit(api.EventWorkflowPause, map[string]any{api.MetaReason: reason}, nil)
}

func (d *driver) resume(opts api.ResumeOptions) {
	maps.Copy(d.ex.overlay, opts.Context)
	for _, name := range d.ex.namesIn(api.StepAwaiting) {
		rt := d.ex.steps[name]
		rt.state = api.StepPending
		rt.wakeAt = time.Time{}
	}
	d.ex.state = api.StateRunning
	d.touch()
	d.engine.persister.deleteCheckpoint(d.ex.id)
	d.emit(api.EventWorkflowResume, nil, nil)
}

// shutdown runs when the engine closes under a live execution. A running
// execution is paused so a later engine on the same store can resume it.
func (d *driver) shutdown() {
	if d.ex.state == api.StateRunning {
		d.ex.state = api.StatePaused
		d.touch()
		d.emit(api.EventWorkflowPause, map[string]any{api.MetaReason: "shutdown"}, nil)
	}
	d.flushState()
}

func (d *driver) wake(name string) {
	delete(d.timers, name)
	if rt, ok := d.ex.steps[name]; ok && rt.state == api.StepPending {
		rt.wakeAt = time.Time{}
	}
}

// rearmWakes arms wake timers for steps restored mid-snooze.
func (d *driver) rearmWakes() {
	now := d.now()
	for _, name := range d.ex.order {
		rt := d.ex.steps[name]
		if rt.state != api.StepPending || rt.wakeAt.IsZero() {
			continue
		}
		if _, armed := d.timers[name]; armed {
			continue
		}
		delay := rt.wakeAt.Sub(now)
		if delay <= 0 {
			rt.wakeAt = time.Time{}
			continue
		}
		d.armWake(name, delay)
	}
}

func (d *driver) budget() int {
	if d.def.MaxConcurrency > 0 {
		return d.def.MaxConcurrency
	}
	if n := d.engine.cfg.DefaultConcurrency; n > 0 {
		return n
	}
	return 1
}

// tick advances a running execution as far as it can without waiting.
func (d *driver) tick() {
	if d.ex.state != api.StateRunning {
		return
	}
	if err := d.checkFailWhen(); err != nil {
		d.fail("", err, "")
		return
	}

	budget := d.budget()
	now := d.now()
	for {
		changed := false
		for _, name := range d.ex.cascadeSkips() {
			d.skipped(name, reasonUnsatisfiable)
			changed = true
		}
		for _, name := range d.ex.readySet(now) {
			if d.running >= budget {
				break
			}
			rt := d.ex.steps[name]
			if !rt.def.ConditionSatisfied(d.ctx, d.ex.stepInput(name)) {
				d.ex.skip(name, reasonCondition)
				d.skipped(name, reasonCondition)
				changed = true
				continue
			}
			d.dispatch(name, now)
			changed = true
		}
		if !changed {
			break
		}
	}

	if d.running > 0 || d.ex.snoozing(now) {
		return
	}
	// Nothing runs and nothing will wake up: whatever is still pending
	// can never become ready.
	for _, name := range d.ex.namesIn(api.StepPending) {
		d.ex.skip(name, reasonUnsatisfiable)
		d.skipped(name, reasonUnsatisfiable)
	}
	if d.ex.allTerminal() {
		d.complete()
	}
}

func (d *driver) checkFailWhen() (err error) {
	if d.def.FailWhen == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &api.PanicError{Value: r}
		}
	}()
	return d.def.FailWhen(d.ex.snapshot())
}

func (d *driver) skipped(name, reason string) {
	d.touch()
	d.emit(api.EventStepSkip, map[string]any{api.MetaStep: name, api.MetaReason: reason}, nil)
}

func (d *driver) dispatch(name string, now time.Time) {
	rt := d.ex.steps[name]
	rt.wakeAt = time.Time{}
	d.ex.begin(name, now)
	in := d.ex.stepInput(name)
	d.running++

	ctx, cancel := context.WithCancel(d.ctx)
	d.cancels[name] = cancel
	d.touch()
	go d.runTask(ctx, rt.def, in, rt.token)
}

func (d *driver) handleTask(m taskMsg) {
	rt, ok := d.ex.steps[m.step]
	if !ok || rt.token != m.token {
		return
	}

	if !m.final {
		d.recordAttempt(rt, m)
		return
	}

	if m.err != nil && d.ctx.Err() != nil {
		// Engine shutdown; the step stays running and is checkpointed as
		// interrupted.
		return
	}
	if cancel, ok := d.cancels[m.step]; ok {
		cancel()
		delete(d.cancels, m.step)
	}
	if rt.state != api.StepRunning {
		// Cancelled or failed underneath; the result is dropped.
		return
	}
	d.running--
	d.touch()

	if m.err != nil {
		d.stepFailed(m.step, m.err, m.trace)
		return
	}
	d.applyResult(m.step, m.result)
}

func (d *driver) recordAttempt(rt *stepRuntime, m taskMsg) {
	name := m.step
	if m.child != "" && !slices.Contains(d.ex.children, m.child) {
		d.ex.children = append(d.ex.children, m.child)
	}

	meta := map[string]any{api.MetaStep: name, api.MetaAttempt: m.attempt}
	rec := persistence.StepRecord{
		ExecutionID: d.ex.id,
		Step:        name,
		Attempt:     m.attempt,
		At:          m.start,
	}

	switch {
	case m.started:
		if m.attempt > rt.attempts {
			rt.attempts = m.attempt
			if rt.entry >= 0 {
				d.ex.timeline[rt.entry].Attempt = m.attempt
			}
		}
		rec.Event = persistence.StepStarted
		d.emit(api.EventStepStart, meta, nil)
	case m.err != nil:
		rec.Event = persistence.StepFailed
		rec.At = m.start.Add(m.elapsed)
		rec.Duration = m.elapsed
		rec.Error = m.err.Error()
		meta[api.MetaError] = m.err
		d.emit(api.EventStepException, meta, map[string]float64{api.MeasureDuration: millis(m.elapsed)})
	default:
		rec.Event = persistence.StepCompleted
		rec.At = m.start.Add(m.elapsed)
		rec.Duration = m.elapsed
		d.emit(api.EventStepStop, meta, map[string]float64{api.MeasureDuration: millis(m.elapsed)})
	}
	d.engine.persister.recordStep(rec)
	d.touch()
}

func (d *driver) stepFailed(name string, err error, trace string) {
	rt := d.ex.steps[name]
	now := d.now()
	switch rt.def.ErrorPolicy() {
	case api.OnErrorSkip:
		d.ex.finish(name, api.StepSkipped, err.Error(), now)
		d.ex.skip(name, err.Error())
		d.skipped(name, err.Error())
	case api.OnErrorContinue:
		d.ex.finish(name, api.StepFailed, err.Error(), now)
		rt.state = api.StepFailed
	default:
		d.ex.finish(name, api.StepFailed, err.Error(), now)
		rt.state = api.StepFailed
		d.fail(name, err, trace)
	}
}

func (d *driver) applyResult(name string, res api.Result) {
	rt := d.ex.steps[name]
	now := d.now()

	switch res.Kind {
	case api.ResultSkip:
		d.ex.finish(name, api.StepSkipped, "", now)
		d.ex.skip(name, res.Reason)
		d.skipped(name, res.Reason)

	case api.ResultAwait:
		d.ex.finish(name, api.StepAwaiting, "", now)
		rt.state = api.StepAwaiting
		if d.ex.state == api.StateRunning {
			reason := res.Reason
			if reason == "" {
				reason = "awaiting " + name
			}
			d.pause(reason)
		}

	case api.ResultExpand:
		if err := validateSteps(res.Steps, d.ex.names(), d.ex.groups()); err != nil {
			d.stepFailed(name, fmt.Errorf("%w: %w", api.ErrInvalidResult, err), "")
			return
		}
		d.ex.finish(name, api.StepCompleted, "", now)
		d.ex.complete(name, nil)
		d.ex.graft(name, res.Steps)

	case api.ResultSnooze:
		d.ex.finish(name, api.StepPending, "", now)
		rt.state = api.StepPending
		rt.wakeAt = now.Add(res.Delay)
		d.armWake(name, res.Delay)

	default:
		d.ex.finish(name, api.StepCompleted, "", now)
		d.ex.complete(name, res.Output)
	}
}

func (d *driver) armWake(name string, delay time.Duration) {
	if t, ok := d.timers[name]; ok {
		t.Stop()
	}
	d.timers[name] = d.clock.AfterFunc(delay, func() {
		select {
		case d.wakeups <- name:
		case <-d.done:
		}
	})
}

// stopRunning marks running and awaiting steps cancelled and stops their
// tasks: no further attempt starts, and cancellable bodies see their
// context cancelled. Late results are dropped.
func (d *driver) stopRunning(reason string) {
	now := d.now()
	for _, name := range d.ex.order {
		rt := d.ex.steps[name]
		switch rt.state {
		case api.StepRunning:
			d.ex.finish(name, api.StepCancelled, reason, now)
			rt.state = api.StepCancelled
			if cancel, ok := d.cancels[name]; ok {
				cancel()
				delete(d.cancels, name)
			}
		case api.StepAwaiting:
			rt.state = api.StepCancelled
		}
	}
	d.running = 0
}

func (d *driver) cancel(opts api.CancelOptions) {
	d.stopRunning("cancelled")
	for _, name := range d.ex.namesIn(api.StepPending) {
		d.ex.steps[name].state = api.StepCancelled
	}
	d.ex.cancelReason = opts.Reason

	if opts.Rollback || d.def.RollbackOnCancel {
		d.rollback()
	}

	d.ex.state = api.StateCancelled
	d.ex.finishedAt = d.now()
	d.touch()
	d.emit(api.EventWorkflowCancel, map[string]any{api.MetaReason: opts.Reason}, nil)
	d.finalize()
}

// fail ends the execution: running steps are cancelled, completed steps
// compensated, then the failure handler runs.
func (d *driver) fail(step string, err error, trace string) {
	d.ex.failure = api.NewFailure(step, err, trace)
	d.stopRunning("cancelled after failure")
	d.rollback()

	d.ex.state = api.StateFailed
	d.ex.finishedAt = d.now()
	d.touch()
	d.emit(api.EventWorkflowFail, map[string]any{api.MetaStep: step, api.MetaError: err}, nil)
	d.logger.Warn("execution failed", "step", step, "error", err)

	d.runFailureHandler()
	d.finalize()
}

func (d *driver) complete() {
	d.ex.state = api.StateCompleted
	d.ex.finishedAt = d.now()
	d.touch()
	d.emit(api.EventWorkflowStop, nil, map[string]float64{
		api.MeasureDuration: millis(d.ex.finishedAt.Sub(d.ex.startedAt)),
	})

	if d.def.OnComplete != nil {
		result := d.ex.context()
		if err := safeCall(func() error { return d.def.OnComplete(d.ctx, result) }); err != nil {
			d.logger.Error("completion handler failed", "error", err)
		}
	}
	d.finalize()
}

// finalize persists the terminal snapshot and waits for it to be written.
func (d *driver) finalize() {
	d.finished = true
	d.flushState()
	d.engine.persister.deleteCheckpoint(d.ex.id)
	d.engine.remember(d.ex.snapshot())
	if err := d.engine.persister.flush(context.Background()); err != nil {
		d.logger.Warn("flushing final snapshot failed", "error", err)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
