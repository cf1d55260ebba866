package engine

import (
	"maps"
	"slices"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// stepRuntime is the mutable state of one step inside an execution.
type stepRuntime struct {
	def   api.Step
	state api.StepState

	attempts   int
	skipReason string
	output     map[string]any

	// graftOf names the step that injected this one, if any.
	graftOf string
	// wakeAt holds a snoozed step back until the given time.
	wakeAt time.Time

	// token identifies the current admission; results carrying an older
	// token are stale and dropped.
	token uint64
	// entry is the timeline index of the current admission.
	entry int
}

// execution is the record of one workflow run. It is owned by its driver
// and never shared; other goroutines only see snapshots.
type execution struct {
	id       string
	workflow string
	version  string
	state    api.ExecutionState

	input   map[string]any
	overlay map[string]any

	// order lists every known step in declaration order, grafted steps
	// placed after the step that grafted them.
	order []string
	steps map[string]*stepRuntime

	completionOrder []string
	timeline        []api.TimelineEntry

	failure        *api.Failure
	rollbackErrors []string
	cancelReason   string

	parentID string
	children []string
	grafts   map[string][]string
	trigger  map[string]any

	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	updatedAt  time.Time
}

func newExecution(def api.WorkflowDefinition, id string, input map[string]any, now time.Time) *execution {
	ex := &execution{
		id:        id,
		workflow:  def.Name,
		version:   def.Version,
		state:     api.StatePending,
		input:     maps.Clone(input),
		overlay:   map[string]any{},
		steps:     make(map[string]*stepRuntime, len(def.Steps)),
		grafts:    map[string][]string{},
		createdAt: now,
		updatedAt: now,
	}
	if ex.input == nil {
		ex.input = map[string]any{}
	}
	for _, s := range def.Steps {
		ex.order = append(ex.order, s.Name)
		ex.steps[s.Name] = &stepRuntime{def: s, state: api.StepPending, entry: -1}
	}
	return ex
}

// context merges base input, resume overlay and completed outputs. Outputs
// are applied in declaration order so later-declared steps win on
// duplicate keys, regardless of which finished first.
func (ex *execution) context() map[string]any {
	out := maps.Clone(ex.input)
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, ex.overlay)
	for _, name := range ex.order {
		rt := ex.steps[name]
		if rt.state == api.StepCompleted && rt.output != nil {
			maps.Copy(out, rt.output)
		}
	}
	return out
}

func (ex *execution) stepInput(name string) api.StepInput {
	rt := ex.steps[name]
	return api.StepInput{
		ExecutionID: ex.id,
		Workflow:    ex.workflow,
		Step:        name,
		Attempt:     rt.attempts,
		Context:     ex.context(),
	}
}

// namesIn returns the steps in the given state, in declaration order.
func (ex *execution) namesIn(state api.StepState) []string {
	var out []string
	for _, name := range ex.order {
		if ex.steps[name].state == state {
			out = append(out, name)
		}
	}
	return out
}

func (ex *execution) allTerminal() bool {
	for _, rt := range ex.steps {
		if !rt.state.Terminal() {
			return false
		}
	}
	return true
}

func (ex *execution) groupMembers(group string) []*stepRuntime {
	var out []*stepRuntime
	for _, name := range ex.order {
		if rt := ex.steps[name]; rt.def.Group == group {
			out = append(out, rt)
		}
	}
	return out
}

func (ex *execution) groups() map[string]bool {
	out := make(map[string]bool)
	for _, rt := range ex.steps {
		if rt.def.Group != "" {
			out[rt.def.Group] = true
		}
	}
	return out
}

func (ex *execution) names() map[string]bool {
	out := make(map[string]bool, len(ex.steps))
	for name := range ex.steps {
		out[name] = true
	}
	return out
}

// graft inserts steps injected by parent. Each grafted step implicitly
// depends on parent.
func (ex *execution) graft(parent string, steps []api.Step) {
	pos := slices.Index(ex.order, parent) + 1
	for _, prev := range ex.grafts[parent] {
		if i := slices.Index(ex.order, prev); i >= pos {
			pos = i + 1
		}
	}

	names := make([]string, 0, len(steps))
	for _, s := range steps {
		if !slices.Contains(s.DependsOn, parent) {
			s.DependsOn = append(slices.Clone(s.DependsOn), parent)
		}
		ex.steps[s.Name] = &stepRuntime{def: s, state: api.StepPending, graftOf: parent, entry: -1}
		names = append(names, s.Name)
	}
	ex.order = slices.Insert(ex.order, pos, names...)
	ex.grafts[parent] = append(ex.grafts[parent], names...)
}

// begin appends a running timeline entry for a new admission of name.
func (ex *execution) begin(name string, now time.Time) {
	rt := ex.steps[name]
	rt.state = api.StepRunning
	rt.attempts++
	rt.token++
	rt.entry = len(ex.timeline)
	ex.timeline = append(ex.timeline, api.TimelineEntry{
		Step:    name,
		State:   api.StepRunning,
		Start:   now,
		Attempt: rt.attempts,
	})
}

// finish closes the current timeline entry of name with state.
func (ex *execution) finish(name string, state api.StepState, errMsg string, now time.Time) {
	rt := ex.steps[name]
	if rt.entry < 0 || rt.entry >= len(ex.timeline) {
		return
	}
	e := &ex.timeline[rt.entry]
	e.State = state
	e.End = now
	e.Duration = now.Sub(e.Start)
	e.Attempt = rt.attempts
	e.Error = errMsg
	rt.entry = -1
}

func (ex *execution) complete(name string, output map[string]any) {
	rt := ex.steps[name]
	rt.state = api.StepCompleted
	rt.output = maps.Clone(output)
	ex.completionOrder = append(ex.completionOrder, name)
}

func (ex *execution) skip(name, reason string) {
	rt := ex.steps[name]
	rt.state = api.StepSkipped
	rt.skipReason = reason
}

func (ex *execution) snapshot() *api.Snapshot {
	snap := &api.Snapshot{
		ID:              ex.id,
		Workflow:        ex.workflow,
		Version:         ex.version,
		State:           ex.state,
		Input:           maps.Clone(ex.input),
		Context:         ex.context(),
		Order:           slices.Clone(ex.order),
		Steps:           make(map[string]api.StepState, len(ex.steps)),
		Attempts:        make(map[string]int, len(ex.steps)),
		SkipReasons:     map[string]string{},
		Running:         ex.namesIn(api.StepRunning),
		Pending:         ex.namesIn(api.StepPending),
		Awaiting:        ex.namesIn(api.StepAwaiting),
		Completed:       ex.namesIn(api.StepCompleted),
		Skipped:         ex.namesIn(api.StepSkipped),
		Failed:          ex.namesIn(api.StepFailed),
		Cancelled:       ex.namesIn(api.StepCancelled),
		CompletionOrder: slices.Clone(ex.completionOrder),
		Timeline:        slices.Clone(ex.timeline),
		RollbackErrors:  slices.Clone(ex.rollbackErrors),
		CancelReason:    ex.cancelReason,
		ParentID:        ex.parentID,
		Children:        slices.Clone(ex.children),
		Grafts:          make(map[string][]string, len(ex.grafts)),
		Trigger:         maps.Clone(ex.trigger),
		CreatedAt:       ex.createdAt,
		StartedAt:       ex.startedAt,
		FinishedAt:      ex.finishedAt,
		UpdatedAt:       ex.updatedAt,
	}
	for name, rt := range ex.steps {
		snap.Steps[name] = rt.state
		snap.Attempts[name] = rt.attempts
		if rt.skipReason != "" {
			snap.SkipReasons[name] = rt.skipReason
		}
	}
	for k, v := range ex.grafts {
		snap.Grafts[k] = slices.Clone(v)
	}
	if ex.failure != nil {
		f := *ex.failure
		snap.Failure = &f
	}
	return snap
}

func (ex *execution) checkpoint(now time.Time) *api.Checkpoint {
	outputs := make(map[string]map[string]any)
	for name, rt := range ex.steps {
		if rt.state == api.StepCompleted && rt.output != nil {
			outputs[name] = maps.Clone(rt.output)
		}
	}
	var pending []string
	wakeAt := make(map[string]time.Time)
	for _, name := range ex.order {
		rt := ex.steps[name]
		if st := rt.state; st == api.StepPending || st == api.StepRunning {
			pending = append(pending, name)
		}
		if rt.state == api.StepPending && !rt.wakeAt.IsZero() {
			wakeAt[name] = rt.wakeAt
		}
	}
	return &api.Checkpoint{
		ExecutionID: ex.id,
		Workflow:    ex.workflow,
		Version:     ex.version,
		Snapshot:    ex.snapshot(),
		Overlay:     maps.Clone(ex.overlay),
		Outputs:     outputs,
		Awaiting:    ex.namesIn(api.StepAwaiting),
		WakeAt:      wakeAt,
		Pending:     pending,
		CreatedAt:   now,
	}
}

// restoreExecution rebuilds a paused execution from a checkpoint. Steps
// that were running when the checkpoint was taken run again. Grafted steps
// are restored only when every step of their graft had finished; otherwise
// the grafting step is reset to pending so it expands again, since step
// bodies are not part of a checkpoint.
func restoreExecution(def api.WorkflowDefinition, cp *api.Checkpoint) *execution {
	snap := cp.Snapshot
	ex := newExecution(def, cp.ExecutionID, snap.Input, snap.CreatedAt)
	ex.overlay = maps.Clone(cp.Overlay)
	if ex.overlay == nil {
		ex.overlay = map[string]any{}
	}
	ex.parentID = snap.ParentID
	ex.children = slices.Clone(snap.Children)
	ex.trigger = maps.Clone(snap.Trigger)
	ex.startedAt = snap.StartedAt
	ex.updatedAt = snap.UpdatedAt
	ex.cancelReason = snap.CancelReason

	parentOf := make(map[string]string)
	for g, names := range snap.Grafts {
		for _, n := range names {
			parentOf[n] = g
		}
	}
	accepted := make(map[string]bool)

	// snap.Order lists a graft's steps after the graft itself, so a single
	// pass sees every parent before its children.
	for _, name := range snap.Order {
		if g, grafted := parentOf[name]; grafted {
			if !accepted[g] {
				continue
			}
			ex.order = append(ex.order, name)
			ex.steps[name] = &stepRuntime{def: api.Step{Name: name}, graftOf: g, entry: -1}
			ex.grafts[g] = append(ex.grafts[g], name)
		}
		if _, ok := ex.steps[name]; !ok {
			continue
		}
		if names, ok := snap.Grafts[name]; ok {
			done := true
			for _, n := range names {
				if !snap.Steps[n].Terminal() {
					done = false
					break
				}
			}
			accepted[name] = done
		}
	}
	if len(ex.order) > len(def.Steps) {
		// Re-sort so grafted steps sit right after their graft.
		ex.order = restoreOrder(snap.Order, ex.order, ex.steps)
	}

	for name, rt := range ex.steps {
		st, ok := snap.Steps[name]
		if !ok {
			st = api.StepPending
		}
		if _, isGraft := snap.Grafts[name]; isGraft && !accepted[name] {
			st = api.StepPending
		}
		if st == api.StepRunning {
			st = api.StepPending
		}
		rt.state = st
		rt.attempts = snap.Attempts[name]
		rt.skipReason = snap.SkipReasons[name]
		if st == api.StepCompleted {
			rt.output = maps.Clone(cp.Outputs[name])
		}
		if st == api.StepPending {
			rt.wakeAt = cp.WakeAt[name]
		}
	}

	for _, name := range snap.CompletionOrder {
		if rt, ok := ex.steps[name]; ok && rt.state == api.StepCompleted {
			ex.completionOrder = append(ex.completionOrder, name)
		}
	}
	ex.timeline = slices.Clone(snap.Timeline)
	for i := range ex.timeline {
		if ex.timeline[i].State == api.StepRunning {
			ex.timeline[i].State = api.StepCancelled
			ex.timeline[i].Error = "interrupted"
		}
	}
	ex.state = api.StatePaused
	return ex
}

func restoreOrder(saved, current []string, steps map[string]*stepRuntime) []string {
	out := make([]string, 0, len(steps))
	seen := make(map[string]bool, len(steps))
	for _, name := range saved {
		if _, ok := steps[name]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	for _, name := range current {
		if !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	return out
}
