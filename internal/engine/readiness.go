package engine

import (
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// reasonUnsatisfiable is recorded for steps skipped because their
// dependencies can no longer complete.
const reasonUnsatisfiable = "unsatisfiable dependencies"

// reasonCondition is recorded for steps whose condition did not hold.
const reasonCondition = "condition not met"

// ready reports whether the named step may be admitted at now.
func (ex *execution) ready(name string, now time.Time) bool {
	rt := ex.steps[name]
	if rt.state != api.StepPending {
		return false
	}
	if !rt.wakeAt.IsZero() && now.Before(rt.wakeAt) {
		return false
	}
	s := rt.def

	for _, dep := range s.DependsOn {
		if ex.stateOf(dep) != api.StepCompleted {
			return false
		}
	}

	if len(s.DependsOnAny) > 0 {
		found := false
		for _, dep := range s.DependsOnAny {
			if ex.stateOf(dep) == api.StepCompleted {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if s.DependsOnGroup != "" {
		for _, m := range ex.groupMembers(s.DependsOnGroup) {
			if m.state != api.StepCompleted && m.state != api.StepSkipped {
				return false
			}
		}
	}

	if s.DependsOnGraft != "" {
		names, expanded := ex.grafts[s.DependsOnGraft]
		if !expanded {
			return false
		}
		for _, n := range names {
			if !ex.stateOf(n).Terminal() {
				return false
			}
		}
	}
	return true
}

// unsatisfiable reports whether a pending step can never become ready.
func (ex *execution) unsatisfiable(name string) bool {
	rt := ex.steps[name]
	if rt.state != api.StepPending {
		return false
	}
	s := rt.def

	for _, dep := range s.DependsOn {
		if st := ex.stateOf(dep); st.Terminal() && st != api.StepCompleted {
			return true
		}
	}

	if len(s.DependsOnAny) > 0 {
		dead := true
		for _, dep := range s.DependsOnAny {
			if st := ex.stateOf(dep); !st.Terminal() || st == api.StepCompleted {
				dead = false
				break
			}
		}
		if dead {
			return true
		}
	}

	if s.DependsOnGroup != "" {
		for _, m := range ex.groupMembers(s.DependsOnGroup) {
			if m.state == api.StepFailed || m.state == api.StepCancelled {
				return true
			}
		}
	}

	if g := s.DependsOnGraft; g != "" {
		st := ex.stateOf(g)
		if _, expanded := ex.grafts[g]; !expanded && st.Terminal() {
			return true
		}
	}
	return false
}

// stateOf returns the state of a step, treating unknown names as cancelled.
func (ex *execution) stateOf(name string) api.StepState {
	if rt, ok := ex.steps[name]; ok {
		return rt.state
	}
	return api.StepCancelled
}

// cascadeSkips skips every pending step whose dependencies can no longer
// complete, until nothing changes. It returns the skipped names.
func (ex *execution) cascadeSkips() []string {
	var skipped []string
	for {
		changed := false
		for _, name := range ex.order {
			if ex.unsatisfiable(name) {
				ex.skip(name, reasonUnsatisfiable)
				skipped = append(skipped, name)
				changed = true
			}
		}
		if !changed {
			return skipped
		}
	}
}

// readySet returns the admissible steps in declaration order.
func (ex *execution) readySet(now time.Time) []string {
	var out []string
	for _, name := range ex.order {
		if ex.ready(name, now) {
			out = append(out, name)
		}
	}
	return out
}

// snoozing reports whether a pending step is waiting for its wake time.
func (ex *execution) snoozing(now time.Time) bool {
	for _, rt := range ex.steps {
		if rt.state == api.StepPending && !rt.wakeAt.IsZero() && now.Before(rt.wakeAt) {
			return true
		}
	}
	return false
}
