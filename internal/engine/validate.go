package engine

import (
	"fmt"

	"github.com/petrijr/sagaflow/pkg/api"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{api.ErrInvalidDefinition}, args...)...)
}

func validateDefinition(def api.WorkflowDefinition) error {
	if def.Name == "" {
		return invalid("workflow name is required")
	}
	if len(def.Steps) == 0 {
		return invalid("workflow %q must have at least one step", def.Name)
	}
	if def.MaxConcurrency < 0 {
		return invalid("workflow %q has negative max concurrency", def.Name)
	}
	return validateSteps(def.Steps, nil, nil)
}

// validateSteps checks steps on their own and against the step names and
// groups that already exist (for grafts).
func validateSteps(steps []api.Step, existing, existingGroups map[string]bool) error {
	names := make(map[string]bool, len(existing)+len(steps))
	for n := range existing {
		names[n] = true
	}
	groups := make(map[string]bool, len(existingGroups))
	for g := range existingGroups {
		groups[g] = true
	}

	for _, s := range steps {
		if s.Name == "" {
			return invalid("step name is required")
		}
		if names[s.Name] {
			return invalid("duplicate step name %q", s.Name)
		}
		names[s.Name] = true
		if s.Group != "" {
			groups[s.Group] = true
		}
	}

	for _, s := range steps {
		if s.Body == nil {
			return invalid("step %q has no body", s.Name)
		}
		if err := s.Body.Validate(); err != nil {
			return invalid("step %q: %v", s.Name, err)
		}
		for _, dep := range append(append([]string(nil), s.DependsOn...), s.DependsOnAny...) {
			if !names[dep] {
				return invalid("step %q depends on unknown step %q", s.Name, dep)
			}
			if dep == s.Name {
				return invalid("step %q depends on itself", s.Name)
			}
		}
		if s.DependsOnGroup != "" && !groups[s.DependsOnGroup] {
			return invalid("step %q waits for unknown group %q", s.Name, s.DependsOnGroup)
		}
		if s.DependsOnGroup != "" && s.DependsOnGroup == s.Group {
			return invalid("step %q waits for its own group %q", s.Name, s.Group)
		}
		if s.DependsOnGraft != "" && !names[s.DependsOnGraft] {
			return invalid("step %q waits for unknown graft step %q", s.Name, s.DependsOnGraft)
		}
		switch s.OnError {
		case "", api.OnErrorFail, api.OnErrorSkip, api.OnErrorContinue:
		default:
			return invalid("step %q has unknown on-error policy %q", s.Name, s.OnError)
		}
		switch s.Backoff {
		case "", api.BackoffFixed, api.BackoffLinear, api.BackoffExponential:
		case api.BackoffCustom:
			if s.CustomBackoff == nil {
				return invalid("step %q uses custom backoff without a function", s.Name)
			}
		default:
			return invalid("step %q has unknown backoff %q", s.Name, s.Backoff)
		}
		if s.MaxRetries < 0 {
			return invalid("step %q has negative max retries", s.Name)
		}
		if s.Timeout < 0 && s.Timeout != api.Infinite {
			return invalid("step %q has negative timeout", s.Name)
		}
	}

	if cycle := findCycle(steps); cycle != "" {
		return invalid("dependency cycle through step %q", cycle)
	}
	return nil
}

// findCycle runs Kahn's algorithm over the edges between steps and
// returns the name of a step left on a cycle, or "".
func findCycle(steps []api.Step) string {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.Name] = i
	}
	groupMembers := make(map[string][]int)
	for i, s := range steps {
		if s.Group != "" {
			groupMembers[s.Group] = append(groupMembers[s.Group], i)
		}
	}

	indegree := make([]int, len(steps))
	out := make([][]int, len(steps))
	edge := func(from, to int) {
		out[from] = append(out[from], to)
		indegree[to]++
	}
	for i, s := range steps {
		for _, dep := range s.DependsOn {
			if j, ok := index[dep]; ok {
				edge(j, i)
			}
		}
		for _, dep := range s.DependsOnAny {
			if j, ok := index[dep]; ok {
				edge(j, i)
			}
		}
		if j, ok := index[s.DependsOnGraft]; ok {
			edge(j, i)
		}
		for _, j := range groupMembers[s.DependsOnGroup] {
			edge(j, i)
		}
	}

	queue := make([]int, 0, len(steps))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	seen := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		seen++
		for _, m := range out[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if seen == len(steps) {
		return ""
	}
	for i, d := range indegree {
		if d > 0 {
			return steps[i].Name
		}
	}
	return ""
}
