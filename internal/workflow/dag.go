package workflow

import (
	"fmt"

	"github.com/orbitmesh/orbitmesh/internal/model"
)

// Validate checks a WorkflowDefinition's step list against spec §3's DAG
// invariants: at least one step, every dependsOn target exists in the same
// list, no cycles, and no two concurrent steps sharing an outputVariable.
// It recurses into Parallel branches, Conditional then/else, and ForEach
// bodies, each validated as its own independent step list.
func Validate(def *model.WorkflowDefinition) error {
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s: must declare at least one step", def.ID)
	}
	return validateStepList(def.Steps)
}

func validateStepList(steps []model.StepDefinition) error {
	byID := make(map[string]model.StepDefinition, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("step with empty id")
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}
	if err := checkAcyclic(byID); err != nil {
		return err
	}
	if err := checkOutputVariableConflicts(steps); err != nil {
		return err
	}
	for _, s := range steps {
		for _, branch := range s.Branches {
			if err := validateStepList(branch); err != nil {
				return fmt.Errorf("step %q branch: %w", s.ID, err)
			}
		}
		if len(s.Then) > 0 {
			if err := validateStepList(s.Then); err != nil {
				return fmt.Errorf("step %q then: %w", s.ID, err)
			}
		}
		if len(s.Else) > 0 {
			if err := validateStepList(s.Else); err != nil {
				return fmt.Errorf("step %q else: %w", s.ID, err)
			}
		}
		if len(s.Body) > 0 {
			if err := validateStepList(s.Body); err != nil {
				return fmt.Errorf("step %q body: %w", s.ID, err)
			}
		}
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the dependsOn edges; any node
// left unvisited once the ready queue drains is part of a cycle.
func checkAcyclic(byID map[string]model.StepDefinition) error {
	indegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for id, s := range byID {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range s.DependsOn {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(indegree))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(byID) {
		return fmt.Errorf("workflow contains a dependency cycle")
	}
	return nil
}

// checkOutputVariableConflicts rejects two steps that could run
// concurrently (neither depends, directly or transitively, on the other)
// and declare the same outputVariable, per spec §4.3's validation-time
// requirement.
func checkOutputVariableConflicts(steps []model.StepDefinition) error {
	byVar := make(map[string][]model.StepDefinition)
	for _, s := range steps {
		if s.OutputVariable == "" {
			continue
		}
		byVar[s.OutputVariable] = append(byVar[s.OutputVariable], s)
	}
	ancestors := transitiveDependsOn(steps)
	for v, group := range byVar {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i].ID, group[j].ID
				if ancestors[a][b] || ancestors[b][a] {
					continue
				}
				return fmt.Errorf("steps %q and %q may run concurrently and both write outputVariable %q", a, b, v)
			}
		}
	}
	return nil
}

// transitiveDependsOn returns, for each step ID, the set of step IDs it
// transitively depends on.
func transitiveDependsOn(steps []model.StepDefinition) map[string]map[string]bool {
	direct := make(map[string][]string, len(steps))
	for _, s := range steps {
		direct[s.ID] = s.DependsOn
	}
	result := make(map[string]map[string]bool, len(steps))
	var resolve func(id string) map[string]bool
	resolve = func(id string) map[string]bool {
		if set, ok := result[id]; ok {
			return set
		}
		set := make(map[string]bool)
		result[id] = set // break cycles defensively; checkAcyclic already rejects real ones
		for _, dep := range direct[id] {
			set[dep] = true
			for anc := range resolve(dep) {
				set[anc] = true
			}
		}
		return set
	}
	for _, s := range steps {
		resolve(s.ID)
	}
	return result
}

// readySteps reports which Pending (or not yet tracked) steps in steps have
// every dependency Completed or Skipped, given the current per-step status
// lookup.
func readySteps(steps []model.StepDefinition, status func(id string) (model.StepInstanceStatus, bool)) []model.StepDefinition {
	var out []model.StepDefinition
	for _, s := range steps {
		st, ok := status(s.ID)
		if ok && st != model.StepPending {
			continue
		}
		satisfied := true
		for _, dep := range s.DependsOn {
			depSt, _ := status(dep)
			if depSt != model.StepCompleted && depSt != model.StepSkipped {
				satisfied = false
				break
			}
		}
		if satisfied {
			out = append(out, s)
		}
	}
	return out
}

// allTerminal reports whether every step in steps has reached a terminal
// (or skipped) status.
func allTerminal(steps []model.StepDefinition, status func(id string) (model.StepInstanceStatus, bool)) bool {
	for _, s := range steps {
		st, ok := status(s.ID)
		if !ok || !st.Terminal() {
			return false
		}
	}
	return true
}

// anyFailed reports whether any step in steps is Failed.
func anyFailed(steps []model.StepDefinition, status func(id string) (model.StepInstanceStatus, bool)) bool {
	for _, s := range steps {
		if st, ok := status(s.ID); ok && st == model.StepFailed {
			return true
		}
	}
	return false
}
