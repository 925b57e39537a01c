package planner

import (
	"fmt"
	"strings"
)

// ValidationResult is the outcome of validate_plan: a boolean verdict
// plus the list of issues found (possibly more than one).
type ValidationResult struct {
	Valid  bool
	Issues []string
}

// ValidatePlan rejects cycles, orphan nodes, unknown capability kinds,
// and steps whose inputs reference outputs of non-ancestor steps, per
// spec.md §4.2.
func ValidatePlan(plan Plan) ValidationResult {
	var issues []string

	stepIDs := make(map[string]struct{}, len(plan.Steps))
	for _, s := range plan.Steps {
		if _, dup := stepIDs[s.ID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		stepIDs[s.ID] = struct{}{}
	}

	for _, s := range plan.Steps {
		if !isKnownKind(s.Kind) {
			issues = append(issues, fmt.Sprintf("step %q: unknown capability kind %q", s.ID, s.Kind))
		}
	}
	for _, e := range plan.Edges {
		if _, ok := stepIDs[e.From]; !ok {
			issues = append(issues, fmt.Sprintf("edge references unknown step %q", e.From))
		}
		if _, ok := stepIDs[e.To]; !ok {
			issues = append(issues, fmt.Sprintf("edge references unknown step %q", e.To))
		}
	}

	if cyclePath, hasCycle := findCycle(plan); hasCycle {
		issues = append(issues, fmt.Sprintf("cycle detected: %s", strings.Join(cyclePath, " -> ")))
	}

	if orphan := findOrphans(plan); len(orphan) > 0 {
		issues = append(issues, fmt.Sprintf("unreachable from any root: %s", strings.Join(orphan, ", ")))
	}

	ancestors := ancestorSets(plan)
	for _, s := range plan.Steps {
		for key, value := range s.Inputs {
			ref, ok := inputStepReference(value)
			if !ok {
				continue
			}
			if _, isAncestor := ancestors[s.ID][ref]; !isAncestor {
				issues = append(issues, fmt.Sprintf("step %q input %q references output of non-ancestor step %q", s.ID, key, ref))
			}
		}
	}

	return ValidationResult{Valid: len(issues) == 0, Issues: issues}
}

// inputStepReference recognizes the convention `{"$stepOutput": "<id>"}`
// for inputs that consume another step's output.
func inputStepReference(value any) (string, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return "", false
	}
	ref, ok := m["$stepOutput"].(string)
	return ref, ok
}

// findCycle runs a DFS cycle check equivalent in intent to the teacher's
// recursive-CTE `cycleCheckSQL`, generalized from task edges to plan
// step edges.
func findCycle(plan Plan) ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(plan.Steps))
	var path []string

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		color[id] = gray
		path = append(path, id)
		for _, next := range plan.Successors(id) {
			switch color[next] {
			case gray:
				return append(append([]string{}, path...), next), true
			case white:
				if cyc, found := visit(next); found {
					return cyc, true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil, false
	}

	for _, s := range plan.Steps {
		if color[s.ID] == white {
			if cyc, found := visit(s.ID); found {
				return cyc, true
			}
		}
	}
	return nil, false
}

// findOrphans returns step ids unreachable from any root.
func findOrphans(plan Plan) []string {
	roots := plan.Roots()
	reachable := make(map[string]struct{}, len(plan.Steps))
	var visit func(id string)
	visit = func(id string) {
		if _, ok := reachable[id]; ok {
			return
		}
		reachable[id] = struct{}{}
		for _, next := range plan.Successors(id) {
			visit(next)
		}
	}
	for _, r := range roots {
		visit(r.ID)
	}

	var orphans []string
	for _, s := range plan.Steps {
		if _, ok := reachable[s.ID]; !ok {
			orphans = append(orphans, s.ID)
		}
	}
	return orphans
}

// ancestorSets computes, for every step, the set of step ids that must
// complete before it (transitively), used to validate input references.
func ancestorSets(plan Plan) map[string]map[string]struct{} {
	memo := make(map[string]map[string]struct{}, len(plan.Steps))

	var compute func(id string) map[string]struct{}
	compute = func(id string) map[string]struct{} {
		if set, ok := memo[id]; ok {
			return set
		}
		set := make(map[string]struct{})
		memo[id] = set // break cycles defensively; cycle detection handles real cycles
		for _, pred := range plan.Predecessors(id) {
			set[pred] = struct{}{}
			for anc := range compute(pred) {
				set[anc] = struct{}{}
			}
		}
		return set
	}

	for _, s := range plan.Steps {
		compute(s.ID)
	}
	return memo
}
