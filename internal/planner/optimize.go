package planner

import "sort"

// OptimizePlan fuses sequential steps of the same idempotent capability
// and reorders the plan's step listing using EstimatedDurationMS (see
// reorderIndependentBranches). Fusion compares step kinds and edge shape
// only; step inputs, and so the targets they name, are not compared.
// Optimization never mutates its input; it returns a new Plan.
func OptimizePlan(plan Plan) Plan {
	fused := fuseSequentialSameKind(plan)
	reordered := reorderIndependentBranches(fused)
	return reordered
}

// idempotentKinds are the capabilities fuseSequentialSameKind may merge
// when two steps of the same kind are chained back to back.
var idempotentKinds = map[string]struct{}{
	"tf.plan":         {},
	"terraform.plan":  {},
	"drift.detect":    {},
	"policy.compare":  {},
	"generate.format": {},
}

func isIdempotent(kind string) bool {
	_, ok := idempotentKinds[normalizeCapabilityKind(kind)]
	return ok
}

// fuseSequentialSameKind merges adjacent steps of the same idempotent
// kind connected by a single edge with no other predecessors/successors
// into one step, keeping the first step's id and summing durations.
func fuseSequentialSameKind(plan Plan) Plan {
	steps := append([]Step(nil), plan.Steps...)
	edges := append([]Edge(nil), plan.Edges...)

	successorCount := make(map[string]int)
	predecessorCount := make(map[string]int)
	for _, e := range edges {
		successorCount[e.From]++
		predecessorCount[e.To]++
	}

	removed := make(map[string]bool)
	for _, e := range edges {
		if removed[e.From] || removed[e.To] {
			continue
		}
		if successorCount[e.From] != 1 || predecessorCount[e.To] != 1 {
			continue
		}
		from, okFrom := plan.StepByID(e.From)
		to, okTo := plan.StepByID(e.To)
		if !okFrom || !okTo {
			continue
		}
		if from.Kind != to.Kind || !isIdempotent(from.Kind) {
			continue
		}
		// Fuse: keep "from", drop "to", rewire "to"'s successors onto "from".
		for i := range steps {
			if steps[i].ID == from.ID {
				steps[i].EstimatedMS += to.EstimatedMS
				if steps[i].MaxRetries < to.MaxRetries {
					steps[i].MaxRetries = to.MaxRetries
				}
			}
		}
		removed[to.ID] = true
		for i := range edges {
			if edges[i].From == to.ID {
				edges[i].From = from.ID
			}
		}
	}

	var keptSteps []Step
	for _, s := range steps {
		if !removed[s.ID] {
			keptSteps = append(keptSteps, s)
		}
	}
	var keptEdges []Edge
	for _, e := range edges {
		if e.From == e.To || removed[e.To] {
			continue
		}
		keptEdges = append(keptEdges, e)
	}

	total := 0
	for _, s := range keptSteps {
		total += s.EstimatedMS
	}

	return Plan{
		ID:                  plan.ID,
		TaskID:              plan.TaskID,
		Steps:               keptSteps,
		Edges:               dedupeEdges(keptEdges),
		EstimatedDurationMS: total,
		RiskScore:           plan.RiskScore,
	}
}

// reorderIndependentBranches sorts the Steps slice by the executor's
// readiness tiebreak (priority desc, estimated_duration asc, step_id
// asc). Every step is sorted by that key regardless of dependencies, so
// the listing need not be in topological order; run-time order still
// comes from the edges and the executor's own tiebreak. This only
// reorders the plan's canonical step listing; it does not add or remove
// edges.
func reorderIndependentBranches(plan Plan) Plan {
	steps := append([]Step(nil), plan.Steps...)
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Priority != steps[j].Priority {
			return steps[i].Priority > steps[j].Priority
		}
		if steps[i].EstimatedMS != steps[j].EstimatedMS {
			return steps[i].EstimatedMS < steps[j].EstimatedMS
		}
		return steps[i].ID < steps[j].ID
	})

	return Plan{
		ID:                  plan.ID,
		TaskID:              plan.TaskID,
		Steps:               steps,
		Edges:               append([]Edge(nil), plan.Edges...),
		EstimatedDurationMS: plan.EstimatedDurationMS,
		RiskScore:           plan.RiskScore,
	}
}
