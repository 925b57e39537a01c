package planner

import "testing"

func TestValidatePlanRejectsCycle(t *testing.T) {
	plan := Plan{
		ID:     "plan-1",
		TaskID: "task-1",
		Steps: []Step{
			{ID: "a", Kind: "preflight"},
			{ID: "b", Kind: "tf.plan"},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	}

	result := ValidatePlan(plan)
	if result.Valid {
		t.Fatal("expected cycle to be rejected")
	}
	found := false
	for _, issue := range result.Issues {
		if len(issue) >= 5 && issue[:5] == "cycle" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a cycle issue, got %v", result.Issues)
	}
}

func TestValidatePlanRejectsOrphanStep(t *testing.T) {
	// "c" and "orphan" depend only on each other, so neither is a root
	// and neither is reachable from the one true root "a".
	plan := Plan{
		ID:     "plan-1",
		TaskID: "task-1",
		Steps: []Step{
			{ID: "a", Kind: "preflight"},
			{ID: "b", Kind: "tf.plan"},
			{ID: "c", Kind: "verify"},
			{ID: "orphan", Kind: "drift.detect"},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "c", To: "orphan"},
			{From: "orphan", To: "c"},
		},
	}

	result := ValidatePlan(plan)
	if result.Valid {
		t.Fatal("expected cycle/orphan combination to be rejected")
	}
	found := false
	for _, issue := range result.Issues {
		if len(issue) >= 11 && issue[:11] == "unreachable" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an unreachable-step issue, got %v", result.Issues)
	}
}

func TestValidatePlanRejectsUnknownCapabilityKind(t *testing.T) {
	plan := Plan{
		ID:     "plan-1",
		TaskID: "task-1",
		Steps: []Step{
			{ID: "a", Kind: "totally.unregistered.kind"},
		},
	}
	result := ValidatePlan(plan)
	if result.Valid {
		t.Fatal("expected unknown capability kind to be rejected")
	}
}

func TestValidatePlanRejectsNonAncestorInputReference(t *testing.T) {
	plan := Plan{
		ID:     "plan-1",
		TaskID: "task-1",
		Steps: []Step{
			{ID: "a", Kind: "preflight"},
			{ID: "b", Kind: "tf.plan"},
			{ID: "c", Kind: "verify", Inputs: map[string]any{
				"target": map[string]any{"$stepOutput": "b"},
			}},
		},
		Edges: []Edge{
			{From: "a", To: "c"},
			// b exists but is not an ancestor of c
		},
	}
	result := ValidatePlan(plan)
	if result.Valid {
		t.Fatal("expected non-ancestor input reference to be rejected")
	}
}

func TestValidatePlanAcceptsWellFormedPlan(t *testing.T) {
	plan := Plan{
		ID:     "plan-1",
		TaskID: "task-1",
		Steps: []Step{
			{ID: "a", Kind: "preflight"},
			{ID: "b", Kind: "tf.plan"},
			{ID: "c", Kind: "verify", Inputs: map[string]any{
				"target": map[string]any{"$stepOutput": "a"},
			}},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
		},
	}
	result := ValidatePlan(plan)
	if !result.Valid {
		t.Errorf("expected valid plan, got issues: %v", result.Issues)
	}
}
