package planner

import "testing"

func TestOptimizePlanPreservesValidity(t *testing.T) {
	task := deployTask("task-1")
	plan, err := GeneratePlan(task)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if !ValidatePlan(plan).Valid {
		t.Fatalf("expected generated plan to be valid before optimizing")
	}

	optimized := OptimizePlan(plan)
	result := ValidatePlan(optimized)
	if !result.Valid {
		t.Errorf("validate(optimize(plan)) should be valid, got issues: %v", result.Issues)
	}
}

func TestOptimizePlanFusesAdjacentIdempotentSteps(t *testing.T) {
	plan := Plan{
		ID:     "plan-1",
		TaskID: "task-1",
		Steps: []Step{
			{ID: "a", Kind: "tf.plan", EstimatedMS: 1000},
			{ID: "b", Kind: "tf.plan", EstimatedMS: 500},
			{ID: "c", Kind: "tf.apply", EstimatedMS: 2000},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
		},
	}

	optimized := OptimizePlan(plan)
	if len(optimized.Steps) != 2 {
		t.Fatalf("expected fusion to leave 2 steps, got %d: %+v", len(optimized.Steps), optimized.Steps)
	}

	var fused Step
	found := false
	for _, s := range optimized.Steps {
		if s.ID == "a" {
			fused = s
			found = true
		}
	}
	if !found {
		t.Fatal("expected fused step to keep id \"a\"")
	}
	if fused.EstimatedMS != 1500 {
		t.Errorf("fused EstimatedMS = %d, want 1500", fused.EstimatedMS)
	}
}

func TestOptimizePlanDoesNotFuseDifferentKinds(t *testing.T) {
	plan := Plan{
		ID:     "plan-1",
		TaskID: "task-1",
		Steps: []Step{
			{ID: "a", Kind: "tf.plan", EstimatedMS: 1000},
			{ID: "b", Kind: "tf.apply", EstimatedMS: 2000},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
		},
	}
	optimized := OptimizePlan(plan)
	if len(optimized.Steps) != 2 {
		t.Errorf("expected no fusion across different kinds, got %d steps", len(optimized.Steps))
	}
}
