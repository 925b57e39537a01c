package safety

import (
	"testing"

	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
)

func destructivePlan() planner.Plan {
	return planner.Plan{Steps: []planner.Step{{ID: "s1", Kind: "terraform.apply"}}}
}

func TestEnvironmentCheckEscalatesProtectedDestructivePlan(t *testing.T) {
	engine := NewEngine(DefaultChecks([]string{"prod"}, 10_000)...)
	task := planner.Task{ID: "t1", Context: planner.TaskContext{Environment: "prod"}, Metadata: map[string]string{"destructive_confirmed": "true"}}
	outcome := engine.EvaluatePre(task, destructivePlan(), nil)
	if !outcome.AwaitingApproval {
		t.Fatal("expected prod_requires_approval to escalate to awaiting_approval")
	}
	if outcome.Blocked {
		t.Error("prod_requires_approval is a warning check, should not block")
	}
}

func TestEnvironmentCheckPassesUnprotectedEnvironment(t *testing.T) {
	engine := NewEngine(DefaultChecks([]string{"prod"}, 10_000)...)
	task := planner.Task{ID: "t1", Context: planner.TaskContext{Environment: "dev"}, Metadata: map[string]string{"destructive_confirmed": "true"}}
	outcome := engine.EvaluatePre(task, destructivePlan(), nil)
	if outcome.AwaitingApproval || outcome.Blocked {
		t.Error("dev is not protected, expected no escalation")
	}
}

func TestDestructiveActionConfirmationBlocksWithoutMetadata(t *testing.T) {
	engine := NewEngine(DefaultChecks(nil, 10_000)...)
	task := planner.Task{ID: "t1"}
	outcome := engine.EvaluatePre(task, destructivePlan(), nil)
	if !outcome.Blocked {
		t.Fatal("expected unconfirmed destructive plan to block")
	}
}

func TestDestructiveActionConfirmationPassesWithMetadata(t *testing.T) {
	engine := NewEngine(DefaultChecks(nil, 10_000)...)
	task := planner.Task{ID: "t1", Metadata: map[string]string{"destructive_confirmed": "true"}}
	outcome := engine.EvaluatePre(task, destructivePlan(), nil)
	if outcome.Blocked {
		t.Error("expected confirmed destructive plan to pass")
	}
}

func TestQuotaCheckBlocksWhenExhausted(t *testing.T) {
	engine := NewEngine(DefaultChecks(nil, 10_000)...)
	task := planner.Task{ID: "t1", Metadata: map[string]string{"destructive_confirmed": "true"}}
	outcome := engine.EvaluatePre(task, destructivePlan(), LatestState{"quota_remaining": 0})
	if !outcome.Blocked {
		t.Fatal("expected exhausted quota to block")
	}
}

func TestCostCheckEscalatesOverBudget(t *testing.T) {
	engine := NewEngine(DefaultChecks(nil, 100)...)
	task := planner.Task{ID: "t1", Metadata: map[string]string{"destructive_confirmed": "true"}}
	outcome := engine.EvaluatePre(task, destructivePlan(), LatestState{"estimated_cost_usd": 500.0})
	if !outcome.AwaitingApproval {
		t.Fatal("expected over-budget cost estimate to escalate to awaiting_approval")
	}
}

func TestPostDeployVerifiedChecksVerifyStepState(t *testing.T) {
	engine := NewEngine(DefaultChecks(nil, 10_000)...)
	plan := planner.Plan{Steps: []planner.Step{{ID: "v1", Kind: "verify", State: planner.StepFailed}}}
	outcome := engine.EvaluatePost(planner.Task{ID: "t1"}, plan, nil)
	score := ScoreFrom(outcome.Results)
	if score >= 1.0 {
		t.Errorf("expected failed verify step to lower the score, got %f", score)
	}
}
