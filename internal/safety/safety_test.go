package safety

import (
	"testing"

	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
)

func alwaysFail(message string) Predicate {
	return func(planner.Task, planner.Plan, LatestState) (bool, string) { return false, message }
}

func TestNewEnginePanicsOnDuplicateID(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate check id")
		}
	}()
	NewEngine(
		Check{ID: "prod-protect", Phase: PhasePre, Category: CategoryEnvironment, Severity: SeverityCritical, Predicate: alwaysFail("x")},
		Check{ID: "prod-protect", Phase: PhasePre, Category: CategoryEnvironment, Severity: SeverityCritical, Predicate: alwaysFail("y")},
	)
}

func TestNewEnginePanicsOnInvalidPhase(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on invalid phase")
		}
	}()
	NewEngine(Check{ID: "bad-phase", Phase: Phase("bogus"), Category: CategoryCost, Severity: SeverityInfo, Predicate: alwaysFail("x")})
}

func TestEvaluatePreBlocksOnCriticalFailure(t *testing.T) {
	engine := NewEngine(
		Check{ID: "prod-protect", Phase: PhasePre, Category: CategoryEnvironment, Severity: SeverityCritical, Predicate: alwaysFail("production requires a maintenance window")},
	)
	outcome := engine.EvaluatePre(planner.Task{ID: "task-1"}, planner.Plan{}, nil)
	if !outcome.Blocked {
		t.Error("expected critical pre-check failure to block the task")
	}
	if outcome.AwaitingApproval {
		t.Error("did not expect awaiting_approval from a critical failure")
	}
}

func TestEvaluatePreEscalatesToAwaitingApprovalOnWarningRequiresApproval(t *testing.T) {
	engine := NewEngine(
		Check{ID: "cost-threshold", Phase: PhasePre, Category: CategoryCost, Severity: SeverityWarning, RequiresApproval: true, Predicate: alwaysFail("estimated spend exceeds budget")},
	)
	outcome := engine.EvaluatePre(planner.Task{ID: "task-1"}, planner.Plan{}, nil)
	if outcome.Blocked {
		t.Error("did not expect a warning-level failure to block")
	}
	if !outcome.AwaitingApproval {
		t.Error("expected warning+requires_approval failure to escalate to awaiting_approval")
	}
}

func TestEvaluatePreWarningWithoutApprovalDoesNotEscalate(t *testing.T) {
	engine := NewEngine(
		Check{ID: "quota-check", Phase: PhasePre, Category: CategoryQuota, Severity: SeverityWarning, RequiresApproval: false, Predicate: alwaysFail("quota nearly exhausted")},
	)
	outcome := engine.EvaluatePre(planner.Task{ID: "task-1"}, planner.Plan{}, nil)
	if outcome.Blocked || outcome.AwaitingApproval {
		t.Errorf("expected no escalation, got %+v", outcome)
	}
}

func TestEvaluateDuringCancelsOnCriticalFailure(t *testing.T) {
	engine := NewEngine(
		Check{ID: "rate-check", Phase: PhaseDuring, Category: CategoryRate, Severity: SeverityCritical, Predicate: alwaysFail("rate limit exceeded")},
	)
	outcome := engine.EvaluateDuring(planner.Task{ID: "task-1"}, planner.Plan{}, nil)
	if !outcome.Cancelled {
		t.Error("expected during-phase critical failure to cancel")
	}
}

func TestEvaluatePostNeverBlocksOrCancels(t *testing.T) {
	engine := NewEngine(
		Check{ID: "compliance-check", Phase: PhasePost, Category: CategoryDestructive, Severity: SeverityCritical, Predicate: alwaysFail("untagged resource created")},
	)
	outcome := engine.EvaluatePost(planner.Task{ID: "task-1"}, planner.Plan{}, nil)
	if outcome.Blocked || outcome.Cancelled || outcome.AwaitingApproval {
		t.Errorf("post phase must never block/cancel/escalate, got %+v", outcome)
	}
	if len(outcome.Results) != 1 || outcome.Results[0].Passed {
		t.Errorf("expected one failing result, got %+v", outcome.Results)
	}
}

func TestChecksSortedDeterministically(t *testing.T) {
	engine := NewEngine(
		Check{ID: "zz-check", Phase: PhasePre, Category: CategoryCost, Severity: SeverityInfo, Predicate: alwaysFail("x")},
		Check{ID: "aa-check", Phase: PhasePre, Category: CategoryCost, Severity: SeverityInfo, Predicate: alwaysFail("y")},
	)
	checks := engine.Checks(PhasePre)
	if len(checks) != 2 || checks[0].ID != "aa-check" || checks[1].ID != "zz-check" {
		t.Errorf("expected sorted check order, got %+v", checks)
	}
}

func TestScoreFromPenalizesBySeverity(t *testing.T) {
	results := []CheckResult{
		{Passed: true, Severity: SeverityCritical},
		{Passed: false, Severity: SeverityWarning},
		{Passed: false, Severity: SeverityInfo},
	}
	score := ScoreFrom(results)
	want := 1.0 - 0.15 - 0.05
	if score != want {
		t.Errorf("ScoreFrom = %v, want %v", score, want)
	}
}

func TestScoreFromClampsAtZero(t *testing.T) {
	results := []CheckResult{
		{Passed: false, Severity: SeverityCritical},
		{Passed: false, Severity: SeverityCritical},
		{Passed: false, Severity: SeverityCritical},
	}
	if score := ScoreFrom(results); score != 0 {
		t.Errorf("ScoreFrom = %v, want 0", score)
	}
}
