package orchestrator

import (
	"context"
	"database/sql"
	"testing"

	"go.temporal.io/sdk/client"

	"github.com/the-ai-project-co/nimbus-sub014/internal/checkpoint"
	"github.com/the-ai-project-co/nimbus-sub014/internal/config"
	"github.com/the-ai-project-co/nimbus-sub014/internal/events"
	"github.com/the-ai-project-co/nimbus-sub014/internal/executor"
	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
	"github.com/the-ai-project-co/nimbus-sub014/internal/rollback"
	"github.com/the-ai-project-co/nimbus-sub014/internal/safety"

	_ "modernc.org/sqlite"
)

// fakeWorkflowRun satisfies WorkflowRun by returning a fixed result.
type fakeWorkflowRun struct {
	id, runID string
	result    executor.RunPlanResult
	err       error
}

func (f fakeWorkflowRun) GetID() string    { return f.id }
func (f fakeWorkflowRun) GetRunID() string { return f.runID }
func (f fakeWorkflowRun) Get(ctx context.Context, valuePtr any) error {
	if f.err != nil {
		return f.err
	}
	out := valuePtr.(*executor.RunPlanResult)
	*out = f.result
	return nil
}

// fakeTemporal drives every ExecuteWorkflow call straight to
// succeeded, recording signals for assertions.
type fakeTemporal struct {
	succeed bool
	signals []string
}

func (f *fakeTemporal) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (WorkflowRun, error) {
	input := args[0].(executor.RunPlanInput)
	var steps []planner.Step
	for _, s := range input.Plan.Steps {
		s.State = planner.StepSucceeded
		steps = append(steps, s)
	}
	return fakeWorkflowRun{
		id: options.ID, runID: "run-1",
		result: executor.RunPlanResult{PlanID: input.Plan.ID, Succeeded: f.succeed, Steps: steps},
	}, nil
}

func (f *fakeTemporal) SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg any) error {
	f.signals = append(f.signals, workflowID+":"+signalName)
	return nil
}

func newTestOrchestrator(t *testing.T, succeed bool, checks ...safety.Check) (*Orchestrator, *fakeTemporal) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tasks, err := NewTaskStore(db)
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	plans, err := planner.New(db)
	if err != nil {
		t.Fatalf("new plan store: %v", err)
	}
	eventLog, err := events.New(db)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	approvals, err := safety.NewApprovalGate(db, 0)
	if err != nil {
		t.Fatalf("new approval gate: %v", err)
	}
	results, err := safety.NewResultStore(db)
	if err != nil {
		t.Fatalf("new result store: %v", err)
	}
	checkpoints, err := checkpoint.New(db)
	if err != nil {
		t.Fatalf("new checkpoint store: %v", err)
	}

	cfg := config.Default()
	engine := safety.NewEngine(checks...)
	temporal := &fakeTemporal{succeed: succeed}

	o := New(cfg, tasks, plans, eventLog, engine, approvals, results, checkpoints, rollback.DefaultRegistry(), nil, temporal, nil)
	return o, temporal
}

func TestExecuteTaskRunsPlanToSuccessWithNoSafetyBlocks(t *testing.T) {
	o, _ := newTestOrchestrator(t, true)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, CreateTaskInput{Type: planner.TaskVerify, UserID: "user-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	result, err := o.ExecuteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if result.Status != planner.StatusSucceeded {
		t.Fatalf("expected task to succeed, got status %q", result.Status)
	}
	if result.FinishedAt == nil {
		t.Fatal("expected finished_at to be set")
	}

	evs, err := o.GetTaskEvents(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("get task events: %v", err)
	}
	var kinds []events.Kind
	for _, e := range evs {
		kinds = append(kinds, e.Kind)
	}
	want := []events.Kind{events.TaskCreated, events.PlanGenerated, events.TaskFinished}
	if len(kinds) != len(want) {
		t.Fatalf("expected events %v, got %v", want, kinds)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Fatalf("expected event %d to be %q, got %q", i, k, kinds[i])
		}
	}
}

func TestExecuteTaskRejectsNonPendingTask(t *testing.T) {
	o, _ := newTestOrchestrator(t, true)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, CreateTaskInput{Type: planner.TaskVerify, UserID: "user-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := o.ExecuteTask(ctx, task.ID); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := o.ExecuteTask(ctx, task.ID); !nimbuserr.Is(err, nimbuserr.Conflict) {
		t.Fatalf("expected conflict re-executing a non-pending task, got %v", err)
	}
}

func TestExecuteTaskBlocksOnCriticalSafetyCheck(t *testing.T) {
	blockingCheck := safety.Check{
		ID: "deny-everything", Phase: safety.PhasePre, Category: safety.CategoryEnvironment, Severity: safety.SeverityCritical,
		Predicate: func(task planner.Task, plan planner.Plan, state safety.LatestState) (bool, string) {
			return false, "blocked for test"
		},
	}
	o, _ := newTestOrchestrator(t, true, blockingCheck)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, CreateTaskInput{Type: planner.TaskVerify, UserID: "user-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	result, err := o.ExecuteTask(ctx, task.ID)
	if !nimbuserr.Is(err, nimbuserr.SafetyBlocked) {
		t.Fatalf("expected safety_blocked error, got %v", err)
	}
	if result.Status != planner.StatusFailed {
		t.Fatalf("expected task to fail when blocked, got %q", result.Status)
	}
}

func TestExecuteTaskAwaitsApprovalThenResumes(t *testing.T) {
	approvalCheck := safety.Check{
		ID: "needs-approval", Phase: safety.PhasePre, Category: safety.CategoryDestructive, Severity: safety.SeverityWarning,
		RequiresApproval: true,
		Predicate: func(task planner.Task, plan planner.Plan, state safety.LatestState) (bool, string) {
			return false, "requires human approval for test"
		},
	}
	o, _ := newTestOrchestrator(t, true, approvalCheck)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, CreateTaskInput{Type: planner.TaskVerify, UserID: "user-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	result, err := o.ExecuteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if result.Status != planner.StatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %q", result.Status)
	}

	if _, err := o.ResumeTask(ctx, task.ID, false); !nimbuserr.Is(err, nimbuserr.AwaitingApproval) {
		t.Fatalf("expected resume before grant to report still awaiting approval, got %v", err)
	}

	if err := o.GrantApproval(ctx, task.ID, "approver-1"); err != nil {
		t.Fatalf("grant approval: %v", err)
	}
	resumed, err := o.ResumeTask(ctx, task.ID, false)
	if err != nil {
		t.Fatalf("resume task after grant: %v", err)
	}
	if resumed.Status != planner.StatusSucceeded {
		t.Fatalf("expected resumed task to succeed, got %q", resumed.Status)
	}
}

func TestCancelTaskIsIdempotentOnTerminalTask(t *testing.T) {
	o, _ := newTestOrchestrator(t, true)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, CreateTaskInput{Type: planner.TaskVerify, UserID: "user-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := o.ExecuteTask(ctx, task.ID); err != nil {
		t.Fatalf("execute task: %v", err)
	}

	result, err := o.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel terminal task: %v", err)
	}
	if result.Status != planner.StatusSucceeded {
		t.Fatalf("expected cancelling a succeeded task to be a no-op, got %q", result.Status)
	}
}

func TestCancelTaskClearsApprovalGateWhenAwaitingApproval(t *testing.T) {
	blockingCheck := safety.Check{
		ID: "never-runs", Phase: safety.PhasePre, Category: safety.CategoryEnvironment, Severity: safety.SeverityWarning,
		RequiresApproval: true,
		Predicate: func(task planner.Task, plan planner.Plan, state safety.LatestState) (bool, string) {
			return false, "force awaiting_approval"
		},
	}
	o, _ := newTestOrchestrator(t, true, blockingCheck)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, CreateTaskInput{Type: planner.TaskVerify, UserID: "user-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	result, err := o.ExecuteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if result.Status != planner.StatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %q", result.Status)
	}

	cancelled, err := o.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if cancelled.Status != planner.StatusCancelled {
		t.Fatalf("expected cancelled status, got %q", cancelled.Status)
	}

	req, err := o.approvals.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get approval gate after cancel: %v", err)
	}
	if req != nil {
		t.Fatal("expected approval gate to be cleared on cancellation")
	}
}

func TestGetStatisticsCountsTasksByStatus(t *testing.T) {
	o, _ := newTestOrchestrator(t, true)
	ctx := context.Background()

	if _, err := o.CreateTask(ctx, CreateTaskInput{Type: planner.TaskVerify, UserID: "user-1"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	stats, err := o.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("get statistics: %v", err)
	}
	if stats.TasksByStatus[planner.StatusPending] != 1 {
		t.Fatalf("expected one pending task, got %+v", stats.TasksByStatus)
	}
}
