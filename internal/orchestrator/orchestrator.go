// Package orchestrator implements the Orchestrator (C1): it accepts
// Tasks, drives them through planning, pre-execution safety checks,
// approval gating, Temporal-backed execution, and post-execution
// safety scoring, and exposes the read surfaces (tasks, plans, events,
// statistics) the HTTP API serves. Composition follows the teacher's
// cmd/cortex wiring: every collaborator (stores, the safety engine, the
// Temporal client) is injected at construction rather than looked up,
// and in-flight workflow handles are tracked in a mutex-guarded map the
// way internal/scheduler/concurrency_control.go tracks its overflow
// queue.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"github.com/the-ai-project-co/nimbus-sub014/internal/capability"
	"github.com/the-ai-project-co/nimbus-sub014/internal/checkpoint"
	"github.com/the-ai-project-co/nimbus-sub014/internal/config"
	"github.com/the-ai-project-co/nimbus-sub014/internal/drift"
	"github.com/the-ai-project-co/nimbus-sub014/internal/events"
	"github.com/the-ai-project-co/nimbus-sub014/internal/executor"
	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
	"github.com/the-ai-project-co/nimbus-sub014/internal/rollback"
	"github.com/the-ai-project-co/nimbus-sub014/internal/safety"
)

// WorkflowRun is the subset of client.WorkflowRun the orchestrator
// needs: enough to block for a result and to identify the run for a
// later cancel signal. A real client.WorkflowRun satisfies this
// directly; tests supply a fake without pulling in a Temporal server.
type WorkflowRun interface {
	GetID() string
	GetRunID() string
	Get(ctx context.Context, valuePtr any) error
}

// Temporal is the subset of client.Client the orchestrator drives the
// Executor through.
type Temporal interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg any) error
}

// Orchestrator composes every other component behind the public
// contract spec.md §4.1 names.
type Orchestrator struct {
	cfg *config.Config

	tasks      *TaskStore
	plans      *planner.Store
	events     *events.Log
	checks     *safety.Engine
	approvals  *safety.ApprovalGate
	results    *safety.ResultStore
	checkpoints *checkpoint.Store
	rollbackReg *rollback.Registry
	cap        *capability.Client
	temporal   Temporal

	logger *slog.Logger

	mu      sync.RWMutex
	running map[string]WorkflowRun // task id -> in-flight workflow handle
}

// New wires an Orchestrator from its collaborators. logger defaults to
// slog.Default() when nil.
func New(cfg *config.Config, tasks *TaskStore, plans *planner.Store, eventLog *events.Log, checks *safety.Engine,
	approvals *safety.ApprovalGate, results *safety.ResultStore, checkpoints *checkpoint.Store,
	rollbackReg *rollback.Registry, capClient *capability.Client, temporal Temporal, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg: cfg, tasks: tasks, plans: plans, events: eventLog, checks: checks, approvals: approvals,
		results: results, checkpoints: checkpoints, rollbackReg: rollbackReg, cap: capClient, temporal: temporal,
		logger: logger, running: make(map[string]WorkflowRun),
	}
}

// CreateTaskInput is create_task's request shape.
type CreateTaskInput struct {
	Type     planner.TaskType
	UserID   string
	TeamID   string
	Priority planner.TaskPriority
	Context  planner.TaskContext
	Metadata map[string]string
}

// CreateTask validates and persists a new task in pending status. It
// does not plan or execute — that happens on ExecuteTask, matching
// spec.md §4.1's separation between submission and execution.
func (o *Orchestrator) CreateTask(ctx context.Context, in CreateTaskInput) (planner.Task, error) {
	if !in.Type.Valid() {
		return planner.Task{}, nimbuserr.Newf(nimbuserr.BadInput, nil, "invalid task type %q", in.Type)
	}
	if in.UserID == "" {
		return planner.Task{}, nimbuserr.New(nimbuserr.BadInput, "create_task requires a user_id", nil)
	}
	if in.Priority == "" {
		in.Priority = planner.PriorityMedium
	}
	if !in.Priority.Valid() {
		return planner.Task{}, nimbuserr.Newf(nimbuserr.BadInput, nil, "invalid task priority %q", in.Priority)
	}

	task := planner.Task{
		ID:        uuid.New().String(),
		Type:      in.Type,
		UserID:    in.UserID,
		TeamID:    in.TeamID,
		Priority:  in.Priority,
		Context:   in.Context,
		Metadata:  in.Metadata,
		Status:    planner.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := o.tasks.Create(ctx, task); err != nil {
		return planner.Task{}, err
	}
	if _, err := o.events.Append(ctx, task.ID, "", events.TaskCreated, map[string]any{"type": string(task.Type)}); err != nil {
		o.logger.Warn("failed to emit task_created event", "task_id", task.ID, "error", err)
	}
	return task, nil
}

// GetTask loads a task by id.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (planner.Task, error) {
	return o.tasks.Get(ctx, id)
}

// ListTasks returns tasks matching the given filters.
func (o *Orchestrator) ListTasks(ctx context.Context, f Filters) ([]planner.Task, error) {
	return o.tasks.List(ctx, f)
}

// GetPlan loads a persisted plan by id.
func (o *Orchestrator) GetPlan(ctx context.Context, planID string) (planner.Plan, error) {
	return o.plans.Get(ctx, planID)
}

// GetTaskEvents returns a task's full event history, or just the last
// tail events when tail > 0, matching spec.md §7's diagnostics surface.
func (o *Orchestrator) GetTaskEvents(ctx context.Context, taskID string, tail int) ([]events.Event, error) {
	if tail > 0 {
		return o.events.TailForTask(ctx, taskID, tail)
	}
	return o.events.ForTask(ctx, taskID)
}

// GetTaskSafetyResults returns every safety check result recorded for
// a task, oldest first.
func (o *Orchestrator) GetTaskSafetyResults(ctx context.Context, taskID string) ([]safety.CheckResult, error) {
	return o.results.ForTask(ctx, taskID)
}

// Statistics is get_statistics's response shape: durable per-status and
// per-event-kind counts.
type Statistics struct {
	TasksByStatus map[planner.TaskStatus]int
	EventsByKind  map[events.Kind]int
}

// GetStatistics aggregates task and event counters.
func (o *Orchestrator) GetStatistics(ctx context.Context) (Statistics, error) {
	byStatus, err := o.tasks.CountByStatus(ctx)
	if err != nil {
		return Statistics{}, err
	}
	byKind, err := o.events.CountByKind(ctx)
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{TasksByStatus: byStatus, EventsByKind: byKind}, nil
}

// ExecuteTask plans a pending task, runs its pre-execution safety
// checks, and either blocks the task on approval or drives it to
// completion through the Executor. It returns as soon as the task
// reaches a stable state: succeeded, failed, cancelled, or
// awaiting_approval.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) (planner.Task, error) {
	ok, err := o.tasks.CompareAndSwapStatus(ctx, taskID, []planner.TaskStatus{planner.StatusPending}, planner.StatusPlanning)
	if err != nil {
		return planner.Task{}, err
	}
	if !ok {
		return planner.Task{}, nimbuserr.Newf(nimbuserr.Conflict, nil, "task %q is not pending", taskID)
	}

	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return planner.Task{}, err
	}

	plan, err := planner.GeneratePlan(task)
	if err != nil {
		return o.failTask(ctx, task, fmt.Sprintf("plan generation failed: %v", err))
	}
	if result := planner.ValidatePlan(plan); !result.Valid {
		return o.failTask(ctx, task, fmt.Sprintf("generated plan is invalid: %v", result.Issues))
	}
	plan = planner.OptimizePlan(plan)

	if err := o.plans.Save(ctx, plan); err != nil {
		return o.failTask(ctx, task, fmt.Sprintf("failed to persist plan: %v", err))
	}
	now := time.Now()
	if err := o.tasks.UpdateStatus(ctx, task.ID, planner.StatusPlanning, plan.ID, &now, nil); err != nil {
		return planner.Task{}, err
	}
	task.PlanID = plan.ID
	task.StartedAt = &now
	o.events.Append(ctx, task.ID, plan.ID, events.PlanGenerated, map[string]any{"step_count": len(plan.Steps), "risk_score": plan.RiskScore})

	return o.runPreSafetyThenExecute(ctx, task, plan, "")
}

// ResumeTask advances a task out of awaiting_approval once granted, or
// retries a previously interrupted execution from its latest
// checkpoint when resumeFromCheckpoint is true.
func (o *Orchestrator) ResumeTask(ctx context.Context, taskID string, resumeFromCheckpoint bool) (planner.Task, error) {
	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return planner.Task{}, err
	}

	if task.Status == planner.StatusAwaitingApproval {
		req, err := o.approvals.Get(ctx, taskID)
		if err != nil {
			return planner.Task{}, err
		}
		if req == nil {
			return planner.Task{}, nimbuserr.Newf(nimbuserr.NotFound, nil, "no approval request for task %q", taskID)
		}
		now := time.Now()
		if req.Expired(now) {
			o.approvals.Clear(ctx, taskID)
			return o.failTaskWithKind(ctx, task, nimbuserr.Timeout, "approval request timed out")
		}
		if !req.Approved() {
			return planner.Task{}, nimbuserr.New(nimbuserr.AwaitingApproval, "task is still awaiting approval", nil)
		}
		if err := o.approvals.Clear(ctx, taskID); err != nil {
			return planner.Task{}, err
		}
		o.events.Append(ctx, task.ID, task.PlanID, events.ApprovalGranted, map[string]any{"approved_by": req.ApprovedBy})

		ok, err := o.tasks.CompareAndSwapStatus(ctx, taskID, []planner.TaskStatus{planner.StatusAwaitingApproval}, planner.StatusRunning)
		if err != nil {
			return planner.Task{}, err
		}
		if !ok {
			return planner.Task{}, nimbuserr.Newf(nimbuserr.Conflict, nil, "task %q is no longer awaiting approval", taskID)
		}
		task.Status = planner.StatusRunning

		plan, err := o.plans.Get(ctx, task.PlanID)
		if err != nil {
			return planner.Task{}, err
		}
		return o.runExecution(ctx, task, plan, "")
	}

	if resumeFromCheckpoint && task.Status == planner.StatusFailed {
		ok, err := o.tasks.CompareAndSwapStatus(ctx, taskID, []planner.TaskStatus{planner.StatusFailed}, planner.StatusRunning)
		if err != nil {
			return planner.Task{}, err
		}
		if !ok {
			return planner.Task{}, nimbuserr.Newf(nimbuserr.Conflict, nil, "task %q cannot be resumed", taskID)
		}
		task.Status = planner.StatusRunning

		plan, err := o.plans.Get(ctx, task.PlanID)
		if err != nil {
			return planner.Task{}, err
		}
		cp, err := o.checkpoints.GetLatest(ctx, task.PlanID)
		if err != nil {
			return planner.Task{}, err
		}
		resumeFromID := ""
		if cp != nil {
			resumeFromID = fmt.Sprintf("%d", cp.ID)
		}
		return o.runExecution(ctx, task, plan, resumeFromID)
	}

	return planner.Task{}, nimbuserr.Newf(nimbuserr.Conflict, nil, "task %q is not resumable from status %q", taskID, task.Status)
}

// CancelTask requests cancellation of a task. It is idempotent: calling
// it on an already-terminal task is a no-op success, matching spec.md
// §4.1's cancellation invariant.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) (planner.Task, error) {
	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return planner.Task{}, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	o.mu.RLock()
	run, hasRun := o.running[taskID]
	o.mu.RUnlock()
	if hasRun {
		if err := o.temporal.SignalWorkflow(ctx, run.GetID(), run.GetRunID(), "cancel", nil); err != nil {
			o.logger.Warn("failed to signal workflow cancellation", "task_id", taskID, "error", err)
		}
	}
	if task.Status == planner.StatusAwaitingApproval {
		o.approvals.Clear(ctx, taskID)
	}

	ok, err := o.tasks.CompareAndSwapStatus(ctx, taskID, []planner.TaskStatus{
		planner.StatusPending, planner.StatusPlanning, planner.StatusAwaitingApproval, planner.StatusRunning,
	}, planner.StatusCancelled)
	if err != nil {
		return planner.Task{}, err
	}
	if !ok {
		// lost the race to a terminal transition; return current state.
		return o.tasks.Get(ctx, taskID)
	}
	now := time.Now()
	o.tasks.UpdateStatus(ctx, taskID, planner.StatusCancelled, "", nil, &now)
	o.events.Append(ctx, taskID, task.PlanID, events.TaskCancelled, nil)
	return o.tasks.Get(ctx, taskID)
}

// GrantApproval records an out-of-band approval for taskID.
func (o *Orchestrator) GrantApproval(ctx context.Context, taskID, approverID string) error {
	return o.approvals.Grant(ctx, taskID, approverID, time.Now())
}

func (o *Orchestrator) runPreSafetyThenExecute(ctx context.Context, task planner.Task, plan planner.Plan, resumeFromID string) (planner.Task, error) {
	outcome := o.checks.EvaluatePre(task, plan, safety.LatestState{})
	if err := o.results.Record(ctx, outcome.Results); err != nil {
		o.logger.Warn("failed to persist safety results", "task_id", task.ID, "error", err)
	}

	if outcome.Blocked {
		return o.failTaskWithKind(ctx, task, nimbuserr.SafetyBlocked, "pre-execution safety check failed")
	}
	if outcome.AwaitingApproval {
		now := time.Now()
		if _, err := o.approvals.RequestApproval(ctx, task.ID, now); err != nil {
			return planner.Task{}, err
		}
		if _, err := o.tasks.CompareAndSwapStatus(ctx, task.ID, []planner.TaskStatus{planner.StatusPlanning}, planner.StatusAwaitingApproval); err != nil {
			return planner.Task{}, err
		}
		o.events.Append(ctx, task.ID, plan.ID, events.ApprovalRequested, nil)
		task.Status = planner.StatusAwaitingApproval
		return task, nil
	}

	if _, err := o.tasks.CompareAndSwapStatus(ctx, task.ID, []planner.TaskStatus{planner.StatusPlanning}, planner.StatusRunning); err != nil {
		return planner.Task{}, err
	}
	task.Status = planner.StatusRunning
	return o.runExecution(ctx, task, plan, resumeFromID)
}

func (o *Orchestrator) runExecution(ctx context.Context, task planner.Task, plan planner.Plan, resumeFromID string) (planner.Task, error) {
	input := executor.RunPlanInput{Plan: plan, FanOutDegree: o.cfg.General.MaxStepFanout, ResumeFromID: resumeFromID}
	workflowID := "plan-" + plan.ID

	run, err := o.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{ID: workflowID, TaskQueue: executor.TaskQueue}, executor.RunPlanWorkflow, input)
	if err != nil {
		return o.failTaskWithKind(ctx, task, nimbuserr.Internal, fmt.Sprintf("failed to start execution workflow: %v", err))
	}

	o.mu.Lock()
	o.running[task.ID] = run
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, task.ID)
		o.mu.Unlock()
	}()

	var result executor.RunPlanResult
	if err := run.Get(ctx, &result); err != nil {
		return o.failTaskWithKind(ctx, task, nimbuserr.Internal, fmt.Sprintf("execution workflow failed: %v", err))
	}

	now := time.Now()
	if !result.Succeeded {
		o.tasks.UpdateStatus(ctx, task.ID, planner.StatusFailed, "", nil, &now)
		o.events.Append(ctx, task.ID, plan.ID, events.TaskFinished, map[string]any{"succeeded": false, "error": result.Error})
		task.Status, task.FinishedAt = planner.StatusFailed, &now
		return task, nil
	}

	postOutcome := o.checks.EvaluatePost(task, plan, safety.LatestState{})
	o.results.Record(ctx, postOutcome.Results)
	score := safety.ScoreFrom(postOutcome.Results)

	o.tasks.UpdateStatus(ctx, task.ID, planner.StatusSucceeded, "", nil, &now)
	o.events.Append(ctx, task.ID, plan.ID, events.TaskFinished, map[string]any{"succeeded": true, "score": score})
	task.Status, task.FinishedAt = planner.StatusSucceeded, &now
	return task, nil
}

func (o *Orchestrator) failTask(ctx context.Context, task planner.Task, reason string) (planner.Task, error) {
	return o.failTaskWithKind(ctx, task, nimbuserr.Internal, reason)
}

func (o *Orchestrator) failTaskWithKind(ctx context.Context, task planner.Task, kind nimbuserr.Kind, reason string) (planner.Task, error) {
	now := time.Now()
	o.tasks.CompareAndSwapStatus(ctx, task.ID, []planner.TaskStatus{
		planner.StatusPending, planner.StatusPlanning, planner.StatusAwaitingApproval, planner.StatusRunning,
	}, planner.StatusFailed)
	o.tasks.UpdateStatus(ctx, task.ID, planner.StatusFailed, "", nil, &now)
	o.events.Append(ctx, task.ID, task.PlanID, events.TaskFinished, map[string]any{"succeeded": false, "error": reason})
	task.Status, task.FinishedAt = planner.StatusFailed, &now
	return task, nimbuserr.New(kind, reason, nil)
}

// --- Rollback surfaces (C6), exposed here since rollback always
// operates against a task's persisted plan and checkpoints. ---

// CanRollback reports whether a task's plan has a checkpoint to roll
// back from.
func (o *Orchestrator) CanRollback(ctx context.Context, taskID string) (rollback.Availability, error) {
	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return rollback.Availability{}, err
	}
	return rollback.CanRollback(ctx, o.checkpoints, task.PlanID)
}

// Rollback derives and executes an inverse plan for taskID's succeeded
// steps, submitting it to the Executor the same way a forward plan runs.
func (o *Orchestrator) Rollback(ctx context.Context, taskID string, opts rollback.Options) (planner.Task, rollback.Derived, error) {
	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return planner.Task{}, rollback.Derived{}, err
	}
	plan, err := o.plans.Get(ctx, task.PlanID)
	if err != nil {
		return planner.Task{}, rollback.Derived{}, err
	}
	derived, err := rollback.Derive(o.rollbackReg, plan, opts)
	if err != nil {
		return planner.Task{}, rollback.Derived{}, err
	}
	if opts.DryRun {
		return task, derived, nil
	}
	if result := planner.ValidatePlan(derived.Plan); !result.Valid {
		return planner.Task{}, derived, nimbuserr.Newf(nimbuserr.Internal, nil, "derived rollback plan is invalid: %v", result.Issues)
	}
	if err := o.plans.Save(ctx, derived.Plan); err != nil {
		return planner.Task{}, derived, err
	}
	rollbackTask, err := o.CreateTask(ctx, CreateTaskInput{
		Type: planner.TaskRollback, UserID: task.UserID, TeamID: task.TeamID, Priority: task.Priority,
		Context: task.Context, Metadata: map[string]string{"rolled_back_task_id": task.ID},
	})
	if err != nil {
		return planner.Task{}, derived, err
	}
	if err := o.tasks.UpdateStatus(ctx, rollbackTask.ID, planner.StatusPlanning, derived.Plan.ID, nil, nil); err != nil {
		return planner.Task{}, derived, err
	}
	rollbackTask.PlanID = derived.Plan.ID
	result, err := o.runPreSafetyThenExecute(ctx, rollbackTask, derived.Plan, "")
	return result, derived, err
}

// ListRollbackStates and CleanupOldStates pass through to the rollback
// package's checkpoint-scoped helpers.
func (o *Orchestrator) ListRollbackStates(ctx context.Context, planIDs []string) ([]rollback.StateSummary, error) {
	return rollback.ListRollbackStates(ctx, o.checkpoints, planIDs)
}

func (o *Orchestrator) CleanupOldStates(ctx context.Context, planIDs []string, maxAge time.Duration) ([]string, error) {
	return rollback.CleanupOldStates(ctx, o.checkpoints, planIDs, maxAge, time.Now())
}

// --- Drift surfaces (C7) ---

// DetectDrift compares desired state against actual state for a
// provider/scope, through the shared Capability Port.
func (o *Orchestrator) DetectDrift(ctx context.Context, opts drift.DetectOptions) (drift.Report, error) {
	return drift.Detect(ctx, o.cap, opts)
}

// CreateRemediationPlan detects drift and derives the remediation plan
// without submitting or executing it, the pure create_remediation_plan(report)
// operation spec.md §4.7 names. Used by both the read-only /api/drift/plan
// surface and, internally, by RemediateDrift before it submits the plan
// for execution.
func (o *Orchestrator) CreateRemediationPlan(ctx context.Context, opts drift.DetectOptions) (planner.Plan, drift.Report, error) {
	return drift.Remediate(ctx, o.cap, drift.RemediateOptions{DetectOptions: opts})
}

// RemediateDrift detects drift and, unless dryRun, submits the derived
// remediation plan as a new deploy-type task for execution — the
// remediate(options) operation, which is create_remediation_plan
// followed by Executor.run per spec.md §4.7.
func (o *Orchestrator) RemediateDrift(ctx context.Context, opts drift.DetectOptions, userID string, dryRun bool) (planner.Task, planner.Plan, drift.Report, error) {
	plan, report, err := o.CreateRemediationPlan(ctx, opts)
	if err != nil {
		return planner.Task{}, planner.Plan{}, report, err
	}
	if dryRun || len(plan.Steps) == 0 {
		return planner.Task{}, plan, report, nil
	}
	if err := o.plans.Save(ctx, plan); err != nil {
		return planner.Task{}, plan, report, err
	}
	task, err := o.CreateTask(ctx, CreateTaskInput{
		Type: planner.TaskDeploy, UserID: userID,
		Context: planner.TaskContext{Provider: opts.Provider, Environment: opts.Scope},
	})
	if err != nil {
		return planner.Task{}, plan, report, err
	}
	if err := o.tasks.UpdateStatus(ctx, task.ID, planner.StatusPlanning, plan.ID, nil, nil); err != nil {
		return planner.Task{}, plan, report, err
	}
	task.PlanID = plan.ID
	result, err := o.runPreSafetyThenExecute(ctx, task, plan, "")
	return result, plan, report, err
}

// ComplianceReport aggregates a drift detection into a compliance
// summary without generating a remediation plan.
func (o *Orchestrator) ComplianceReport(ctx context.Context, opts drift.DetectOptions) (drift.ComplianceReport, error) {
	report, err := drift.Detect(ctx, o.cap, opts)
	if err != nil {
		return drift.ComplianceReport{}, err
	}
	return drift.GenerateComplianceReport(report), nil
}

// ListSafetyChecks returns every registered check (pre/during/post),
// the GET /api/safety/checks surface.
func (o *Orchestrator) ListSafetyChecks() []safety.CheckSummary {
	return o.checks.All()
}

// EvaluateSafety runs the registered checks for phase against a task's
// current plan and the supplied latest state, the POST /api/safety/check
// surface. It is a read-only evaluation: unlike ExecuteTask's own
// pre/during/post calls, it never mutates the task's status.
func (o *Orchestrator) EvaluateSafety(ctx context.Context, taskID string, phase safety.Phase, state safety.LatestState) (safety.Outcome, error) {
	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return safety.Outcome{}, err
	}
	var plan planner.Plan
	if task.PlanID != "" {
		plan, err = o.plans.Get(ctx, task.PlanID)
		if err != nil {
			return safety.Outcome{}, err
		}
	}
	if state == nil {
		state = safety.LatestState{}
	}
	return o.checks.Evaluate(phase, task, plan, state), nil
}

// FormatSource invokes the "generate.format" capability against path,
// the same formatting step the generate-task decomposition rule runs
// as part of render -> write -> format -> validate, exposed standalone
// for callers that only want to format a file.
func (o *Orchestrator) FormatSource(ctx context.Context, provider, path string) (map[string]any, error) {
	resp, err := o.cap.Invoke(ctx, capability.Request{
		Kind:   "generate.format",
		Inputs: map[string]any{"provider": provider, "path": path},
	})
	if err != nil {
		return nil, err
	}
	return resp.Outputs, nil
}
