package executor

import (
	"fmt"
	"sort"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
)

// runState tracks per-step progress across workflow ticks. It lives
// only in workflow-local memory; durable progress is the checkpoint
// written after each successful step.
type runState struct {
	plan             planner.Plan
	remainingDeps    map[string]int
	state            map[string]planner.StepState
	attempts         map[string]int
	outputs          map[string]map[string]any
	lastError        map[string]string
	succeededInOrder []string // for the checkpoint cursor
}

func newRunState(plan planner.Plan) *runState {
	rs := &runState{
		plan:          plan,
		remainingDeps: make(map[string]int, len(plan.Steps)),
		state:         make(map[string]planner.StepState, len(plan.Steps)),
		attempts:      make(map[string]int, len(plan.Steps)),
		outputs:       make(map[string]map[string]any, len(plan.Steps)),
		lastError:     make(map[string]string, len(plan.Steps)),
	}
	for _, s := range plan.Steps {
		rs.remainingDeps[s.ID] = len(plan.Predecessors(s.ID))
		rs.state[s.ID] = planner.StepPending
	}
	return rs
}

// readySet returns pending steps with zero remaining dependencies,
// ordered by the tiebreak spec.md §4.3 mandates: priority desc,
// estimated_duration asc, step_id asc.
func (rs *runState) readySet() []planner.Step {
	var ready []planner.Step
	for _, s := range rs.plan.Steps {
		if rs.state[s.ID] == planner.StepPending && rs.remainingDeps[s.ID] == 0 {
			ready = append(ready, s)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.EstimatedMS != b.EstimatedMS {
			return a.EstimatedMS < b.EstimatedMS
		}
		return a.ID < b.ID
	})
	return ready
}

func (rs *runState) markSucceeded(stepID string, outputs map[string]any) {
	rs.state[stepID] = planner.StepSucceeded
	rs.outputs[stepID] = outputs
	rs.succeededInOrder = append(rs.succeededInOrder, stepID)
	for _, succ := range rs.plan.Successors(stepID) {
		rs.remainingDeps[succ]--
	}
}

func (rs *runState) markFailed(stepID, lastError string) {
	rs.state[stepID] = planner.StepFailed
	rs.lastError[stepID] = lastError
}

// propagateFailure applies failure_policy to stepID's descendants:
// abort marks every descendant failed (cancelling the rest of that
// branch), continue marks direct successors skipped but leaves
// siblings alone, fail_task is handled by the caller terminating the
// whole run.
func (rs *runState) propagateFailure(step planner.Step) {
	switch step.FailurePolicy {
	case planner.PolicyAbort:
		var walk func(id string)
		walk = func(id string) {
			for _, succ := range rs.plan.Successors(id) {
				if rs.state[succ] == planner.StepPending {
					rs.state[succ] = planner.StepFailed
					rs.lastError[succ] = fmt.Sprintf("ancestor step %q aborted", step.ID)
					walk(succ)
				}
			}
		}
		walk(step.ID)
	case planner.PolicyContinue:
		for _, succ := range rs.plan.Successors(step.ID) {
			if rs.state[succ] == planner.StepPending {
				rs.state[succ] = planner.StepSkipped
			}
		}
	case planner.PolicyFailTask:
		// handled by the caller: the whole run terminates in failure
	}
}

func (rs *runState) done() bool {
	for _, s := range rs.plan.Steps {
		if rs.state[s.ID] == planner.StepPending || rs.state[s.ID] == planner.StepReady || rs.state[s.ID] == planner.StepRunning {
			return false
		}
	}
	return true
}

func (rs *runState) allSucceeded() bool {
	for _, s := range rs.plan.Steps {
		if rs.state[s.ID] != planner.StepSucceeded && rs.state[s.ID] != planner.StepSkipped {
			return false
		}
	}
	return true
}

// RunPlanWorkflow walks the plan's DAG to completion, following
// spec.md §4.3's tick algorithm: bounded fan-out per wave, checkpoint
// after each success, failure-policy propagation on failure,
// cancellation observed at every step boundary.
func RunPlanWorkflow(ctx workflow.Context, input RunPlanInput) (RunPlanResult, error) {
	logger := workflow.GetLogger(ctx)
	var a *Activities

	degree := input.FanOutDegree
	if degree <= 0 {
		degree = DefaultFanOutDegree
	}

	rs := newRunState(input.Plan)

	if input.ResumeFromID != "" {
		loadCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: 30 * time.Second})
		var loaded CheckpointLoadResult
		if err := workflow.ExecuteActivity(loadCtx, a.LoadLatestCheckpointActivity, input.Plan.ID).Get(ctx, &loaded); err != nil {
			logger.Warn("resume: failed to reload checkpoint, starting fresh", "error", err)
		} else if loaded.State != nil {
			// spec.md §4.3 resume semantics: every step up through the
			// checkpoint's cursor is treated as already succeeded, with
			// outputs reloaded from the checkpoint state rather than
			// re-invoked.
			for stepID, outputs := range loaded.State.StepOutputsSoFar {
				if _, ok := rs.plan.StepByID(stepID); ok {
					rs.markSucceeded(stepID, outputs)
				}
			}
			logger.Info("resumed from checkpoint", "step", loaded.Step, "cursor", loaded.State.Cursor)
		}
	}

	cancelCh := workflow.GetSignalChannel(ctx, "cancel")
	cancelled := false
	workflow.Go(ctx, func(ctx workflow.Context) {
		var signalVal string
		cancelCh.Receive(ctx, &signalVal)
		cancelled = true
	})

	for !rs.done() && !cancelled {
		ready := rs.readySet()
		if len(ready) == 0 {
			break
		}
		if len(ready) > degree {
			ready = ready[:degree]
		}

		safetyCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: 10 * time.Second})
		current := input.Plan
		current.Steps = make([]planner.Step, len(input.Plan.Steps))
		for i, s := range input.Plan.Steps {
			s.State = rs.state[s.ID]
			current.Steps[i] = s
		}
		var duringOutcome EvaluateDuringSafetyResult
		if err := workflow.ExecuteActivity(safetyCtx, a.EvaluateDuringSafetyActivity, EvaluateDuringSafetyRequest{
			TaskID: input.Plan.TaskID, Plan: current,
		}).Get(ctx, &duringOutcome); err != nil {
			logger.Warn("during-phase safety evaluation failed, proceeding", "error", err)
		} else if duringOutcome.Cancelled {
			logger.Warn("during-phase critical safety check failed, cancelling task")
			cancelled = true
			break
		}

		for _, s := range ready {
			rs.state[s.ID] = planner.StepRunning
		}

		selector := workflow.NewSelector(ctx)
		type tickResult struct {
			step    planner.Step
			outputs map[string]any
			err     error
		}
		results := make([]tickResult, 0, len(ready))

		for _, step := range ready {
			step := step
			emitCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: 10 * time.Second})
			_ = workflow.ExecuteActivity(emitCtx, a.EmitEventActivity, EmitEventRequest{
				TaskID: input.Plan.TaskID, PlanID: input.Plan.ID, Kind: "step_started",
				Payload: map[string]any{"step_id": step.ID, "kind": step.Kind},
			}).Get(ctx, nil)

			invokeOpts := workflow.ActivityOptions{
				StartToCloseTimeout: time.Duration(step.TimeoutMS) * time.Millisecond,
				RetryPolicy: &temporal.RetryPolicy{
					MaximumAttempts:        int32(step.MaxRetries + 1),
					InitialInterval:        DefaultBackoffBase,
					MaximumInterval:        DefaultBackoffCap,
					BackoffCoefficient:     2.0,
					NonRetryableErrorTypes: []string{"bad_input", "conflict"},
				},
			}
			invokeCtx := workflow.WithActivityOptions(ctx, invokeOpts)
			future := workflow.ExecuteActivity(invokeCtx, a.InvokeCapabilityActivity, InvokeStepRequest{PlanID: input.Plan.ID, Step: step})

			selector.AddFuture(future, func(f workflow.Future) {
				var res InvokeStepResult
				err := f.Get(ctx, &res)
				results = append(results, tickResult{step: step, outputs: res.Outputs, err: err})
			})
		}

		for i := 0; i < len(ready); i++ {
			selector.Select(ctx)
		}

		taskFailed := false
		for _, r := range results {
			if r.err != nil {
				rs.markFailed(r.step.ID, r.err.Error())
				stateCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: 10 * time.Second})
				_ = workflow.ExecuteActivity(stateCtx, a.UpdateStepStateActivity, UpdateStepStateRequest{
					PlanID: input.Plan.ID, StepID: r.step.ID, State: planner.StepFailed, LastError: r.err.Error(),
				}).Get(ctx, nil)
				_ = workflow.ExecuteActivity(stateCtx, a.EmitEventActivity, EmitEventRequest{
					TaskID: input.Plan.TaskID, PlanID: input.Plan.ID, Kind: "step_failed",
					Payload: map[string]any{"step_id": r.step.ID, "error": r.err.Error()},
				}).Get(ctx, nil)

				rs.propagateFailure(r.step)
				if r.step.FailurePolicy == planner.PolicyFailTask {
					taskFailed = true
				}
				continue
			}

			rs.markSucceeded(r.step.ID, r.outputs)
			stateCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: 10 * time.Second})
			_ = workflow.ExecuteActivity(stateCtx, a.UpdateStepStateActivity, UpdateStepStateRequest{
				PlanID: input.Plan.ID, StepID: r.step.ID, State: planner.StepSucceeded, Outputs: r.outputs,
			}).Get(ctx, nil)
			_ = workflow.ExecuteActivity(stateCtx, a.EmitEventActivity, EmitEventRequest{
				TaskID: input.Plan.TaskID, PlanID: input.Plan.ID, Kind: "step_succeeded",
				Payload: map[string]any{"step_id": r.step.ID},
			}).Get(ctx, nil)

			cpCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{StartToCloseTimeout: 30 * time.Second})
			_ = workflow.ExecuteActivity(cpCtx, a.SaveCheckpointActivity, SaveCheckpointRequest{
				PlanID:           input.Plan.ID,
				Step:             len(rs.succeededInOrder),
				StepOutputsSoFar: rs.outputs,
				Cursor:           r.step.ID,
			}).Get(ctx, nil)
			_ = workflow.ExecuteActivity(cpCtx, a.EmitEventActivity, EmitEventRequest{
				TaskID: input.Plan.TaskID, PlanID: input.Plan.ID, Kind: "checkpoint_saved",
				Payload: map[string]any{"step": len(rs.succeededInOrder)},
			}).Get(ctx, nil)
		}

		if taskFailed {
			break
		}
	}

	finalSteps := make([]planner.Step, 0, len(input.Plan.Steps))
	for _, s := range input.Plan.Steps {
		s.State = rs.state[s.ID]
		s.Outputs = rs.outputs[s.ID]
		s.LastError = rs.lastError[s.ID]
		finalSteps = append(finalSteps, s)
	}

	if cancelled {
		return RunPlanResult{PlanID: input.Plan.ID, Succeeded: false, Steps: finalSteps, Error: "cancelled"}, nil
	}
	if !rs.allSucceeded() {
		return RunPlanResult{PlanID: input.Plan.ID, Succeeded: false, Steps: finalSteps, Error: "one or more steps failed"},
			fmt.Errorf("plan %s did not complete successfully", input.Plan.ID)
	}
	return RunPlanResult{PlanID: input.Plan.ID, Succeeded: true, Steps: finalSteps}, nil
}
