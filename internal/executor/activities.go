package executor

import (
	"context"
	"encoding/json"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/the-ai-project-co/nimbus-sub014/internal/capability"
	"github.com/the-ai-project-co/nimbus-sub014/internal/checkpoint"
	"github.com/the-ai-project-co/nimbus-sub014/internal/events"
	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
	"github.com/the-ai-project-co/nimbus-sub014/internal/safety"
)

// TaskReader is the subset of orchestrator.TaskStore the Activities
// need to reload a task for during-phase safety evaluation — narrowed
// to avoid an import cycle (orchestrator already imports executor).
type TaskReader interface {
	Get(ctx context.Context, id string) (planner.Task, error)
}

// Activities holds the dependencies Temporal activity methods need,
// the same injected-collaborators shape as the teacher's
// temporal.Activities.
type Activities struct {
	Capability  *capability.Client
	Checkpoints *checkpoint.Store
	Plans       *planner.Store
	Events      *events.Log
	Tasks       TaskReader
	Checks      *safety.Engine
	Results     *safety.ResultStore
}

// InvokeCapabilityActivity invokes a step's capability through the
// Capability Port. Temporal's own RetryPolicy governs transient
// retries; this activity reports whether the underlying error is
// retryable so the caller can set NonRetryableErrorTypes accordingly.
func (a *Activities) InvokeCapabilityActivity(ctx context.Context, req InvokeStepRequest) (InvokeStepResult, error) {
	resp, err := a.Capability.Invoke(ctx, capability.Request{
		Kind:    req.Step.Kind,
		Inputs:  req.Step.Inputs,
		Timeout: time.Duration(req.Step.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		kind := nimbuserr.KindOf(err)
		retryable := kind == nimbuserr.CapabilityTransient || kind == nimbuserr.Timeout || kind == nimbuserr.StorageUnavailable
		if retryable {
			return InvokeStepResult{Retryable: true}, err
		}
		return InvokeStepResult{}, temporal.NewApplicationErrorWithOptions(err.Error(), string(kind), temporal.ApplicationErrorOptions{
			NonRetryable: true,
		})
	}
	return InvokeStepResult{Outputs: resp.Outputs}, nil
}

// SaveCheckpointActivity persists execution progress via the
// Checkpoint Store.
func (a *Activities) SaveCheckpointActivity(ctx context.Context, req SaveCheckpointRequest) error {
	state := CheckpointState{StepOutputsSoFar: req.StepOutputsSoFar, Cursor: req.Cursor}
	_, err := a.Checkpoints.Save(ctx, req.PlanID, req.Step, state)
	return err
}

// CheckpointLoadResult is LoadLatestCheckpointActivity's result, a
// single return value per the teacher's activity convention (every
// activity returns one result struct plus a trailing error).
type CheckpointLoadResult struct {
	State *CheckpointState
	Step  int
}

// LoadLatestCheckpointActivity reloads the latest checkpoint for a
// plan, used by resume semantics.
func (a *Activities) LoadLatestCheckpointActivity(ctx context.Context, planID string) (CheckpointLoadResult, error) {
	cp, err := a.Checkpoints.GetLatest(ctx, planID)
	if err != nil {
		return CheckpointLoadResult{}, err
	}
	if cp == nil {
		return CheckpointLoadResult{}, nil
	}
	var state CheckpointState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return CheckpointLoadResult{}, nimbuserr.New(nimbuserr.Internal, "decode checkpoint state", err)
	}
	return CheckpointLoadResult{State: &state, Step: cp.Step}, nil
}

// UpdateStepStateActivity persists a step's terminal state to the
// planner store so readers (get_task, get_plan) observe progress
// without waiting for the workflow to complete.
func (a *Activities) UpdateStepStateActivity(ctx context.Context, req UpdateStepStateRequest) error {
	return a.Plans.UpdateStepState(ctx, req.PlanID, req.StepID, req.State, req.Attempts, req.LastError, req.Outputs)
}

// EmitEventActivity appends one lifecycle event to the event log.
func (a *Activities) EmitEventActivity(ctx context.Context, req EmitEventRequest) error {
	_, err := a.Events.Append(ctx, req.TaskID, req.PlanID, events.Kind(req.Kind), req.Payload)
	return err
}

// EvaluateDuringSafetyActivity runs the registered during-phase safety
// checks at a step boundary, spec.md §4.4's "evaluated at each step
// boundary by the executor; failures of critical severity cancel the
// task." Results are recorded the same way pre/post results are, so a
// task's full safety history stays reconstructible for audit.
func (a *Activities) EvaluateDuringSafetyActivity(ctx context.Context, req EvaluateDuringSafetyRequest) (EvaluateDuringSafetyResult, error) {
	if a.Checks == nil {
		return EvaluateDuringSafetyResult{}, nil
	}
	task, err := a.Tasks.Get(ctx, req.TaskID)
	if err != nil {
		return EvaluateDuringSafetyResult{}, err
	}
	outcome := a.Checks.EvaluateDuring(task, req.Plan, safety.LatestState{})
	if a.Results != nil {
		if err := a.Results.Record(ctx, outcome.Results); err != nil {
			return EvaluateDuringSafetyResult{}, err
		}
	}
	return EvaluateDuringSafetyResult{Cancelled: outcome.Cancelled}, nil
}
