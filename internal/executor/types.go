// Package executor implements the Executor (C3): a Temporal-backed
// workflow that walks a Plan's DAG, invoking each Step's capability
// through the Capability Port, checkpointing progress, and bounding
// fan-out the way the teacher's internal/temporal package drives its
// own multi-phase agent workflow.
package executor

import (
	"time"

	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
)

// DefaultFanOutDegree is the per-plan concurrent step cap (spec.md §5:
// "concurrent steps are bounded by a global degree N (default 4)").
const DefaultFanOutDegree = 4

// DefaultBackoffBase and DefaultBackoffCap match the capability
// client's retry formula (base 500ms, cap 30s).
const (
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffCap  = 30 * time.Second
)

// RunPlanInput is the Temporal workflow's input.
type RunPlanInput struct {
	Plan         planner.Plan
	FanOutDegree int
	ResumeFromID string // nonempty when resuming: id of the latest checkpoint to reload from
}

// RunPlanResult is the workflow's terminal output.
type RunPlanResult struct {
	PlanID    string
	Succeeded bool
	Steps     []planner.Step // final state of every step
	Error     string
}

// InvokeStepRequest is the InvokeCapabilityActivity input.
type InvokeStepRequest struct {
	PlanID string
	Step   planner.Step
}

// InvokeStepResult is the InvokeCapabilityActivity output.
type InvokeStepResult struct {
	Outputs   map[string]any
	Retryable bool
}

// SaveCheckpointRequest is the SaveCheckpointActivity input.
type SaveCheckpointRequest struct {
	PlanID           string
	Step             int
	StepOutputsSoFar map[string]map[string]any
	Cursor           string
}

// CheckpointState is the JSON-encoded checkpoint payload, matching
// spec.md §4.3 step 3's "state={step_outputs_so_far, cursor}".
type CheckpointState struct {
	StepOutputsSoFar map[string]map[string]any `json:"step_outputs_so_far"`
	Cursor           string                    `json:"cursor"`
}

// UpdateStepStateRequest persists a step's terminal state to the
// planner store.
type UpdateStepStateRequest struct {
	PlanID    string
	StepID    string
	State     planner.StepState
	Attempts  int
	LastError string
	Outputs   map[string]any
}

// EmitEventRequest asks the orchestrator's event log to append one
// lifecycle event (step_started, step_succeeded, step_failed,
// checkpoint_saved).
type EmitEventRequest struct {
	TaskID  string
	PlanID  string
	Kind    string
	Payload map[string]any
}

// EvaluateDuringSafetyRequest is EvaluateDuringSafetyActivity's input:
// the task safety checks evaluate against, and the plan as currently
// known to the workflow (steps carry their latest in-memory state).
type EvaluateDuringSafetyRequest struct {
	TaskID string
	Plan   planner.Plan
}

// EvaluateDuringSafetyResult reports whether a during-phase critical
// check failed, which per spec.md §4.4 cancels the task.
type EvaluateDuringSafetyResult struct {
	Cancelled bool
}
