package executor

import (
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/the-ai-project-co/nimbus-sub014/internal/capability"
	"github.com/the-ai-project-co/nimbus-sub014/internal/checkpoint"
	"github.com/the-ai-project-co/nimbus-sub014/internal/events"
	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
	"github.com/the-ai-project-co/nimbus-sub014/internal/safety"
)

// TaskQueue is the Temporal task queue Nimbus's executor worker
// polls, the same fixed-string convention as the teacher's
// "chum-task-queue".
const TaskQueue = "nimbus-plan-execution"

// DefaultMaxConcurrentActivities is the process-wide step concurrency
// cap spec.md §5 names ("global step concurrency is capped by a
// process-wide semaphore, default 16"). It bounds Temporal's own
// activity dispatch rather than a hand-rolled semaphore, since the
// worker already enforces exactly this kind of admission limit.
const DefaultMaxConcurrentActivities = 16

// StartWorker connects to Temporal and runs the plan-execution
// worker until its context is interrupted, following the teacher's
// temporal.StartWorker shape (inject collaborators, register
// workflows/activities, block on worker.Run). maxConcurrentActivities
// caps how many step invocations run at once across every plan this
// worker serves; zero or negative falls back to
// DefaultMaxConcurrentActivities.
func StartWorker(hostPort string, cap *capability.Client, checkpoints *checkpoint.Store, plans *planner.Store, eventLog *events.Log, tasks TaskReader, checks *safety.Engine, results *safety.ResultStore, maxConcurrentActivities int) error {
	if maxConcurrentActivities <= 0 {
		maxConcurrentActivities = DefaultMaxConcurrentActivities
	}

	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return fmt.Errorf("dial temporal: %w", err)
	}
	defer c.Close()

	w := worker.New(c, TaskQueue, worker.Options{MaxConcurrentActivityExecutionSize: maxConcurrentActivities})

	acts := &Activities{Capability: cap, Checkpoints: checkpoints, Plans: plans, Events: eventLog, Tasks: tasks, Checks: checks, Results: results}

	w.RegisterWorkflow(RunPlanWorkflow)
	w.RegisterActivity(acts.InvokeCapabilityActivity)
	w.RegisterActivity(acts.SaveCheckpointActivity)
	w.RegisterActivity(acts.LoadLatestCheckpointActivity)
	w.RegisterActivity(acts.UpdateStepStateActivity)
	w.RegisterActivity(acts.EmitEventActivity)
	w.RegisterActivity(acts.EvaluateDuringSafetyActivity)

	return w.Run(worker.InterruptCh())
}
