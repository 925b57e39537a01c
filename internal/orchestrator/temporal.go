package orchestrator

import (
	"context"

	"go.temporal.io/sdk/client"
)

// temporalClient adapts a real go.temporal.io/sdk/client.Client to the
// orchestrator's narrower Temporal interface.
type temporalClient struct {
	client.Client
}

// NewTemporalClient wraps c for use as an Orchestrator's Temporal
// collaborator.
func NewTemporalClient(c client.Client) Temporal {
	return temporalClient{Client: c}
}

func (t temporalClient) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (WorkflowRun, error) {
	return t.Client.ExecuteWorkflow(ctx, options, workflow, args...)
}
