package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.temporal.io/sdk/client"

	_ "modernc.org/sqlite"

	"github.com/the-ai-project-co/nimbus-sub014/internal/checkpoint"
	"github.com/the-ai-project-co/nimbus-sub014/internal/config"
	"github.com/the-ai-project-co/nimbus-sub014/internal/events"
	"github.com/the-ai-project-co/nimbus-sub014/internal/executor"
	"github.com/the-ai-project-co/nimbus-sub014/internal/orchestrator"
	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
	"github.com/the-ai-project-co/nimbus-sub014/internal/rollback"
	"github.com/the-ai-project-co/nimbus-sub014/internal/safety"
)

// fakeWorkflowRun and fakeTemporal mirror orchestrator package's own
// test doubles (it cannot be imported here since they're unexported),
// letting this package's tests drive a real Orchestrator without a
// live Temporal server.
type fakeWorkflowRun struct {
	id, runID string
	result    executor.RunPlanResult
}

func (f fakeWorkflowRun) GetID() string    { return f.id }
func (f fakeWorkflowRun) GetRunID() string { return f.runID }
func (f fakeWorkflowRun) Get(ctx context.Context, valuePtr any) error {
	*valuePtr.(*executor.RunPlanResult) = f.result
	return nil
}

type fakeTemporal struct{}

func (f *fakeTemporal) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (orchestrator.WorkflowRun, error) {
	input := args[0].(executor.RunPlanInput)
	var steps []planner.Step
	for _, s := range input.Plan.Steps {
		s.State = planner.StepSucceeded
		steps = append(steps, s)
	}
	return fakeWorkflowRun{id: options.ID, runID: "run-1", result: executor.RunPlanResult{PlanID: input.Plan.ID, Succeeded: true, Steps: steps}}, nil
}

func (f *fakeTemporal) SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg any) error {
	return nil
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tasks, err := orchestrator.NewTaskStore(db)
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
	cfg.API.InternalServiceToken = "test-token"
	engine := safety.NewEngine(safety.DefaultChecks(nil, 10_000)...)

	orch := orchestrator.New(cfg, tasks, plans, eventLog, engine, approvals, results, checkpoints, rollback.DefaultRegistry(), nil, &fakeTemporal{}, nil)
	return NewServer(cfg, orch, checkpoints, slog.Default())
}

func authedRequest(method, path string, body any) *http.Request {
	var r *http.Request
	if body != nil {
		buf, _ := json.Marshal(body)
		r = httptest.NewRequest(method, path, bytes.NewReader(buf))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("x-internal-service-token", "test-token")
	return r
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v, body=%s", err, w.Body.String())
	}
	return env
}

func TestHandleHealth(t *testing.T) {
	srv := setupTestServer(t)
	w := httptest.NewRecorder()
	srv.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	srv := setupTestServer(t)

	w := httptest.NewRecorder()
	srv.createTask(w, authedRequest(http.MethodPost, "/api/tasks", createTaskRequest{
		Type: planner.TaskVerify, UserID: "user-1",
	}))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	if !env.Success {
		t.Fatalf("expected success, got error %q", env.Error)
	}

	taskMap := env.Data.(map[string]any)
	taskID := taskMap["ID"].(string)

	w = httptest.NewRecorder()
	srv.getTask(w, httptest.NewRequest(http.MethodGet, "/api/tasks/"+taskID, nil), taskID)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateTaskRejectsInvalidType(t *testing.T) {
	srv := setupTestServer(t)
	w := httptest.NewRecorder()
	srv.createTask(w, authedRequest(http.MethodPost, "/api/tasks", createTaskRequest{
		Type: planner.TaskType("bogus"), UserID: "user-1",
	}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid task type, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := setupTestServer(t)
	w := httptest.NewRecorder()
	srv.getTask(w, httptest.NewRequest(http.MethodGet, "/api/tasks/missing", nil), "missing")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestExecuteTaskEndToEnd(t *testing.T) {
	srv := setupTestServer(t)
	ctx := context.Background()

	task, err := srv.orch.CreateTask(ctx, orchestrator.CreateTaskInput{Type: planner.TaskVerify, UserID: "user-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	w := httptest.NewRecorder()
	srv.taskAction(task.ID, srv.orch.ExecuteTask)(w, authedRequest(http.MethodPost, "/api/tasks/"+task.ID+"/execute", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	data := env.Data.(map[string]any)
	if data["Status"] != string(planner.StatusSucceeded) {
		t.Fatalf("expected succeeded, got %v", data["Status"])
	}
}

func TestExecuteTaskRequiresAuth(t *testing.T) {
	srv := setupTestServer(t)
	ctx := context.Background()
	task, err := srv.orch.CreateTask(ctx, orchestrator.CreateTaskInput{Type: planner.TaskVerify, UserID: "user-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	w := httptest.NewRecorder()
	handler := srv.auth.RequireAuth(srv.taskAction(task.ID, srv.orch.ExecuteTask), true)
	handler(w, httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/execute", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestHandleSafetyChecksLists(t *testing.T) {
	srv := setupTestServer(t)
	w := httptest.NewRecorder()
	srv.handleSafetyChecks(w, httptest.NewRequest(http.MethodGet, "/api/safety/checks", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	list, ok := env.Data.([]any)
	if !ok || len(list) == 0 {
		t.Fatalf("expected a non-empty check list, got %v", env.Data)
	}
}

func TestHandlePlansGenerateIsDeterministic(t *testing.T) {
	srv := setupTestServer(t)
	req := planGenerateRequest{Type: planner.TaskDeploy, UserID: "user-1", Context: planner.TaskContext{Provider: "aws", Environment: "dev", Components: []string{"vpc"}}}

	w1 := httptest.NewRecorder()
	srv.handlePlansGenerate(w1, authedRequest(http.MethodPost, "/api/plans/generate", req))
	w2 := httptest.NewRecorder()
	srv.handlePlansGenerate(w2, authedRequest(http.MethodPost, "/api/plans/generate", req))

	if w1.Code != http.StatusOK || w2.Code != http.StatusOK {
		t.Fatalf("expected 200s, got %d and %d", w1.Code, w2.Code)
	}
	if w1.Body.String() != w2.Body.String() {
		t.Fatalf("expected deterministic plan generation, got different bodies:\n%s\nvs\n%s", w1.Body.String(), w2.Body.String())
	}
}

func TestCheckpointSaveGetLatestAndDelete(t *testing.T) {
	srv := setupTestServer(t)

	w := httptest.NewRecorder()
	srv.handleCheckpointsCreate(w, authedRequest(http.MethodPost, "/api/state/checkpoints", checkpointSaveRequest{
		OperationID: "op-1", Step: 1, State: map[string]any{"cursor": 1},
	}))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	srv.getLatestCheckpoint(w, httptest.NewRequest(http.MethodGet, "/api/state/checkpoints/latest/op-1", nil), "op-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	srv.getOrDeleteCheckpoint(w, authedRequest(http.MethodDelete, "/api/state/checkpoints/op-1", nil), "op-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	srv.getLatestCheckpoint(w, httptest.NewRequest(http.MethodGet, "/api/state/checkpoints/latest/op-1", nil), "op-1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}
