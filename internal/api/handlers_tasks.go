package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/the-ai-project-co/nimbus-sub014/internal/orchestrator"
	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
)

// GET /api/tasks (list, filterable by status/user_id/type)
// POST /api/tasks (create)
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := orchestrator.Filters{
			Status: planner.TaskStatus(r.URL.Query().Get("status")),
			UserID: r.URL.Query().Get("user_id"),
			Type:   planner.TaskType(r.URL.Query().Get("type")),
		}
		tasks, err := s.orch.ListTasks(r.Context(), f)
		if err != nil {
			writeOrchError(w, err)
			return
		}
		writeData(w, http.StatusOK, tasks)
	case http.MethodPost:
		s.auth.RequireAuth(s.createTask, true)(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type createTaskRequest struct {
	Type     planner.TaskType     `json:"type"`
	UserID   string               `json:"user_id"`
	TeamID   string               `json:"team_id"`
	Priority planner.TaskPriority `json:"priority"`
	Context  planner.TaskContext  `json:"context"`
	Metadata map[string]string    `json:"metadata"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	task, err := s.orch.CreateTask(r.Context(), orchestrator.CreateTaskInput{
		Type: req.Type, UserID: req.UserID, TeamID: req.TeamID,
		Priority: req.Priority, Context: req.Context, Metadata: req.Metadata,
	})
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusCreated, task)
}

// handleTaskDetail dispatches every /api/tasks/{id}[/action] path.
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		s.handleTasks(w, r)
		return
	}
	taskID := parts[0]
	if len(parts) == 1 {
		s.getTask(w, r, taskID)
		return
	}

	switch parts[1] {
	case "execute":
		s.auth.RequireAuth(s.taskAction(taskID, s.orch.ExecuteTask), true)(w, r)
	case "resume":
		s.auth.RequireAuth(s.resumeTask(taskID), true)(w, r)
	case "cancel":
		s.auth.RequireAuth(s.taskAction(taskID, s.orch.CancelTask), true)(w, r)
	case "approve":
		s.auth.RequireAuth(s.approveTask(taskID), true)(w, r)
	case "events":
		s.getTaskEvents(w, r, taskID)
	case "safety":
		s.getTaskSafety(w, r, taskID)
	case "rollback":
		s.handleTaskRollback(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "unknown task endpoint")
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, err := s.orch.GetTask(r.Context(), taskID)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, task)
}

// taskAction adapts a no-body Orchestrator method (ExecuteTask,
// CancelTask) into a POST-only handler for taskID.
func (s *Server) taskAction(taskID string, action func(ctx context.Context, taskID string) (planner.Task, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		task, err := action(r.Context(), taskID)
		if err != nil {
			writeOrchError(w, err)
			return
		}
		writeData(w, http.StatusOK, task)
	}
}

func (s *Server) getTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}
	evs, err := s.orch.GetTaskEvents(r.Context(), taskID, tail)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, evs)
}

func (s *Server) getTaskSafety(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	results, err := s.orch.GetTaskSafetyResults(r.Context(), taskID)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, results)
}

func (s *Server) resumeTask(taskID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			ResumeFromCheckpoint bool `json:"resume_from_checkpoint"`
		}
		if r.ContentLength > 0 {
			if err := decodeJSON(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
		}
		task, err := s.orch.ResumeTask(r.Context(), taskID, body.ResumeFromCheckpoint)
		if err != nil {
			writeOrchError(w, err)
			return
		}
		writeData(w, http.StatusOK, task)
	}
}

func (s *Server) approveTask(taskID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			ApproverID string `json:"approver_id"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if body.ApproverID == "" {
			writeError(w, http.StatusBadRequest, "approver_id is required")
			return
		}
		if err := s.orch.GrantApproval(r.Context(), taskID, body.ApproverID); err != nil {
			writeOrchError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "approved"})
	}
}
