package api

import (
	"net/http"
	"strings"

	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
)

// handlePlanDetail dispatches GET /api/plans/:id, POST
// /api/plans/:id/validate, and POST /api/plans/:id/optimize.
func (s *Server) handlePlanDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/plans/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusBadRequest, "plan id is required")
		return
	}
	planID := parts[0]

	if len(parts) == 1 {
		s.getPlan(w, r, planID)
		return
	}
	switch parts[1] {
	case "validate":
		s.auth.RequireAuth(s.validatePlan(planID), true)(w, r)
	case "optimize":
		s.auth.RequireAuth(s.optimizePlan(planID), true)(w, r)
	default:
		writeError(w, http.StatusNotFound, "unknown plan endpoint")
	}
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request, planID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	plan, err := s.orch.GetPlan(r.Context(), planID)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, plan)
}

func (s *Server) validatePlan(planID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		plan, err := s.orch.GetPlan(r.Context(), planID)
		if err != nil {
			writeOrchError(w, err)
			return
		}
		writeData(w, http.StatusOK, planner.ValidatePlan(plan))
	}
}

func (s *Server) optimizePlan(planID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		plan, err := s.orch.GetPlan(r.Context(), planID)
		if err != nil {
			writeOrchError(w, err)
			return
		}
		optimized := planner.OptimizePlan(plan)
		if result := planner.ValidatePlan(optimized); !result.Valid {
			writeError(w, http.StatusUnprocessableEntity, "optimized plan failed validation: "+strings.Join(result.Issues, "; "))
			return
		}
		writeData(w, http.StatusOK, optimized)
	}
}

type planGenerateRequest struct {
	Type     planner.TaskType     `json:"type"`
	UserID   string               `json:"user_id"`
	TeamID   string               `json:"team_id"`
	Priority planner.TaskPriority `json:"priority"`
	Context  planner.TaskContext  `json:"context"`
	Metadata map[string]string    `json:"metadata"`
}

// handlePlansGenerate serves POST /api/plans/generate: it decomposes an
// as-yet-unsubmitted task spec into a Plan without creating or
// persisting a Task, the pure generate_plan(task) operation spec.md
// §4.2 names. To plan and execute together, submit the task via
// POST /api/tasks and then POST /api/tasks/:id/execute instead.
func (s *Server) handlePlansGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req planGenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "type must be one of generate, deploy, verify, rollback, analyze")
		return
	}
	task := planner.Task{
		ID: "preview-" + req.UserID, Type: req.Type, UserID: req.UserID, TeamID: req.TeamID,
		Priority: req.Priority, Context: req.Context, Metadata: req.Metadata,
	}
	plan, err := planner.GeneratePlan(task)
	if err != nil {
		writeError(w, http.StatusBadRequest, "plan generation failed: "+err.Error())
		return
	}
	writeData(w, http.StatusOK, plan)
}
