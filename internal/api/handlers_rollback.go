package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/the-ai-project-co/nimbus-sub014/internal/rollback"
)

// handleTaskRollback serves both halves of /api/tasks/{id}/rollback:
// GET reports availability (can_rollback), POST derives and executes
// (or, with dry_run, just derives) the inverse plan.
func (s *Server) handleTaskRollback(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		avail, err := s.orch.CanRollback(r.Context(), taskID)
		if err != nil {
			writeOrchError(w, err)
			return
		}
		writeData(w, http.StatusOK, avail)
	case http.MethodPost:
		s.auth.RequireAuth(s.postTaskRollback(taskID), true)(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type rollbackRequest struct {
	AutoApprove bool     `json:"auto_approve"`
	DryRun      bool     `json:"dry_run"`
	Force       bool     `json:"force"`
	Targets     []string `json:"targets"`
}

func (s *Server) postTaskRollback(taskID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rollbackRequest
		if r.ContentLength > 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
		}
		task, derived, err := s.orch.Rollback(r.Context(), taskID, rollback.Options{
			AutoApprove: req.AutoApprove, DryRun: req.DryRun, Force: req.Force, Targets: req.Targets,
		})
		if err != nil {
			writeOrchError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"task": task, "derived": derived})
	}
}

// GET /api/rollback/states?plan_ids=a,b,c
func (s *Server) handleRollbackStates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	planIDs := splitCSV(r.URL.Query().Get("plan_ids"))
	states, err := s.orch.ListRollbackStates(r.Context(), planIDs)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, states)
}

// POST /api/rollback/cleanup {"plan_ids": [...], "max_age_hours": n}
func (s *Server) handleRollbackCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		PlanIDs     []string `json:"plan_ids"`
		MaxAgeHours float64  `json:"max_age_hours"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.MaxAgeHours <= 0 {
		writeError(w, http.StatusBadRequest, "max_age_hours must be positive")
		return
	}
	deleted, err := s.orch.CleanupOldStates(r.Context(), req.PlanIDs, time.Duration(req.MaxAgeHours*float64(time.Hour)))
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"deleted_operation_ids": deleted})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
