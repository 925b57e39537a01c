package api

import (
	"net/http"

	"github.com/the-ai-project-co/nimbus-sub014/internal/safety"
)

// GET /api/safety/checks: lists every registered check.
func (s *Server) handleSafetyChecks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeData(w, http.StatusOK, s.orch.ListSafetyChecks())
}

type safetyCheckRequest struct {
	TaskID string             `json:"task_id"`
	Phase  safety.Phase       `json:"phase"`
	State  safety.LatestState `json:"state"`
}

// POST /api/safety/check {task_id, phase, state}: evaluates the
// registered checks for phase against task_id's current plan.
func (s *Server) handleSafetyCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req safetyCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if !req.Phase.Valid() {
		writeError(w, http.StatusBadRequest, "phase must be one of pre, during, post")
		return
	}
	outcome, err := s.orch.EvaluateSafety(r.Context(), req.TaskID, req.Phase, req.State)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, outcome)
}
