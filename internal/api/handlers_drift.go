package api

import (
	"net/http"

	"github.com/the-ai-project-co/nimbus-sub014/internal/drift"
)

type driftDetectRequest struct {
	Provider string                    `json:"provider"`
	Scope    string                    `json:"scope"`
	Desired  map[string]map[string]any `json:"desired"`
	Kind     string                    `json:"kind"`
}

func decodeDetectOptions(r *http.Request) (drift.DetectOptions, error) {
	var req driftDetectRequest
	if err := decodeJSON(r, &req); err != nil {
		return drift.DetectOptions{}, err
	}
	return drift.DetectOptions{Provider: req.Provider, Scope: req.Scope, Desired: req.Desired, Kind: req.Kind}, nil
}

// POST /api/drift/detect
func (s *Server) handleDriftDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	opts, err := decodeDetectOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	report, err := s.orch.DetectDrift(r.Context(), opts)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, report)
}

// POST /api/drift/plan: create_remediation_plan without executing it.
func (s *Server) handleDriftPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	opts, err := decodeDetectOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	plan, report, err := s.orch.CreateRemediationPlan(r.Context(), opts)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"plan": plan, "report": report})
}

// POST /api/drift/fix: remediate(options) — create_remediation_plan
// followed by Executor.run, unless dry_run is set.
func (s *Server) handleDriftFix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		driftDetectRequest
		UserID string `json:"user_id"`
		DryRun bool   `json:"dry_run"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	opts := drift.DetectOptions{Provider: req.Provider, Scope: req.Scope, Desired: req.Desired, Kind: req.Kind}
	task, plan, report, err := s.orch.RemediateDrift(r.Context(), opts, req.UserID, req.DryRun)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"task": task, "plan": plan, "report": report})
}

// POST /api/drift/compliance: generate_compliance_report(report).
func (s *Server) handleDriftCompliance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	opts, err := decodeDetectOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	report, err := s.orch.ComplianceReport(r.Context(), opts)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, report)
}

// driftFormatRequest is POST /api/drift/format's body: it asks a tool
// service to canonically format the IaC source at path, the same
// "generate.format" capability the generate-task decomposition rule
// invokes as its third step (render -> write -> format -> validate).
type driftFormatRequest struct {
	Provider string `json:"provider"`
	Path     string `json:"path"`
}

// POST /api/drift/format
func (s *Server) handleDriftFormat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req driftFormatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	outputs, err := s.orch.FormatSource(r.Context(), req.Provider, req.Path)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, outputs)
}
