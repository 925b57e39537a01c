// Package api serves the Task RPC HTTP surface: tasks, plans, safety
// results, rollback, drift, and the checkpoint surface. Everything but
// the checkpoint surface is backed by an
// internal/orchestrator.Orchestrator; the checkpoint surface calls the
// checkpoint.Store directly.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/the-ai-project-co/nimbus-sub014/internal/checkpoint"
	"github.com/the-ai-project-co/nimbus-sub014/internal/config"
	"github.com/the-ai-project-co/nimbus-sub014/internal/orchestrator"
)

// Server is the HTTP API server.
type Server struct {
	cfg         *config.Config
	orch        *orchestrator.Orchestrator
	checkpoints *checkpoint.Store
	logger      *slog.Logger

	startTime  time.Time
	httpServer *http.Server
	auth       *AuthMiddleware
}

// NewServer creates an API server wired to orch and the checkpoint
// store backing the internal checkpoint surface (spec.md §6). logger
// defaults to slog.Default() when nil.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, checkpoints *checkpoint.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		orch:        orch,
		checkpoints: checkpoints,
		logger:      logger,
		startTime:   time.Now(),
		auth:        NewAuthMiddleware(cfg.API.InternalServiceToken, logger),
	}
}

// Start begins listening on the configured bind address. Blocks until
// ctx is cancelled, then shuts the server down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/statistics", s.handleStatistics)

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskDetail)

	mux.HandleFunc("/api/plans/generate", s.auth.RequireAuth(s.handlePlansGenerate, true))
	mux.HandleFunc("/api/plans/", s.handlePlanDetail)

	mux.HandleFunc("/api/safety/check", s.handleSafetyCheck)
	mux.HandleFunc("/api/safety/checks", s.handleSafetyChecks)

	mux.HandleFunc("/api/drift/detect", s.handleDriftDetect)
	mux.HandleFunc("/api/drift/plan", s.handleDriftPlan)
	mux.HandleFunc("/api/drift/fix", s.auth.RequireAuth(s.handleDriftFix, true))
	mux.HandleFunc("/api/drift/compliance", s.handleDriftCompliance)
	mux.HandleFunc("/api/drift/format", s.auth.RequireAuth(s.handleDriftFormat, true))

	mux.HandleFunc("/api/rollback/states", s.handleRollbackStates)
	mux.HandleFunc("/api/rollback/cleanup", s.auth.RequireAuth(s.handleRollbackCleanup, true))

	mux.HandleFunc("/api/state/checkpoints", s.auth.RequireAuth(s.handleCheckpointsCreate, true))
	mux.HandleFunc("/api/state/checkpoints/", s.handleCheckpoints)

	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"uptime_s": time.Since(s.startTime).Seconds()})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.orch.GetStatistics(r.Context())
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

// envelope is the {success, data?, error?} wire shape every Task RPC
// response uses.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
