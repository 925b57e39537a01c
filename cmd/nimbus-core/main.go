// Command nimbus-core is the Core Engine binary: it loads configuration,
// opens the embedded SQLite store, registers the built-in safety checks
// and rollback inverses, starts the Temporal plan-execution worker, and
// serves the Task RPC HTTP surface until signalled to stop — following
// the teacher's cmd/cortex/main.go wiring shape (flag parsing, logger
// configuration, single injected store, goroutines for each long-running
// subsystem, signal-driven graceful shutdown).
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/the-ai-project-co/nimbus-sub014/internal/api"
	"github.com/the-ai-project-co/nimbus-sub014/internal/capability"
	"github.com/the-ai-project-co/nimbus-sub014/internal/checkpoint"
	"github.com/the-ai-project-co/nimbus-sub014/internal/config"
	"github.com/the-ai-project-co/nimbus-sub014/internal/events"
	"github.com/the-ai-project-co/nimbus-sub014/internal/executor"
	"github.com/the-ai-project-co/nimbus-sub014/internal/orchestrator"
	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
	"github.com/the-ai-project-co/nimbus-sub014/internal/rollback"
	"github.com/the-ai-project-co/nimbus-sub014/internal/safety"

	"go.temporal.io/sdk/client"
)

// capabilityServices is the fixed set of tool-service prefixes the
// Capability Port dispatches against, matching the capability kinds
// planner.KnownCapabilityKinds declares (terraform, k8s, helm, git) plus
// the drift detector's own provider-prefixed calls.
var capabilityServices = []string{"terraform", "tf", "k8s", "helm", "git", "aws", "gcp", "azure", "drift", "policy", "compliance", "generate", "preflight", "verify", "safety", "checkpoint", "rollback"}

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "nimbus-core.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	temporalHostPort := flag.String("temporal", "127.0.0.1:7233", "Temporal frontend host:port")
	costBudgetUSD := flag.Float64("cost-budget-usd", 10_000, "safety engine cost_budget_threshold check budget")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("nimbus-core starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	db, err := sql.Open("sqlite", cfg.Storage.SQLitePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		logger.Error("failed to open state database", "path", cfg.Storage.SQLitePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	tasks, err := orchestrator.NewTaskStore(db)
	if err != nil {
		logger.Error("failed to initialize task store", "error", err)
		os.Exit(1)
	}
	plans, err := planner.New(db)
	if err != nil {
		logger.Error("failed to initialize plan store", "error", err)
		os.Exit(1)
	}
	eventLog, err := events.New(db)
	if err != nil {
		logger.Error("failed to initialize event log", "error", err)
		os.Exit(1)
	}
	results, err := safety.NewResultStore(db)
	if err != nil {
		logger.Error("failed to initialize safety result store", "error", err)
		os.Exit(1)
	}
	approvals, err := safety.NewApprovalGate(db, cfg.General.ApprovalTimeout.Duration)
	if err != nil {
		logger.Error("failed to initialize approval gate", "error", err)
		os.Exit(1)
	}
	checkpoints, err := checkpoint.New(db, checkpoint.WithMaxStateBytes(cfg.General.CheckpointMaxBytes))
	if err != nil {
		logger.Error("failed to initialize checkpoint store", "error", err)
		os.Exit(1)
	}

	checks := safety.NewEngine(safety.DefaultChecks(cfg.Safety.RequireApprovalEnvironments, *costBudgetUSD)...)
	rollbackReg := rollback.DefaultRegistry()

	baseURLs := make(map[string]string, len(capabilityServices))
	rateLimits := make(map[string]capability.RateLimit, len(cfg.RateLimits))
	for _, svc := range capabilityServices {
		baseURLs[svc] = cfg.Capability.ServiceURL(svc)
		rl := cfg.RateLimitFor(svc)
		rateLimits[svc] = capability.RateLimit{RequestsPerMinute: rl.RequestsPerMinute, Burst: rl.Burst, QueueCapacity: rl.QueueCapacity}
	}
	capClient := capability.NewClient(
		&http.Client{Timeout: cfg.Capability.Timeout.Duration},
		cfg.API.InternalServiceToken,
		baseURLs,
		capability.WithRateLimits(rateLimits),
	)

	temporalClient, err := client.Dial(client.Options{HostPort: *temporalHostPort})
	if err != nil {
		logger.Error("failed to dial temporal", "host_port", *temporalHostPort, "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	orch := orchestrator.New(cfg, tasks, plans, eventLog, checks, approvals, results, checkpoints,
		rollbackReg, capClient, orchestrator.NewTemporalClient(temporalClient), logger.With("component", "orchestrator"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Info("starting temporal worker", "task_queue", executor.TaskQueue)
		if err := executor.StartWorker(*temporalHostPort, capClient, checkpoints, plans, eventLog, tasks, checks, results, cfg.General.MaxTaskConcurrency); err != nil {
			logger.Error("temporal worker error", "error", err)
		}
	}()

	apiSrv := api.NewServer(cfg, orch, checkpoints, logger.With("component", "api"))
	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("nimbus-core running", "bind", cfg.API.Bind, "storage", cfg.Storage.SQLitePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	shutdownStart := time.Now()
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("nimbus-core stopped", "shutdown_duration", time.Since(shutdownStart).String())
}
