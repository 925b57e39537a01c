package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.General.MaxTaskConcurrency != 16 {
		t.Errorf("MaxTaskConcurrency = %d, want 16", cfg.General.MaxTaskConcurrency)
	}
	if cfg.General.MaxStepFanout != 4 {
		t.Errorf("MaxStepFanout = %d, want 4", cfg.General.MaxStepFanout)
	}
	if cfg.General.ApprovalTimeout.Duration != 24*time.Hour {
		t.Errorf("ApprovalTimeout = %v, want 24h", cfg.General.ApprovalTimeout.Duration)
	}
	if !cfg.RequiresApproval("prod") {
		t.Error("expected prod to require approval by default")
	}
	if cfg.RequiresApproval("dev") {
		t.Error("expected dev not to require approval by default")
	}
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.MaxTaskConcurrency != 16 {
		t.Errorf("expected default concurrency, got %d", cfg.General.MaxTaskConcurrency)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nimbus-core.toml")
	contents := `
[general]
max_task_concurrency = 32
max_step_fanout = 8

[api]
bind = ":9090"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.MaxTaskConcurrency != 32 {
		t.Errorf("MaxTaskConcurrency = %d, want 32", cfg.General.MaxTaskConcurrency)
	}
	if cfg.API.Bind != ":9090" {
		t.Errorf("API.Bind = %q, want :9090", cfg.API.Bind)
	}
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("CORE_ENGINE_PORT", "4000")
	t.Setenv("MAX_TASK_CONCURRENCY", "7")
	t.Setenv("INTERNAL_SERVICE_TOKEN", "secret-token")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Bind != ":4000" {
		t.Errorf("API.Bind = %q, want :4000", cfg.API.Bind)
	}
	if cfg.General.MaxTaskConcurrency != 7 {
		t.Errorf("MaxTaskConcurrency = %d, want 7", cfg.General.MaxTaskConcurrency)
	}
	if cfg.API.InternalServiceToken != "secret-token" {
		t.Errorf("InternalServiceToken = %q, want secret-token", cfg.API.InternalServiceToken)
	}
}

func TestRateLimitForFallsBackToDefault(t *testing.T) {
	cfg := Default()
	rl := cfg.RateLimitFor("terraform")
	if rl.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d, want 60 (default fallback)", rl.RequestsPerMinute)
	}
}

func TestCapabilityServiceURLFallsBackToBaseURL(t *testing.T) {
	cfg := Default()
	cfg.Capability.BaseURL = "http://gateway.local"
	cfg.Capability.ServiceURLs = map[string]string{"terraform": "http://terraform.local"}

	if got := cfg.Capability.ServiceURL("terraform"); got != "http://terraform.local" {
		t.Errorf("ServiceURL(terraform) = %q, want http://terraform.local", got)
	}
	if got := cfg.Capability.ServiceURL("k8s"); got != "http://gateway.local" {
		t.Errorf("ServiceURL(k8s) = %q, want fallback http://gateway.local", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.Safety.RequireApprovalEnvironments[0] = "mutated"
	if cfg.Safety.RequireApprovalEnvironments[0] == "mutated" {
		t.Error("Clone should not share backing array with original")
	}
}
