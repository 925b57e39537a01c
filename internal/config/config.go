// Package config loads and validates the Nimbus core engine configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the engine's full runtime configuration: policy-ish settings
// loaded from a TOML file, overlaid with the environment variables named
// in the external interface spec.
type Config struct {
	General    General            `toml:"general"`
	API        API                `toml:"api"`
	Storage    Storage            `toml:"storage"`
	Capability Capability         `toml:"capability"`
	RateLimits map[string]RateLimit `toml:"rate_limits"`
	Safety     Safety             `toml:"safety"`
}

// General holds engine-wide concurrency and checkpoint settings.
type General struct {
	MaxTaskConcurrency  int      `toml:"max_task_concurrency"`
	MaxStepFanout       int      `toml:"max_step_fanout"`
	CheckpointMaxBytes  int      `toml:"checkpoint_max_bytes"`
	ApprovalTimeout     Duration `toml:"approval_timeout"`
	LogLevel            string   `toml:"log_level"`
}

// API holds the Task RPC HTTP surface's bind address and auth token.
type API struct {
	Bind               string `toml:"bind"`
	InternalServiceToken string `toml:"internal_service_token"`
}

// Storage configures the Checkpoint Store's backing.
type Storage struct {
	// SQLitePath is the embedded, single-process store the engine opens.
	// StateServiceURL is loaded from TOML or STATE_SERVICE_URL but is not
	// read anywhere: the Checkpoint Store always uses SQLitePath.
	SQLitePath      string `toml:"sqlite_path"`
	StateServiceURL string `toml:"state_service_url"`
}

// Capability configures the outbound Capability Port transport.
// ServiceURLs maps a capability domain (the prefix of a step's kind,
// e.g. "terraform", "k8s", "drift") to that tool service's base URL;
// a domain absent from ServiceURLs falls back to BaseURL, so a single
// gateway deployment can still set just BaseURL and nothing else.
type Capability struct {
	BaseURL     string            `toml:"base_url"`
	ServiceURLs map[string]string `toml:"service_urls"`
	Timeout     Duration          `toml:"timeout"`
}

// ServiceURL returns the configured base URL for a capability domain,
// falling back to Capability.BaseURL when the domain has no specific
// entry in ServiceURLs.
func (c *Capability) ServiceURL(domain string) string {
	if url, ok := c.ServiceURLs[domain]; ok && url != "" {
		return url
	}
	return c.BaseURL
}

// RateLimit is a per-service token bucket configuration.
type RateLimit struct {
	RequestsPerMinute int `toml:"requests_per_minute"`
	Burst             int `toml:"burst"`
	QueueCapacity     int `toml:"queue_capacity"`
}

// Safety holds safety-engine-wide defaults (individual checks are
// registered in code, not config — see internal/safety).
type Safety struct {
	RequireApprovalEnvironments []string `toml:"require_approval_environments"`
}

// Clone returns a deep-enough copy for safe concurrent snapshotting.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.RateLimits = make(map[string]RateLimit, len(c.RateLimits))
	for k, v := range c.RateLimits {
		clone.RateLimits[k] = v
	}
	clone.Capability.ServiceURLs = make(map[string]string, len(c.Capability.ServiceURLs))
	for k, v := range c.Capability.ServiceURLs {
		clone.Capability.ServiceURLs[k] = v
	}
	clone.Safety.RequireApprovalEnvironments = append([]string(nil), c.Safety.RequireApprovalEnvironments...)
	return &clone
}

// Default returns the spec's documented defaults (§6 of SPEC_FULL.md).
func Default() *Config {
	return &Config{
		General: General{
			MaxTaskConcurrency: 16,
			MaxStepFanout:      4,
			CheckpointMaxBytes: 1 << 20,
			ApprovalTimeout:    Duration{24 * time.Hour},
			LogLevel:           "info",
		},
		API: API{
			Bind: ":3001",
		},
		Storage: Storage{
			SQLitePath: "nimbus-core.db",
		},
		Capability: Capability{
			Timeout: Duration{30 * time.Second},
		},
		RateLimits: map[string]RateLimit{
			"default": {RequestsPerMinute: 60, Burst: 60, QueueCapacity: 256},
		},
		Safety: Safety{
			RequireApprovalEnvironments: []string{"prod"},
		},
	}
}

// Load reads a TOML config file, falling back to Default() for any file
// that does not exist, then overlays recognized environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %q: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %q: %w", path, err)
		}
	}
	applyEnvOverlay(cfg)
	return cfg, nil
}

// applyEnvOverlay mirrors the environment variables documented in the
// external interface spec, each overriding its TOML-loaded counterpart
// when present.
func applyEnvOverlay(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CORE_ENGINE_PORT")); v != "" {
		cfg.API.Bind = ":" + v
	}
	if v := strings.TrimSpace(os.Getenv("STATE_SERVICE_URL")); v != "" {
		cfg.Storage.StateServiceURL = v
	}
	if v := strings.TrimSpace(os.Getenv("INTERNAL_SERVICE_TOKEN")); v != "" {
		cfg.API.InternalServiceToken = v
	}
	if v, ok := envInt("MAX_TASK_CONCURRENCY"); ok {
		cfg.General.MaxTaskConcurrency = v
	}
	if v, ok := envInt("MAX_STEP_FANOUT"); ok {
		cfg.General.MaxStepFanout = v
	}
	if v, ok := envInt("APPROVAL_TIMEOUT_MS"); ok {
		cfg.General.ApprovalTimeout = Duration{time.Duration(v) * time.Millisecond}
	}
	if v, ok := envInt("CHECKPOINT_MAX_BYTES"); ok {
		cfg.General.CheckpointMaxBytes = v
	}
	if v, ok := envInt("RATE_LIMIT_REQ_PER_MIN"); ok {
		rl := cfg.RateLimits["default"]
		rl.RequestsPerMinute = v
		if rl.Burst == 0 {
			rl.Burst = v
		}
		cfg.RateLimits["default"] = rl
	}
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// RateLimitFor returns the configured rate limit for a named capability
// service, falling back to the "default" entry.
func (c *Config) RateLimitFor(service string) RateLimit {
	if rl, ok := c.RateLimits[service]; ok {
		return rl
	}
	return c.RateLimits["default"]
}

// RequiresApproval reports whether the given environment label is
// configured to require pre-execution human approval.
func (c *Config) RequiresApproval(environment string) bool {
	environment = strings.ToLower(strings.TrimSpace(environment))
	for _, e := range c.Safety.RequireApprovalEnvironments {
		if strings.ToLower(strings.TrimSpace(e)) == environment {
			return true
		}
	}
	return false
}
