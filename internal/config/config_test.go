package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "godel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Bus.MaxHistorySize != 1000 {
		t.Fatalf("bus.maxHistorySize = %d, want 1000", cfg.Bus.MaxHistorySize)
	}
	if cfg.Store.BatchSize != 100 || cfg.Store.FlushIntervalMs != 5000 {
		t.Fatalf("store defaults = %+v", cfg.Store)
	}
	if cfg.Persist.SaveDebounceMs != 100 {
		t.Fatalf("persist.saveDebounceMs = %d, want 100", cfg.Persist.SaveDebounceMs)
	}
	if cfg.Exec.MaxConcurrency != 10 || cfg.Exec.RetryAttempts != 1 ||
		cfg.Exec.RetryDelayMs != 0 || cfg.Exec.RetryBackoff != "fixed" || cfg.Exec.ContinueOnFailure {
		t.Fatalf("exec defaults = %+v", cfg.Exec)
	}
	if cfg.Workflow.MaxConcurrentNodes != 10 || cfg.Workflow.DefaultTaskTimeoutMs != 300000 ||
		cfg.Workflow.SubWorkflowTimeoutMs != 600000 || cfg.Workflow.MaxNestingDepth != 8 {
		t.Fatalf("workflow defaults = %+v", cfg.Workflow)
	}
	if cfg.LB.CircuitBreakerThreshold != 3 || cfg.LB.MaxAlternatives != 3 {
		t.Fatalf("lb defaults = %+v", cfg.LB)
	}
	w := cfg.Selector.Weights
	if w.Skill != 0.4 || w.Cost != 0.2 || w.Reliability != 0.2 || w.Load != 0.2 {
		t.Fatalf("selector weights = %+v", w)
	}
	if cfg.State.ErrorRetryLimit != 3 {
		t.Fatalf("state.errorRetryLimit = %d, want 3", cfg.State.ErrorRetryLimit)
	}
	if cfg.Quota.RequestsPerSecond != 50 || cfg.Quota.RequestBurst != 100 {
		t.Fatalf("quota defaults = %+v", cfg.Quota)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("storage.backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Encoding != "json" {
		t.Fatalf("logging defaults = %+v", cfg.Logging)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
service:
  port: 9001
  healthPort: 9002
logging:
  level: debug
  development: true
bus:
  maxHistorySize: 250
exec:
  retryAttempts: 3
  retryBackoff: exponential
quota:
  userDefaults:
    agentsPerDay: 20
    concurrentAgents: 5
auth:
  enabled: true
  jwtSecret: sekrit
`)
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Service.Port != 9001 || cfg.Service.HealthPort != 9002 {
		t.Fatalf("service = %+v", cfg.Service)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Development {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Bus.MaxHistorySize != 250 {
		t.Fatalf("bus.maxHistorySize = %d, want 250", cfg.Bus.MaxHistorySize)
	}
	if cfg.Exec.RetryAttempts != 3 || cfg.Exec.RetryBackoff != "exponential" {
		t.Fatalf("exec = %+v", cfg.Exec)
	}
	if cfg.Quota.UserDefaults.AgentsPerDay != 20 || cfg.Quota.UserDefaults.ConcurrentAgents != 5 {
		t.Fatalf("quota user defaults = %+v", cfg.Quota.UserDefaults)
	}
	if !cfg.Auth.Enabled || cfg.Auth.JWTSecret != "sekrit" {
		t.Fatalf("auth = %+v", cfg.Auth)
	}

	// Untouched keys keep their defaults.
	if cfg.Store.BatchSize != 100 {
		t.Fatalf("store.batchSize = %d, want default 100", cfg.Store.BatchSize)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "bus:\n  maxHistorySize: 250\n")
	t.Setenv("GODEL_BUS_MAXHISTORYSIZE", "64")
	t.Setenv("GODEL_LOGGING_LEVEL", "warn")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Bus.MaxHistorySize != 64 {
		t.Fatalf("bus.maxHistorySize = %d, want env override 64", cfg.Bus.MaxHistorySize)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("logging.level = %q, want env override warn", cfg.Logging.Level)
	}
}

func TestLoadHonorsConfigPathEnv(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "service:\n  port: 9100\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Port != 9100 {
		t.Fatalf("service.port = %d, want 9100", cfg.Service.Port)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad encoding", func(c *Config) { c.Logging.Encoding = "logfmt" }},
		{"bad backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"bad backoff", func(c *Config) { c.Exec.RetryBackoff = "jittered" }},
		{"bad dsn scheme", func(c *Config) { c.Store.DSN = "mysql://x" }},
		{"zero batch", func(c *Config) { c.Store.BatchSize = 0 }},
		{"port clash", func(c *Config) { c.Service.HealthPort = c.Service.Port }},
		{"port range", func(c *Config) { c.Service.Port = 70000 }},
		{"weight range", func(c *Config) { c.Selector.Weights.Skill = 1.5 }},
		{"zero burst", func(c *Config) { c.Quota.RequestBurst = 0 }},
		{"sql backend without dsn", func(c *Config) { c.Storage.Backend = "sql" }},
		{"policy without path", func(c *Config) { c.Quota.Policy.Enabled = true; c.Quota.Policy.Path = "" }},
		{"auth without material", func(c *Config) { c.Auth.Enabled = true }},
		{"api key without hash", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.APIKeys = []APIKeyConfig{{UserID: "u1"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	w := NewWatcher(path, cfg, zaptest.NewLogger(t))

	changed := make(chan *Config, 1)
	w.OnChange(func(_, updated *Config) {
		select {
		case changed <- updated:
		default:
		}
	})

	writeConfig(t, dir, "logging:\n  level: debug\nlb:\n  circuitBreakerThreshold: 7\n")
	w.reload()

	select {
	case updated := <-changed:
		if updated.Logging.Level != "debug" {
			t.Fatalf("level = %q, want debug", updated.Logging.Level)
		}
		if updated.LB.CircuitBreakerThreshold != 7 {
			t.Fatalf("breaker threshold = %d, want 7", updated.LB.CircuitBreakerThreshold)
		}
	default:
		t.Fatal("handler not invoked")
	}
	if w.Current().Logging.Level != "debug" {
		t.Fatalf("Current not swapped: %q", w.Current().Logging.Level)
	}
}

func TestWatcherKeepsCurrentOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	w := NewWatcher(path, cfg, zaptest.NewLogger(t))

	called := false
	w.OnChange(func(_, _ *Config) { called = true })

	writeConfig(t, dir, "logging:\n  level: shouting\n")
	w.reload()

	if called {
		t.Fatal("handler invoked for invalid config")
	}
	if w.Current().Logging.Level != "info" {
		t.Fatalf("current = %q, want info preserved", w.Current().Logging.Level)
	}
}

func TestWatcherPolling(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "bus:\n  maxHistorySize: 10\n")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	w := NewWatcher(path, cfg, zaptest.NewLogger(t))
	w.EnablePolling(10 * time.Millisecond)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	changed := make(chan *Config, 1)
	w.OnChange(func(_, updated *Config) {
		select {
		case changed <- updated:
		default:
		}
	})

	// Some filesystems have coarse mtime granularity.
	time.Sleep(1100 * time.Millisecond)
	writeConfig(t, dir, "bus:\n  maxHistorySize: 20\n")

	select {
	case updated := <-changed:
		if updated.Bus.MaxHistorySize != 20 {
			t.Fatalf("maxHistorySize = %d, want 20", updated.Bus.MaxHistorySize)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poll reload never fired")
	}
}
