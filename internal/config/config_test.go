package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestMergeKeepsUnsetFields(t *testing.T) {
	base := Default()
	base.Process.Command = "node"
	base.Process.Args = []string{"server.js"}

	merged, err := Merge(base, []byte("timeouts:\n  tool_call: 250ms\nretry:\n  max_retries: 7\n"))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if merged.Timeouts.ToolCall != 250*time.Millisecond {
		t.Errorf("expected tool_call 250ms, got %v", merged.Timeouts.ToolCall)
	}
	if merged.Retry.MaxRetries != 7 {
		t.Errorf("expected max_retries 7, got %d", merged.Retry.MaxRetries)
	}
	if merged.Timeouts.Request != base.Timeouts.Request {
		t.Errorf("request timeout changed: %v", merged.Timeouts.Request)
	}
	if merged.Process.Command != "node" || len(merged.Process.Args) != 1 {
		t.Errorf("process section changed: %+v", merged.Process)
	}

	merged.Process.Args[0] = "other.js"
	if base.Process.Args[0] != "server.js" {
		t.Error("Merge must not share slices with the base config")
	}
}

func TestMergeRejectsBadYAML(t *testing.T) {
	base := Default()
	if _, err := Merge(base, []byte("timeouts: [")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolbridge.yaml")
	content := `
process:
  command: python3
  args: ["-u", "server.py"]
concurrency:
  max_concurrent_calls: 4
monitoring:
  interval: 2s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TOOLBRIDGE_RETRY_MAX_RETRIES", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Process.Command != "python3" {
		t.Errorf("expected command python3, got %q", cfg.Process.Command)
	}
	if len(cfg.Process.Args) != 2 || cfg.Process.Args[1] != "server.py" {
		t.Errorf("unexpected args: %v", cfg.Process.Args)
	}
	if cfg.Concurrency.MaxConcurrentCalls != 4 {
		t.Errorf("expected 4 concurrent calls, got %d", cfg.Concurrency.MaxConcurrentCalls)
	}
	if cfg.Monitoring.Interval != 2*time.Second {
		t.Errorf("expected interval 2s, got %v", cfg.Monitoring.Interval)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("expected env override max_retries=5, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Timeouts.HealthCheck != Default().Timeouts.HealthCheck {
		t.Errorf("unset field lost its default: %v", cfg.Timeouts.HealthCheck)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateReportsFields(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxRetries = 0
	cfg.Concurrency.MaxConcurrentCalls = 0
	cfg.Process.Readiness = "handshake"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	fields := map[string]bool{}
	for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
		var ce *ConfigError
		if errors.As(e, &ce) {
			fields[ce.Field] = true
		}
	}

	for _, want := range []string{"retry.max_retries", "concurrency.max_concurrent_calls", "process.readiness"} {
		if !fields[want] {
			t.Errorf("expected error for %s, got %v", want, err)
		}
	}
}
