package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" INFO ", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestForComponentFollowsInit(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	// declared before Init, like package-level loggers
	log := ForComponent("retry")

	var buf bytes.Buffer
	cfg := FromStrings("warn", "json")
	cfg.Output = &buf
	Init(cfg)

	log.Info("hidden")
	log.Warn("backing off", "attempt", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line at warn level, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["component"] != "retry" || rec["msg"] != "backing off" || rec["attempt"] != float64(2) {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestForComponentGroups(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	cfg := FromStrings("info", "json")
	cfg.Output = &buf
	Init(cfg)

	ForComponent("rpc").With("pid", 42).WithGroup("request").With("id", 7).Info("sent", "method", "tools/call")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["component"] != "rpc" || rec["pid"] != float64(42) {
		t.Errorf("attrs before the group must stay top level: %v", rec)
	}
	group, ok := rec["request"].(map[string]any)
	if !ok {
		t.Fatalf("missing request group: %v", rec)
	}
	if group["id"] != float64(7) || group["method"] != "tools/call" {
		t.Errorf("attrs after the group must be nested: %v", group)
	}
	if _, leaked := rec["id"]; leaked {
		t.Errorf("grouped attr leaked to top level: %v", rec)
	}
}
