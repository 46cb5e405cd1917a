//go:build unix

package instance

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestGuardExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.pid")

	first := NewGuard(path)
	if err := first.Acquire(); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer first.Release()

	pid, err := ReadPID(path)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("expected own pid, got %d (%v)", pid, err)
	}

	second := NewGuard(path)
	if err := second.Acquire(); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	if err := second.Release(); err != nil {
		t.Errorf("releasing a guard that never acquired should be a no-op: %v", err)
	}
	if pid, _ := ReadPID(path); pid != os.Getpid() {
		t.Error("failed guard must leave the owner's pid file alone")
	}
}

func TestGuardReleaseAllowsRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.pid")

	g := NewGuard(path)
	if err := g.Acquire(); err != nil {
		t.Fatal(err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pid file should be gone after release")
	}

	if err := NewGuard(path).Acquire(); err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
}

func TestGuardReplacesStalePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.pid")
	if err := os.WriteFile(path, []byte("999999"), 0600); err != nil {
		t.Fatal(err)
	}

	g := NewGuard(path)
	if err := g.Acquire(); err != nil {
		t.Fatalf("stale pid file blocked startup: %v", err)
	}
	defer g.Release()

	data, _ := os.ReadFile(path)
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Errorf("pid file not rewritten, got %q", data)
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content *string
		want    int
		wantErr bool
	}{
		{"missing", nil, 0, false},
		{"empty", ptr("  \n"), 0, false},
		{"valid", ptr("42\n"), 42, false},
		{"garbage", ptr("abc"), 0, true},
		{"negative", ptr("-3"), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if tt.content != nil {
				os.WriteFile(path, []byte(*tt.content), 0600)
			}
			got, err := ReadPID(path)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ReadPID = %d, %v; want %d, err=%v", got, err, tt.want, tt.wantErr)
			}
		})
	}
}

func ptr(s string) *string { return &s }
