package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"testing"
	"time"
)

const helperEnv = "TOOLBRIDGE_TRANSPORT_HELPER"

// TestMain lets the test binary double as the child process.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "cat":
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
		os.Exit(0)
	case "noisy":
		fmt.Fprintln(os.Stderr, "booting")
		fmt.Println(`{"n":1}`)
		fmt.Println(`this is not json`)
		fmt.Println()
		fmt.Println(`{"n":2}`)
		os.Exit(3)
	case "block":
		io.Copy(io.Discard, os.Stdin)
		os.Exit(0)
	case "ignore-interrupt":
		signal.Ignore(os.Interrupt)
		time.Sleep(time.Minute)
	}
	os.Exit(2)
}

type recorder struct {
	mu       sync.Mutex
	started  []int
	messages []string
	exits    []error
	exited   chan struct{}
	messaged chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		exited:   make(chan struct{}, 8),
		messaged: make(chan struct{}, 64),
	}
}

func (r *recorder) HandleStarted(pid int) {
	r.mu.Lock()
	r.started = append(r.started, pid)
	r.mu.Unlock()
}

func (r *recorder) HandleMessage(line []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, string(line))
	r.mu.Unlock()
	r.messaged <- struct{}{}
}

func (r *recorder) HandleExit(err error) {
	r.mu.Lock()
	r.exits = append(r.exits, err)
	r.mu.Unlock()
	r.exited <- struct{}{}
}

func (r *recorder) snapshot() ([]string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), append([]error(nil), r.exits...)
}

func helperConfig(mode string) Config {
	return Config{
		Command:       os.Args[0],
		Args:          []string{"-test.run=^$"},
		Env:           []string{helperEnv + "=" + mode},
		ShutdownGrace: 500 * time.Millisecond,
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestProcessRoundTrip(t *testing.T) {
	rec := newRecorder()
	p := NewProcess(helperConfig("cat"), rec)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !p.Running() {
		t.Fatal("expected process to be running")
	}

	if err := p.Send([]byte(`{"jsonrpc":"2.0","id":1,"result":"pong"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, rec.messaged, "echoed message")

	msgs, _ := rec.snapshot()
	if len(msgs) != 1 || !strings.Contains(msgs[0], `"pong"`) {
		t.Fatalf("unexpected messages: %v", msgs)
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}

	_, exits := rec.snapshot()
	if len(exits) != 1 || !errors.Is(exits[0], ErrStopped) {
		t.Fatalf("expected one ErrStopped exit, got %v", exits)
	}
	if p.State() != StateStopped {
		t.Errorf("expected state stopped, got %s", p.State())
	}
}

func TestProcessDropsMalformedLines(t *testing.T) {
	rec := newRecorder()
	p := NewProcess(helperConfig("noisy"), rec)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, rec.exited, "exit")

	msgs, exits := rec.snapshot()
	if len(msgs) != 2 || msgs[0] != `{"n":1}` || msgs[1] != `{"n":2}` {
		t.Fatalf("expected the two valid lines, got %v", msgs)
	}
	if len(exits) != 1 || !errors.Is(exits[0], ErrExited) {
		t.Fatalf("expected ErrExited, got %v", exits)
	}

	stats := p.Stats()
	if stats.Malformed != 1 {
		t.Errorf("expected 1 malformed line, got %d", stats.Malformed)
	}
	if stats.State != StateExited {
		t.Errorf("expected exited state, got %s", stats.State)
	}
	if tail := p.StderrTail(); len(tail) == 0 || tail[0] != "booting" {
		t.Errorf("expected stderr tail to contain boot line, got %v", tail)
	}
}

func TestProcessSendAfterExit(t *testing.T) {
	rec := newRecorder()
	p := NewProcess(helperConfig("noisy"), rec)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, rec.exited, "exit")
	if p.Running() {
		t.Fatal("process should not be running after its exit was reported")
	}

	err := p.Send([]byte(`{}`))
	var werr *WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("expected WriteError, got %v", err)
	}
}

func TestProcessRestart(t *testing.T) {
	rec := newRecorder()
	p := NewProcess(helperConfig("block"), rec)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := p.Start(ctx); err != nil {
			t.Fatalf("start %d failed: %v", i, err)
		}
		if err := p.Stop(ctx); err != nil {
			t.Fatalf("stop %d failed: %v", i, err)
		}
	}

	if got := p.Stats().Spawns; got != 2 {
		t.Errorf("expected 2 spawns, got %d", got)
	}
}

func TestProcessKillsAfterGrace(t *testing.T) {
	rec := newRecorder()
	cfg := helperConfig("ignore-interrupt")
	cfg.ShutdownGrace = 100 * time.Millisecond
	p := NewProcess(cfg, rec)

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Stop(context.Background()) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after grace period")
	}
	if p.Running() {
		t.Error("process still running after Stop")
	}
}

func TestProcessSpawnError(t *testing.T) {
	p := NewProcess(Config{Command: "definitely-not-a-real-binary-xyz"}, newRecorder())

	err := p.Start(context.Background())
	var serr *SpawnError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if p.State() != StateError {
		t.Errorf("expected error state, got %s", p.State())
	}

	err = NewProcess(Config{}, newRecorder()).Start(context.Background())
	if !errors.As(err, &serr) {
		t.Fatalf("expected SpawnError for empty command, got %v", err)
	}
}

func TestReadLineTooLong(t *testing.T) {
	input := strings.Repeat("x", 100) + "\n" + `{"ok":true}` + "\n"
	r := bufio.NewReaderSize(strings.NewReader(input), 16)

	_, tooLong, err := readLine(r, 32)
	if !tooLong || err != nil {
		t.Fatalf("expected oversized line, got tooLong=%v err=%v", tooLong, err)
	}

	line, tooLong, err := readLine(r, 32)
	if tooLong || err != nil || string(trimEOL(line)) != `{"ok":true}` {
		t.Fatalf("unexpected second line %q tooLong=%v err=%v", line, tooLong, err)
	}
}

func TestStderrEncodingFallback(t *testing.T) {
	if _, ok := stderrEncoding("latin1"); !ok {
		t.Error("latin1 should resolve")
	}
	if _, ok := stderrEncoding("no-such-charset"); ok {
		t.Error("unknown label should not resolve")
	}

	r := decodeStderr(strings.NewReader("caf\xe9\n"), "windows-1252")
	out, _ := io.ReadAll(r)
	if string(out) != "café\n" {
		t.Errorf("expected decoded text, got %q", out)
	}
}
