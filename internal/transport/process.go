package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alucardeht/toolbridge/internal/config"
	"github.com/alucardeht/toolbridge/internal/logger"
)

var (
	ErrExited  = errors.New("process exited")
	ErrStopped = errors.New("process stopped")

	log = logger.ForComponent("transport")
)

const stderrTailLines = 20

type Config struct {
	Command        string
	Args           []string
	Env            []string
	Dir            string
	StderrEncoding string
	ShutdownGrace  time.Duration
	MaxLineBytes   int
}

func ConfigFrom(pc config.ProcessConfig) Config {
	return Config{
		Command:        pc.Command,
		Args:           append([]string(nil), pc.Args...),
		Env:            append([]string(nil), pc.Env...),
		Dir:            pc.Dir,
		StderrEncoding: pc.StderrEncoding,
		ShutdownGrace:  pc.ShutdownGrace,
		MaxLineBytes:   pc.MaxLineBytes,
	}
}

// Process owns one child process at a time and exchanges newline-delimited
// JSON with it. It can be started again after the child exits.
type Process struct {
	config  Config
	handler Handler

	state atomic.Value

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	done      chan struct{}
	stopping  bool
	startedAt time.Time
	spawns    int
	lastError error

	writeMu sync.Mutex

	stderrMu   sync.Mutex
	stderrTail []string

	linesIn   atomic.Int64
	linesOut  atomic.Int64
	malformed atomic.Int64
}

func NewProcess(config Config, handler Handler) *Process {
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = 16 * 1024 * 1024
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 3 * time.Second
	}
	p := &Process{
		config:  config,
		handler: handler,
	}
	p.state.Store(StateStopped)
	return p
}

// SetConfig replaces the spawn configuration used by the next Start.
func (p *Process) SetConfig(config Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = p.config.MaxLineBytes
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = p.config.ShutdownGrace
	}
	p.config = config
}

func (p *Process) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return nil
	}

	cmd, stdout, stderr, err := p.spawnLocked()
	if err != nil {
		p.state.Store(StateError)
		p.lastError = err
		p.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	pid := cmd.Process.Pid
	log.Info("process started", "command", p.config.Command, "pid", pid)
	p.handler.HandleStarted(pid)

	go p.supervise(cmd, stdout, stderr, done)
	return nil
}

func (p *Process) spawnLocked() (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	if p.config.Command == "" {
		return nil, nil, nil, &SpawnError{Err: errors.New("no command configured")}
	}

	path, err := exec.LookPath(p.config.Command)
	if err != nil {
		return nil, nil, nil, &SpawnError{Command: p.config.Command, Err: err}
	}

	p.state.Store(StateStarting)

	cmd := exec.Command(path, p.config.Args...)
	cmd.Dir = p.config.Dir
	cmd.Env = append(os.Environ(), p.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, &SpawnError{Command: p.config.Command, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, nil, &SpawnError{Command: p.config.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, nil, nil, &SpawnError{Command: p.config.Command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, nil, nil, &SpawnError{Command: p.config.Command, Err: err}
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stopping = false
	p.startedAt = time.Now()
	p.spawns++
	p.lastError = nil
	p.state.Store(StateRunning)

	p.stderrMu.Lock()
	p.stderrTail = nil
	p.stderrMu.Unlock()

	return cmd, stdout, stderr, nil
}

// supervise drains both output pipes, reaps the child and reports the exit.
// cmd.Wait must only run after the readers are finished with the pipes.
func (p *Process) supervise(cmd *exec.Cmd, stdout, stderr io.Reader, done chan struct{}) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.readStderr(stderr)
	}()

	readErr := p.readStdout(stdout)
	wg.Wait()
	waitErr := cmd.Wait()

	p.mu.Lock()
	stopped := p.stopping
	p.cmd = nil
	p.stdin = nil
	p.stopping = false

	var exitErr error
	if stopped {
		p.state.Store(StateStopped)
		exitErr = ErrStopped
	} else {
		p.state.Store(StateExited)
		switch {
		case waitErr != nil:
			exitErr = fmt.Errorf("%w: %v", ErrExited, waitErr)
		case readErr != nil:
			exitErr = fmt.Errorf("%w: %v", ErrExited, readErr)
		default:
			exitErr = ErrExited
		}
		p.lastError = exitErr
	}
	p.mu.Unlock()

	if stopped {
		log.Info("process stopped", "pid", cmd.Process.Pid)
	} else {
		log.Warn("process exited", "pid", cmd.Process.Pid, "error", exitErr, "stderr", p.StderrTail())
	}

	p.handler.HandleExit(exitErr)
	close(done)
}

func (p *Process) readStdout(stdout io.Reader) error {
	reader := bufio.NewReaderSize(stdout, 64*1024)

	for {
		line, tooLong, err := readLine(reader, p.config.MaxLineBytes)
		if tooLong {
			p.malformed.Add(1)
			log.Warn("dropping oversized message", "limit", p.config.MaxLineBytes)
		} else if line = trimEOL(line); len(line) > 0 {
			p.dispatch(line)
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (p *Process) dispatch(line []byte) {
	if !json.Valid(line) {
		p.malformed.Add(1)
		var probe any
		perr := &ParseError{Line: truncate(string(line), 200), Err: json.Unmarshal(line, &probe)}
		log.Warn("dropping malformed message", "error", perr)
		return
	}
	p.linesIn.Add(1)
	p.handler.HandleMessage(line)
}

func (p *Process) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(decodeStderr(stderr, p.config.StderrEncoding))
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	for scanner.Scan() {
		text := scanner.Text()
		p.stderrMu.Lock()
		p.stderrTail = append(p.stderrTail, text)
		if len(p.stderrTail) > stderrTailLines {
			p.stderrTail = p.stderrTail[len(p.stderrTail)-stderrTailLines:]
		}
		p.stderrMu.Unlock()
		log.Debug("process stderr", "line", text)
	}

	// keep the pipe drained so the child never blocks on a full stderr
	io.Copy(io.Discard, stderr)
}

// Send writes one message followed by a newline.
func (p *Process) Send(line []byte) error {
	p.mu.Lock()
	stdin := p.stdin
	running := p.cmd != nil && !p.stopping
	p.mu.Unlock()

	if !running || stdin == nil {
		return &WriteError{Err: ErrNotRunning}
	}

	buf := make([]byte, len(line)+1)
	copy(buf, line)
	buf[len(line)] = '\n'

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := stdin.Write(buf); err != nil {
		return &WriteError{Err: err}
	}
	p.linesOut.Add(1)
	return nil
}

// Stop closes stdin, interrupts the child and kills it after the shutdown
// grace period. Stopping a process that is not running is a no-op.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.cmd == nil {
		p.mu.Unlock()
		return nil
	}
	if p.stopping {
		done := p.done
		p.mu.Unlock()
		return waitDone(ctx, done)
	}

	p.stopping = true
	cmd, stdin, done := p.cmd, p.stdin, p.done
	grace := p.config.ShutdownGrace
	p.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}

	var err error
	if sigErr := cmd.Process.Signal(os.Interrupt); sigErr != nil {
		err = cmd.Process.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		cmd.Process.Kill()
		<-done
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
	}

	if errors.Is(err, os.ErrProcessDone) {
		err = nil
	}
	return err
}

func waitDone(ctx context.Context, done chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && !p.stopping
}

func (p *Process) State() State {
	return p.state.Load().(State)
}

func (p *Process) StderrTail() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return append([]string(nil), p.stderrTail...)
}

type Stats struct {
	State        State         `json:"state" yaml:"state"`
	PID          int           `json:"pid,omitempty" yaml:"pid,omitempty"`
	Command      string        `json:"command" yaml:"command"`
	StartedAt    time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Uptime       time.Duration `json:"uptime" yaml:"uptime"`
	Spawns       int           `json:"spawns" yaml:"spawns"`
	LinesIn      int64         `json:"lines_in" yaml:"lines_in"`
	LinesOut     int64         `json:"lines_out" yaml:"lines_out"`
	Malformed    int64         `json:"malformed" yaml:"malformed"`
	LastErrorMsg string        `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

func (p *Process) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		State:     p.State(),
		Command:   p.config.Command,
		Spawns:    p.spawns,
		LinesIn:   p.linesIn.Load(),
		LinesOut:  p.linesOut.Load(),
		Malformed: p.malformed.Load(),
	}
	if p.cmd != nil && p.cmd.Process != nil {
		stats.PID = p.cmd.Process.Pid
		stats.StartedAt = p.startedAt
		stats.Uptime = time.Since(p.startedAt)
	}
	if p.lastError != nil {
		stats.LastErrorMsg = p.lastError.Error()
	}
	return stats
}

// readLine reads up to and including '\n'. Lines longer than max are consumed
// and reported with tooLong set.
func readLine(r *bufio.Reader, max int) (line []byte, tooLong bool, err error) {
	for {
		chunk, rerr := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > max+2 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		return line, tooLong, rerr
	}
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
