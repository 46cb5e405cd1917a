// Package stub is a minimal tool host speaking line-delimited JSON-RPC on
// stdio. It backs the toolbridge-stub binary and the integration tests.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/alucardeht/toolbridge/pkg/protocol"
)

type Mode string

const (
	// ModeEcho answers every call; "pong" unless the tool name says otherwise.
	ModeEcho Mode = "echo"
	// ModeSilent reads requests and never answers.
	ModeSilent Mode = "silent"
	// ModeExit returns immediately, closing stdout.
	ModeExit Mode = "exit"
	// ModeNoisy behaves like echo but interleaves malformed and stray lines.
	ModeNoisy Mode = "noisy"
)

type Options struct {
	Mode  Mode
	Delay time.Duration
}

type host struct {
	opts     Options
	started  time.Time
	requests atomic.Int64
	errors   atomic.Int64
}

type stdio struct {
	in  io.Reader
	out io.Writer
}

func (s stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s stdio) Write(p []byte) (int, error) { return s.out.Write(p) }

func (s stdio) Close() error {
	if c, ok := s.in.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Serve runs the host until in reaches EOF or ctx is cancelled.
func Serve(ctx context.Context, in io.Reader, out io.Writer, opts Options) error {
	switch opts.Mode {
	case ModeExit:
		return nil
	case ModeSilent:
		_, err := io.Copy(io.Discard, in)
		return err
	case ModeEcho, ModeNoisy, "":
	default:
		return fmt.Errorf("unknown stub mode %q", opts.Mode)
	}

	h := &host{opts: opts, started: time.Now()}
	stream := jsonrpc2.NewBufferedStream(stdio{in: in, out: out}, LineCodec{Noise: opts.Mode == ModeNoisy})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(h.handle)))

	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		conn.Close()
	}
	return nil
}

func (h *host) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	h.requests.Add(1)

	if h.opts.Delay > 0 {
		time.Sleep(h.opts.Delay)
	}

	switch req.Method {
	case protocol.MethodHealthCheck:
		return h.health(), nil

	case protocol.MethodToolsCall:
		result, err := h.callTool(req)
		if err != nil {
			h.errors.Add(1)
		}
		return result, err

	default:
		h.errors.Add(1)
		return nil, &jsonrpc2.Error{Code: protocol.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (h *host) callTool(req *jsonrpc2.Request) (interface{}, error) {
	var params protocol.ToolCallParams
	if req.Params == nil {
		return nil, &jsonrpc2.Error{Code: protocol.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return nil, &jsonrpc2.Error{Code: protocol.CodeInvalidParams, Message: err.Error()}
	}

	switch params.Tool {
	case "sleep":
		var args struct {
			MS int `json:"ms"`
		}
		json.Unmarshal(params.Args, &args)
		time.Sleep(time.Duration(args.MS) * time.Millisecond)
		return map[string]int{"slept_ms": args.MS}, nil

	case "echo":
		return params.Args, nil

	case "fail":
		return nil, &jsonrpc2.Error{Code: protocol.CodeToolFailed, Message: "tool failed on purpose"}

	case "crash":
		os.Exit(1)
		return nil, nil

	default:
		return "pong", nil
	}
}

func (h *host) health() protocol.HealthStatus {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return protocol.HealthStatus{
		Status:   "healthy",
		Uptime:   int64(time.Since(h.started).Seconds()),
		Requests: h.requests.Load(),
		Errors:   h.errors.Load(),
		Memory: protocol.MemoryUsage{
			HeapAlloc:  mem.HeapAlloc,
			HeapSys:    mem.HeapSys,
			Goroutines: runtime.NumGoroutine(),
		},
	}
}
