package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/alucardeht/toolbridge/internal/config"
	"github.com/alucardeht/toolbridge/internal/logger"
	"github.com/alucardeht/toolbridge/internal/transport"
	"github.com/alucardeht/toolbridge/pkg/protocol"
)

var log = logger.ForComponent("rpc")

type settings struct {
	timeouts   config.TimeoutConfig
	readiness  string
	readyDelay time.Duration
}

type response struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	id        uint64
	method    string
	createdAt time.Time
	done      chan response
}

// inboundMessage is the subset of a JSON-RPC object the client inspects.
type inboundMessage struct {
	ID     *jsonrpc2.ID    `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpc2.Error `json:"error"`
}

// Client correlates requests written to the tool host with the responses it
// prints back. Responses may arrive in any order.
type Client struct {
	transport *transport.Process
	breaker   *transport.Breaker
	settings  atomic.Pointer[settings]

	nextID    atomic.Uint64
	connected atomic.Bool

	mu      sync.Mutex
	pending map[uint64]*pendingRequest

	connectMu sync.Mutex

	listenersMu  sync.Mutex
	onDisconnect []func(error)

	requestCount atomic.Int64
	errorCount   atomic.Int64
	timeoutCount atomic.Int64
	lastRequest  atomic.Int64
}

func NewClient(cfg config.Config) *Client {
	c := &Client{
		pending: make(map[uint64]*pendingRequest),
		breaker: transport.NewBreaker(transport.BreakerConfig{
			FailureThreshold: cfg.Process.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Process.Breaker.OpenTimeout,
		}),
	}
	c.transport = transport.NewProcess(transport.ConfigFrom(cfg.Process), c)
	c.storeSettings(cfg)
	return c
}

func (c *Client) storeSettings(cfg config.Config) {
	c.settings.Store(&settings{
		timeouts:   cfg.Timeouts,
		readiness:  cfg.Process.Readiness,
		readyDelay: cfg.Process.ReadyDelay,
	})
}

// UpdateConfig applies new timeouts immediately and new spawn settings on the
// next (re)connect. Requests already in flight keep their budget.
func (c *Client) UpdateConfig(cfg config.Config) {
	c.storeSettings(cfg)
	c.transport.SetConfig(transport.ConfigFrom(cfg.Process))
	c.breaker.SetConfig(transport.BreakerConfig{
		FailureThreshold: cfg.Process.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Process.Breaker.OpenTimeout,
	})
}

// OnDisconnect registers fn to run whenever the process goes away, whether
// it crashed or was stopped. Stopped processes report transport.ErrStopped.
func (c *Client) OnDisconnect(fn func(error)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.connected.Load() {
		return nil
	}

	if err := c.transport.Start(ctx); err != nil {
		c.breaker.RecordFailure()
		return err
	}

	if err := c.awaitReady(ctx); err != nil {
		c.breaker.RecordFailure()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.transport.Stop(stopCtx)
		cancel()
		return fmt.Errorf("process not ready: %w", err)
	}

	c.breaker.RecordSuccess()
	log.Info("connected", "command", c.transport.Stats().Command)
	return nil
}

func (c *Client) awaitReady(ctx context.Context) error {
	s := c.settings.Load()

	switch s.readiness {
	case config.ReadinessNone:
		return nil

	case config.ReadinessDelay:
		// fixed-delay fallback for hosts without a health/check method
		timer := time.NewTimer(s.readyDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !c.connected.Load() {
			return ErrConnectionLost
		}
		return nil

	default:
		probeCtx, cancel := context.WithTimeout(ctx, s.timeouts.Connection)
		defer cancel()
		_, err := c.HealthCheck(probeCtx)
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			// the host answered, it just has no health/check method
			log.Debug("readiness probe rejected by host", "error", toolErr)
			return nil
		}
		return err
	}
}

// Reconnect restarts the process if it is not running. Restarts are gated by
// the reconnect breaker.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	if !c.breaker.Allow() {
		return transport.ErrBreakerOpen
	}

	timeout := c.settings.Load().timeouts.Reconnect
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+c.settings.Load().timeouts.Connection)
		defer cancel()
	}

	log.Info("reconnecting")
	return c.Connect(ctx)
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.transport.Stop(ctx)
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	raw, err := EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	return c.SendRequest(ctx, protocol.MethodToolsCall, protocol.ToolCallParams{Tool: name, Args: raw})
}

func (c *Client) HealthCheck(ctx context.Context) (json.RawMessage, error) {
	return c.SendRequest(ctx, protocol.MethodHealthCheck, struct{}{})
}

// EncodeArgs turns tool arguments into the JSON object sent as args. nil and
// empty raw messages become {}; raw messages pass through unchanged.
func EncodeArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode tool args: %w", err)
		}
		return b, nil
	}
}

// CalculateTimeout returns the default budget for method when the caller's
// context carries no deadline.
func (c *Client) CalculateTimeout(method string) time.Duration {
	t := c.settings.Load().timeouts
	switch method {
	case protocol.MethodToolsCall:
		return t.ToolCall
	case protocol.MethodHealthCheck:
		return t.HealthCheck
	default:
		return t.Request
	}
}

// SendRequest writes one request and waits for its response. Exactly one of
// response, timeout, disconnect or cancellation completes it.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	id := c.nextID.Add(1)
	req := &jsonrpc2.Request{Method: method, ID: jsonrpc2.ID{Num: id}}
	if err := req.SetParams(params); err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	timeout := c.CalculateTimeout(method)
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	p := &pendingRequest{
		id:        id,
		method:    method,
		createdAt: time.Now(),
		done:      make(chan response, 1),
	}

	// registration and the connected check share the lock with HandleExit, so
	// a request is either rejected here or failed by the disconnect sweep
	c.mu.Lock()
	if !c.connected.Load() {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = p
	c.mu.Unlock()

	c.requestCount.Add(1)
	c.lastRequest.Store(p.createdAt.UnixNano())

	if err := c.transport.Send(line); err != nil {
		if !c.remove(id) {
			return c.finish(<-p.done)
		}
		c.errorCount.Add(1)
		// a write that fails means the pipe is gone even if the exit has not
		// been observed yet
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.done:
		return c.finish(resp)

	case <-timer.C:
	case <-ctx.Done():
	}

	if !c.remove(id) {
		// a response or disconnect claimed the request first
		return c.finish(<-p.done)
	}

	c.errorCount.Add(1)
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}

	c.timeoutCount.Add(1)
	elapsed := time.Since(p.createdAt)
	log.Debug("request timed out", "id", id, "method", method, "elapsed_ms", elapsed.Milliseconds())
	return nil, &RequestTimeout{Method: method, ID: id, Elapsed: elapsed}
}

func (c *Client) finish(resp response) (json.RawMessage, error) {
	if resp.err != nil {
		c.errorCount.Add(1)
	}
	return resp.result, resp.err
}

// remove deletes id from the pending map and reports whether the caller now
// owns completion of that request.
func (c *Client) remove(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Client) complete(id uint64, resp response) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if te, isTool := resp.err.(*ToolError); isTool {
		te.Method = p.method
	}
	p.done <- resp
	return true
}

func (c *Client) failAll(err error) int {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- response{err: err}
	}
	return len(pending)
}

func (c *Client) HandleStarted(pid int) {
	c.connected.Store(true)
	log.Debug("process attached", "pid", pid)
}

func (c *Client) HandleMessage(line []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		log.Warn("ignoring message", "error", &transport.ParseError{Line: string(line), Err: err})
		return
	}

	if msg.Method != "" {
		log.Debug("ignoring host-initiated message", "method", msg.Method)
		return
	}

	if msg.ID == nil {
		log.Warn("ignoring response without id", "error", msg.Error)
		return
	}

	id, ok := numericID(*msg.ID)
	if !ok {
		log.Warn("ignoring response with foreign id", "id", msg.ID.String())
		return
	}

	var resp response
	if msg.Error != nil {
		resp.err = &ToolError{
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Data:    rawData(msg.Error.Data),
		}
	} else {
		resp.result = msg.Result
		if resp.result == nil {
			resp.result = json.RawMessage("null")
		}
	}

	if !c.complete(id, resp) {
		log.Debug("dropping unmatched response", "id", id)
	}
}

func (c *Client) HandleExit(err error) {
	c.mu.Lock()
	c.connected.Store(false)
	c.mu.Unlock()

	if n := c.failAll(connectionLost(err)); n > 0 {
		log.Warn("rejected pending requests", "count", n, "error", err)
	}

	c.listenersMu.Lock()
	listeners := append([]func(error){}, c.onDisconnect...)
	c.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}

func numericID(id jsonrpc2.ID) (uint64, bool) {
	if !id.IsString {
		return id.Num, true
	}
	n, err := strconv.ParseUint(id.Str, 10, 64)
	return n, err == nil
}

func rawData(data *json.RawMessage) json.RawMessage {
	if data == nil {
		return nil
	}
	return *data
}

func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

type ClientStats struct {
	Connected    bool                   `json:"connected" yaml:"connected"`
	RequestCount int64                  `json:"request_count" yaml:"request_count"`
	ErrorCount   int64                  `json:"error_count" yaml:"error_count"`
	TimeoutCount int64                  `json:"timeout_count" yaml:"timeout_count"`
	Pending      int                    `json:"pending" yaml:"pending"`
	LastRequest  time.Time              `json:"last_request,omitempty" yaml:"last_request,omitempty"`
	Process      transport.Stats        `json:"process" yaml:"process"`
	Breaker      transport.BreakerStats `json:"breaker" yaml:"breaker"`
}

func (c *Client) Stats() ClientStats {
	stats := ClientStats{
		Connected:    c.connected.Load(),
		RequestCount: c.requestCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		TimeoutCount: c.timeoutCount.Load(),
		Pending:      c.Pending(),
		Process:      c.transport.Stats(),
		Breaker:      c.breaker.Stats(),
	}
	if ns := c.lastRequest.Load(); ns > 0 {
		stats.LastRequest = time.Unix(0, ns)
	}
	return stats
}
