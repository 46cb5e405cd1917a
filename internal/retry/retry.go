// Package retry runs an operation a bounded number of times, giving later
// attempts more time and sleeping a jittered, class-dependent backoff between
// them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/alucardeht/toolbridge/internal/config"
	"github.com/alucardeht/toolbridge/internal/logger"
	"github.com/alucardeht/toolbridge/internal/rpc"
	"github.com/alucardeht/toolbridge/internal/transport"
)

var log = logger.ForComponent("retry")

type OpType string

const (
	OpToolCall    OpType = "tool_call"
	OpHealthCheck OpType = "health_check"
	OpRequest     OpType = "request"
	OpConnect     OpType = "connect"
)

// Class is the failure category that picks the backoff curve.
type Class int

const (
	ClassOther Class = iota
	ClassTimeout
	ClassConnection
	// ClassFatal failures are returned immediately.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassConnection:
		return "connection"
	case ClassFatal:
		return "fatal"
	default:
		return "other"
	}
}

// OperationFailed is returned once every attempt has failed.
type OperationFailed struct {
	Attempts  int
	LastError error
}

func (e *OperationFailed) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *OperationFailed) Unwrap() error { return e.LastError }

type Options struct {
	OpType OpType
	// Attempts is the total number of tries. Zero means the policy default.
	Attempts int
	// DelayScale multiplies backoff base and cap. Zero means 1.
	DelayScale float64
	// BaseTimeout overrides the per-type first-attempt timeout.
	BaseTimeout time.Duration
}

type settings struct {
	retry    config.RetryConfig
	timeouts config.TimeoutConfig
}

// Policy holds the retry and timeout tables. It is safe for concurrent use;
// SetConfig takes effect for the next Do.
type Policy struct {
	settings  atomic.Pointer[settings]
	reconnect atomic.Pointer[func(context.Context) error]
}

func NewPolicy(retry config.RetryConfig, timeouts config.TimeoutConfig) *Policy {
	p := &Policy{}
	p.SetConfig(retry, timeouts)
	return p
}

func (p *Policy) SetConfig(retry config.RetryConfig, timeouts config.TimeoutConfig) {
	p.settings.Store(&settings{retry: retry, timeouts: timeouts})
}

// SetReconnect installs the hook run before retrying a connection failure.
func (p *Policy) SetReconnect(fn func(context.Context) error) {
	p.reconnect.Store(&fn)
}

func (p *Policy) MaxAttempts() int {
	return max(1, p.settings.Load().retry.MaxRetries)
}

func (p *Policy) BaseTimeout(op OpType) time.Duration {
	t := p.settings.Load().timeouts
	switch op {
	case OpToolCall:
		return t.ToolCall
	case OpHealthCheck:
		return t.HealthCheck
	case OpConnect:
		return t.Connection
	default:
		return t.Request
	}
}

// AttemptTimeout is base * min(multiplier^attempt, maxMultiplier) for a
// 0-based attempt.
func (p *Policy) AttemptTimeout(base time.Duration, attempt int) time.Duration {
	r := p.settings.Load().retry
	mult := math.Pow(r.TimeoutMultiplier, float64(attempt))
	if r.MaxTimeoutMultiplier > 0 {
		mult = math.Min(mult, r.MaxTimeoutMultiplier)
	}
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(base) * mult)
}

func (p *Policy) curve(class Class) (base, cap time.Duration) {
	r := p.settings.Load().retry
	switch class {
	case ClassTimeout:
		return r.TimeoutDelay, r.TimeoutMaxDelay
	case ClassConnection:
		return r.ConnectionDelay, r.ConnectionMaxDelay
	default:
		return r.RetryDelay, r.MaxRetryDelay
	}
}

// NominalBackoff is the un-jittered delay after the n-th failed attempt
// (n >= 1): min(base*2^(n-1), cap).
func (p *Policy) NominalBackoff(class Class, n int, scale float64) time.Duration {
	if scale <= 0 {
		scale = 1
	}
	base, cap := p.curve(class)
	d := float64(base) * scale * math.Pow(2, float64(max(n, 1)-1))
	if limit := float64(cap) * scale; cap > 0 && d > limit {
		d = limit
	}
	return time.Duration(d)
}

// Backoff applies the configured jitter to NominalBackoff.
func (p *Policy) Backoff(class Class, n int, scale float64) time.Duration {
	d := float64(p.NominalBackoff(class, n, scale))
	if j := p.settings.Load().retry.Jitter; j > 0 {
		d *= 1 + j*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Classify maps an attempt error to its backoff class.
func Classify(err error) Class {
	var toolErr *rpc.ToolError
	var spawnErr *transport.SpawnError
	var timeout interface{ Timeout() bool }

	switch {
	case err == nil:
		return ClassOther
	case errors.As(err, &toolErr), errors.As(err, &spawnErr),
		errors.Is(err, transport.ErrBreakerOpen), errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.As(err, &timeout) && timeout.Timeout():
		return ClassTimeout
	case errors.Is(err, rpc.ErrConnectionLost), errors.Is(err, transport.ErrNotRunning):
		return ClassConnection
	default:
		var writeErr *transport.WriteError
		if errors.As(err, &writeErr) {
			return ClassConnection
		}
		return ClassOther
	}
}

// Do runs op until it succeeds, fails fatally, the parent context ends or
// the attempts are used up.
func Do[T any](ctx context.Context, p *Policy, opts Options, op func(context.Context) (T, error)) (T, error) {
	var zero T

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = p.MaxAttempts()
	}
	base := opts.BaseTimeout
	if base <= 0 {
		base = p.BaseTimeout(opts.OpType)
	}

	var lastErr error
	lastClass := ClassOther

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if lastClass == ClassConnection {
				p.runReconnect(ctx)
			}
			delay := p.Backoff(lastClass, attempt, opts.DelayScale)
			log.Debug("retrying", "op", opts.OpType, "attempt", attempt+1, "class", lastClass, "delay_ms", delay.Milliseconds())
			if err := sleep(ctx, delay); err != nil {
				if errors.Is(err, context.Canceled) {
					return zero, err
				}
				return zero, &OperationFailed{Attempts: attempt, LastError: lastErr}
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout(base, attempt))
		v, err := op(attemptCtx)
		cancel()
		if err == nil {
			return v, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.Canceled) {
				return zero, ctxErr
			}
			return zero, &OperationFailed{Attempts: attempt + 1, LastError: err}
		}

		lastErr = err
		lastClass = Classify(err)
		if lastClass == ClassFatal {
			return zero, err
		}
	}

	log.Debug("retries exhausted", "op", opts.OpType, "attempts", attempts, "error", lastErr)
	return zero, &OperationFailed{Attempts: attempts, LastError: lastErr}
}

func (p *Policy) runReconnect(ctx context.Context) {
	fn := p.reconnect.Load()
	if fn == nil || *fn == nil {
		return
	}
	if err := (*fn)(ctx); err != nil {
		log.Warn("reconnect before retry failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
