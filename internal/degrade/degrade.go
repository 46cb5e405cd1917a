// Package degrade implements the four-level degradation state machine and
// the per-level operation wrapper.
package degrade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alucardeht/toolbridge/internal/config"
	"github.com/alucardeht/toolbridge/internal/logger"
)

var log = logger.ForComponent("degrade")

// ErrUnavailable is returned by fallbacks that have nothing to serve.
var ErrUnavailable = errors.New("no fallback result available")

type Level int

const (
	Full Level = iota
	Reduced
	Minimal
	Offline
)

var levelNames = [...]string{"full", "reduced", "minimal", "offline"}

func (l Level) String() string {
	if l < Full || l > Offline {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	for i, name := range levelNames {
		if strings.EqualFold(string(b), name) {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown degradation level %q", b)
}

type Thresholds struct {
	ErrorRate           float64
	ResponseTime        time.Duration
	ConsecutiveFailures int
	EvaluateEvery       int
}

// Inputs are the rolling performance figures a decision is based on.
type Inputs struct {
	ErrorRate           float64
	AvgResponseTime     time.Duration
	ConsecutiveFailures int
}

type outcome struct {
	ok      bool
	elapsed time.Duration
}

type Controller struct {
	mu          sync.Mutex
	enabled     bool
	thresholds  Thresholds
	level       Level
	consecutive int
	window      []outcome
	windowSize  int
	next        int
	transitions int
	lastChange  time.Time

	listenersMu sync.Mutex
	listeners   []func(prev, next Level)
}

func NewController(cfg config.DegradationConfig) *Controller {
	c := &Controller{}
	c.SetConfig(cfg)
	return c
}

// SetConfig swaps thresholds. The current level is kept; disabling the
// controller forces it back to Full.
func (c *Controller) SetConfig(cfg config.DegradationConfig) {
	c.mu.Lock()
	c.enabled = cfg.Enabled
	c.thresholds = Thresholds{
		ErrorRate:           cfg.ErrorRateThreshold,
		ResponseTime:        cfg.ResponseTimeThreshold,
		ConsecutiveFailures: cfg.ConsecutiveFailureThreshold,
		EvaluateEvery:       max(1, cfg.EvaluateEvery),
	}
	if size := max(1, cfg.RollingWindow); size != c.windowSize {
		c.windowSize = size
		c.window = c.window[:0]
		c.next = 0
	}

	var prev Level
	changed := false
	if !c.enabled && c.level != Full {
		prev, changed = c.level, true
		c.setLevelLocked(Full)
	}
	c.mu.Unlock()

	if changed {
		c.notify(prev, Full)
	}
}

func (c *Controller) OnChange(fn func(prev, next Level)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *Controller) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutive
}

func (c *Controller) RecordSuccess(elapsed time.Duration) {
	c.mu.Lock()
	c.consecutive = 0
	c.pushLocked(outcome{ok: true, elapsed: elapsed})
	c.mu.Unlock()
}

// RecordFailure counts a failed call and evaluates every EvaluateEvery
// consecutive failures, using the controller's rolling window.
func (c *Controller) RecordFailure(elapsed time.Duration) Level {
	c.mu.Lock()
	c.consecutive++
	c.pushLocked(outcome{ok: false, elapsed: elapsed})
	if c.consecutive%c.thresholds.EvaluateEvery != 0 {
		level := c.level
		c.mu.Unlock()
		return level
	}
	in := c.windowInputsLocked()
	c.mu.Unlock()

	return c.Evaluate(in)
}

// Evaluate moves at most one level in either direction.
func (c *Controller) Evaluate(in Inputs) Level {
	c.mu.Lock()
	if !c.enabled {
		level := c.level
		c.mu.Unlock()
		return level
	}

	t := c.thresholds
	prev := c.level
	next := prev

	switch {
	case shouldDegrade(in, t) && prev < Offline:
		next = prev + 1
	case shouldRecover(in, t) && prev > Full:
		next = prev - 1
	}

	if next != prev {
		c.setLevelLocked(next)
	}
	c.mu.Unlock()

	if next != prev {
		log.Info("degradation level changed", "from", prev, "to", next,
			"error_rate", in.ErrorRate, "avg_ms", in.AvgResponseTime.Milliseconds(), "consecutive", in.ConsecutiveFailures)
		c.notify(prev, next)
	}
	return next
}

func shouldDegrade(in Inputs, t Thresholds) bool {
	return in.ErrorRate > t.ErrorRate ||
		in.AvgResponseTime > t.ResponseTime ||
		in.ConsecutiveFailures > t.ConsecutiveFailures
}

func shouldRecover(in Inputs, t Thresholds) bool {
	return in.ErrorRate < 0.5*t.ErrorRate &&
		float64(in.AvgResponseTime) < 0.7*float64(t.ResponseTime) &&
		in.ConsecutiveFailures == 0
}

// Reset returns to Full and clears counters without notifying.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = Full
	c.consecutive = 0
	c.window = c.window[:0]
	c.next = 0
	c.transitions = 0
	c.lastChange = time.Time{}
}

func (c *Controller) setLevelLocked(l Level) {
	c.level = l
	c.transitions++
	c.lastChange = time.Now()
}

func (c *Controller) pushLocked(o outcome) {
	if len(c.window) < c.windowSize {
		c.window = append(c.window, o)
		return
	}
	c.window[c.next] = o
	c.next = (c.next + 1) % c.windowSize
}

func (c *Controller) windowInputsLocked() Inputs {
	in := Inputs{ConsecutiveFailures: c.consecutive}
	if len(c.window) == 0 {
		return in
	}
	var failed int
	var total time.Duration
	for _, o := range c.window {
		if !o.ok {
			failed++
		}
		total += o.elapsed
	}
	in.ErrorRate = float64(failed) / float64(len(c.window))
	in.AvgResponseTime = total / time.Duration(len(c.window))
	return in
}

func (c *Controller) notify(prev, next Level) {
	c.listenersMu.Lock()
	listeners := append([]func(prev, next Level){}, c.listeners...)
	c.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(prev, next)
	}
}

type Snapshot struct {
	Enabled             bool      `json:"enabled" yaml:"enabled"`
	Level               Level     `json:"level" yaml:"level"`
	ConsecutiveFailures int       `json:"consecutive_failures" yaml:"consecutive_failures"`
	Transitions         int       `json:"transitions" yaml:"transitions"`
	LastChange          time.Time `json:"last_change,omitempty" yaml:"last_change,omitempty"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Enabled:             c.enabled,
		Level:               c.level,
		ConsecutiveFailures: c.consecutive,
		Transitions:         c.transitions,
		LastChange:          c.lastChange,
	}
}

// Meta describes how a wrapped result was produced. Cause holds the error
// of the real operation when it ran and failed, including when a fallback
// then served the caller.
type Meta struct {
	Level    Level `json:"degradation_level" yaml:"degradation_level"`
	Fallback bool  `json:"fallback" yaml:"fallback"`
	Cached   bool  `json:"cached" yaml:"cached"`
	Cause    error `json:"-" yaml:"-"`
}

// Fallback produces a substitute result. cached reports whether the value
// came from a previous real result rather than a default.
type Fallback[T any] func(ctx context.Context, cause error) (v T, cached bool, err error)

// Execute runs op according to the current level: Full passes through,
// Reduced falls back when op fails, Minimal and Offline never call op.
func Execute[T any](ctx context.Context, c *Controller, op func(context.Context) (T, error), fallback Fallback[T]) (T, Meta, error) {
	level := c.Level()
	meta := Meta{Level: level}

	switch level {
	case Full:
		v, err := op(ctx)
		meta.Cause = err
		return v, meta, err

	case Reduced:
		v, err := op(ctx)
		meta.Cause = err
		if err == nil || fallback == nil || errors.Is(err, context.Canceled) {
			return v, meta, err
		}
		fv, cached, ferr := fallback(ctx, err)
		if ferr != nil {
			return v, meta, err
		}
		meta.Fallback, meta.Cached = true, cached
		return fv, meta, nil

	default:
		var zero T
		if fallback == nil {
			return zero, meta, fmt.Errorf("%w at level %s", ErrUnavailable, level)
		}
		fv, cached, ferr := fallback(ctx, nil)
		if ferr != nil {
			return zero, meta, ferr
		}
		meta.Fallback, meta.Cached = true, cached
		return fv, meta, nil
	}
}
