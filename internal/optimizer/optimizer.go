// Package optimizer bounds concurrent tool calls and adapts per-call timeout
// and retry settings from the performance observed so far.
package optimizer

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alucardeht/toolbridge/internal/config"
	"github.com/alucardeht/toolbridge/internal/degrade"
	"github.com/alucardeht/toolbridge/internal/logger"
	"github.com/alucardeht/toolbridge/internal/retry"
)

var log = logger.ForComponent("optimizer")

const slowTimeoutStretch = 1.5

type Metrics struct {
	TotalCalls          int64         `json:"total_calls" yaml:"total_calls"`
	SuccessfulCalls     int64         `json:"successful_calls" yaml:"successful_calls"`
	FailedCalls         int64         `json:"failed_calls" yaml:"failed_calls"`
	AverageResponseTime time.Duration `json:"average_response_time" yaml:"average_response_time"`
	ErrorRate           float64       `json:"error_rate" yaml:"error_rate"`
}

type CallStatus string

const (
	StatusSuccess CallStatus = "success"
	StatusFailure CallStatus = "failure"
)

type HistoryEntry struct {
	ID               string        `json:"id" yaml:"id"`
	Timestamp        time.Time     `json:"timestamp" yaml:"timestamp"`
	Tool             string        `json:"tool" yaml:"tool"`
	ResponseTime     time.Duration `json:"response_time" yaml:"response_time"`
	Status           CallStatus    `json:"status" yaml:"status"`
	Error            string        `json:"error,omitempty" yaml:"error,omitempty"`
	DegradationLevel degrade.Level `json:"degradation_level" yaml:"degradation_level"`
}

type Stats struct {
	Active int `json:"active" yaml:"active"`
	Limit  int `json:"limit" yaml:"limit"`
	Max    int `json:"max" yaml:"max"`
	Peak   int `json:"peak" yaml:"peak"`
}

// RollingStats summarizes the last few history entries.
type RollingStats struct {
	Calls           int           `json:"calls" yaml:"calls"`
	Failures        int           `json:"failures" yaml:"failures"`
	ErrorRate       float64       `json:"error_rate" yaml:"error_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time" yaml:"avg_response_time"`
}

type Optimizer struct {
	policy *retry.Policy

	slotMu sync.Mutex
	active int
	peak   int
	wake   chan struct{}

	mu      sync.Mutex
	config  config.ConcurrencyConfig
	metrics Metrics
	avgNS   float64
	history []HistoryEntry
	next    int

	levelMu sync.RWMutex
	level   func() degrade.Level
}

func New(cfg config.ConcurrencyConfig, policy *retry.Policy) *Optimizer {
	return &Optimizer{
		policy: policy,
		config: cfg,
		wake:   make(chan struct{}),
	}
}

// SetLevelSource makes history entries record the level reported by fn.
func (o *Optimizer) SetLevelSource(fn func() degrade.Level) {
	o.levelMu.Lock()
	defer o.levelMu.Unlock()
	o.level = fn
}

func (o *Optimizer) SetConfig(cfg config.ConcurrencyConfig) {
	o.mu.Lock()
	o.config = cfg
	// unroll the ring so appends after a resize land after the newest entry
	ordered := o.orderedLocked()
	if size := max(1, cfg.HistorySize); len(ordered) > size {
		ordered = ordered[len(ordered)-size:]
	}
	o.history = ordered
	o.next = 0
	o.mu.Unlock()

	o.slotMu.Lock()
	o.broadcastLocked()
	o.slotMu.Unlock()
}

// Limit is max(1, floor(max*(1-errorRate))) once the error rate passes the
// degradation threshold, and the configured maximum otherwise.
func (o *Optimizer) Limit() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.limitLocked()
}

func (o *Optimizer) limitLocked() int {
	maxCalls := max(1, o.config.MaxConcurrentCalls)
	if o.metrics.TotalCalls == 0 || o.metrics.ErrorRate <= o.config.DegradationThreshold {
		return maxCalls
	}
	return max(1, int(math.Floor(float64(maxCalls)*(1-o.metrics.ErrorRate))))
}

func (o *Optimizer) acquire(ctx context.Context) error {
	for {
		limit := o.Limit()

		o.slotMu.Lock()
		if o.active < limit {
			o.active++
			if o.active > o.peak {
				o.peak = o.active
			}
			o.slotMu.Unlock()
			return nil
		}
		wake := o.wake
		o.slotMu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Optimizer) release() {
	o.slotMu.Lock()
	o.active--
	o.broadcastLocked()
	o.slotMu.Unlock()
}

func (o *Optimizer) broadcastLocked() {
	close(o.wake)
	o.wake = make(chan struct{})
}

// Adapt returns the retry options for the next call: a stretched first
// timeout when calls run slow, and fewer attempts with longer delays when
// the error rate is high.
func (o *Optimizer) Adapt(op retry.OpType) retry.Options {
	o.mu.Lock()
	m, cfg := o.metrics, o.config
	o.mu.Unlock()

	opts := retry.Options{
		OpType:      op,
		Attempts:    o.policy.MaxAttempts(),
		DelayScale:  1,
		BaseTimeout: o.policy.BaseTimeout(op),
	}
	if m.TotalCalls == 0 {
		return opts
	}
	if cfg.SlowCallThreshold > 0 && m.AverageResponseTime > cfg.SlowCallThreshold {
		opts.BaseTimeout = time.Duration(float64(opts.BaseTimeout) * slowTimeoutStretch)
	}
	if m.ErrorRate > cfg.DegradationThreshold {
		opts.Attempts = max(1, opts.Attempts-1)
		opts.DelayScale = 2
	}
	return opts
}

// Run executes fn under a concurrency slot and the adapted retry policy,
// then records the outcome. The slot is released on every path.
func (o *Optimizer) Run(ctx context.Context, tool string, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if err := o.acquire(ctx); err != nil {
		return nil, err
	}
	defer o.release()

	opts := o.Adapt(retry.OpToolCall)
	start := time.Now()
	result, err := retry.Do(ctx, o.policy, opts, fn)
	o.Record(tool, time.Since(start), err)

	if err != nil {
		log.Debug("call failed", "tool", tool, "error", err)
	}
	return result, err
}

// Record folds one completed call into the metrics and history.
func (o *Optimizer) Record(tool string, elapsed time.Duration, err error) {
	entry := HistoryEntry{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		Tool:         tool,
		ResponseTime: elapsed,
		Status:       StatusSuccess,
	}
	if err != nil {
		entry.Status = StatusFailure
		entry.Error = err.Error()
	}
	o.levelMu.RLock()
	if o.level != nil {
		entry.DegradationLevel = o.level()
	}
	o.levelMu.RUnlock()

	o.mu.Lock()
	defer o.mu.Unlock()

	m := &o.metrics
	m.TotalCalls++
	if err != nil {
		m.FailedCalls++
	} else {
		m.SuccessfulCalls++
	}
	o.avgNS += (float64(elapsed) - o.avgNS) / float64(m.TotalCalls)
	m.AverageResponseTime = time.Duration(o.avgNS)
	m.ErrorRate = float64(m.FailedCalls) / float64(m.TotalCalls)

	size := max(1, o.config.HistorySize)
	if len(o.history) < size {
		o.history = append(o.history, entry)
		return
	}
	o.history[o.next] = entry
	o.next = (o.next + 1) % size
}

func (o *Optimizer) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

func (o *Optimizer) orderedLocked() []HistoryEntry {
	out := make([]HistoryEntry, 0, len(o.history))
	out = append(out, o.history[o.next:]...)
	return append(out, o.history[:o.next]...)
}

// History returns up to limit of the most recent entries, oldest first.
// A limit of zero or less returns everything kept.
func (o *Optimizer) History(limit int) []HistoryEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	all := o.orderedLocked()
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}
	return all
}

func (o *Optimizer) Recent(n int) RollingStats {
	entries := o.History(n)

	var rs RollingStats
	var total time.Duration
	for _, e := range entries {
		rs.Calls++
		total += e.ResponseTime
		if e.Status == StatusFailure {
			rs.Failures++
		}
	}
	if rs.Calls > 0 {
		rs.ErrorRate = float64(rs.Failures) / float64(rs.Calls)
		rs.AvgResponseTime = total / time.Duration(rs.Calls)
	}
	return rs
}

// Reset clears metrics and history. Calls in flight keep their slots.
func (o *Optimizer) Reset() {
	o.mu.Lock()
	o.metrics = Metrics{}
	o.avgNS = 0
	o.history = nil
	o.next = 0
	o.mu.Unlock()

	o.slotMu.Lock()
	o.peak = o.active
	o.broadcastLocked()
	o.slotMu.Unlock()
}

func (o *Optimizer) Stats() Stats {
	limit := o.Limit()

	o.mu.Lock()
	maxCalls := max(1, o.config.MaxConcurrentCalls)
	o.mu.Unlock()

	o.slotMu.Lock()
	defer o.slotMu.Unlock()
	return Stats{Active: o.active, Limit: limit, Max: maxCalls, Peak: o.peak}
}
