// Package monitor probes the tool host on a fixed interval and classifies
// its health from a trailing window of samples.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alucardeht/toolbridge/internal/config"
	"github.com/alucardeht/toolbridge/internal/logger"
	"github.com/alucardeht/toolbridge/pkg/protocol"
)

var log = logger.ForComponent("monitor")

// maxSamples bounds memory when the interval is much shorter than the
// error window.
const maxSamples = 10000

type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusSlow     Status = "slow"
	StatusUnstable Status = "unstable"
	StatusDegraded Status = "degraded"
)

type Prober interface {
	HealthCheck(ctx context.Context) (json.RawMessage, error)
}

type Sample struct {
	Timestamp    time.Time     `json:"timestamp" yaml:"timestamp"`
	Healthy      bool          `json:"healthy" yaml:"healthy"`
	ResponseTime time.Duration `json:"response_time" yaml:"response_time"`
	Error        string        `json:"error,omitempty" yaml:"error,omitempty"`
}

type Report struct {
	Status          Status        `json:"status" yaml:"status"`
	ErrorRate       float64       `json:"error_rate" yaml:"error_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time" yaml:"avg_response_time"`
	RecentFailures  int           `json:"recent_failures" yaml:"recent_failures"`
	Samples         int           `json:"samples" yaml:"samples"`
	LastError       string        `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Timestamp       time.Time     `json:"timestamp" yaml:"timestamp"`
}

type Monitor struct {
	prober Prober
	now    func() time.Time

	mu        sync.Mutex
	config    config.MonitoringConfig
	samples   []Sample
	latencies []time.Duration
	status    Status
	last      Report

	listenersMu sync.Mutex
	onHealth    []func(prev, next Status)
	onMetrics   []func(Report)

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(prober Prober, cfg config.MonitoringConfig) *Monitor {
	return &Monitor{
		prober: prober,
		now:    time.Now,
		config: cfg,
		status: StatusUnknown,
		last:   Report{Status: StatusUnknown},
	}
}

// SetConfig takes effect on the next tick.
func (m *Monitor) SetConfig(cfg config.MonitoringConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
}

func (m *Monitor) OnHealthChanged(fn func(prev, next Status)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.onHealth = append(m.onHealth, fn)
}

func (m *Monitor) OnMetrics(fn func(Report)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.onMetrics = append(m.onMetrics, fn)
}

// Start launches the probe loop. It is a no-op when monitoring is disabled
// or the loop is already running.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return
	}
	m.mu.Lock()
	enabled, interval := m.config.Enabled, m.config.Interval
	m.mu.Unlock()
	if !enabled {
		log.Info("monitoring disabled")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(ctx)

	log.Info("monitor started", "interval", interval)
}

func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	log.Info("monitor stopped")
}

func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	timer := time.NewTimer(m.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.Tick(ctx)
		timer.Reset(m.interval())
	}
}

func (m *Monitor) interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.Interval <= 0 {
		return 30 * time.Second
	}
	return m.config.Interval
}

// Tick runs one probe, records it and publishes the resulting report.
func (m *Monitor) Tick(ctx context.Context) Report {
	m.Record(m.Probe(ctx))
	return m.publish()
}

// Probe issues one health check. A host that answers with a status other
// than healthy or ok counts as a failed probe.
func (m *Monitor) Probe(ctx context.Context) Sample {
	start := m.now()
	result, err := m.prober.HealthCheck(ctx)
	s := Sample{Timestamp: start, ResponseTime: m.now().Sub(start)}

	if err != nil {
		s.Error = err.Error()
		return s
	}

	var hs protocol.HealthStatus
	if json.Unmarshal(result, &hs) == nil {
		switch hs.Status {
		case "", "healthy", "ok":
		default:
			s.Error = fmt.Sprintf("host reported %s", hs.Status)
			return s
		}
	}
	s.Healthy = true
	return s
}

func (m *Monitor) Record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, s)
	if s.Healthy {
		m.latencies = append(m.latencies, s.ResponseTime)
		if keep := max(1, m.config.LatencySamples); len(m.latencies) > keep {
			m.latencies = m.latencies[len(m.latencies)-keep:]
		}
	}
	m.trimLocked()
}

func (m *Monitor) trimLocked() {
	cutoff := m.now().Add(-m.config.ErrorWindow)
	keep := max(1, m.config.RecentProbes)

	drop := 0
	for drop < len(m.samples)-keep && m.samples[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(m.samples) - drop - maxSamples; over > 0 {
		drop += over
	}
	if drop > 0 {
		m.samples = append(m.samples[:0], m.samples[drop:]...)
	}
}

// Analyze classifies the current window. Rules are checked in order and
// only the first match applies.
func (m *Monitor) Analyze() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.analyzeLocked()
}

func (m *Monitor) analyzeLocked() Report {
	now := m.now()
	r := Report{Status: StatusUnknown, Samples: len(m.samples), Timestamp: now}
	if len(m.samples) == 0 {
		return r
	}

	cutoff := now.Add(-m.config.ErrorWindow)
	var windowed, failed int
	for _, s := range m.samples {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		windowed++
		if !s.Healthy {
			failed++
		}
	}
	if windowed > 0 {
		r.ErrorRate = float64(failed) / float64(windowed)
	}

	if len(m.latencies) > 0 {
		var total time.Duration
		for _, d := range m.latencies {
			total += d
		}
		r.AvgResponseTime = total / time.Duration(len(m.latencies))
	}

	recent := m.samples[max(0, len(m.samples)-max(1, m.config.RecentProbes)):]
	for _, s := range recent {
		if !s.Healthy {
			r.RecentFailures++
		}
	}
	if last := m.samples[len(m.samples)-1]; !last.Healthy {
		r.LastError = last.Error
	}

	switch {
	case r.ErrorRate > m.config.ErrorRateThreshold:
		r.Status = StatusDegraded
	case r.AvgResponseTime > m.config.ResponseTimeThreshold:
		r.Status = StatusSlow
	case r.RecentFailures >= m.config.UnstableFailureThreshold:
		r.Status = StatusUnstable
	default:
		r.Status = StatusHealthy
	}
	return r
}

func (m *Monitor) publish() Report {
	m.mu.Lock()
	r := m.analyzeLocked()
	prev := m.status
	m.status = r.Status
	m.last = r
	m.mu.Unlock()

	m.listenersMu.Lock()
	onHealth := append([]func(prev, next Status){}, m.onHealth...)
	onMetrics := append([]func(Report){}, m.onMetrics...)
	m.listenersMu.Unlock()

	if prev != r.Status {
		log.Info("health changed", "from", prev, "to", r.Status, "error_rate", r.ErrorRate)
		for _, fn := range onHealth {
			fn(prev, r.Status)
		}
	}
	for _, fn := range onMetrics {
		fn(r)
	}
	return r
}

// Status is the classification from the last tick.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) LastReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Reset drops all samples and returns to unknown.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = nil
	m.latencies = nil
	m.status = StatusUnknown
	m.last = Report{Status: StatusUnknown}
}
