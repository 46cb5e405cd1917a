// Package service composes the client, monitor, optimizer, degradation
// controller and fallback cache behind one API.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alucardeht/toolbridge/internal/cache"
	"github.com/alucardeht/toolbridge/internal/config"
	"github.com/alucardeht/toolbridge/internal/degrade"
	"github.com/alucardeht/toolbridge/internal/logger"
	"github.com/alucardeht/toolbridge/internal/monitor"
	"github.com/alucardeht/toolbridge/internal/optimizer"
	"github.com/alucardeht/toolbridge/internal/retry"
	"github.com/alucardeht/toolbridge/internal/rpc"
	"github.com/alucardeht/toolbridge/internal/transport"
)

var log = logger.ForComponent("service")

// Result is a tool call outcome plus how it was produced.
type Result struct {
	Tool         string          `json:"tool" yaml:"tool"`
	Value        json.RawMessage `json:"value" yaml:"value"`
	Meta         degrade.Meta    `json:"meta" yaml:"meta"`
	ResponseTime time.Duration   `json:"response_time" yaml:"response_time"`
}

type Service struct {
	id        string
	startedAt time.Time

	cfgMu sync.RWMutex
	cfg   config.Config

	client    *rpc.Client
	policy    *retry.Policy
	degrade   *degrade.Controller
	monitor   *monitor.Monitor
	optimizer *optimizer.Optimizer
	cache     *cache.Cache

	running atomic.Bool
}

func New(cfg config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	results, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, err
	}

	s := &Service{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		cfg:       cfg,
		client:    rpc.NewClient(cfg),
		policy:    retry.NewPolicy(cfg.Retry, cfg.Timeouts),
		degrade:   degrade.NewController(cfg.Degradation),
		cache:     results,
	}
	s.monitor = monitor.New(s.client, cfg.Monitoring)
	s.optimizer = optimizer.New(cfg.Concurrency, s.policy)
	s.wire()
	return s, nil
}

func (s *Service) wire() {
	s.policy.SetReconnect(s.reconnect)
	s.optimizer.SetLevelSource(s.degrade.Level)

	s.client.OnDisconnect(func(err error) {
		if errors.Is(err, transport.ErrStopped) {
			return
		}
		m := s.optimizer.Metrics()
		s.degrade.Evaluate(degrade.Inputs{
			ErrorRate:           m.ErrorRate,
			AvgResponseTime:     m.AverageResponseTime,
			ConsecutiveFailures: s.degrade.ConsecutiveFailures(),
		})
	})

	// probe results alone drive recovery: at Minimal and Offline no calls
	// reach the host, so call metrics would never improve
	s.monitor.OnMetrics(func(r monitor.Report) {
		if r.Status == monitor.StatusUnknown {
			return
		}
		s.degrade.Evaluate(degrade.Inputs{
			ErrorRate:           r.ErrorRate,
			AvgResponseTime:     r.AvgResponseTime,
			ConsecutiveFailures: s.degrade.ConsecutiveFailures(),
		})
	})

	s.monitor.OnHealthChanged(func(prev, next monitor.Status) {
		log.Info("host health changed", "from", prev, "to", next)
	})
	s.degrade.OnChange(func(prev, next degrade.Level) {
		log.Warn("service level changed", "from", prev, "to", next)
	})
}

func (s *Service) reconnect(ctx context.Context) error {
	if !s.running.Load() {
		return rpc.ErrNotConnected
	}
	return s.client.Reconnect(ctx)
}

func (s *Service) ID() string { return s.id }

// Connect starts the host process and, when enabled, the monitor.
func (s *Service) Connect(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	s.running.Store(true)
	s.monitor.Start(context.Background())
	return nil
}

func (s *Service) Disconnect(ctx context.Context) error {
	s.running.Store(false)
	s.monitor.Stop()
	return s.client.Disconnect(ctx)
}

// Close disconnects and releases the cache store.
func (s *Service) Close(ctx context.Context) error {
	return errors.Join(s.Disconnect(ctx), s.cache.Close())
}

func (s *Service) Connected() bool {
	return s.client.Connected()
}

// CallTool runs one tool call through the degradation wrapper, the
// optimizer and the retry policy.
func (s *Service) CallTool(ctx context.Context, name string, args any) (*Result, error) {
	raw, err := rpc.EncodeArgs(args)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	op := func(ctx context.Context) (json.RawMessage, error) {
		return s.optimizer.Run(ctx, name, func(ctx context.Context) (json.RawMessage, error) {
			return s.client.CallTool(ctx, name, raw)
		})
	}

	value, meta, err := degrade.Execute(ctx, s.degrade, op, s.fallback(name, raw))
	elapsed := time.Since(start)

	// a fallback hides the failure from the caller, not from the controller
	switch {
	case meta.Cause != nil:
		if countsAsFailure(meta.Cause) {
			s.degrade.RecordFailure(elapsed)
		}
	case err == nil && !meta.Fallback:
		s.degrade.RecordSuccess(elapsed)
		s.cache.Put(name, raw, value)
	case err != nil && countsAsFailure(err):
		s.degrade.RecordFailure(elapsed)
	}
	if err == nil && meta.Fallback {
		log.Debug("served fallback", "tool", name, "level", meta.Level, "cached", meta.Cached, "cause", meta.Cause)
	}

	if err != nil {
		return nil, err
	}
	return &Result{Tool: name, Value: value, Meta: meta, ResponseTime: elapsed}, nil
}

func countsAsFailure(err error) bool {
	var toolErr *rpc.ToolError
	return !errors.As(err, &toolErr) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, degrade.ErrUnavailable)
}

func (s *Service) fallback(name string, args json.RawMessage) degrade.Fallback[json.RawMessage] {
	return func(ctx context.Context, cause error) (json.RawMessage, bool, error) {
		var toolErr *rpc.ToolError
		if errors.As(cause, &toolErr) {
			return nil, false, cause
		}
		if e, ok := s.cache.Get(name, args); ok {
			return e.Result, true, nil
		}
		return nil, false, fmt.Errorf("tool %s at level %s: %w", name, s.degrade.Level(), degrade.ErrUnavailable)
	}
}

func (s *Service) HealthCheck(ctx context.Context) (json.RawMessage, error) {
	return s.client.HealthCheck(ctx)
}

// CallHistory returns up to limit recent calls, oldest first.
func (s *Service) CallHistory(limit int) []optimizer.HistoryEntry {
	return s.optimizer.History(limit)
}

type Status struct {
	ID          string                 `json:"id" yaml:"id"`
	Running     bool                   `json:"running" yaml:"running"`
	Connected   bool                   `json:"connected" yaml:"connected"`
	Uptime      time.Duration          `json:"uptime" yaml:"uptime"`
	Health      monitor.Report         `json:"health" yaml:"health"`
	Degradation degrade.Snapshot       `json:"degradation" yaml:"degradation"`
	Performance optimizer.Metrics      `json:"performance" yaml:"performance"`
	Concurrency optimizer.Stats        `json:"concurrency" yaml:"concurrency"`
	Recent      optimizer.RollingStats `json:"recent" yaml:"recent"`
	Client      rpc.ClientStats        `json:"client" yaml:"client"`
	Cache       cache.Stats            `json:"cache" yaml:"cache"`
	Config      config.Config          `json:"config" yaml:"config"`
}

func (s *Service) Status() Status {
	cfg := s.Config()
	return Status{
		ID:          s.id,
		Running:     s.running.Load(),
		Connected:   s.client.Connected(),
		Uptime:      time.Since(s.startedAt),
		Health:      s.monitor.LastReport(),
		Degradation: s.degrade.Snapshot(),
		Performance: s.optimizer.Metrics(),
		Concurrency: s.optimizer.Stats(),
		Recent:      s.optimizer.Recent(cfg.Degradation.RollingWindow),
		Client:      s.client.Stats(),
		Cache:       s.cache.Stats(),
		Config:      cfg,
	}
}

// Config returns a copy of the active configuration.
func (s *Service) Config() config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Clone()
}

// UpdateConfig applies fn to a copy of the active configuration and swaps
// it in if the result is valid.
func (s *Service) UpdateConfig(fn func(*config.Config)) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	next := s.cfg.Clone()
	fn(&next)
	return s.applyLocked(next)
}

func (s *Service) ReplaceConfig(cfg config.Config) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.applyLocked(cfg.Clone())
}

func (s *Service) applyLocked(next config.Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.cache.SetConfig(next.Cache); err != nil {
		return err
	}

	prev := s.cfg
	s.cfg = next

	s.client.UpdateConfig(next)
	s.policy.SetConfig(next.Retry, next.Timeouts)
	s.degrade.SetConfig(next.Degradation)
	s.optimizer.SetConfig(next.Concurrency)
	s.monitor.SetConfig(next.Monitoring)

	if prev.Monitoring.Enabled != next.Monitoring.Enabled && s.running.Load() {
		if next.Monitoring.Enabled {
			s.monitor.Start(context.Background())
		} else {
			s.monitor.Stop()
		}
	}
	if prev.Cache.Path != next.Cache.Path {
		log.Warn("cache path changes apply on restart", "path", next.Cache.Path)
	}

	log.Info("configuration updated")
	return nil
}

// ResetMetrics clears call metrics, history, probe samples and the
// degradation level.
func (s *Service) ResetMetrics() {
	s.optimizer.Reset()
	s.degrade.Reset()
	s.monitor.Reset()
}
