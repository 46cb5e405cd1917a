package transport

import (
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker gates process restarts. After FailureThreshold consecutive failed
// starts it refuses restarts for OpenTimeout, then lets a single trial start
// through.
type Breaker struct {
	config      BreakerConfig
	state       BreakerState
	failures    int
	lastFailure time.Time
	trialActive bool
	now         func() time.Time
	mu          sync.Mutex
}

func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	return &Breaker{
		config: config,
		state:  BreakerClosed,
		now:    time.Now,
	}
}

func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.config.OpenTimeout {
			return false
		}
		b.state = BreakerHalfOpen
		b.trialActive = true
		return true

	case BreakerHalfOpen:
		if b.trialActive {
			return false
		}
		b.trialActive = true
		return true
	}

	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.trialActive = false
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	b.trialActive = false

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.trialActive = false
}

func (b *Breaker) SetConfig(config BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if config.FailureThreshold > 0 {
		b.config = config
	}
}

type BreakerStats struct {
	State       BreakerState `json:"state" yaml:"state"`
	Failures    int          `json:"failures" yaml:"failures"`
	LastFailure time.Time    `json:"last_failure,omitempty" yaml:"last_failure,omitempty"`
}

func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}
