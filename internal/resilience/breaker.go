// Package resilience wraps calls to scoring sidecars (NER, text classifiers,
// local LLMs) with bounded exponential-backoff retry and a circuit breaker.
package resilience

import (
	"sync"
	"time"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until ResetTimeout has passed.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of trial calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenMaxRequests caps concurrent trial calls while half-open.
	HalfOpenMaxRequests int
	// SuccessThreshold is the number of trial successes needed to close.
	SuccessThreshold int
}

// DefaultBreakerConfig returns 5 failures / 30s reset / 2 trial calls / 2 successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxRequests: 2,
		SuccessThreshold:    2,
	}
}

// Breaker is a consecutive-failure circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	halfOpenInFlight int
	openedAt         time.Time
}

// NewBreaker returns a closed Breaker. Zero config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. Callers that get true must
// report the outcome with RecordSuccess, RecordFailure or Release.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false
		}
		b.transition(BreakerHalfOpen)
		b.halfOpenInFlight = 1
		return true
	case BreakerHalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenMaxRequests {
			b.halfOpenInFlight++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.releaseTrial()
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(BreakerClosed)
		}
	}
}

// Release reports a call that ended without an outcome, such as one whose
// context was cancelled. A half-open trial slot is freed; nothing is counted.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.releaseTrial()
	}
}

func (b *Breaker) releaseTrial() {
	if b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		// A failed trial call reopens immediately.
		b.transition(BreakerOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	b.state = to
	b.successes = 0
	b.halfOpenInFlight = 0
	switch to {
	case BreakerOpen:
		b.openedAt = b.now()
	case BreakerClosed:
		b.failures = 0
	}
}
