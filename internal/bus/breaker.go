package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the current state of the breaker.
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after threshold consecutive failures and allows a
// probe again once the cooldown has elapsed. It keeps a flapping transport
// from stalling the publish path: while open, publishes are skipped
// immediately instead of waiting on a dead connection.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     CircuitBreakerState
	threshold int32
	cooldown  time.Duration
	failures  atomic.Int32
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and cools down for cooldownSeconds.
func NewCircuitBreaker(threshold, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		state:     CircuitBreakerClosed,
		threshold: int32(threshold),
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

// Allow reports whether an attempt may proceed. When the breaker is open and
// the cooldown has elapsed it transitions to half-open and lets one probe
// through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = CircuitBreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordFailure counts a failed attempt, opening the breaker at the
// threshold or immediately when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitBreakerHalfOpen {
		cb.state = CircuitBreakerOpen
		cb.openedAt = time.Now()
		return
	}

	if cb.failures.Add(1) >= cb.threshold {
		cb.state = CircuitBreakerOpen
		cb.openedAt = time.Now()
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures.Store(0)
	cb.state = CircuitBreakerClosed
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
