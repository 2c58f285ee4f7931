// Package health watches broker connectivity: per-adapter circuit breaking,
// reconnection with backoff, crash recovery, and graceful shutdown.
package health

import (
	"log"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	StateClosed   BreakerState = iota // Normal operation
	StateOpen                         // Failing, reject requests fast
	StateHalfOpen                     // Probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker gates one broker adapter. It opens after N consecutive
// failures, waits an exponentially growing (capped) backoff before probing
// half-open, closes on one probe success, and reopens on one probe failure.
// Thread-safe for concurrent use.
type CircuitBreaker struct {
	name string
	mu   sync.Mutex

	state        BreakerState
	failureCount int
	reopenCount  int
	lastFailure  time.Time

	failureThreshold int
	baseTimeout      time.Duration
	maxTimeout       time.Duration
}

// BreakerConfig holds configuration for creating a circuit breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	BaseTimeout      time.Duration
	MaxTimeout       time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		BaseTimeout:      5 * time.Second,
		MaxTimeout:       2 * time.Minute,
	}
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 5 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 2 * time.Minute
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		baseTimeout:      cfg.BaseTimeout,
		maxTimeout:       cfg.MaxTimeout,
	}
}

// Allow reports whether a request may proceed. A request allowed while the
// breaker is open transitions it to half-open (the probe).
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastFailure) > cb.currentTimeoutLocked() {
			cb.state = StateHalfOpen
			log.Printf("circuit breaker %s: HALF_OPEN", cb.name)
			return true
		}
		return false

	case StateHalfOpen:
		return true

	default:
		return false
	}
}

// RecordSuccess records a successful operation. One success in half-open
// closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failureCount = 0
		cb.reopenCount = 0
		log.Printf("circuit breaker %s: CLOSED (recovered)", cb.name)
	}
}

// RecordFailure records a failed operation. One failure in half-open
// reopens the breaker with a longer backoff.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
			log.Printf("circuit breaker %s: OPEN after %d consecutive failures", cb.name, cb.failureCount)
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.reopenCount++
		log.Printf("circuit breaker %s: OPEN (probe failed, backoff %v)", cb.name, cb.currentTimeoutLocked())
	}
}

// State returns the current state for monitoring.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns state details for the query surface.
func (cb *CircuitBreaker) Snapshot() (state BreakerState, failures int, lastFailure time.Time, backoff time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failureCount, cb.lastFailure, cb.currentTimeoutLocked()
}

// Reset forces the breaker closed (admin/testing).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.reopenCount = 0
}

// currentTimeoutLocked doubles per reopen, capped.
func (cb *CircuitBreaker) currentTimeoutLocked() time.Duration {
	shift := cb.reopenCount
	if shift > 30 {
		shift = 30
	}
	d := cb.baseTimeout * time.Duration(1<<shift)
	if d > cb.maxTimeout || d <= 0 {
		return cb.maxTimeout
	}
	return d
}
