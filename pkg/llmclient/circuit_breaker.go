package llmclient

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit-breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// circuitBreaker is a single provider's failure-detection state machine.
// Closed lets every attempt through; open rejects attempts until the reset
// window elapses, then allows exactly one half-open probe.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        BreakerState
	probing      bool
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTimeout: resetTimeout, state: StateClosed}
}

// Allow reports whether an attempt may proceed, transitioning OPEN to
// HALF_OPEN once the reset window has elapsed and reserving the single
// probe slot.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// Success resets the failure count; a successful half-open probe closes
// the breaker.
func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.probing = false
}

// Failure records a failed attempt; a failed half-open probe reopens the
// breaker immediately, otherwise the breaker opens once threshold is hit.
func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = time.Now()
	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.probing = false
		return
	}
	cb.failureCount++
	if cb.failureCount >= cb.threshold {
		cb.state = StateOpen
	}
}

func (cb *circuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// breakerRegistry holds one circuitBreaker per provider_id.
type breakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*circuitBreaker
	threshold int
	reset     time.Duration
}

func newBreakerRegistry(threshold int, reset time.Duration) *breakerRegistry {
	return &breakerRegistry{breakers: make(map[string]*circuitBreaker), threshold: threshold, reset: reset}
}

func (r *breakerRegistry) get(providerID string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[providerID]
	if !ok {
		cb = newCircuitBreaker(r.threshold, r.reset)
		r.breakers[providerID] = cb
	}
	return cb
}
