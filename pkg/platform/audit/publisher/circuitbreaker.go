package publisher

import (
	"sync"
	"time"
)

// CircuitBreaker stops publish attempts after repeated transport failures.
// While open, events are dropped; after the cooldown one attempt is let
// through to probe the broker.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures  int
	openUntil time.Time
	isOpen    bool
	probing   bool
}

// NewCircuitBreaker creates a circuit breaker.
// threshold: consecutive failures that open the circuit
// cooldown: how long to stay open before probing again
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a publish may be attempted. Once the cooldown has
// passed exactly one caller is let through as the probe; the circuit stays
// open for everyone else until that probe reports back.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.isOpen {
		return true
	}
	if cb.probing || !cb.now().After(cb.openUntil) {
		return false
	}
	cb.probing = true
	return true
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.isOpen = false
	cb.probing = false
}

// RecordFailure counts a transport failure, opening the circuit at the
// threshold. A failed probe reopens it for another cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.probing {
		cb.probing = false
		cb.openUntil = cb.now().Add(cb.cooldown)
		return
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.isOpen = true
		cb.openUntil = cb.now().Add(cb.cooldown)
	}
}

// ReleaseProbe ends a probe that never reached the broker, so the next
// caller may probe instead. It does not change the circuit state.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

// IsOpen returns true if the circuit is currently open.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.isOpen
}
