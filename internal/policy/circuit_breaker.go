package policy

import (
	"sync"
	"time"
)

// CircuitBreaker tracks failures per key (a callback host) and rejects
// calls to keys that keep failing until they have been left alone for a
// while
type CircuitBreaker struct {
	// failureThreshold is the number of consecutive failures before opening the circuit
	failureThreshold int
	// successThreshold is the number of successes needed in half-open state to close
	successThreshold int
	// openFor is how long the circuit stays open before transitioning to half-open
	openFor time.Duration

	mu       sync.Mutex
	circuits map[string]*circuitState
}

type circuitState struct {
	state           CircuitState
	failureCount    int
	successCount    int
	lastStateChange time.Time
}

// NewCircuitBreaker creates a breaker; thresholds below 1 are raised to 1
func NewCircuitBreaker(failureThreshold, successThreshold int, openFor time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: max(failureThreshold, 1),
		successThreshold: max(successThreshold, 1),
		openFor:          openFor,
		circuits:         make(map[string]*circuitState),
	}
}

// circuit returns the state for key, creating a closed one; caller holds b.mu
func (b *CircuitBreaker) circuit(key string, now time.Time) *circuitState {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuitState{state: CircuitStateClosed, lastStateChange: now}
		b.circuits[key] = c
	}
	if c.state == CircuitStateOpen && now.Sub(c.lastStateChange) >= b.openFor {
		c.state = CircuitStateHalfOpen
		c.successCount = 0
		c.lastStateChange = now
	}
	return c
}

// Allow reports whether a call to key may go ahead at now
func (b *CircuitBreaker) Allow(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuit(key, now).state != CircuitStateOpen
}

func (b *CircuitBreaker) RecordSuccess(key string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key, now)
	switch c.state {
	case CircuitStateHalfOpen:
		c.successCount++
		if c.successCount >= b.successThreshold {
			c.state = CircuitStateClosed
			c.failureCount = 0
			c.lastStateChange = now
		}
	case CircuitStateClosed:
		c.failureCount = 0
	}
}

func (b *CircuitBreaker) RecordFailure(key string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key, now)
	c.failureCount++
	switch c.state {
	case CircuitStateHalfOpen:
		// any failure while probing reopens
		c.state = CircuitStateOpen
		c.successCount = 0
		c.lastStateChange = now
	case CircuitStateClosed:
		if c.failureCount >= b.failureThreshold {
			c.state = CircuitStateOpen
			c.lastStateChange = now
		}
	}
}

// State returns the state of key at now
func (b *CircuitBreaker) State(key string, now time.Time) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.circuits[key]; !ok {
		return CircuitStateClosed
	}
	return b.circuit(key, now).state
}
