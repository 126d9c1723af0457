// Package policy holds the admission policies of the daemon: a circuit
// breaker per callback host and a token-bucket rate limit per client.
package policy

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"   // Normal operation
	CircuitStateOpen     CircuitState = "open"     // Failing, rejecting requests
	CircuitStateHalfOpen CircuitState = "halfopen" // Testing if the target recovered
)
