package utils

import (
	"math"
	"time"
)

// BackoffStrategy gives the wait before retry attempt n (0-indexed).
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// BackoffKind names the growth law of a Backoff.
type BackoffKind string

const (
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// defaultMaxDelay caps configured backoffs that leave the maximum unset
const defaultMaxDelay = 30 * time.Second

// Backoff is a capped delay schedule. Jitter, when set, scales every delay
// by a factor drawn uniformly from [0.5, 1.5).
type Backoff struct {
	Kind       BackoffKind
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     *RandSource
}

// NewConstantBackoff waits delay before every attempt.
func NewConstantBackoff(delay time.Duration) *Backoff {
	return &Backoff{Kind: BackoffConstant, Base: delay, Max: delay}
}

// NewLinearBackoff waits base*(attempt+1), at most max.
func NewLinearBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Kind: BackoffLinear, Base: base, Max: max}
}

// NewExponentialBackoff waits base*multiplier^attempt, at most max. A
// non-positive multiplier means 2.
func NewExponentialBackoff(base, max time.Duration, multiplier float64, jitter *RandSource) *Backoff {
	if multiplier <= 0 {
		multiplier = 2
	}
	return &Backoff{Kind: BackoffExponential, Base: base, Max: max, Multiplier: multiplier, Jitter: jitter}
}

func (b *Backoff) NextDelay(attempt int) time.Duration {
	attempt = max(attempt, 0)
	var d float64
	switch b.Kind {
	case BackoffConstant:
		d = float64(b.Base)
	case BackoffLinear:
		d = float64(b.Base) * float64(attempt+1)
	default:
		d = float64(b.Base) * math.Pow(b.Multiplier, float64(attempt))
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter != nil {
		d *= 0.5 + b.Jitter.Float64()
	}
	return time.Duration(d)
}

// Schedule lists the delays of the first n attempts.
func (b *Backoff) Schedule(n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = b.NextDelay(i)
	}
	return out
}

// BackoffFromConfig builds the backoff named by a solver.retries section.
// Unknown kinds fall back to exponential; a zero maximum becomes 30s.
func BackoffFromConfig(kind string, baseMs, maxMs int) *Backoff {
	base := time.Duration(baseMs) * time.Millisecond
	maxDelay := time.Duration(maxMs) * time.Millisecond
	if maxDelay == 0 {
		maxDelay = defaultMaxDelay
	}
	switch BackoffKind(kind) {
	case BackoffConstant:
		return NewConstantBackoff(base)
	case BackoffLinear:
		return NewLinearBackoff(base, maxDelay)
	default:
		return NewExponentialBackoff(base, maxDelay, 2, nil)
	}
}
