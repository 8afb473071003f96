package entitlement

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before a retry of the secondary subscription fetch.
// attempt is 1 for the first retry. Implementations must be safe for concurrent use.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at Max,
// with a random spread of +/- Jitter.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff is used by the reconciler when none is configured
func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Initial:    500 * time.Millisecond,
		Max:        15 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay implements Backoff
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := b.Initial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 15 * time.Second
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if b.Jitter > 0 {
		delay *= 1 + (rand.Float64()*2-1)*b.Jitter
	}
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	return time.Duration(delay)
}

// ConstantBackoff waits the same duration between every attempt
type ConstantBackoff time.Duration

// Delay implements Backoff
func (c ConstantBackoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(c)
}
