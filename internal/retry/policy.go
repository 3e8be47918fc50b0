// Package retry computes the backoff applied to transient channel send
// failures.
package retry

import (
	"math"
	"time"
)

// Policy defines retry behavior for a failed send on one step.
//
// Delays are deterministic: the router recomputes a retry's due time from the
// failed attempt's timestamp and must arrive at the same answer the scheduler
// stored.
type Policy struct {
	// MaxRetries is the number of retries allowed after the first failure.
	MaxRetries int

	// Schedule lists explicit delays per retry. When set it takes precedence
	// over the exponential parameters; retries past its end reuse the last
	// entry.
	Schedule []time.Duration

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps every computed delay.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier applied after each retry.
	Multiplier float64
}

// Default returns the send retry policy: 1m, 5m, 30m, then give up.
func Default() *Policy {
	return &Policy{
		MaxRetries:   3,
		Schedule:     []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute},
		InitialDelay: time.Minute,
		MaxDelay:     30 * time.Minute,
		Multiplier:   5,
	}
}

// NoRetry returns a policy that treats the first failure as final.
func NoRetry() *Policy {
	return &Policy{MaxRetries: 0, Multiplier: 1}
}

// NextDelay returns the delay before the given retry. Retry is 1-indexed
// (retry 1 follows the first failure). Returns 0 for retry <= 0.
func (p *Policy) NextDelay(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}

	var delay time.Duration
	if n := len(p.Schedule); n > 0 {
		if retry > n {
			retry = n
		}
		delay = p.Schedule[retry-1]
	} else {
		mult := p.Multiplier
		if mult <= 0 {
			mult = 1
		}
		delay = time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(retry-1)))
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether another attempt may follow the given number of
// consecutive failures.
func (p *Policy) ShouldRetry(failures int) bool {
	return failures <= p.MaxRetries
}
