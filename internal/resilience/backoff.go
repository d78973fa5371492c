// Package resilience provides the retry primitives used by stream
// reconnection: exponential backoff with bounded jitter.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Default backoff parameters.
const (
	DefaultMaxAttempts = 3
	DefaultBase        = 500 * time.Millisecond
	DefaultMax         = 5 * time.Second
	defaultJitter      = 0.2
)

// Backoff computes jittered exponential retry delays. The zero value is not
// usable; construct with New or fill all fields.
type Backoff struct {
	// MaxAttempts is the number of retries allowed before giving up.
	MaxAttempts int

	// Base is the delay before the first retry. Doubles each attempt.
	Base time.Duration

	// Max caps the delay regardless of attempt count.
	Max time.Duration

	// Jitter is the relative spread applied to each delay, e.g. 0.2 for ±20%.
	Jitter float64
}

// New returns a Backoff with zero fields replaced by defaults.
func New(maxAttempts int, base, max time.Duration) Backoff {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	return Backoff{MaxAttempts: maxAttempts, Base: base, Max: max, Jitter: defaultJitter}
}

// Delay returns the jittered delay for the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for range attempt {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		// Uniform in [1-jitter, 1+jitter].
		f := 1 + b.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d
}

// Sleep waits for Delay(attempt) or until ctx is done, returning ctx.Err in
// the latter case.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
