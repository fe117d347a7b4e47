// Package retry provides a generic bounded-retry combinator with exponential
// backoff and jitter, shared by every contention-prone write path.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy controls how Do spaces out attempts.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt; it doubles on
	// each subsequent failure, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries everything.
	Retryable func(error) bool
}

// Backoff returns the wait before attempt n (0-based counting of failures),
// with up to 50% random jitter added on top.
func (p Policy) Backoff(n int) time.Duration {
	d := p.BaseDelay << uint(n)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d + rand.N(d/2+1)
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or ctx is done. It returns the last error together with the
// number of attempts made.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (attempts int, err error) {
	for n := 0; n < p.MaxAttempts; n++ {
		attempts++
		if err = fn(ctx); err == nil {
			return attempts, nil
		}

		if p.Retryable != nil && !p.Retryable(err) {
			return attempts, err
		}
		if n == p.MaxAttempts-1 {
			break
		}

		t := time.NewTimer(p.Backoff(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempts, ctx.Err()
		case <-t.C:
		}
	}

	return attempts, err
}
