// Package backoff computes the delay between scheduler passes: after a
// pass that found nothing to do locally, the caller sleeps before
// re-checking the lock and its waiter. Strategies are plain functions,
// stateless and safe for concurrent use.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Strategy maps a pass number (1-indexed) to the delay before the next
// pass.
type Strategy func(pass int) time.Duration

// Constant waits the same interval between every pass.
func Constant(interval time.Duration) Strategy {
	return func(int) time.Duration { return interval }
}

// Linear grows the delay by step each pass, up to ceiling:
// step, 2*step, 3*step, ...
func Linear(step, ceiling time.Duration) Strategy {
	return func(pass int) time.Duration {
		return clamp(step*time.Duration(pass), ceiling)
	}
}

// Exponential doubles the delay each pass starting from base.
func Exponential(base, ceiling time.Duration) Strategy {
	return func(pass int) time.Duration {
		return expDelay(base, ceiling, pass)
	}
}

// FullJitter draws a uniform delay from [0, d) where d is the
// exponential delay for the pass. Racing replicas waiting on the same
// session lock desynchronize instead of stampeding it together.
func FullJitter(base, ceiling time.Duration) Strategy {
	return func(pass int) time.Duration {
		d := expDelay(base, ceiling, pass)
		if d <= 0 {
			return 0
		}
		return rand.N(d) //nolint:gosec // jitter needs no crypto rand
	}
}

// Default is the scheduler's standard strategy: full jitter over
// 50ms..2s. The short base keeps back-to-back turns on one session
// snappy; the ceiling bounds how stale a waiter check can get.
func Default() Strategy {
	return FullJitter(50*time.Millisecond, 2*time.Second)
}

// expDelay is base doubled pass-1 times, clamped to ceiling, with the
// shift guarded against overflow.
func expDelay(base, ceiling time.Duration, pass int) time.Duration {
	if pass < 1 {
		pass = 1
	}
	d := base
	for i := 1; i < pass; i++ {
		d *= 2
		if d >= ceiling || d < 0 {
			return ceiling
		}
	}
	return clamp(d, ceiling)
}

func clamp(d, ceiling time.Duration) time.Duration {
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
