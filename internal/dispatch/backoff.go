package dispatch

import (
	"time"
)

// Backoff returns the wait before the next attempt after `attempt` failed
// attempts (attempt >= 1): full jitter over [base, min(ceil, base*2^(attempt-1))].
// r is a uniform sample in [0, 1).
func Backoff(attempt int, base, ceil time.Duration, r float64) time.Duration {
	if ceil < base {
		ceil = base
	}
	// double step by step; a shift overflows long before attempt gets large
	ceiling := base
	for i := 1; i < attempt && ceiling < ceil; i++ {
		if ceiling > ceil/2 {
			ceiling = ceil
			break
		}
		ceiling *= 2
	}
	if r < 0 {
		r = 0
	}
	if r >= 1 {
		r = 0.999999
	}
	return base + time.Duration(float64(ceiling-base)*r)
}
