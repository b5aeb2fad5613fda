package worker

import "time"

// Backoff returns base*2^attempt capped at max. Attempt counts from zero.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if max > 0 && d >= max {
			return max
		}
		d *= 2
		if d <= 0 {
			// overflow
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
