package pipeline

import "time"

// backoffDelay computes the wait before retry attempt n using exponential
// growth from base, capped at max. Attempt numbering starts at 1: the first
// retry waits base, the second 2*base, and so on.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
