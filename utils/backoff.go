package utils

import "time"

// Backoff returns the delay before the next attempt after retryCount failed
// tries: base * 2^(retryCount-1), capped. retryCount is 1-based; values below
// 1 get the base delay.
func Backoff(base, cap time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if cap <= 0 {
		cap = time.Hour
	}
	if retryCount < 1 {
		retryCount = 1
	}

	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		// overflow or past the cap, stop doubling
		if d <= 0 || d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
