package scheduler

import "time"

// DefaultMaxBackoff caps the delay applied after repeated failures.
const DefaultMaxBackoff = 24 * time.Hour

// BackoffPolicy computes the wait after consecutive failures: the task's
// minimum interval doubled once per failure, capped at MaxBackoff. The cap is
// never below the minimum interval itself.
type BackoffPolicy struct {
	MaxBackoff time.Duration
}

// Delay returns the wait after the given number of consecutive failures.
// Zero failures means the regular minimum interval.
func (p BackoffPolicy) Delay(minInterval time.Duration, failures int) time.Duration {
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	if minInterval > limit {
		limit = minInterval
	}
	if failures <= 0 {
		return minInterval
	}
	d := minInterval
	for i := 0; i < failures; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return d
}
