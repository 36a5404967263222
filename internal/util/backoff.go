package util

import (
	"time"

	"github.com/jpillora/backoff"
)

// Backoff describes an exponential retry schedule: the n-th retry waits
// Base × Factor^(n-1), capped at Max, optionally jittered between Base and
// that value.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter bool
}

// Delay returns the wait before retry number n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	bo := &backoff.Backoff{
		Min:    b.Base,
		Max:    b.Max,
		Factor: factor,
		Jitter: b.Jitter,
	}
	return bo.ForAttempt(float64(n - 1))
}

// Schedule returns the first n delays, mostly useful for logging.
func (b Backoff) Schedule(n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = b.Delay(i + 1)
	}
	return out
}
