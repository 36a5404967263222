package util

import (
	"context"
	"time"
)

// Retry calls fn up to maxAttempts times, waiting between attempts
// according to policy. It returns nil on the first successful call, or the
// last error if all attempts fail. Errors for which permanent returns true
// stop the loop immediately. The function respects context cancellation
// between retries.
func Retry(ctx context.Context, maxAttempts int, policy Backoff, permanent func(error) bool, fn func() error) error {
	var err error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if permanent != nil && permanent(err) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts {
			if serr := Sleep(ctx, policy.Delay(attempt)); serr != nil {
				return serr
			}
		}
	}

	return err
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
