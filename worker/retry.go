package worker

import (
	"context"
	"time"
)

// RetryPolicy is the one place send attempts are repeated.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(err error) bool
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or runs out
// of attempts. It returns the last error and the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}

	var err error
	for attempt := 1; attempt <= max; attempt++ {
		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return attempt, err
		}
		if attempt == max {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return max, err
}
