package worker

import (
	"context"
	"time"
)

// Backoff tracks consecutive failed connection attempts. The first failure
// waits the base delay and every further failure doubles it until
// maxAttempts consecutive attempts have failed.
type Backoff struct {
	baseDelay   time.Duration
	maxAttempts int
	failures    int
}

func NewBackoff(baseDelay time.Duration, maxAttempts int) *Backoff {
	return &Backoff{baseDelay: baseDelay, maxAttempts: maxAttempts}
}

// Next records a failed attempt and returns the delay before the next one.
// It returns ErrRetriesExhausted on the maxAttempts-th consecutive failure.
func (b *Backoff) Next() (time.Duration, error) {
	b.failures++
	if b.failures >= b.maxAttempts {
		return 0, ErrRetriesExhausted
	}
	return b.Delay(b.failures), nil
}

// Delay is the wait after the k-th consecutive failure.
func (b *Backoff) Delay(k int) time.Duration {
	if k < 1 {
		return b.baseDelay
	}
	return b.baseDelay << (k - 1)
}

// Reset clears the failure count after a successful registration.
func (b *Backoff) Reset() {
	b.failures = 0
}

func (b *Backoff) BaseDelay() time.Duration {
	return b.baseDelay
}

func (b *Backoff) Failures() int {
	return b.failures
}

// Wait sleeps for delay, returning early with ctx.Err() on cancellation.
func Wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
