package resilience

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultMaxBackoff caps the exponential backoff between attempts.
	DefaultMaxBackoff = 5 * time.Second
	// MinInitialBackoff is the smallest accepted first backoff.
	MinInitialBackoff = 100 * time.Millisecond
)

// AttemptFunc performs one attempt. attempt starts at 1.
type AttemptFunc func(ctx context.Context, attempt int) error

// ObserveFunc sees the outcome of every attempt. err is nil on success and
// exhausted is true when no further attempt will follow a failure.
type ObserveFunc func(attempt int, err error, exhausted bool)

// RetryPolicy retries an action with exponential backoff:
// InitialBackoff * 2^(attempt-1), capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Sleep          func(context.Context, time.Duration) error
}

// Attempts returns the effective number of attempts (at least one).
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait that follows the given failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}

	delay := p.InitialBackoff
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	return delay
}

// Do runs fn until it succeeds or the attempts are exhausted, returning the
// last error. The backoff blocks the calling goroutine.
func (p RetryPolicy) Do(ctx context.Context, fn AttemptFunc, observe ObserveFunc) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	attempts := p.Attempts()

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		exhausted := attempt >= attempts
		if observe != nil {
			observe(attempt, err, err != nil && exhausted)
		}
		if err == nil {
			return nil
		}
		if exhausted {
			return err
		}
		if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
			return fmt.Errorf("%w (retry interrupted: %v)", err, serr)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
