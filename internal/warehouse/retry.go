package warehouse

import (
	"context"
	"time"
)

// RetryPolicy is the bounded exponential backoff schedule applied to
// transient failures: BaseDelay * 2^attempt, capped at MaxAttempts.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is 200ms * 2^attempt, five attempts.
var DefaultRetryPolicy = RetryPolicy{BaseDelay: 200 * time.Millisecond, MaxAttempts: 5}

// withRetry runs fn up to policy.MaxAttempts times, sleeping
// policy.BaseDelay*2^attempt between attempts, stopping early if ctx is
// canceled or fn stops returning an error. The final error (if any) is
// returned wrapped as *TransientError; callers that exhaust retries are
// expected to promote it to *FatalError.
func withRetry(ctx context.Context, policy RetryPolicy, stream, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := policy.BaseDelay << uint(attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := fn(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return &TransientError{Stream: stream, Op: op, Err: lastErr}
}
