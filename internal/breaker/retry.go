package breaker

import (
	"context"
	"time"

	"orbit/internal/domain"
)

// RetryPolicy is the C7 retry policy: a fixed number of attempts at a
// fixed delay, gated by a per-error-class retry decision. Adapted from
// the author's errors.RetryPolicy (pre-processor/app/utils/errors), but
// the spec calls for a single fixed retry_delay rather than that
// policy's exponential backoff — the simpler shape is kept here and the
// exponential-backoff idiom is not reused, since nothing in this
// subsystem calls for it.
type RetryPolicy struct {
	MaxRetries  int
	RetryDelay  time.Duration
	ShouldRetry func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, RetryDelay: time.Second, ShouldRetry: domain.IsRetryable}
}

// Execute runs operation, retrying up to MaxRetries additional times
// while ShouldRetry(err) holds, waiting RetryDelay between attempts.
func (p RetryPolicy) Execute(ctx context.Context, operation func(ctx context.Context) error) error {
	should := p.ShouldRetry
	if should == nil {
		should = domain.IsRetryable
	}

	var lastErr error
	attempts := p.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !should(err) || attempt == attempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.RetryDelay):
		}
	}
	return lastErr
}
