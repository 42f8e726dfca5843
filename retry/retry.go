// Package retry wraps a single logical attempt in bounded exponential
// backoff. The circuit breaker and the retry policy are kept as separate
// components: the Writer composes them so the breaker observes one
// failure per logical submission, not per attempt.
package retry

import (
	"context"
	"time"
)

// Classifier decides whether an error is worth another attempt.
type Classifier func(err error) bool

// Policy is a bounded exponential retry policy.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	IsRetryable  Classifier
	sleep        func(ctx context.Context, d time.Duration) error
}

// New creates a Policy. maxAttempts counts the first attempt plus retries
// (maxAttempts=1 means no retry). baseDelay is the delay before the first
// retry; each subsequent delay doubles.
func New(maxAttempts int, baseDelay time.Duration, isRetryable Classifier) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		IsRetryable: isRetryable,
		sleep:       sleepCtx,
	}
}

// Do runs fn, retrying on retryable errors with delay BaseDelay*2^(k-1)
// between attempts. It stops on success, on a non-retryable error, after
// MaxAttempts, or immediately on context cancellation — cancellation ends
// the attempt and is reported as non-retryable.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !p.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt == p.MaxAttempts {
			break
		}

		delay := p.BaseDelay * time.Duration(1<<uint(attempt-1))
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
