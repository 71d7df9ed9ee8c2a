// Package retry provides a bounded retry-with-backoff wrapper for network
// calls. Only errors the policy's predicate accepts are retried; everything
// else is returned to the caller on the first attempt.
package retry

import (
	"context"
	"time"
)

// Policy controls how Do re-attempts an operation.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the sleep before the second attempt; it doubles after
	// each further failure (1, 2, 4 for the default policy).
	BaseDelay time.Duration
	// Retryable reports whether an error is worth another attempt.
	Retryable func(error) bool
	// Sleep is swappable for tests. Defaults to time.Sleep honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy mirrors the posting pipeline's backoff: three attempts with
// delays of 1s and 2s between them, retrying only errors the given predicate
// classifies as transient.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Retryable:   retryable,
	}
}

// Do runs op until it succeeds, the policy is exhausted, or an error is not
// retryable. The last error is returned.
func Do(ctx context.Context, p Policy, op func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
