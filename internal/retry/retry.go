// Package retry bounds storage calls made at the pipeline boundary.
package retry

import (
	"context"
	"time"

	"github.com/opensource-finance/fraudops/internal/domain"
)

// maxBackoff caps the delay between attempts.
const maxBackoff = 2 * time.Second

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. Each attempt gets its own CallTimeout. Only errors for
// which domain.Retryable reports true are retried; the last error is returned.
func Do(ctx context.Context, cfg domain.RetryConfig, fn func(ctx context.Context) error) error {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := cfg.BaseBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = call(ctx, cfg.CallTimeout, fn)
		if err == nil || !domain.Retryable(err) || i == attempts-1 {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return err
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
