package ratelimit

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

// DoWithRetry wraps admission with exponential backoff. Retryable
// failures wait min(advertised retry-after or backoff, MaxBackoff)
// scaled by 0.9–1.1 jitter, doubling the backoff each attempt.
// Non-retryable failures and the final attempt's failure propagate.
func (l *Limiter) DoWithRetry(ctx context.Context, fn func() error, tokens, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	backoff := l.baseBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := l.Do(ctx, fn, tokens, attempt == 1)
		if err == nil {
			return nil
		}
		lastErr = err

		if !domain.IsRetryable(err) || attempt == maxAttempts {
			return err
		}

		// A server-advertised wait replaces the computed backoff; the
		// cap below still bounds it.
		wait := backoff
		if advertised, ok := domain.RetryAfter(err); ok && advertised > 0 {
			wait = advertised
		}
		if wait > l.maxBackoff {
			wait = l.maxBackoff
		}
		wait = jitter(wait)

		slog.Warn("retrying after backoff",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"wait", wait,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}

	return lastErr
}

// jitter scales d by a factor in [0.9, 1.1) so synchronized clients
// spread out their retries.
func jitter(d time.Duration) time.Duration {
	factor := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * factor)
}
