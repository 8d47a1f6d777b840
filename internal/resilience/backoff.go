package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Default backoff parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrRetriesExhausted is returned by [Backoff.Retry] when every attempt failed.
var ErrRetriesExhausted = errors.New("resilience: retries exhausted")

// Backoff is an exponential retry schedule. The zero value uses 10 retries
// starting at 1s and doubling up to 30s.
type Backoff struct {
	// MaxRetries is the maximum number of attempts.
	MaxRetries int

	// Initial is the delay after the first failed attempt.
	Initial time.Duration

	// Max caps the delay.
	Max time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.MaxRetries <= 0 {
		b.MaxRetries = defaultMaxRetries
	}
	if b.Initial <= 0 {
		b.Initial = defaultBackoff
	}
	if b.Max <= 0 {
		b.Max = defaultMaxBackoff
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Retry calls fn until it succeeds, ctx is done or MaxRetries attempts have
// failed. attempt is 1-based. Errors wrapping [ErrCircuitOpen] are retried
// like any other; the breaker decides when a probe is allowed.
func (b Backoff) Retry(ctx context.Context, name string, fn func(ctx context.Context, attempt int) error) error {
	b = b.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				slog.Info("retry succeeded", "name", name, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		delay := b.Delay(attempt)
		slog.Warn("attempt failed",
			"name", name,
			"attempt", attempt,
			"max_retries", b.MaxRetries,
			"backoff", delay,
			"error", err,
		)
		if attempt == b.MaxRetries {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	slog.Error("giving up after max retries", "name", name, "max_retries", b.MaxRetries)
	return errors.Join(ErrRetriesExhausted, lastErr)
}
