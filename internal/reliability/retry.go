// Package reliability wraps calls to external providers with bounded retries
// and a circuit breaker.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"muwise.app/internal/obs"
)

// RetryConfig describes an exponential backoff schedule.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetry returns the schedule used for outbound email.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Permanent marks an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Do runs fn until it succeeds, returns a *Permanent error, the attempts run
// out, or ctx is done.
func Do[T any](ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		var perm *Permanent
		if errors.As(err, &perm) {
			return zero, perm.Err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		backoff := cfg.backoff(attempt - 1)
		obs.Warn("operation failed, retrying", map[string]any{
			"operation":    op,
			"attempt":      attempt,
			"max_attempts": cfg.MaxAttempts,
			"backoff_ms":   backoff.Milliseconds(),
			"error":        err.Error(),
		})
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("operation %q failed after %d attempts: %w", op, cfg.MaxAttempts, lastErr)
}

func (cfg RetryConfig) backoff(n int) time.Duration {
	mult := cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(cfg.InitialBackoff) * math.Pow(mult, float64(n)))
	if cfg.MaxBackoff > 0 && d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	return d
}
