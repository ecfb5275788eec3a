// Package retry wraps flaky engine invocations with capped exponential backoff.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
	"github.com/xkilldash9x/scalpel-review/internal/config"
	"go.uber.org/zap"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryHook is notified before each backoff sleep.
type RetryHook func(op string, attempt int, delay time.Duration, err error)

// Controller runs operations with the configured retry policy.
type Controller struct {
	cfg     config.RetryConfig
	logger  *zap.Logger
	sleep   SleepFunc
	onRetry RetryHook
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSleep replaces the backoff sleep, used by tests to avoid real waits.
func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithRetryHook registers a callback invoked before each retry.
func WithRetryHook(fn RetryHook) Option {
	return func(c *Controller) { c.onRetry = fn }
}

// New creates a Controller.
func New(cfg config.RetryConfig, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		logger: logger.Named("retry"),
		sleep:  contextSleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxAttempts returns the effective attempt budget, never less than one.
func (c *Controller) MaxAttempts() int {
	if c.cfg.MaxAttempts < 1 {
		return 1
	}
	return c.cfg.MaxAttempts
}

// Delay returns the wait before attempt n. Attempt 1 never waits; attempt n>=2
// waits min(initial * factor^(n-2), max).
func (c *Controller) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := float64(c.cfg.InitialDelay) * math.Pow(c.cfg.BackoffFactor, float64(attempt-2))
	if c.cfg.MaxDelay > 0 && (d > float64(c.cfg.MaxDelay) || math.IsInf(d, 1)) {
		return c.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Schedule lists the delays before every attempt after the first.
func (c *Controller) Schedule() []time.Duration {
	out := make([]time.Duration, 0, c.MaxAttempts()-1)
	for n := 2; n <= c.MaxAttempts(); n++ {
		out = append(out, c.Delay(n))
	}
	return out
}

// Run executes fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The last error is returned unchanged. The attempt
// count actually used is returned alongside.
func Run[T any](ctx context.Context, c *Controller, op string, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var (
		zero    T
		lastErr error
	)
	maxAttempts := c.MaxAttempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.Delay(attempt)
			if c.onRetry != nil {
				c.onRetry(op, attempt, delay, lastErr)
			}
			c.logger.Warn("Retrying operation",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := c.sleep(ctx, delay); err != nil {
				return zero, attempt - 1, lastErr
			}
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if !apperrors.IsRetryable(err) {
			c.logger.Debug("Error is not retryable", zap.String("op", op), zap.String("kind", apperrors.KindOf(err).String()))
			return zero, attempt, err
		}
	}

	c.logger.Error("Retry attempts exhausted", zap.String("op", op), zap.Int("attempts", maxAttempts), zap.Error(lastErr))
	return zero, maxAttempts, lastErr
}

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
