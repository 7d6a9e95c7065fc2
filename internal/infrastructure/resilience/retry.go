package resilience

import (
	"context"
	"time"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// Retrier re-runs a failed operation with exponential backoff. Delay before
// attempt n+1 is initialDelay * multiplier^(n-1), capped at maxDelay. Only
// transient errors are retried; the last error is surfaced unchanged.
type Retrier struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	// retryable, when non-empty, replaces the default transient
	// classification: only errors carrying a listed code are retried.
	retryable map[errors.Code]struct{}
	log       logger.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier from config.
func NewRetrier(cfg *config.RetryConfig, log logger.Logger) *Retrier {
	maxAttempts := constants.DefaultMaxAttempts
	initialDelay := constants.DefaultInitialDelay
	maxDelay := constants.DefaultMaxDelay
	multiplier := float64(constants.DefaultBackoffMultiplier)
	var retryable map[errors.Code]struct{}
	if cfg != nil {
		if len(cfg.RetryableErrors) > 0 {
			retryable = make(map[errors.Code]struct{}, len(cfg.RetryableErrors))
			for _, code := range cfg.RetryableErrors {
				retryable[errors.Code(code)] = struct{}{}
			}
		}
		if cfg.MaxAttempts > 0 {
			maxAttempts = cfg.MaxAttempts
		}
		if cfg.InitialDelay > 0 {
			initialDelay = cfg.InitialDelay
		}
		if cfg.MaxDelay > 0 {
			maxDelay = cfg.MaxDelay
		}
		if cfg.BackoffMultiplier > 1 {
			multiplier = cfg.BackoffMultiplier
		}
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	return &Retrier{
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		retryable:    retryable,
		log:          log.WithComponent("retry"),
		sleep:        sleepCtx,
	}
}

// shouldRetry applies the configured allow-list when present, the default
// transient classification otherwise. Errors without a mesh code never match
// an allow-list.
func (r *Retrier) shouldRetry(err error) bool {
	if len(r.retryable) == 0 {
		return errors.IsRetryable(err)
	}
	me, ok := errors.AsMeshError(err)
	if !ok {
		return false
	}
	_, listed := r.retryable[me.Code()]
	return listed
}

// Do runs fn up to maxAttempts times. A non-retryable error short-circuits
// immediately; context cancellation stops the loop between attempts.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := r.initialDelay

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == r.maxAttempts {
			break
		}

		r.log.Debug(ctx, "Retrying after transient failure",
			logger.String("operation", operation),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Err(lastErr),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return lastErr
		}

		delay = time.Duration(float64(delay) * r.multiplier)
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
