package resilience

import (
	"context"
	"time"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// Executor composes the resilience layers around an outbound call, in order:
// rate limiter, circuit breaker, retry, per-attempt timeout. A denial by an
// outer layer never touches the inner ones, so a rate-limited call does not
// count as a breaker failure.
type Executor struct {
	limiter     service.RateLimiter
	breaker     *Breaker
	retrier     *Retrier
	callTimeout time.Duration
	log         logger.Logger
}

// NewExecutor wires the layers together. limiter may be nil when rate
// limiting is handled elsewhere.
func NewExecutor(
	limiter service.RateLimiter,
	breaker *Breaker,
	retrier *Retrier,
	retryCfg *config.RetryConfig,
	log logger.Logger,
) *Executor {
	callTimeout := constants.DefaultCallTimeout
	if retryCfg != nil && retryCfg.CallTimeout > 0 {
		callTimeout = retryCfg.CallTimeout
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	return &Executor{
		limiter:     limiter,
		breaker:     breaker,
		retrier:     retrier,
		callTimeout: callTimeout,
		log:         log.WithComponent("resilience"),
	}
}

// Execute runs fn against target under the full resilience stack. The
// breaker is credited or debited with the overall outcome, so a call that
// succeeds on its final retry attempt counts as one success.
func (e *Executor) Execute(ctx context.Context, target, operation string, fn func(ctx context.Context) error) error {
	if e.limiter != nil {
		result, err := e.limiter.Check(ctx, target)
		if err != nil {
			return err
		}
		if !result.Allowed {
			return errors.ErrRateLimited(target, result.RetryAfter)
		}
	}

	if err := e.breaker.Allow(target); err != nil {
		return err
	}

	err := e.retrier.Do(ctx, operation, func(attemptCtx context.Context) error {
		return WithTimeout(attemptCtx, operation, e.callTimeout, fn)
	})
	if err != nil {
		e.breaker.RecordFailure(target)
		return err
	}

	e.breaker.RecordSuccess(target)
	return nil
}

// Breaker exposes the underlying breaker for state snapshots and resets.
func (e *Executor) Breaker() *Breaker {
	return e.breaker
}
