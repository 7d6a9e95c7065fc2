// Package resilience guards outbound mesh calls with a per-target circuit
// breaker, bounded exponential retry, and a call timeout, composed by the
// Executor in a fixed order.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// Breaker tracks one circuit per target. Failures within the monitoring
// window accumulate toward the failure threshold; a failure after the window
// lapsed restarts the count at one, crediting it as the first failure of a
// new streak.
type Breaker struct {
	mu      sync.Mutex
	targets map[string]*models.CircuitBreakerRecord

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	monitoringWindow time.Duration
	log              logger.Logger

	// onStateChange, when set, is called outside the lock after a
	// transition. The executor wires metrics and audit through it.
	onStateChange func(target string, from, to constants.BreakerState)

	// now is swapped out in tests.
	now func() time.Time
}

// NewBreaker creates a breaker from config.
func NewBreaker(cfg *config.BreakerConfig, log logger.Logger) *Breaker {
	failureThreshold := constants.DefaultFailureThreshold
	successThreshold := constants.DefaultSuccessThreshold
	timeout := constants.DefaultBreakerTimeout
	window := constants.DefaultMonitoringWindow
	if cfg != nil {
		if cfg.FailureThreshold > 0 {
			failureThreshold = cfg.FailureThreshold
		}
		if cfg.SuccessThreshold > 0 {
			successThreshold = cfg.SuccessThreshold
		}
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
		if cfg.MonitoringWindow > 0 {
			window = cfg.MonitoringWindow
		}
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	return &Breaker{
		targets:          make(map[string]*models.CircuitBreakerRecord),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		monitoringWindow: window,
		log:              log.WithComponent("breaker"),
		now:              time.Now,
	}
}

// OnStateChange registers a transition callback. Call before first use.
func (b *Breaker) OnStateChange(fn func(target string, from, to constants.BreakerState)) {
	b.onStateChange = fn
}

// Allow reports whether a call to target may proceed. An open circuit whose
// timeout has elapsed admits exactly one probe and moves to half-open.
func (b *Breaker) Allow(target string) error {
	b.mu.Lock()
	rec := b.record(target)
	now := b.now()

	switch rec.State {
	case constants.BreakerClosed:
		b.mu.Unlock()
		return nil

	case constants.BreakerOpen:
		if now.Before(rec.NextAttemptAt) {
			retryAfter := rec.NextAttemptAt.Sub(now)
			b.mu.Unlock()
			return errors.ErrCircuitOpen(target, retryAfter)
		}
		// Timeout elapsed: this caller becomes the probe.
		rec.State = constants.BreakerHalfOpen
		rec.SuccessCount = 0
		b.mu.Unlock()
		b.notify(target, constants.BreakerOpen, constants.BreakerHalfOpen)
		return nil

	default: // half-open
		// A probe is already in flight; hold other callers off until
		// it resolves the state.
		retryAfter := b.timeout
		b.mu.Unlock()
		return errors.ErrCircuitOpen(target, retryAfter)
	}
}

// RecordSuccess notes a successful call to target.
func (b *Breaker) RecordSuccess(target string) {
	b.mu.Lock()
	rec := b.record(target)

	switch rec.State {
	case constants.BreakerHalfOpen:
		rec.SuccessCount++
		if rec.SuccessCount >= b.successThreshold {
			rec.State = constants.BreakerClosed
			rec.FailureCount = 0
			rec.SuccessCount = 0
			b.mu.Unlock()
			b.notify(target, constants.BreakerHalfOpen, constants.BreakerClosed)
			b.log.Info(context.Background(), "Circuit closed",
				logger.String("target", target),
			)
			return
		}
	case constants.BreakerClosed:
		rec.FailureCount = 0
	}
	b.mu.Unlock()
}

// RecordFailure notes a failed call to target.
func (b *Breaker) RecordFailure(target string) {
	b.mu.Lock()
	rec := b.record(target)
	now := b.now()

	if rec.State == constants.BreakerHalfOpen {
		// One failed probe reopens the circuit.
		rec.State = constants.BreakerOpen
		rec.LastFailure = now
		rec.NextAttemptAt = now.Add(b.timeout)
		b.mu.Unlock()
		b.notify(target, constants.BreakerHalfOpen, constants.BreakerOpen)
		b.log.Warn(context.Background(), "Circuit reopened by failed probe",
			logger.String("target", target),
		)
		return
	}

	if !rec.LastFailure.IsZero() && now.Sub(rec.LastFailure) > b.monitoringWindow {
		rec.FailureCount = 1
	} else {
		rec.FailureCount++
	}
	rec.LastFailure = now

	if rec.State == constants.BreakerClosed && rec.FailureCount >= b.failureThreshold {
		rec.State = constants.BreakerOpen
		rec.NextAttemptAt = now.Add(b.timeout)
		b.mu.Unlock()
		b.notify(target, constants.BreakerClosed, constants.BreakerOpen)
		b.log.Warn(context.Background(), "Circuit opened",
			logger.String("target", target),
			logger.Int("failures", rec.FailureCount),
		)
		return
	}
	b.mu.Unlock()
}

// State returns the current state for target.
func (b *Breaker) State(target string) constants.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.record(target).State
}

// States returns a snapshot of every tracked target's state.
func (b *Breaker) States() map[string]constants.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := make(map[string]constants.BreakerState, len(b.targets))
	for target, rec := range b.targets {
		states[target] = rec.State
	}
	return states
}

// Reset clears the circuit for target.
func (b *Breaker) Reset(target string) {
	b.mu.Lock()
	delete(b.targets, target)
	b.mu.Unlock()
}

// record returns the record for target, creating a closed one. Caller holds
// b.mu.
func (b *Breaker) record(target string) *models.CircuitBreakerRecord {
	rec, ok := b.targets[target]
	if !ok {
		rec = &models.CircuitBreakerRecord{State: constants.BreakerClosed}
		b.targets[target] = rec
	}
	return rec
}

func (b *Breaker) notify(target string, from, to constants.BreakerState) {
	if b.onStateChange != nil {
		b.onStateChange(target, from, to)
	}
}
