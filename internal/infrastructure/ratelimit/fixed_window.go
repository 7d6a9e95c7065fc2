// Package ratelimit enforces a fixed-window request limit per key, with a
// penalty block once the window maximum is exceeded. Two backends exist: an
// in-process store for single instances and Redis for a shared limit across
// instances.
package ratelimit

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/logger"
)

// FixedWindowLimiter is the in-process limiter. Records live in a go-cache
// store whose janitor evicts keys idle past window+block, so an abandoned key
// costs nothing after one cycle. The check-and-increment itself runs under a
// mutex because the decision depends on the value being written.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	records *gocache.Cache

	window   time.Duration
	max      int
	blockFor time.Duration
	log      logger.Logger

	// now is swapped out in tests.
	now func() time.Time
}

// NewFixedWindowLimiter creates an in-process limiter from config.
func NewFixedWindowLimiter(cfg *config.RateLimitConfig, log logger.Logger) *FixedWindowLimiter {
	window := constants.DefaultRateLimitWindow
	max := constants.DefaultRateLimitMax
	blockFor := constants.DefaultRateLimitBlock
	if cfg != nil {
		if cfg.Window > 0 {
			window = cfg.Window
		}
		if cfg.Max > 0 {
			max = cfg.Max
		}
		if cfg.BlockDuration > 0 {
			blockFor = cfg.BlockDuration
		}
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	retention := window + blockFor
	return &FixedWindowLimiter{
		records:  gocache.New(retention, retention),
		window:   window,
		max:      max,
		blockFor: blockFor,
		log:      log.WithComponent("ratelimit"),
		now:      time.Now,
	}
}

var _ service.RateLimiter = (*FixedWindowLimiter)(nil)

// Check consumes one permit for key. Exceeding the window maximum blocks the
// key for the full block duration, independent of when the window would have
// reset.
func (l *FixedWindowLimiter) Check(ctx context.Context, key string) (*models.RateLimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec := l.record(key, now)

	if now.Before(rec.BlockedUntil) {
		return denied(rec.WindowResetAt, rec.BlockedUntil.Sub(now)), nil
	}
	rec.BlockedUntil = time.Time{}

	if !now.Before(rec.WindowResetAt) {
		rec.Count = 0
		rec.WindowResetAt = now.Add(l.window)
	}

	rec.Count++
	if rec.Count > l.max {
		rec.BlockedUntil = now.Add(l.blockFor)
		l.store(key, rec)
		l.log.Warn(ctx, "Rate limit exceeded",
			logger.String("key", key),
			logger.Int("count", rec.Count),
			logger.Int("max", l.max),
			logger.Duration("blocked_for", l.blockFor),
		)
		return denied(rec.WindowResetAt, l.blockFor), nil
	}
	l.store(key, rec)

	return &models.RateLimitResult{
		Allowed:   true,
		Remaining: l.max - rec.Count,
		ResetTime: rec.WindowResetAt,
	}, nil
}

// Close releases limiter resources.
func (l *FixedWindowLimiter) Close() error {
	l.records.Flush()
	return nil
}

// record returns the live record for key, or a fresh one. Caller holds l.mu.
func (l *FixedWindowLimiter) record(key string, now time.Time) *models.RateLimitRecord {
	if v, ok := l.records.Get(key); ok {
		return v.(*models.RateLimitRecord)
	}
	return &models.RateLimitRecord{WindowResetAt: now.Add(l.window)}
}

func (l *FixedWindowLimiter) store(key string, rec *models.RateLimitRecord) {
	l.records.SetDefault(key, rec)
}

func denied(resetAt time.Time, retryAfter time.Duration) *models.RateLimitResult {
	return &models.RateLimitResult{
		Allowed:    false,
		Remaining:  0,
		ResetTime:  resetAt,
		RetryAfter: retryAfter,
	}
}
