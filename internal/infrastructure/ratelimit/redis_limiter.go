package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

const keyPrefix = "meshsec:ratelimit"

// Lua script for an atomic fixed-window check with block-on-exceed. The
// block key outlives the window, so an offender stays denied for the full
// block duration even after the window would have reset.
const fixedWindowLuaScript = `
local count_key = KEYS[1]
local block_key = KEYS[2]
local max = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local block_ms = tonumber(ARGV[3])

local block_ttl = redis.call('PTTL', block_key)
if block_ttl > 0 then
    return {0, 0, block_ttl}
end

local count = redis.call('INCR', count_key)
if count == 1 then
    redis.call('PEXPIRE', count_key, window_ms)
end

local window_ttl = redis.call('PTTL', count_key)
if window_ttl < 0 then
    window_ttl = window_ms
end

if count > max then
    redis.call('SET', block_key, '1', 'PX', block_ms)
    return {0, window_ttl, block_ms}
end

return {1, window_ttl, max - count}
`

// RedisLimiter shares one fixed-window limit across mesh instances. The
// whole decision runs inside a Lua script, so concurrent instances cannot
// both admit the request that crosses the maximum.
type RedisLimiter struct {
	client redis.UniversalClient
	script *redis.Script

	window   time.Duration
	max      int
	blockFor time.Duration
	log      logger.Logger
}

// NewRedisLimiter creates a Redis-backed limiter from config.
func NewRedisLimiter(client redis.UniversalClient, cfg *config.RateLimitConfig, log logger.Logger) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.ErrInvalidArgument("redis client is required")
	}

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

	return &RedisLimiter{
		client:   client,
		script:   redis.NewScript(fixedWindowLuaScript),
		window:   window,
		max:      max,
		blockFor: blockFor,
		log:      log.WithComponent("ratelimit"),
	}, nil
}

var _ service.RateLimiter = (*RedisLimiter)(nil)

// Check consumes one permit for key.
func (l *RedisLimiter) Check(ctx context.Context, key string) (*models.RateLimitResult, error) {
	countKey := fmt.Sprintf("%s:%s:count", keyPrefix, key)
	blockKey := fmt.Sprintf("%s:%s:block", keyPrefix, key)

	raw, err := l.script.Run(ctx, l.client, []string{countKey, blockKey},
		l.max, l.window.Milliseconds(), l.blockFor.Milliseconds()).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "rate limit check failed for %s", key)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return nil, errors.ErrInternal("unexpected rate limit script result for %s", key)
	}

	now := time.Now()
	if values[0].(int64) == 1 {
		windowTTL := time.Duration(values[1].(int64)) * time.Millisecond
		return &models.RateLimitResult{
			Allowed:   true,
			Remaining: int(values[2].(int64)),
			ResetTime: now.Add(windowTTL),
		}, nil
	}

	windowTTL := time.Duration(values[1].(int64)) * time.Millisecond
	retryAfter := time.Duration(values[2].(int64)) * time.Millisecond
	l.log.Warn(ctx, "Rate limit exceeded",
		logger.String("key", key),
		logger.Duration("retry_after", retryAfter),
	)
	return denied(now.Add(windowTTL), retryAfter), nil
}

// Close releases limiter resources. The Redis client is shared and stays
// open; its owner closes it.
func (l *RedisLimiter) Close() error {
	return nil
}
