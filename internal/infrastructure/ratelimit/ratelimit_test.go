package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/pkg/logger"
)

func newTestLimiter(t *testing.T, max int, window, block time.Duration) (*FixedWindowLimiter, *time.Time) {
	t.Helper()

	l := NewFixedWindowLimiter(&config.RateLimitConfig{
		Backend:       "memory",
		Window:        window,
		Max:           max,
		BlockDuration: block,
	}, logger.NewNoopLogger())
	t.Cleanup(func() { _ = l.Close() })

	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestFixedWindow_AllowsUpToMax(t *testing.T) {
	l, _ := newTestLimiter(t, 5, time.Minute, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, "service-a")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 4-i, res.Remaining)
	}

	res, err := l.Check(ctx, "service-a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestFixedWindow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute, 5*time.Minute)
	ctx := context.Background()

	res, err := l.Check(ctx, "service-a")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Check(ctx, "service-a")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = l.Check(ctx, "service-b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestFixedWindow_BlockOutlivesWindowReset(t *testing.T) {
	l, now := newTestLimiter(t, 1, time.Minute, 5*time.Minute)
	ctx := context.Background()

	_, err := l.Check(ctx, "service-a")
	require.NoError(t, err)
	res, err := l.Check(ctx, "service-a")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// The window has long reset, but the penalty block still holds.
	*now = now.Add(2 * time.Minute)
	res, err = l.Check(ctx, "service-a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// After the full block duration the key starts a clean window.
	*now = now.Add(4 * time.Minute)
	res, err = l.Check(ctx, "service-a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestFixedWindow_WindowReset(t *testing.T) {
	l, now := newTestLimiter(t, 2, time.Minute, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, "service-a")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	// A fresh window restores the full budget.
	*now = now.Add(61 * time.Second)
	res, err := l.Check(ctx, "service-a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func newRedisTestLimiter(t *testing.T, max int, window, block time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l, err := NewRedisLimiter(client, &config.RateLimitConfig{
		Backend:       "redis",
		Window:        window,
		Max:           max,
		BlockDuration: block,
	}, logger.NewNoopLogger())
	require.NoError(t, err)
	return l, mr
}

func TestRedisLimiter_AllowsUpToMax(t *testing.T) {
	l, _ := newRedisTestLimiter(t, 3, time.Minute, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "service-a")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := l.Check(ctx, "service-a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 5*time.Minute, res.RetryAfter)
}

func TestRedisLimiter_BlockExpires(t *testing.T) {
	l, mr := newRedisTestLimiter(t, 1, time.Minute, 5*time.Minute)
	ctx := context.Background()

	_, err := l.Check(ctx, "service-a")
	require.NoError(t, err)
	res, err := l.Check(ctx, "service-a")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Still blocked after the window would have reset.
	mr.FastForward(2 * time.Minute)
	res, err = l.Check(ctx, "service-a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	mr.FastForward(4 * time.Minute)
	res, err = l.Check(ctx, "service-a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
