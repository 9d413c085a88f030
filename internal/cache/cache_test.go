package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "trade-governor/internal/errors"
)

// exerciseCounters runs the shared contract against any implementation.
// advance moves the implementation's clock forward.
func exerciseCounters(t *testing.T, c Counters, advance func(time.Duration)) {
	ctx := context.Background()

	_, err := c.Get(ctx, KeyOpenPositions)
	assert.ErrorIs(t, err, apperrors.ErrCacheMiss)

	n, err := c.IncrBy(ctx, KeyOpenPositions, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.IncrBy(ctx, KeyOpenPositions, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	loss, err := c.IncrByFloat(ctx, KeyDailyLoss, 400.5)
	require.NoError(t, err)
	assert.InDelta(t, 400.5, loss, 1e-9)
	loss, err = c.IncrByFloat(ctx, KeyDailyLoss, 99.5)
	require.NoError(t, err)
	assert.InDelta(t, 500, loss, 1e-9)

	require.NoError(t, c.Set(ctx, KeyHalted, "1", time.Hour))
	v, err := c.Get(ctx, KeyHalted)
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	advance(2 * time.Hour)
	_, err = c.Get(ctx, KeyHalted)
	assert.ErrorIs(t, err, apperrors.ErrCacheMiss)

	require.NoError(t, c.Delete(ctx, KeyDailyLoss, KeyOpenPositions))
	_, err = c.Get(ctx, KeyDailyLoss)
	assert.ErrorIs(t, err, apperrors.ErrCacheMiss)
}

func TestMemoryCounters(t *testing.T) {
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	c := NewMemoryCounters(func() time.Time { return now })
	exerciseCounters(t, c, func(d time.Duration) { now = now.Add(d) })
}

func TestMemoryCountersExpireAt(t *testing.T) {
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	c := NewMemoryCounters(func() time.Time { return now })
	ctx := context.Background()

	_, err := c.IncrByFloat(ctx, KeyDailyLoss, 100)
	require.NoError(t, err)
	require.NoError(t, c.ExpireAt(ctx, KeyDailyLoss, now.Add(time.Minute)))

	now = now.Add(time.Minute)
	_, err = c.Get(ctx, KeyDailyLoss)
	assert.ErrorIs(t, err, apperrors.ErrCacheMiss)
}

func TestRedisCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCounters(context.Background(), RedisConfig{Addr: mr.Addr(), Prefix: "test:"})
	require.NoError(t, err)
	defer c.Close()

	exerciseCounters(t, c, mr.FastForward)
	assert.False(t, mr.Exists("test:"+KeyHalted))
}
