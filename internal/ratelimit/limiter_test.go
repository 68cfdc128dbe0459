package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimspipe/backend/internal/database"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLimiter(rdb), mr
}

func TestTryConsume_AllowsUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	profile := database.RateLimitProfile{Burst: 5, Minute: 100, Hour: 1000, Day: 10000}

	for i := 0; i < 5; i++ {
		res, err := l.TryConsume(context.Background(), "cred-1", profile)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
	}
	assert.True(t, l.Healthy())
}

func TestTryConsume_RefusesBurst(t *testing.T) {
	l, _ := newTestLimiter(t)
	profile := database.RateLimitProfile{Burst: 3, Minute: 100, Hour: 1000, Day: 10000}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.TryConsume(ctx, "cred-2", profile)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := l.TryConsume(ctx, "cred-2", profile)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, WindowBurst, res.Window)
	assert.Equal(t, 3, res.Limit)
	assert.Equal(t, 0, res.Remaining)
	assert.GreaterOrEqual(t, res.RetryAfter().Seconds(), 1.0)
}

func TestTryConsume_RefusedDoesNotConsume(t *testing.T) {
	l, _ := newTestLimiter(t)
	profile := database.RateLimitProfile{Burst: 1, Minute: 2, Hour: 100, Day: 100}
	ctx := context.Background()

	res, err := l.TryConsume(ctx, "cred-3", profile)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// Burst exhausted; minute counter must not advance on refusals.
	for i := 0; i < 5; i++ {
		res, err = l.TryConsume(ctx, "cred-3", profile)
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}
	assert.Equal(t, WindowBurst, res.Window)
}

func TestTryConsume_MostRestrictiveWindowWins(t *testing.T) {
	l, _ := newTestLimiter(t)
	// Minute and burst both exhausted after one call; minute resets later.
	profile := database.RateLimitProfile{Burst: 1, Minute: 1, Hour: 100, Day: 100}
	ctx := context.Background()

	res, err := l.TryConsume(ctx, "cred-4", profile)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.TryConsume(ctx, "cred-4", profile)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, WindowMinute, res.Window)
}

func TestTryConsume_CredentialsIsolated(t *testing.T) {
	l, _ := newTestLimiter(t)
	profile := database.RateLimitProfile{Burst: 1, Minute: 10, Hour: 100, Day: 100}
	ctx := context.Background()

	res, err := l.TryConsume(ctx, "cred-a", profile)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.TryConsume(ctx, "cred-a", profile)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// A different credential is unaffected.
	res, err = l.TryConsume(ctx, "cred-b", profile)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTryConsume_FailOpenWhenStoreDown(t *testing.T) {
	l, mr := newTestLimiter(t)
	profile := database.RateLimitProfile{Burst: 1, Minute: 3, Hour: 100, Day: 100}
	ctx := context.Background()

	mr.Close()

	// Degraded mode: minute window still enforced in process, burst ignored.
	for i := 0; i < 3; i++ {
		res, err := l.TryConsume(ctx, "cred-5", profile)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, WindowMinute, res.Window)
	}
	res, err := l.TryConsume(ctx, "cred-5", profile)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.False(t, l.Healthy())
}

func TestTryConsume_BurstWindowResets(t *testing.T) {
	l, mr := newTestLimiter(t)
	profile := database.RateLimitProfile{Burst: 1, Minute: 100, Hour: 1000, Day: 10000}
	ctx := context.Background()

	res, err := l.TryConsume(ctx, "cred-6", profile)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.TryConsume(ctx, "cred-6", profile)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Counter TTLs expire in the store; a new bucket admits traffic again.
	mr.FastForward(11 * time.Second)
	res, err = l.TryConsume(ctx, "cred-6", profile)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
