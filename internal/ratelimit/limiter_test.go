package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/waingest/internal/clock"
	"github.com/smallbiznis/waingest/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)

func webhookPolicy(failOpen bool, strategies ...config.StrategyPolicy) *config.RateLimitConfigHolder {
	return config.NewStaticRateLimitConfigHolder(config.RateLimitConfig{
		Enabled: true,
		Endpoints: map[string]config.EndpointPolicy{
			config.RateLimitEndpointWebhook: {FailOpen: failOpen, Strategies: strategies},
		},
	})
}

func TestMemoryStoreWindowResets(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	store := NewMemoryStore(clk)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, ttl, err := store.Incr(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.Equal(t, time.Minute, ttl)
	}

	clk.Advance(45 * time.Second)
	count, ttl, err := store.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
	assert.Equal(t, 15*time.Second, ttl)

	clk.Advance(15 * time.Second)
	count, _, err = store.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLimiterDeniesIPOverLimit(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	holder := webhookPolicy(true, config.StrategyPolicy{Name: config.RateLimitStrategyIP, Limit: 2, Window: time.Minute})
	limiter := NewLimiter(NewMemoryStore(clk), holder, clk, zap.NewNop(), nil)
	ctx := context.Background()
	req := Request{Endpoint: "webhook", IP: "10.0.0.1"}

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, req)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	clk.Advance(20 * time.Second)
	d, err := limiter.Allow(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, config.RateLimitStrategyIP, d.Strategy)
	assert.Equal(t, 2, d.Limit)
	assert.Equal(t, int64(3), d.Current)
	assert.Equal(t, 40*time.Second, d.RetryAfter)
	assert.Equal(t, t0.Add(time.Minute), d.Reset)

	other, err := limiter.Allow(ctx, Request{Endpoint: "webhook", IP: "10.0.0.2"})
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestLimiterSkipsOrgStrategyWithoutOrg(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	holder := webhookPolicy(true, config.StrategyPolicy{Name: config.RateLimitStrategyOrg, Limit: 1, Window: time.Minute})
	limiter := NewLimiter(NewMemoryStore(clk), holder, clk, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := limiter.Allow(ctx, Request{Endpoint: "webhook", IP: "10.0.0.1"})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := limiter.Allow(ctx, Request{Endpoint: "webhook", IP: "10.0.0.1", OrgID: "7"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, Request{Endpoint: "webhook", IP: "10.0.0.9", OrgID: "7"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, config.RateLimitStrategyOrg, d.Strategy)
}

func TestLimiterFirstViolationWins(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	holder := webhookPolicy(true,
		config.StrategyPolicy{Name: config.RateLimitStrategyIP, Limit: 1, Window: time.Minute},
		config.StrategyPolicy{Name: config.RateLimitStrategyBurst, Limit: 1, Window: 10 * time.Second},
	)
	store := NewMemoryStore(clk)
	limiter := NewLimiter(store, holder, clk, nil, nil)
	ctx := context.Background()
	req := Request{Endpoint: "webhook", IP: "10.0.0.1", OrgID: "7"}

	_, err := limiter.Allow(ctx, req)
	require.NoError(t, err)
	d, err := limiter.Allow(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, config.RateLimitStrategyIP, d.Strategy)

	// The burst counter was not touched by the denied call.
	count, _, err := store.Incr(ctx, "waingest:rl:webhook:burst:10.0.0.1:7", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestLimiterUnknownEndpointOrDisabled(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	holder := webhookPolicy(false, config.StrategyPolicy{Name: config.RateLimitStrategyIP, Limit: 1, Window: time.Minute})
	limiter := NewLimiter(NewMemoryStore(clk), holder, clk, nil, nil)

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(context.Background(), Request{Endpoint: "admin", IP: "10.0.0.1"})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	disabled := config.NewStaticRateLimitConfigHolder(config.RateLimitConfig{Enabled: false})
	limiter = NewLimiter(NewMemoryStore(clk), disabled, clk, nil, nil)
	d, err := limiter.Allow(context.Background(), Request{Endpoint: "webhook", IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiterRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clk := clock.NewFakeClock(t0)
	holder := webhookPolicy(true, config.StrategyPolicy{Name: config.RateLimitStrategyIP, Limit: 2, Window: time.Minute})
	limiter := NewLimiter(NewRedisStore(client), holder, clk, nil, nil)
	ctx := context.Background()
	req := Request{Endpoint: "webhook", IP: "10.0.0.1"}

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, req)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := limiter.Allow(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(3), d.Current)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	mr.FastForward(time.Minute + time.Second)
	d, err = limiter.Allow(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Current)
}

func TestLimiterStoreFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	clk := clock.NewFakeClock(t0)
	strategy := config.StrategyPolicy{Name: config.RateLimitStrategyIP, Limit: 1, Window: time.Minute}
	req := Request{Endpoint: "webhook", IP: "10.0.0.1"}

	open := NewLimiter(NewRedisStore(client), webhookPolicy(true, strategy), clk, nil, nil)
	d, err := open.Allow(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)

	closed := NewLimiter(NewRedisStore(client), webhookPolicy(false, strategy), clk, nil, nil)
	_, err = closed.Allow(context.Background(), req)
	require.Error(t, err)
}
