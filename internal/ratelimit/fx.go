package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/waingest/internal/clock"
	"github.com/smallbiznis/waingest/internal/config"
	"github.com/smallbiznis/waingest/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(provideStore),
	fx.Provide(provideLimiter),
)

type storeParams struct {
	fx.In

	Redis *redis.Client `optional:"true"`
	Clock clock.Clock
	Log   *zap.Logger
}

func provideStore(p storeParams) Store {
	if p.Redis != nil {
		return NewRedisStore(p.Redis)
	}
	p.Log.Info("rate limiter using in-process store")
	return NewMemoryStore(p.Clock)
}

type limiterParams struct {
	fx.In

	Store   Store
	Holder  *config.RateLimitConfigHolder
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

func provideLimiter(p limiterParams) *Limiter {
	return NewLimiter(p.Store, p.Holder, p.Clock, p.Log, p.Metrics)
}
