package instance

import (
	"github.com/smallbiznis/waingest/internal/cache"
	"github.com/smallbiznis/waingest/internal/config"
	"github.com/smallbiznis/waingest/internal/instance/repository"
	"github.com/smallbiznis/waingest/internal/instance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("instance.service",
	fx.Provide(func(cfg config.Config) cache.InstanceCache {
		return cache.NewInstanceCache(cfg.InstanceTTL)
	}),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
