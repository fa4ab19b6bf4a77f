package realtime

import (
	"context"
	"io"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/waingest/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("realtime",
	fx.Provide(NewHub),
	fx.Provide(provide),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Hub       *Hub
	Redis     *redis.Client `optional:"true"`
}

func provide(p Params) (Publisher, error) {
	pub, err := NewPublisher(p.Config.Realtime, p.Hub, p.Redis)
	if err != nil {
		return nil, err
	}
	p.Log.Info("realtime publisher ready", zap.String("driver", pub.Driver()))
	if closer, ok := pub.(io.Closer); ok {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error { return closer.Close() },
		})
	}
	return pub, nil
}
