package retry

import (
	"context"

	"github.com/smallbiznis/waingest/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("retry",
	fx.Provide(ProvideConfig),
	fx.Provide(provideRunLock),
	fx.Provide(New),
)

// Embedded runs the drain loop inside the API process unless disabled.
var Embedded = fx.Invoke(func(lc fx.Lifecycle, cfg config.Config, w *Worker) {
	if !cfg.Retry.Embedded {
		return
	}
	Start(lc, w)
})

// Start binds the drain loop to the fx lifecycle.
func Start(lc fx.Lifecycle, w *Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go w.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
