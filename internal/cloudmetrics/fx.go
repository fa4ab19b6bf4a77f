package cloudmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/waingest/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module pushes the default registry on cfg.Metrics.Interval. It is a no-op
// unless metrics push is enabled.
var Module = fx.Module("cloud.metrics",
	fx.Provide(NewPusher),
	fx.Invoke(Start),
)

func Start(lc fx.Lifecycle, cfg config.Config, pusher Pusher, logger *zap.Logger) {
	if pusher == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Metrics.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("metrics.push.start", zap.Duration("interval", interval))
			go func() {
				defer close(done)
				run(ctx, pusher, prometheus.DefaultGatherer, interval, logger)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			// Final flush so the last drain is visible.
			flushCtx, flushCancel := context.WithTimeout(context.Background(), defaultPushTimeout)
			defer flushCancel()
			if err := pusher.Push(flushCtx, prometheus.DefaultGatherer); err != nil {
				logger.Warn("metrics.push.final_failed", zap.Error(err))
			}
			return nil
		},
	})
}

func run(ctx context.Context, pusher Pusher, gatherer prometheus.Gatherer, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
			if err := pusher.Push(pushCtx, gatherer); err != nil {
				logger.Warn("metrics.push.failed", zap.Error(err))
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}
