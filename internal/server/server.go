package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/waingest/internal/config"
	inbounddomain "github.com/smallbiznis/waingest/internal/inbound/domain"
	instancedomain "github.com/smallbiznis/waingest/internal/instance/domain"
	"github.com/smallbiznis/waingest/internal/observability"
	obsmiddleware "github.com/smallbiznis/waingest/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/waingest/internal/observability/metrics"
	obstracing "github.com/smallbiznis/waingest/internal/observability/tracing"
	"github.com/smallbiznis/waingest/internal/ratelimit"
	"github.com/smallbiznis/waingest/internal/realtime"
	"github.com/smallbiznis/waingest/internal/retry"
	webhooklogdomain "github.com/smallbiznis/waingest/internal/webhooklog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	inboundSvc   inbounddomain.Service
	webhookLogs  webhooklogdomain.Service
	instanceSvc  instancedomain.Service
	limiter      *ratelimit.Limiter
	retryWorker  *retry.Worker
	hub          *realtime.Hub
	publisher    realtime.Publisher
	adminTokenFn func(string) bool
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	InboundSvc  inbounddomain.Service
	WebhookLogs webhooklogdomain.Service
	InstanceSvc instancedomain.Service
	Limiter     *ratelimit.Limiter `optional:"true"`
	RetryWorker *retry.Worker      `optional:"true"`
	Hub         *realtime.Hub      `optional:"true"`
	Publisher   realtime.Publisher `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http"),
		inboundSvc:   p.InboundSvc,
		webhookLogs:  p.WebhookLogs,
		instanceSvc:  p.InstanceSvc,
		limiter:      p.Limiter,
		retryWorker:  p.RetryWorker,
		hub:          p.Hub,
		publisher:    p.Publisher,
		adminTokenFn: newAdminTokenMatcher(p.Cfg.Admin),
	}

	svc.registerWebhookRoutes()
	svc.registerInternalRoutes()
	svc.registerRealtimeRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	guard := s.RateLimit(config.RateLimitEndpointWebhook)

	s.engine.GET("/webhook", s.VerifyWebhook)
	s.engine.POST("/webhook", guard, s.ReceiveWebhook(""))
	s.engine.POST("/webhook/cloud", guard, s.ReceiveWebhook(inbounddomain.ProviderCloudAPI))
	s.engine.POST("/webhook/gateway", guard, s.ReceiveWebhook(inbounddomain.ProviderGateway))
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")
	internal.Use(s.RateLimit(config.RateLimitEndpointAdmin))
	internal.Use(s.AdminRequired())

	internal.POST("/retry/run", s.RunRetry)

	internal.GET("/webhook-logs", s.ListWebhookLogs)
	internal.GET("/webhook-logs/:id", s.GetWebhookLog)
	internal.POST("/webhook-logs/:id/replay", s.ReplayWebhookLog)
	internal.POST("/webhook-logs/:id/reverify", s.ReverifyWebhookLog)

	internal.GET("/instances", s.ListInstances)
	internal.POST("/instances", s.RegisterInstance)
}

func (s *Server) registerRealtimeRoutes() {
	s.engine.GET("/realtime/:orgId/stream", s.AdminRequired(), s.StreamConversationEvents)
}
