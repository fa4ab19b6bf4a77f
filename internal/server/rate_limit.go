package server

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/waingest/internal/config"
	inbounddomain "github.com/smallbiznis/waingest/internal/inbound/domain"
	"github.com/smallbiznis/waingest/internal/inbound/normalizer"
	"github.com/smallbiznis/waingest/internal/observability/logger"
	"github.com/smallbiznis/waingest/internal/ratelimit"
	"go.uber.org/zap"
)

type rateLimitResponse struct {
	Error      string    `json:"error"`
	Message    string    `json:"message"`
	Limit      int       `json:"limit"`
	Current    int64     `json:"current"`
	ResetAt    time.Time `json:"resetAt"`
	RetryAfter int64     `json:"retryAfter"`
}

// RateLimit applies the endpoint policy before any handler work. Webhook
// requests are attributed to an organization through the instance registry
// when the channel can be read from the body.
func (s *Server) RateLimit(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		req := ratelimit.Request{Endpoint: endpoint, IP: c.ClientIP()}
		if endpoint == config.RateLimitEndpointWebhook {
			req.OrgID = s.webhookOrg(c)
		}

		decision, err := s.limiter.Allow(ctx, req)
		if err != nil {
			logger.FromContext(ctx).Warn("ratelimit.check.failed", zap.String("endpoint", endpoint), zap.Error(err))
			_ = c.Error(ErrServiceUnavailable)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "rate_limiter_unavailable",
				"message": "rate limiter unavailable",
			})
			return
		}

		if decision.Limit > 0 {
			setRateLimitHeaders(c, decision)
		}
		if decision.Allowed {
			c.Next()
			return
		}

		retryAfter := int64(math.Ceil(decision.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		logger.FromContext(ctx).Warn("ratelimit.exceeded",
			zap.String("endpoint", endpoint),
			zap.String("strategy", decision.Strategy),
			zap.String("org_id", req.OrgID),
			zap.Int64("current", decision.Current),
			zap.Int("limit", decision.Limit),
		)
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		_ = c.Error(ErrRateLimited)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, rateLimitResponse{
			Error:      "rate_limit_exceeded",
			Message:    "too many requests (" + decision.Strategy + ")",
			Limit:      decision.Limit,
			Current:    decision.Current,
			ResetAt:    decision.Reset.UTC(),
			RetryAfter: retryAfter,
		})
	}
}

func setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Current", strconv.FormatInt(d.Current, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// webhookOrg returns the owning organization id, or "" when it cannot be
// determined without failing the request.
func (s *Server) webhookOrg(c *gin.Context) string {
	if s.instanceSvc == nil {
		return ""
	}
	body, err := readBody(c)
	if err != nil || len(body) == 0 {
		return ""
	}

	provider := providerFromPath(c.FullPath())
	if provider == "" {
		detected, err := normalizer.DetectProvider(body, c.Request.Header)
		if err != nil {
			return ""
		}
		provider = detected
	}

	channel := normalizer.PeekChannel(provider, body)
	if channel == "" {
		return ""
	}
	instance, err := s.instanceSvc.Resolve(c.Request.Context(), string(provider), channel)
	if err != nil {
		if inbounddomain.IsTransient(err) {
			logger.FromContext(c.Request.Context()).Warn("ratelimit.org.resolve_failed", zap.Error(err))
		}
		return ""
	}
	return instance.OrgID.String()
}
