package server

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	inbounddomain "github.com/smallbiznis/waingest/internal/inbound/domain"
	"github.com/smallbiznis/waingest/internal/observability/logger"
	"go.uber.org/zap"
)

const maxWebhookBody = 2 << 20

var errBodyTooLarge = errors.New("payload_too_large")

// VerifyWebhook answers the subscription handshake of the cloud API.
func (s *Server) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	expected := s.cfg.Webhook.VerifyToken
	if mode != "subscribe" || expected == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		logger.FromContext(c.Request.Context()).Warn("webhook.verify.rejected", zap.String("mode", mode))
		c.String(http.StatusForbidden, "forbidden")
		return
	}
	c.String(http.StatusOK, challenge)
}

// ReceiveWebhook persists and processes one delivery. Once the payload is
// logged the response is 200 whatever processing did; failures surface in the
// webhook log and through alerts.
func (s *Server) ReceiveWebhook(provider inbounddomain.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			if errors.Is(err, errBodyTooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResponse{Error: errorPayload{
					Type: "payload_too_large", Message: "payload too large",
				}})
				return
			}
			AbortWithError(c, invalidRequestError())
			return
		}
		if len(bytes.TrimSpace(body)) == 0 {
			AbortWithError(c, newValidationError("body", "required", "body is required"))
			return
		}

		ctx := c.Request.Context()
		res, err := s.inboundSvc.Ingest(ctx, inbounddomain.IngestRequest{
			Provider: provider,
			Body:     body,
			Header:   c.Request.Header,
			RemoteIP: c.ClientIP(),
		})
		if res.Provider != "" {
			c.Set("provider", string(res.Provider))
		}
		if err != nil {
			if inbounddomain.IsTransient(err) {
				logger.FromContext(ctx).Error("webhook.persist.failed", zap.Error(err))
				AbortWithError(c, ErrServiceUnavailable)
				return
			}
			// Undetectable provider or missing signature: 400/401 and nothing
			// is stored, since there is no secret to verify a replay against.
			AbortWithError(c, err)
			return
		}

		c.Set("webhook_log_id", res.LogID.String())
		c.JSON(http.StatusOK, gin.H{
			"received": true,
			"logId":    res.LogID.String(),
		})
	}
}

// readBody reads the request body and puts it back for later handlers.
func readBody(c *gin.Context) ([]byte, error) {
	if cached, ok := c.Get(bodyCacheKey); ok {
		if body, ok := cached.([]byte); ok {
			return body, nil
		}
	}
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxWebhookBody {
		return nil, errBodyTooLarge
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	c.Set(bodyCacheKey, body)
	return body, nil
}

const bodyCacheKey = "raw_body"

func providerFromPath(path string) inbounddomain.Provider {
	switch {
	case strings.HasSuffix(path, "/cloud"):
		return inbounddomain.ProviderCloudAPI
	case strings.HasSuffix(path, "/gateway"):
		return inbounddomain.ProviderGateway
	default:
		return ""
	}
}
