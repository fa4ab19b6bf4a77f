package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	inbounddomain "github.com/smallbiznis/waingest/internal/inbound/domain"
	webhooklogdomain "github.com/smallbiznis/waingest/internal/webhooklog/domain"
	"go.uber.org/zap"
)

func (s *Server) ListWebhookLogs(c *gin.Context) {
	limit, err := parseOptionalInt32(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	orgID, err := parseOptionalSnowflakeID(c.Query("organization_id"))
	if err != nil {
		AbortWithError(c, newValidationError("organization_id", "invalid_organization_id", "invalid organization_id"))
		return
	}

	resp, err := s.webhookLogs.List(c.Request.Context(), webhooklogdomain.ListRequest{
		Status:    c.Query("status"),
		OrgID:     orgID,
		PageToken: c.Query("page_token"),
		PageSize:  limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetWebhookLog(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, webhooklogdomain.ErrInvalidLogID)
		return
	}
	row, err := s.webhookLogs.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":   row,
		"status": webhooklogdomain.StatusOf(row, s.webhookLogs.Backoff().MaxRetries),
	})
}

// ReplayWebhookLog runs the resolution chain for one log now, ignoring the
// backoff schedule. A failure here does not consume a retry attempt.
func (s *Server) ReplayWebhookLog(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, webhooklogdomain.ErrInvalidLogID)
		return
	}

	ctx := c.Request.Context()
	res, err := s.inboundSvc.Reprocess(ctx, id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"replayed": true, "result": res})
	case errors.Is(err, inbounddomain.ErrLogNotFound),
		errors.Is(err, inbounddomain.ErrLogNotReplayable),
		errors.Is(err, inbounddomain.ErrLogAlreadyHandled):
		AbortWithError(c, err)
	default:
		if recErr := s.webhookLogs.RecordError(ctx, id, err); recErr != nil {
			s.log.Warn("webhook.replay.record_error_failed", zap.String("webhook_log_id", id.String()), zap.Error(recErr))
		}
		c.JSON(http.StatusOK, gin.H{"replayed": false, "error": err.Error(), "result": res})
	}
}

func (s *Server) ReverifyWebhookLog(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, webhooklogdomain.ErrInvalidLogID)
		return
	}
	valid, err := s.inboundSvc.Reverify(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id.String(), "signature_valid": valid})
}
