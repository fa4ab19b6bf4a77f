package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RunRetry drains due webhook logs once; meant for an external cron.
func (s *Server) RunRetry(c *gin.Context) {
	if s.retryWorker == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	summary, err := s.retryWorker.RunOnce(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}
