package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	instancedomain "github.com/smallbiznis/waingest/internal/instance/domain"
)

func (s *Server) ListInstances(c *gin.Context) {
	orgID, err := parseSnowflakeID(c.Query("organization_id"))
	if err != nil {
		AbortWithError(c, instancedomain.ErrInvalidOrganization)
		return
	}
	instances, err := s.instanceSvc.List(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": instances})
}

func (s *Server) RegisterInstance(c *gin.Context) {
	var req instancedomain.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	instance, err := s.instanceSvc.Register(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": instance})
}
