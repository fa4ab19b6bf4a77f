package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/waingest/internal/config"
	obscontext "github.com/smallbiznis/waingest/internal/observability/context"
	"golang.org/x/crypto/bcrypt"
)

// newAdminTokenMatcher accepts either a plain token or a bcrypt hash of it.
// With neither configured every admin request is refused.
func newAdminTokenMatcher(cfg config.AdminConfig) func(string) bool {
	token := strings.TrimSpace(cfg.Token)
	hash := strings.TrimSpace(cfg.TokenHash)
	return func(candidate string) bool {
		if candidate == "" {
			return false
		}
		if token != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return true
		}
		if hash != "" && bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil {
			return true
		}
		return false
	}
}

// AdminRequired authenticates operator and cron calls with a bearer token.
// The SSE route also accepts access_token since EventSource cannot set headers.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.Query("access_token"))
		}
		if !s.adminTokenFn(token) {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), "admin", "token")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.Fields(strings.TrimSpace(header))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
