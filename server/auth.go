package server

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// AccessTokenHeader is the header carrying the caller's bearer token,
// matching the teacher's own agent-runtime auth convention.
const AccessTokenHeader = "X-Access-Token"

// AuthConfig configures BearerAuthMiddleware (§1 scope note: this core
// carries only the teacher's opt-in API-key scaffolding, not a driving
// authN/RBAC concern).
type AuthConfig struct {
	ValidTokens  []string
	AllowedPaths []string // "METHOD/path" entries exempt from the check
}

var defaultAllowedPaths = []string{"GET/health"}

// BearerAuthMiddleware rejects requests lacking a valid X-Access-Token
// unless the path is exempt or no tokens are configured at all.
func BearerAuthMiddleware(cfg AuthConfig) gin.HandlerFunc {
	allowed := append(append([]string(nil), defaultAllowedPaths...), cfg.AllowedPaths...)
	return func(c *gin.Context) {
		if slices.Contains(allowed, c.Request.Method+c.FullPath()) {
			c.Next()
			return
		}
		if len(cfg.ValidTokens) == 0 {
			c.Next()
			return
		}
		token := c.GetHeader(AccessTokenHeader)
		if token != "" && slices.Contains(cfg.ValidTokens, token) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized: missing or invalid access token"})
	}
}
