package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Bearer token authentication.
//
// The token comes from configuration (api.auth_token, or the
// CHAINTRACE_API_AUTH_TOKEN environment variable). An empty token
// leaves every route open, which is only acceptable in development;
// the server logs loudly when that happens in release mode.

// AuthMiddleware validates "Authorization: Bearer <token>" on every
// request. An empty configured token disables auth.
func AuthMiddleware(token string, log zerolog.Logger) gin.HandlerFunc {
	if token == "" && gin.Mode() == gin.ReleaseMode {
		log.Warn().Msg("api auth token is not set in release mode, all endpoints are public")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing Authorization header",
				"hint":  "use: Authorization: Bearer <token>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid Authorization header format"})
			c.Abort()
			return
		}

		// Constant-time comparison to prevent timing-based token enumeration.
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
