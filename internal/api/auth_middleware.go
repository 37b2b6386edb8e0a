// internal/api/auth_middleware.go
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aventura-engine/aventura/internal/auth"
)

// BearerAuthMiddleware rejects any request without a valid "Authorization:
// Bearer <token>" header, per tokenConfig. It is the HMAC bearer-token
// scheme internal/auth/auth.go already implements — browser session/WebAuthn
// auth has no home here, this is the single-caller API-key style described
// for the HTTP bridge.
func BearerAuthMiddleware(tokenConfig *auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token := strings.TrimPrefix(header, prefix)
		parsed, err := auth.ParseToken(token, tokenConfig)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set("user_id", parsed.UserID)
		c.Next()
	}
}
