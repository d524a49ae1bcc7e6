// Package middleware provides HTTP middleware for the proxy's admin REST
// API: a shared-secret API key check, a cluster-secret check, and a slog
// request logger.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hev-proxy/socks5d/internal/api/models"
)

// RequireAPIKey enforces a simple shared-secret API key. Clients must send
// `X-API-Key: <key>`. An empty expected key disables the check entirely;
// callers are expected to bind the API to a trusted interface in that case.
func RequireAPIKey(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-API-Key")
		if expected == "" || got == expected {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: "unauthorized"})
	}
}
