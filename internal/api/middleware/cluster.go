package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hev-proxy/socks5d/internal/api/models"
)

// RequireClusterSecret gates the primary-mode cluster export feed behind the
// same shared secret internal/cluster.Syncer sends as `X-Cluster-Secret`,
// independent of the general API key (a secondary node authenticates to the
// export feed, not to the admin API).
func RequireClusterSecret(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Cluster-Secret")
		if expected == "" || got == expected {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: "unauthorized"})
	}
}
