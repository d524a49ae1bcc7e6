package api

import (
	"github.com/gin-gonic/gin"

	"github.com/hev-proxy/socks5d/internal/api/handlers"
	"github.com/hev-proxy/socks5d/internal/api/middleware"
	"github.com/hev-proxy/socks5d/internal/config"
)

// RegisterRoutes wires every handler onto the engine under /api/v1:
// health, stats, reload, user CRUD (store-backed), and cluster
// export/status.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg *config.Config) {
	group := r.Group("/api/v1")
	if cfg != nil && cfg.API.APIKey != "" {
		group.Use(middleware.RequireAPIKey(cfg.API.APIKey))
	}

	group.GET("/health", h.Health)
	group.GET("/stats", h.Stats)
	group.POST("/reload", h.Reload)

	group.GET("/users", h.ListUsers)
	group.PUT("/users", h.PutUser)
	group.DELETE("/users/:name", h.DeleteUser)

	group.GET("/cluster/status", h.ClusterStatus)

	export := r.Group("/api/v1/cluster")
	if cfg != nil && cfg.Cluster.SharedSecret != "" {
		export.Use(middleware.RequireClusterSecret(cfg.Cluster.SharedSecret))
	}
	export.GET("/export", h.ClusterExport)
}
