package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hev-proxy/socks5d/internal/api/models"
)

// Reload rebuilds the User store from its configured source (sqlite
// store, auth file, or inline credential) and publishes it to every
// worker: the HTTP analogue of the SIGUSR1 reload signal.
func (h *Handler) Reload(c *gin.Context) {
	if err := h.proxy.Reload(); err != nil {
		if h.logger != nil {
			h.logger.Error("api: reload failed", "error", err)
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
		return
	}

	users := 0
	if h.proxy.AuthHandle() != nil {
		users = h.proxy.AuthHandle().Current().Len()
	}
	c.JSON(http.StatusOK, models.ReloadResponse{Status: "reloaded", Users: users})
}
