package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hev-proxy/socks5d/internal/api/models"
	"github.com/hev-proxy/socks5d/internal/authstore"
)

// ListUsers returns every registered user. Passwords are never included;
// operators are still expected to gate this behind the API key and a
// trusted network.
func (h *Handler) ListUsers(c *gin.Context) {
	db := h.proxy.Store()
	if db == nil {
		c.JSON(http.StatusNotImplemented, models.ErrorResponse{Error: "store not enabled"})
		return
	}

	users, err := db.Users(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
		return
	}

	resp := models.UsersResponse{Users: make([]models.User, 0, len(users))}
	for _, u := range users {
		resp.Users = append(resp.Users, models.User{Name: u.Name, Mark: u.Mark})
	}
	c.JSON(http.StatusOK, resp)
}

// PutUser inserts or updates a user, then triggers a reload so every
// worker picks up the change immediately.
func (h *Handler) PutUser(c *gin.Context) {
	db := h.proxy.Store()
	if db == nil {
		c.JSON(http.StatusNotImplemented, models.ErrorResponse{Error: "store not enabled"})
		return
	}

	var body models.User
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "name is required"})
		return
	}

	if err := db.PutUser(c.Request.Context(), authstore.User{
		Name:     body.Name,
		Password: body.Password,
		Mark:     body.Mark,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.proxy.Reload(); err != nil {
		if h.logger != nil {
			h.logger.Warn("api: reload after user write failed", "error", err)
		}
	}
	c.JSON(http.StatusOK, models.User{Name: body.Name, Mark: body.Mark})
}

// DeleteUser removes a user by name, then triggers a reload.
func (h *Handler) DeleteUser(c *gin.Context) {
	db := h.proxy.Store()
	if db == nil {
		c.JSON(http.StatusNotImplemented, models.ErrorResponse{Error: "store not enabled"})
		return
	}

	name := c.Param("name")
	if err := db.DeleteUser(c.Request.Context(), name); err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.proxy.Reload(); err != nil {
		if h.logger != nil {
			h.logger.Warn("api: reload after user delete failed", "error", err)
		}
	}
	c.Status(http.StatusNoContent)
}
