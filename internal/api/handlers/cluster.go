package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hev-proxy/socks5d/internal/api/models"
	"github.com/hev-proxy/socks5d/internal/cluster"
)

// ClusterExport serves the current user table to a secondary node's
// cluster.Syncer. Only meaningful in primary mode; it still serves
// whatever the local store holds in standalone mode, which is harmless
// since nothing polls it without being configured to.
func (h *Handler) ClusterExport(c *gin.Context) {
	auth := h.proxy.AuthHandle().Current()
	c.JSON(http.StatusOK, cluster.ExportData{
		Version: h.proxy.AuthVersion(),
		Users:   auth.Users(),
	})
}

// ClusterStatus reports this node's sync status, useful on both primary
// (always standalone-shaped) and secondary (actual sync history) nodes.
func (h *Handler) ClusterStatus(c *gin.Context) {
	syncer := h.proxy.Syncer()
	if syncer == nil {
		c.JSON(http.StatusOK, models.ClusterStats{
			Mode:         h.cfgClusterMode(),
			NodeID:       h.cfgClusterNodeID(),
			LocalVersion: h.proxy.AuthVersion(),
		})
		return
	}
	status := syncer.Status()
	c.JSON(http.StatusOK, models.ClusterStats{
		Mode:            string(status.Mode),
		NodeID:          status.NodeID,
		PrimaryURL:      status.PrimaryURL,
		LocalVersion:    status.LocalVersion,
		LastSyncTime:    status.LastSyncTime,
		LastSyncVersion: status.LastSyncVersion,
		LastSyncError:   status.LastSyncError,
		SyncCount:       status.SyncCount,
		ErrorCount:      status.ErrorCount,
	})
}

func (h *Handler) cfgClusterMode() string {
	if h.cfg == nil {
		return "standalone"
	}
	return string(h.cfg.Cluster.Mode)
}

func (h *Handler) cfgClusterNodeID() string {
	if h.cfg == nil {
		return ""
	}
	return h.cfg.Cluster.NodeID
}
