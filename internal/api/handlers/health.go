package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hev-proxy/socks5d/internal/api/models"
)

// Health reports unconditional liveness: if the HTTP server answers, the
// process is up.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.StatusResponse{Status: "ok"})
}

// Stats returns worker/session counts, filtering counters, and (when
// configured) cluster sync status.
func (h *Handler) Stats(c *gin.Context) {
	uptime := time.Since(h.startTime)

	resp := models.StatsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		WorkerCount:   h.proxy.WorkerCount(),
		LiveSessions:  h.proxy.LiveSessions(),
	}
	for id, n := range h.proxy.WorkerLiveSessions() {
		resp.Workers = append(resp.Workers, models.WorkerStats{ID: id, LiveSessions: n})
	}

	if rs := h.proxy.RulesetHandle(); rs != nil {
		total, blocked := rs.Stats()
		resp.Filtering = &models.FilteringStats{
			Enabled:        h.cfg.Ruleset.Enabled,
			QueriesTotal:   total,
			QueriesBlocked: blocked,
		}
	}

	if syncer := h.proxy.Syncer(); syncer != nil {
		status := syncer.Status()
		resp.Cluster = &models.ClusterStats{
			Mode:            string(status.Mode),
			NodeID:          status.NodeID,
			PrimaryURL:      status.PrimaryURL,
			LocalVersion:    status.LocalVersion,
			LastSyncTime:    status.LastSyncTime,
			LastSyncVersion: status.LastSyncVersion,
			LastSyncError:   status.LastSyncError,
			SyncCount:       status.SyncCount,
			ErrorCount:      status.ErrorCount,
		}
	} else if h.cfg.Cluster.Mode == "primary" {
		resp.Cluster = &models.ClusterStats{
			Mode:         string(h.cfg.Cluster.Mode),
			NodeID:       h.cfg.Cluster.NodeID,
			LocalVersion: h.proxy.AuthVersion(),
		}
	}

	c.JSON(http.StatusOK, resp)
}
