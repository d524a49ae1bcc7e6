// Package handlers implements the REST API endpoint handlers for the
// proxy's admin surface: health, stats, reload, and (when a sqlite-backed
// internal/store is configured) user CRUD and cluster export/import.
package handlers

import (
	"log/slog"
	"time"

	"github.com/hev-proxy/socks5d/internal/authstore"
	"github.com/hev-proxy/socks5d/internal/cluster"
	"github.com/hev-proxy/socks5d/internal/config"
	"github.com/hev-proxy/socks5d/internal/ruleset"
	"github.com/hev-proxy/socks5d/internal/store"
)

// Proxy is the slice of *proxy.Proxy's exported surface the API needs.
// Handlers depend on this interface rather than the concrete type so they
// can be exercised against a fake in tests without standing up real
// listeners.
type Proxy interface {
	LiveSessions() int
	WorkerCount() int
	WorkerLiveSessions() []int
	Reload() error
	AuthHandle() *authstore.Handle
	RulesetHandle() *ruleset.Handle
	Store() *store.DB
	Syncer() *cluster.Syncer
	AuthVersion() int64
}

// Handler contains dependencies for API handlers.
type Handler struct {
	cfg       *config.Config
	proxy     Proxy
	logger    *slog.Logger
	startTime time.Time
}

// New creates a new Handler with the given configuration and proxy handle.
func New(cfg *config.Config, p Proxy, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		proxy:     p,
		logger:    logger,
		startTime: time.Now(),
	}
}
