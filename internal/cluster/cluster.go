// Package cluster provides primary/secondary auth-store synchronization.
// A primary node serves its published user table over HTTP; secondary
// nodes periodically poll the primary and publish whatever they receive
// into their own authstore.Handle.
//
// The synchronization is one-way: secondaries pull from the primary. A
// secondary initiating outbound polls needs no inbound firewall rule of
// its own, only the primary's admin API does.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hev-proxy/socks5d/internal/authstore"
	"github.com/hev-proxy/socks5d/internal/config"
)

// ExportData is the payload a primary serves at GET /api/v1/cluster/export.
type ExportData struct {
	Version int64            `json:"version"`
	Users   []authstore.User `json:"users"`
}

// SyncStatus reports a Syncer's current state, surfaced by internal/api's
// /stats endpoint on secondary nodes.
type SyncStatus struct {
	Mode            config.ClusterMode `json:"mode"`
	NodeID          string             `json:"node_id"`
	PrimaryURL      string             `json:"primary_url,omitempty"`
	LastSyncTime    *time.Time         `json:"last_sync_time,omitempty"`
	LastSyncVersion int64              `json:"last_sync_version,omitempty"`
	LastSyncError   string             `json:"last_sync_error,omitempty"`
	SyncCount       int64              `json:"sync_count"`
	ErrorCount      int64              `json:"error_count"`
	LocalVersion    int64              `json:"local_version"`
}

// ImportFunc builds a Store from the fetched users and publishes it,
// returning an error if the import failed.
type ImportFunc func(data *ExportData) error

// VersionFunc returns the locally published version, so the Syncer can skip
// importing a remote version it already has.
type VersionFunc func() int64

// Syncer polls a primary node and imports its user table on a secondary.
type Syncer struct {
	cfg         *config.ClusterConfig
	nodeID      string
	logger      *slog.Logger
	importFunc  ImportFunc
	versionFunc VersionFunc
	httpClient  *http.Client

	mu              sync.RWMutex
	running         bool
	lastSyncTime    *time.Time
	lastSyncVersion int64
	lastSyncError   string
	syncCount       int64
	errorCount      int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSyncer creates a syncer for a secondary node.
func NewSyncer(cfg *config.ClusterConfig, logger *slog.Logger, importFunc ImportFunc, versionFunc VersionFunc) (*Syncer, error) {
	if cfg.Mode != config.ClusterSecondary {
		return nil, fmt.Errorf("cluster: syncer requires secondary mode, got %q", cfg.Mode)
	}
	if cfg.PrimaryURL == "" {
		return nil, fmt.Errorf("cluster: primary-url is required for secondary mode")
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()[:8]
	}
	return &Syncer{
		cfg:         cfg,
		nodeID:      nodeID,
		logger:      logger,
		importFunc:  importFunc,
		versionFunc: versionFunc,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins the periodic sync loop, running an initial sync immediately.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cluster: syncer already running")
	}
	s.running = true
	s.mu.Unlock()

	interval := parseDuration(s.cfg.SyncInterval, 30*time.Second)
	s.logger.Info("cluster: syncer starting", "node_id", s.nodeID, "primary_url", s.cfg.PrimaryURL, "sync_interval", interval)

	if err := s.doSync(ctx); err != nil {
		s.logger.Warn("cluster: initial sync failed, will retry", "error", err)
	}

	go s.runLoop(ctx, interval)
	return nil
}

// Stop halts the sync loop and waits for it to exit.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	s.logger.Info("cluster: syncer stopped")
}

// Status reports the Syncer's current state.
func (s *Syncer) Status() SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SyncStatus{
		Mode:            s.cfg.Mode,
		NodeID:          s.nodeID,
		PrimaryURL:      s.cfg.PrimaryURL,
		LastSyncTime:    s.lastSyncTime,
		LastSyncVersion: s.lastSyncVersion,
		LastSyncError:   s.lastSyncError,
		SyncCount:       s.syncCount,
		ErrorCount:      s.errorCount,
		LocalVersion:    s.versionFunc(),
	}
}

// ForceSync triggers an immediate, out-of-band sync attempt.
func (s *Syncer) ForceSync(ctx context.Context) error {
	return s.doSync(ctx)
}

func (s *Syncer) runLoop(ctx context.Context, interval time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.doSync(ctx); err != nil {
				s.logger.Warn("cluster: sync failed", "error", err)
			}
		}
	}
}

func (s *Syncer) doSync(ctx context.Context) error {
	data, err := s.fetchUsers(ctx)
	if err != nil {
		s.recordError(err)
		return fmt.Errorf("cluster: fetch users: %w", err)
	}

	if data.Version <= s.versionFunc() {
		s.logger.Debug("cluster: user table already current", "local_version", s.versionFunc(), "remote_version", data.Version)
		s.recordSuccess(data.Version)
		return nil
	}

	if err := s.importFunc(data); err != nil {
		s.recordError(err)
		return fmt.Errorf("cluster: import users: %w", err)
	}

	s.recordSuccess(data.Version)
	s.logger.Info("cluster: user table synced", "version", data.Version, "users", len(data.Users))
	return nil
}

func (s *Syncer) fetchUsers(ctx context.Context) (*ExportData, error) {
	url := s.cfg.PrimaryURL + "/api/v1/cluster/export"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if s.cfg.SharedSecret != "" {
		req.Header.Set("X-Cluster-Secret", s.cfg.SharedSecret)
	}
	req.Header.Set("X-Node-ID", s.nodeID)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var data ExportData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &data, nil
}

func (s *Syncer) recordSuccess(version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.lastSyncTime = &now
	s.lastSyncVersion = version
	s.lastSyncError = ""
	s.syncCount++
}

func (s *Syncer) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSyncError = err.Error()
	s.errorCount++
}

func parseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}
