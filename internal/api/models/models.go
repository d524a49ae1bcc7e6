// Package models defines the JSON request/response shapes served by
// internal/api.
package models

import "time"

// StatusResponse is the body of GET /api/v1/health.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response this API returns.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WorkerStats reports one worker's live-session count, surfaced in
// StatsResponse.Workers.
type WorkerStats struct {
	ID           int `json:"id"`
	LiveSessions int `json:"live_sessions"`
}

// FilteringStats reports internal/ruleset's lifetime counters.
type FilteringStats struct {
	Enabled        bool   `json:"enabled"`
	QueriesTotal   uint64 `json:"queries_total"`
	QueriesBlocked uint64 `json:"queries_blocked"`
}

// ClusterStats reports internal/cluster's sync status, present only when
// cluster replication is configured.
type ClusterStats struct {
	Mode            string     `json:"mode"`
	NodeID          string     `json:"node_id,omitempty"`
	PrimaryURL      string     `json:"primary_url,omitempty"`
	LocalVersion    int64      `json:"local_version"`
	LastSyncTime    *time.Time `json:"last_sync_time,omitempty"`
	LastSyncVersion int64      `json:"last_sync_version,omitempty"`
	LastSyncError   string     `json:"last_sync_error,omitempty"`
	SyncCount       int64      `json:"sync_count"`
	ErrorCount      int64      `json:"error_count"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Uptime        string          `json:"uptime"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	WorkerCount   int             `json:"worker_count"`
	LiveSessions  int             `json:"live_sessions"`
	Workers       []WorkerStats   `json:"workers"`
	Filtering     *FilteringStats `json:"filtering,omitempty"`
	Cluster       *ClusterStats   `json:"cluster,omitempty"`
}

// ReloadResponse is the body of POST /api/v1/reload.
type ReloadResponse struct {
	Status string `json:"status"`
	Users  int    `json:"users"`
}

// User is the JSON shape of one authstore.User, sent/received by the
// /api/v1/users endpoints.
type User struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
	Mark     uint32 `json:"mark,omitempty"`
}

// UsersResponse is the body of GET /api/v1/users.
type UsersResponse struct {
	Users []User `json:"users"`
}
