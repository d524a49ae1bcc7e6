package cluster

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hev-proxy/socks5d/internal/authstore"
	"github.com/hev-proxy/socks5d/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewSyncerRequiresSecondaryMode(t *testing.T) {
	cfg := &config.ClusterConfig{Mode: config.ClusterPrimary, PrimaryURL: "http://primary:8080"}
	_, err := NewSyncer(cfg, testLogger(), nil, nil)
	require.Error(t, err)
}

func TestNewSyncerRequiresPrimaryURL(t *testing.T) {
	cfg := &config.ClusterConfig{Mode: config.ClusterSecondary}
	_, err := NewSyncer(cfg, testLogger(), nil, nil)
	require.Error(t, err)
}

func TestSyncerFetchesUsersFromPrimary(t *testing.T) {
	exported := ExportData{
		Version: 42,
		Users:   []authstore.User{{Name: "alice", Password: "s3cr3t"}},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cluster/export", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(exported)
	}))
	defer server.Close()

	var imported atomic.Bool
	var importedData *ExportData
	importFunc := func(data *ExportData) error {
		imported.Store(true)
		importedData = data
		return nil
	}

	cfg := &config.ClusterConfig{Mode: config.ClusterSecondary, PrimaryURL: server.URL, SyncInterval: "1h"}
	syncer, err := NewSyncer(cfg, testLogger(), importFunc, func() int64 { return 1 })
	require.NoError(t, err)

	require.NoError(t, syncer.ForceSync(context.Background()))
	require.True(t, imported.Load())
	assert.Equal(t, int64(42), importedData.Version)
	require.Len(t, importedData.Users, 1)
	assert.Equal(t, "alice", importedData.Users[0].Name)
}

func TestSyncerSkipsWhenVersionCurrent(t *testing.T) {
	exported := ExportData{Version: 10}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(exported)
	}))
	defer server.Close()

	var imported atomic.Bool
	cfg := &config.ClusterConfig{Mode: config.ClusterSecondary, PrimaryURL: server.URL, SyncInterval: "1h"}
	syncer, err := NewSyncer(cfg, testLogger(), func(*ExportData) error {
		imported.Store(true)
		return nil
	}, func() int64 { return 15 })
	require.NoError(t, err)

	require.NoError(t, syncer.ForceSync(context.Background()))
	assert.False(t, imported.Load())
}

func TestSyncerValidatesSharedSecret(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Cluster-Secret") != "test-secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(ExportData{Version: 1})
	}))
	defer server.Close()

	cfg := &config.ClusterConfig{
		Mode: config.ClusterSecondary, PrimaryURL: server.URL,
		SharedSecret: "wrong-secret", SyncInterval: "1h",
	}
	syncer, err := NewSyncer(cfg, testLogger(), func(*ExportData) error { return nil }, func() int64 { return 0 })
	require.NoError(t, err)

	err = syncer.ForceSync(context.Background())
	require.Error(t, err)
}

func TestSyncerStatus(t *testing.T) {
	cfg := &config.ClusterConfig{Mode: config.ClusterSecondary, PrimaryURL: "http://primary:8080", SyncInterval: "30s"}
	syncer, err := NewSyncer(cfg, testLogger(), func(*ExportData) error { return nil }, func() int64 { return 5 })
	require.NoError(t, err)

	status := syncer.Status()
	assert.Equal(t, config.ClusterSecondary, status.Mode)
	assert.Equal(t, "http://primary:8080", status.PrimaryURL)
	assert.Equal(t, int64(5), status.LocalVersion)
	assert.Len(t, status.NodeID, 8) // generated when cluster.node-id is unset
}

func TestSyncerUsesConfiguredNodeID(t *testing.T) {
	cfg := &config.ClusterConfig{Mode: config.ClusterSecondary, NodeID: "edge-fra1", PrimaryURL: "http://primary:8080"}
	syncer, err := NewSyncer(cfg, testLogger(), func(*ExportData) error { return nil }, func() int64 { return 0 })
	require.NoError(t, err)
	assert.Equal(t, "edge-fra1", syncer.Status().NodeID)
}
