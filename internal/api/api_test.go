package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hev-proxy/socks5d/internal/api"
	"github.com/hev-proxy/socks5d/internal/api/models"
	"github.com/hev-proxy/socks5d/internal/authstore"
	"github.com/hev-proxy/socks5d/internal/cluster"
	"github.com/hev-proxy/socks5d/internal/config"
	"github.com/hev-proxy/socks5d/internal/ruleset"
	"github.com/hev-proxy/socks5d/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubProxy satisfies handlers.Proxy for server-level tests.
type stubProxy struct {
	auth  *authstore.Handle
	rules *ruleset.Handle
}

func newStubProxy() *stubProxy {
	return &stubProxy{auth: authstore.NewHandle(), rules: ruleset.NewHandle()}
}

func (s *stubProxy) LiveSessions() int { return 0 }
func (s *stubProxy) WorkerCount() int { return 1 }
func (s *stubProxy) WorkerLiveSessions() []int { return []int{0} }
func (s *stubProxy) Reload() error { return nil }
func (s *stubProxy) AuthHandle() *authstore.Handle { return s.auth }
func (s *stubProxy) RulesetHandle() *ruleset.Handle { return s.rules }
func (s *stubProxy) Store() *store.DB { return nil }
func (s *stubProxy) Syncer() *cluster.Syncer { return nil }
func (s *stubProxy) AuthVersion() int64 { return 0 }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 8080
	return cfg
}

func TestNew_PanicsOnNilConfig(t *testing.T) {
	assert.Panics(t, func() {
		api.New(nil, newStubProxy(), nil)
	})
}

func TestServer_Addr(t *testing.T) {
	cfg := testConfig()
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 9090

	s := api.New(cfg, newStubProxy(), nil)
	assert.Equal(t, "0.0.0.0:9090", s.Addr())
}

func TestServer_HealthRoute(t *testing.T) {
	s := api.New(testConfig(), newStubProxy(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestServer_RequiresAPIKeyWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.API.APIKey = "s3cr3t"
	s := api.New(cfg, newStubProxy(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("X-API-Key", "s3cr3t")
	w = httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_RunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.API.Port = 0 // let the OS pick a free port
	s := api.New(cfg, newStubProxy(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after context cancellation")
	}
}
