package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/hev-proxy/socks5d/internal/api/handlers"
	"github.com/hev-proxy/socks5d/internal/authstore"
	"github.com/hev-proxy/socks5d/internal/cluster"
	"github.com/hev-proxy/socks5d/internal/config"
	"github.com/hev-proxy/socks5d/internal/ruleset"
	"github.com/hev-proxy/socks5d/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeProxy is a minimal handlers.Proxy stand-in so handler tests don't need
// a real worker/listener topology.
type fakeProxy struct {
	liveSessions int
	workerCount  int
	workerLive   []int
	reloadErr    error
	reloadCalls  int
	auth         *authstore.Handle
	rules        *ruleset.Handle
	db           *store.DB
	syncer       *cluster.Syncer
	authVersion  int64
}

func newFakeProxy() *fakeProxy {
	p := &fakeProxy{
		auth:  authstore.NewHandle(),
		rules: ruleset.NewHandle(),
	}
	b := authstore.NewBuilder()
	b.Add(authstore.User{Name: "alice", Password: "secret"})
	p.auth.Publish(b.Build())
	return p
}

func (f *fakeProxy) LiveSessions() int { return f.liveSessions }
func (f *fakeProxy) WorkerCount() int { return f.workerCount }
func (f *fakeProxy) WorkerLiveSessions() []int { return f.workerLive }
func (f *fakeProxy) Reload() error { f.reloadCalls++; return f.reloadErr }
func (f *fakeProxy) AuthHandle() *authstore.Handle { return f.auth }
func (f *fakeProxy) RulesetHandle() *ruleset.Handle { return f.rules }
func (f *fakeProxy) Store() *store.DB { return f.db }
func (f *fakeProxy) Syncer() *cluster.Syncer { return f.syncer }
func (f *fakeProxy) AuthVersion() int64 { return f.authVersion }

func setupTestRouter(t *testing.T, p *fakeProxy) *gin.Engine {
	t.Helper()
	cfg := &config.Config{}
	h := handlers.New(cfg, p, nil)
	r := gin.New()
	r.GET("/api/v1/health", h.Health)
	r.GET("/api/v1/stats", h.Stats)
	r.POST("/api/v1/reload", h.Reload)
	r.GET("/api/v1/users", h.ListUsers)
	r.PUT("/api/v1/users", h.PutUser)
	r.DELETE("/api/v1/users/:name", h.DeleteUser)
	r.GET("/api/v1/cluster/export", h.ClusterExport)
	r.GET("/api/v1/cluster/status", h.ClusterStatus)
	return r
}

func performRequest(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}
