package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hev-proxy/socks5d/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Main.Workers = config.WorkerSetting{Mode: config.WorkersFixed, Value: 1}
	cfg.Main.Port = "0"
	cfg.Main.ListenAddr = "127.0.0.1"
	cfg.Misc.ConnectTimeoutMs = 1000
	cfg.Misc.ReadWriteTimeoutMs = 2000
	return cfg
}

// TestProxyAcceptsGreeting exercises the opening greeting exchange end to
// end through the real orchestrator: build, Run, dial, greet, shut down.
func TestProxyAcceptsGreeting(t *testing.T) {
	cfg := baseConfig(t)
	p, err := New(cfg, testLogger())
	require.NoError(t, err)

	// Port 0 means the kernel picks one; grab it from a throwaway listener
	// bound the same way proxy.Run binds its own, so the test can dial it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	cfg.Main.Port = port

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, dialErr := net.DialTimeout("tcp", net.JoinHostPort(cfg.Main.ListenAddr, cfg.Main.Port), 100*time.Millisecond)
		if dialErr != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	require.NotNil(t, conn)
	defer conn.Close()

	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, reply)

	assert.Equal(t, 1, p.WorkerCount())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy.Run did not return after context cancellation")
	}
}

func TestProxyReloadPublishesNewAuthStore(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Auth.Username = "alice"
	cfg.Auth.Password = "secret1"

	p, err := New(cfg, testLogger())
	require.NoError(t, err)

	u, ok := p.authHandle.Current().Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "secret1", u.Password)

	cfg.Auth.Password = "secret2"
	require.NoError(t, p.Reload())

	u, ok = p.authHandle.Current().Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "secret2", u.Password)
}
