package worker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hev-proxy/socks5d/internal/authstore"
	"github.com/hev-proxy/socks5d/internal/pool"
	"github.com/hev-proxy/socks5d/internal/session"
	"github.com/hev-proxy/socks5d/internal/socks5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(t *testing.T) (*Worker, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	authHandle := authstore.NewHandle()
	bufPool := pool.New(func() []byte { return make([]byte, 4096) })
	cfg := session.Config{
		AuthMethod:       socks5.MethodNoAuth,
		ReadWriteTimeout: time.Second,
		ConnectTimeout:   time.Second,
		LivenessRefill:   2,
	}
	w := New(1, ln, authHandle, nil, nil, bufPool, cfg, testLogger())
	return w, ln.Addr().String()
}

// A connection that only sends the greeting and nothing else should be
// counted live, then reaped once its liveness counter is ticked to zero by
// reapOnce.
func TestWorkerReapsIdleSession(t *testing.T) {
	w, addr := newTestWorker(t)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)

	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, reply)

	require.Eventually(t, func() bool {
		return w.LiveSessions() == 1
	}, time.Second, 10*time.Millisecond)

	// LivenessRefill is 2: two sweeps without further I/O must reap it.
	w.reapOnce(context.Background())
	w.reapOnce(context.Background())

	require.Eventually(t, func() bool {
		return w.LiveSessions() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerStopDrainsLiveSessions(t *testing.T) {
	w, addr := newTestWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return w.LiveSessions() == 1
	}, time.Second, 10*time.Millisecond)

	w.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker.Run did not return after Stop")
	}
	assert.Equal(t, 0, w.LiveSessions())
}
