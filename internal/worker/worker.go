// Package worker implements the per-listener accept/event loop: one
// Worker owns a listener, accepts connections, spawns a Session goroutine
// per accepted connection, tracks the live-session list, and reacts to
// stop/reload control events.
package worker

import (
	"container/list"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hev-proxy/socks5d/internal/authstore"
	"github.com/hev-proxy/socks5d/internal/pool"
	"github.com/hev-proxy/socks5d/internal/resolver"
	"github.com/hev-proxy/socks5d/internal/ruleset"
	"github.com/hev-proxy/socks5d/internal/session"
)

// reapInterval is the session reaper's sweep period: every sweep walks
// the live-session list and decrements each session's liveness counter.
const reapInterval = 30 * time.Second

// command is a single-byte control event delivered to a Worker's event
// loop: 's' stop, 'r' reload.
type command byte

const (
	cmdStop   command = 's'
	cmdReload command = 'r'
)

// liveEntry is one node on the Worker's live-session list. The Worker
// owns the list; a session is removed from it the moment its goroutine
// returns.
type liveEntry struct {
	sess   *session.Session
	cancel context.CancelFunc
}

// Worker owns one listener and every session spawned from it.
type Worker struct {
	id       int
	listener net.Listener
	logger   *slog.Logger

	authHandle    *authstore.Handle
	rulesetHandle *ruleset.Handle
	resolver      *resolver.Resolver
	bufPool       *pool.Pool[[]byte]
	sessionCfg    session.Config

	events chan command

	mu   sync.Mutex
	live *list.List

	sessions sync.WaitGroup
}

// New builds a Worker around an already-bound listener (obtained from
// internal/socket.Factory). authHandle is read once per accepted
// connection via Current; rulesetHandle is handed to every session, which
// calls Evaluate per domain request; resolver and bufPool are shared
// read-only across every session this Worker spawns.
func New(id int, ln net.Listener, authHandle *authstore.Handle, rulesetHandle *ruleset.Handle, res *resolver.Resolver, bufPool *pool.Pool[[]byte], sessionCfg session.Config, logger *slog.Logger) *Worker {
	return &Worker{
		id:            id,
		listener:      ln,
		logger:        logger,
		authHandle:    authHandle,
		rulesetHandle: rulesetHandle,
		resolver:      res,
		bufPool:       bufPool,
		sessionCfg:    sessionCfg,
		events:        make(chan command, 4),
		live:          list.New(),
	}
}

// Stop requests a graceful shutdown: the accept loop stops, every live
// session is woken at least once in abort state, and Run returns once all
// of them have finished.
func (w *Worker) Stop() {
	select {
	case w.events <- cmdStop:
	default:
	}
}

// Reload signals that the auth/ruleset Handles have a new published
// generation. The signal is purely informational: both Handles are
// atomic.Pointer-backed, so a freshly accepted connection already observes
// the latest Publish without any current/pending swap.
func (w *Worker) Reload() {
	select {
	case w.events <- cmdReload:
	default:
	}
}

// LiveSessions reports the current live-session count, exposed for
// internal/api's /stats endpoint.
func (w *Worker) LiveSessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.live.Len()
}

// Run drives the accept, event, and reap loops until a stop event or ctx
// cancellation, then waits for every spawned session to finish before
// returning.
func (w *Worker) Run(ctx context.Context) {
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	var loops sync.WaitGroup
	loops.Add(3)
	go func() {
		defer loops.Done()
		w.acceptLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		w.eventLoop(ctx, cancelAll)
	}()
	go func() {
		defer loops.Done()
		w.reapLoop(ctx)
	}()
	loops.Wait()

	w.wakeAllLive()
	w.sessions.Wait()
}

// acceptLoop accepts connections until the listener is closed or ctx is
// cancelled. Non-cancellation accept errors are logged and the loop
// continues.
func (w *Worker) acceptLoop(ctx context.Context) {
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if w.logger != nil {
				w.logger.WarnContext(ctx, "worker: accept failed", "worker", w.id, "error", err)
			}
			continue
		}
		if ctx.Err() != nil {
			conn.Close()
			return
		}
		w.spawnSession(ctx, conn)
	}
}

// eventLoop waits for a stop/reload command or ctx cancellation. On stop
// (from either source) it closes the listener, which unblocks the accept
// loop's blocking Accept call the way closing a socket always does.
func (w *Worker) eventLoop(ctx context.Context, cancelAll context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			_ = w.listener.Close()
			return
		case cmd := <-w.events:
			switch cmd {
			case cmdStop:
				cancelAll()
				_ = w.listener.Close()
				return
			case cmdReload:
				if w.logger != nil {
					w.logger.InfoContext(ctx, "worker: reload observed", "worker", w.id)
				}
			}
		}
	}
}

// spawnSession builds a Session bound to a fresh cancellable context,
// records it on the live list, and runs it on its own goroutine.
func (w *Worker) spawnSession(ctx context.Context, conn net.Conn) {
	sessCtx, cancel := context.WithCancel(ctx)

	deps := session.Deps{
		Auth:     w.authHandle.Current(),
		Ruleset:  w.rulesetHandle,
		Resolver: w.resolver,
		BufPool:  w.bufPool,
	}
	sess := session.New(conn, w.sessionCfg, deps, w.logger, cancel)

	w.mu.Lock()
	elem := w.live.PushBack(&liveEntry{sess: sess, cancel: cancel})
	w.mu.Unlock()
	sess.SetNode(elem)

	w.sessions.Add(1)
	go func() {
		defer w.sessions.Done()
		defer cancel()
		sess.Run(sessCtx)
		w.removeLive(elem)
	}()
}

// reapLoop is the session reaper: every reapInterval it decrements each
// live session's liveness counter, and wakes any session
// whose counter has reached zero so its own I/O yielder observes the dead
// state and unwinds to Close. A session that made progress since the last
// sweep was already refilled by Session.pump/runPhases and survives.
func (w *Worker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reapOnce(ctx)
		}
	}
}

func (w *Worker) reapOnce(ctx context.Context) {
	w.mu.Lock()
	entries := make([]*liveEntry, 0, w.live.Len())
	for e := w.live.Front(); e != nil; e = e.Next() {
		entries = append(entries, e.Value.(*liveEntry))
	}
	w.mu.Unlock()

	for _, entry := range entries {
		if entry.sess.Liveness().Tick() {
			if w.logger != nil {
				w.logger.DebugContext(ctx, "worker: reaping idle session", "worker", w.id)
			}
			entry.sess.Waker().Wake()
		}
	}
}

func (w *Worker) removeLive(elem *list.Element) {
	w.mu.Lock()
	w.live.Remove(elem)
	w.mu.Unlock()
}

// wakeAllLive forces every currently live session off its blocking I/O,
// unwinding each to Close. Called once the accept loop has stopped, so no
// new sessions appear behind the sweep.
func (w *Worker) wakeAllLive() {
	w.mu.Lock()
	entries := make([]*liveEntry, 0, w.live.Len())
	for e := w.live.Front(); e != nil; e = e.Next() {
		entries = append(entries, e.Value.(*liveEntry))
	}
	w.mu.Unlock()

	for _, entry := range entries {
		entry.sess.Waker().Wake()
	}
}
