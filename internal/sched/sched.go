// Package sched provides the two small primitives the rest of the proxy
// uses for cooperative suspend/wake between goroutines: a Liveness counter
// (the reaper's idle-timeout clock) and a Waker (how the reaper or an
// event loop forces a stuck session off its blocking I/O). All goroutines
// are coordinated through a context, cancelled on shutdown and checked
// regularly; cancellation can also be scoped to a single session rather
// than the whole process.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Liveness is the refillable counter behind the idle timeout: the reaper
// decrements it on each sweep, I/O completion refills it, and it reaching
// zero marks the session dead.
type Liveness struct {
	counter atomic.Int32
	refill  int32
}

// NewLiveness returns a Liveness pre-filled to refill, the value restored
// on every RefillOnIO call.
func NewLiveness(refill int32) *Liveness {
	l := &Liveness{refill: refill}
	l.counter.Store(refill)
	return l
}

// RefillOnIO resets the counter to its configured refill value. Call this
// on every successful read or write so active sessions are never reaped.
func (l *Liveness) RefillOnIO() {
	l.counter.Store(l.refill)
}

// Tick decrements the counter by one and reports whether it has reached
// zero or below. Call this once per reaper sweep per session.
func (l *Liveness) Tick() (dead bool) {
	return l.counter.Add(-1) <= 0
}

// Alive reports the current liveness without mutating it.
func (l *Liveness) Alive() bool {
	return l.counter.Load() > 0
}

// Deadliner is satisfied by net.Conn and net.PacketConn: anything whose
// blocking I/O can be unblocked early by moving its deadline into the past.
type Deadliner interface {
	SetDeadline(t time.Time) error
}

// Waker holds what's needed to force a single session off whatever
// blocking call it's suspended in: cancel its context and pull its
// connection deadline into the past, so the next I/O call errors out and
// the state machine unwinds to Close. Wake is idempotent and safe to call
// from any goroutine.
type Waker struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	deadliner Deadliner
}

// NewWaker binds a session's cancel function and (optionally) the
// connection whose deadline should be forced into the past on Wake. A nil
// deadliner is valid for sessions with no active conn yet.
func NewWaker(cancel context.CancelFunc, d Deadliner) *Waker {
	return &Waker{cancel: cancel, deadliner: d}
}

// Wake cancels the session's context and, if a connection was bound,
// forces its deadline into the past so any in-flight Read/Write returns
// immediately with an observable error.
func (w *Waker) Wake() {
	w.cancel()
	w.mu.Lock()
	d := w.deadliner
	w.mu.Unlock()
	if d != nil {
		_ = d.SetDeadline(time.Unix(0, 1))
	}
}

// Rebind attaches a new Deadliner to an existing Waker, used when a
// session acquires its upstream connection only after CONNECT succeeds,
// so a reaper wake issued mid-DoConnect still reaches the socket obtained
// a moment later.
func (w *Waker) Rebind(d Deadliner) {
	w.mu.Lock()
	w.deadliner = d
	w.mu.Unlock()
}
