// Package session drives one accepted connection through the SOCKS5
// protocol state machine: greeting, optional username/password
// sub-negotiation, request parsing, then CONNECT, DNS-forward, or
// UDP-ASSOCIATE. A Session owns its client net.Conn and, once established,
// its upstream connection or UDP relay socket. It performs no accept-loop
// or listener bookkeeping of its own (that belongs to internal/worker)
// and captures its User store snapshot once at construction rather
// than re-reading the owning Worker's auth handle mid-flight: a session
// observes exactly one auth-store generation, the one current at spawn.
// The ruleset is the live handle, evaluated at the moment of each check.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/hev-proxy/socks5d/internal/authstore"
	"github.com/hev-proxy/socks5d/internal/endpoint"
	"github.com/hev-proxy/socks5d/internal/helpers"
	"github.com/hev-proxy/socks5d/internal/pool"
	"github.com/hev-proxy/socks5d/internal/resolver"
	"github.com/hev-proxy/socks5d/internal/ruleset"
	"github.com/hev-proxy/socks5d/internal/sched"
	"github.com/hev-proxy/socks5d/internal/socks5"
)

// Phase names a position in the protocol state machine, exposed mainly
// for logging and reaper/stats introspection.
type Phase int

const (
	PhaseGreeting Phase = iota
	PhaseAuth
	PhaseRequest
	PhaseConnect
	PhaseSplice
	PhaseDNSForward
	PhaseUDPAssociate
	PhaseClose
)

func (p Phase) String() string {
	switch p {
	case PhaseGreeting:
		return "greeting"
	case PhaseAuth:
		return "auth"
	case PhaseRequest:
		return "request"
	case PhaseConnect:
		return "connect"
	case PhaseSplice:
		return "splice"
	case PhaseDNSForward:
		return "dns-forward"
	case PhaseUDPAssociate:
		return "udp-associate"
	case PhaseClose:
		return "close"
	default:
		return "unknown"
	}
}

// errReaped is returned internally when the reaper has zeroed a session's
// liveness counter mid-splice; it never escapes Run, and no reply is sent
// for it. The session just closes.
var errReaped = errors.New("session: reaped for inactivity")

// Config is the per-session policy, translated once from the proxy's
// on-disk configuration and shared read-only by every session a Worker
// spawns.
type Config struct {
	AuthMethod       byte // socks5.MethodNoAuth or socks5.MethodUserPass
	PreferredFamily  resolver.Family
	ConnectTimeout   time.Duration
	ReadWriteTimeout time.Duration
	LivenessRefill   int32

	BindAddrV4 *endpoint.Endpoint
	BindAddrV6 *endpoint.Endpoint
	BindIface  string
	Mark       uint32

	DNSServer       string // host:port, used by cmd=0x04 DNS forward
	UDPListenAddr   endpoint.Endpoint
	UDPPublicAddrV4 *endpoint.Endpoint
	UDPPublicAddrV6 *endpoint.Endpoint
	UDPRecvBufSize  int
}

// Deps bundles the collaborators a Session needs but does not own.
type Deps struct {
	Auth     *authstore.Store
	Ruleset  *ruleset.Handle
	Resolver *resolver.Resolver
	BufPool  *pool.Pool[[]byte]
}

// Session is one accepted connection's protocol driver.
type Session struct {
	conn   net.Conn
	cfg    Config
	deps   Deps
	logger *slog.Logger
	binder binder

	liveness *sched.Liveness
	waker    *sched.Waker

	phase Phase
	user  *authstore.User
	dest  endpoint.Endpoint

	upstream net.Conn
	udpConn  net.PacketConn

	node any // opaque live-list handle, set by internal/worker
}

// New constructs a Session ready to Run. cancel is the per-session
// context.CancelFunc the caller's context was derived with; the resulting
// Waker lets the reaper or a shutdown event unstick this session from
// whatever it's blocked on.
func New(conn net.Conn, cfg Config, deps Deps, logger *slog.Logger, cancel context.CancelFunc) *Session {
	refill := cfg.LivenessRefill
	if refill <= 0 {
		refill = 10
	}
	s := &Session{
		conn:     conn,
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		phase:    PhaseGreeting,
		liveness: sched.NewLiveness(refill),
		binder: binder{
			bindV4:     cfg.BindAddrV4,
			bindV6:     cfg.BindAddrV6,
			bindIface:  cfg.BindIface,
			globalMark: cfg.Mark,
		},
	}
	s.waker = sched.NewWaker(cancel, conn)
	return s
}

// Liveness returns the session's idle-timeout counter, read by the reaper.
func (s *Session) Liveness() *sched.Liveness { return s.liveness }

// Waker returns the session's cancellation handle, used by the reaper and
// the worker's event task.
func (s *Session) Waker() *sched.Waker { return s.waker }

// SetNode attaches the Worker's live-list handle so the Worker can remove
// this session on completion.
func (s *Session) SetNode(n any) { s.node = n }

// Node returns the live-list handle previously set by SetNode.
func (s *Session) Node() any { return s.node }

// Phase returns the session's current protocol phase.
func (s *Session) Phase() Phase { return s.phase }

// Run drives the session to completion: greeting, auth, request, and
// whichever command phase follows, always ending by closing every owned
// socket. It never panics across the phase boundary; errors are logged at
// debug level and otherwise swallowed. Only the write-error-reply states
// produce client-visible effects.
func (s *Session) Run(ctx context.Context) {
	defer s.close()
	if err := s.runPhases(ctx); err != nil && s.logger != nil && !errors.Is(err, context.Canceled) {
		s.logger.DebugContext(ctx, "session terminated", "phase", s.phase, "error", err)
	}
}

func (s *Session) runPhases(ctx context.Context) error {
	if err := s.resetDeadline(); err != nil {
		return err
	}
	methods, err := socks5.ReadGreeting(s.conn)
	if err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	s.liveness.RefillOnIO()

	method := socks5.SelectMethod(methods, s.cfg.AuthMethod)
	if err := socks5.WriteMethodSelect(s.conn, method); err != nil {
		return fmt.Errorf("write method select: %w", err)
	}
	if method == socks5.MethodNoAcceptable {
		return nil
	}
	s.liveness.RefillOnIO()

	if method == socks5.MethodUserPass {
		s.phase = PhaseAuth
		if err := s.authenticate(); err != nil {
			return err
		}
	}

	s.phase = PhaseRequest
	if err := s.resetDeadline(); err != nil {
		return err
	}
	req, err := socks5.ReadRequest(s.conn)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	s.liveness.RefillOnIO()

	switch req.Cmd {
	case socks5.CmdConnect:
		return s.doConnect(ctx, req.Addr)
	case socks5.CmdDNSForward:
		return s.doDNSForward(req.Addr)
	case socks5.CmdUDPAssociate:
		return s.doUDPAssociate(ctx, req.Addr)
	default:
		_ = socks5.WriteReply(s.conn, socks5.RepCommandNotSupported, endpoint.Endpoint{})
		return nil
	}
}

// authenticate performs the RFC 1929 sub-negotiation.
func (s *Session) authenticate() error {
	if err := s.resetDeadline(); err != nil {
		return err
	}
	name, pass, err := socks5.ReadUserPassAuth(s.conn)
	if err != nil {
		return fmt.Errorf("read auth: %w", err)
	}
	user, ok := s.deps.Auth.Lookup(name)
	ok = ok && user.Password == pass
	if err := socks5.WriteAuthResult(s.conn, ok); err != nil {
		return fmt.Errorf("write auth result: %w", err)
	}
	if !ok {
		return nil
	}
	s.user = &user
	s.liveness.RefillOnIO()
	return nil
}

// doConnect resolves addr if needed, evaluates the ruleset, dials the
// upstream with the configured bind/mark policy, and splices on success.
func (s *Session) doConnect(ctx context.Context, addr socks5.Address) error {
	s.phase = PhaseConnect
	dst, rep, err := s.resolveAddress(ctx, addr)
	if err != nil {
		_ = socks5.WriteReply(s.conn, rep, endpoint.Endpoint{})
		return err
	}
	s.dest = dst

	connectCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	var userMark uint32
	if s.user != nil {
		userMark = s.user.Mark
	}
	upstream, err := s.binder.dial(connectCtx, dst, s.cfg.ConnectTimeout, userMark)
	if err != nil {
		_ = socks5.WriteReply(s.conn, socks5.RepHostUnreachable, endpoint.Endpoint{})
		return fmt.Errorf("connect: %w", err)
	}
	s.upstream = upstream
	s.waker.Rebind(pairDeadliner{s.conn, upstream})

	if err := socks5.WriteReply(s.conn, socks5.RepSuccess, localTCPEndpoint(upstream)); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}

	s.phase = PhaseSplice
	return s.splice(ctx)
}

// resolveAddress turns a parsed socks5.Address into a concrete destination
// Endpoint, applying the ruleset to domain requests before resolving them.
// Ruleset-blocked domains map to RFC 1928 rep=0x02.
func (s *Session) resolveAddress(ctx context.Context, addr socks5.Address) (endpoint.Endpoint, byte, error) {
	if addr.Kind != socks5.KindDomain {
		return addr.Lit, socks5.RepSuccess, nil
	}
	if s.deps.Ruleset != nil && s.deps.Ruleset.Evaluate(addr.Domain) {
		return endpoint.Endpoint{}, socks5.RepNotAllowedByRuleset,
			fmt.Errorf("session: domain %q blocked by ruleset", addr.Domain)
	}
	if s.deps.Resolver == nil {
		return endpoint.Endpoint{}, socks5.RepAddressTypeNotSupported,
			errors.New("session: no resolver configured")
	}
	eps, err := s.deps.Resolver.Resolve(ctx, addr.Domain, addr.Port, s.cfg.PreferredFamily)
	if err != nil || len(eps) == 0 {
		return endpoint.Endpoint{}, socks5.RepAddressTypeNotSupported,
			fmt.Errorf("session: resolve %q: %w", addr.Domain, err)
	}
	return eps[0], socks5.RepSuccess, nil
}

// splice bidirectionally copies bytes between client and upstream until
// both directions are closed, an error occurs, or the reaper marks the
// session dead.
func (s *Session) splice(ctx context.Context) error {
	buf1 := s.deps.BufPool.Get()
	buf2 := s.deps.BufPool.Get()
	defer s.deps.BufPool.Put(buf1)
	defer s.deps.BufPool.Put(buf2)

	done := make(chan struct{}, 2)
	go func() {
		_ = s.pump(ctx, s.upstream, s.conn, buf1)
		halfClose(s.upstream)
		done <- struct{}{}
	}()
	go func() {
		_ = s.pump(ctx, s.conn, s.upstream, buf2)
		halfClose(s.conn)
		done <- struct{}{}
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
		// Force both sides off whatever blocking Read/Write they're in
		// before returning: pump checks ctx only between reads, so without
		// this a pump goroutine blocked in Read can still be holding
		// buf1/buf2 when the deferred BufPool.Put above hands the same
		// slice to an unrelated, concurrently spawned session.
		past := time.Unix(0, 1)
		_ = s.conn.SetDeadline(past)
		if s.upstream != nil {
			_ = s.upstream.SetDeadline(past)
		}
		<-done
		<-done
	case <-done:
		<-done
	}
	return err
}

// pump copies from src to dst, refilling liveness on every transferred
// byte. A read timeout is not fatal on its own: the loop re-arms and
// retries until ctx is cancelled or the reaper zeroes liveness. Both a
// reaper wake and a shutdown drain cancel ctx and force the socket
// deadline into the past, so the cancellation check here is what turns
// the resulting timeout into a terminal return rather than a retry.
func (s *Session) pump(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) error {
	type deadliner interface {
		SetReadDeadline(time.Time) error
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.cfg.ReadWriteTimeout > 0 {
			if d, ok := src.(deadliner); ok {
				_ = d.SetReadDeadline(time.Now().Add(s.cfg.ReadWriteTimeout))
			}
		}
		n, err := src.Read(buf)
		if n > 0 {
			s.liveness.RefillOnIO()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if !s.liveness.Alive() {
				return errReaped
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
				if !s.liveness.Alive() {
					return errReaped
				}
				continue
			}
			return err
		}
	}
}

func halfClose(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// pairDeadliner forces both sides of a splice off their blocking I/O on a
// single Wake, since the reaper doesn't know which direction is stuck.
type pairDeadliner struct {
	a, b sched.Deadliner
}

func (p pairDeadliner) SetDeadline(t time.Time) error {
	_ = p.a.SetDeadline(t)
	return p.b.SetDeadline(t)
}

func (s *Session) resetDeadline() error {
	if s.cfg.ReadWriteTimeout <= 0 {
		return nil
	}
	return s.conn.SetDeadline(time.Now().Add(s.cfg.ReadWriteTimeout))
}

func localTCPEndpoint(conn net.Conn) endpoint.Endpoint {
	tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return endpoint.Endpoint{}
	}
	ep, err := endpoint.FromIP(tcpAddr.IP, helpers.ClampIntToUint16(tcpAddr.Port))
	if err != nil {
		return endpoint.Endpoint{}
	}
	return ep
}

func (s *Session) close() {
	s.phase = PhaseClose
	if s.upstream != nil {
		_ = s.upstream.Close()
	}
	if s.udpConn != nil {
		_ = s.udpConn.Close()
	}
	_ = s.conn.Close()
}
