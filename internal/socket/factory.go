// Package socket implements the proxy's listening-socket factory: an IPv6
// stream socket bound once and then either re-bound per worker (when
// SO_REUSEPORT is honoured by the kernel) or dup'd from a single cached
// file descriptor (when it isn't), so that the outward behaviour (N
// workers, each with something to Accept on) is identical either way.
// Built on raw syscalls rather than net.ListenConfig.Control because the
// Control hook cannot report the SO_REUSEPORT setsockopt failing, and the
// fallback path needs that signal.
package socket

import (
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/hev-proxy/socks5d/internal/endpoint"
)

const backlog = 100

// Option configures optional socket attributes applied at bind time
// (firewall mark, bind-to-device).
type Option func(*Factory)

// WithMark sets SO_MARK on the listening socket. CONNECT upstream sockets
// apply their own mark separately; see internal/session's binder. Zero
// disables it.
func WithMark(mark uint32) Option {
	return func(f *Factory) { f.mark = mark }
}

// WithBindToDevice sets SO_BINDTODEVICE to the named interface.
func WithBindToDevice(name string) Option {
	return func(f *Factory) { f.bindDevice = name }
}

// Factory builds TCP listeners for a single bind address. Create one
// Factory per configured listen address and call Listen once per worker.
type Factory struct {
	addr       endpoint.Endpoint
	ipv6Only   bool
	mark       uint32
	bindDevice string

	mu       sync.Mutex
	fallback *os.File // set once REUSEPORT is found unsupported
}

// New builds a Factory for addr. ipv6Only controls IPV6_V6ONLY: false
// yields a dual-stack socket that also accepts V4-mapped clients.
func New(addr endpoint.Endpoint, ipv6Only bool, opts ...Option) *Factory {
	f := &Factory{addr: addr, ipv6Only: ipv6Only}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Listen returns a net.Listener for one worker. The first call binds a
// fresh socket; if the kernel accepted SO_REUSEPORT, every subsequent call
// also binds a fresh socket, giving each worker its own accept queue. If
// the kernel rejected it, the factory caches that first bound file
// descriptor and every subsequent call returns a dup of it instead, so
// all workers share one accept queue.
func (f *Factory) Listen() (net.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fallback != nil {
		return net.FileListener(f.fallback)
	}

	file, reusePortOK, err := f.bind()
	if err != nil {
		return nil, err
	}
	ln, err := net.FileListener(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("socket: wrap listener: %w", err)
	}
	if !reusePortOK {
		f.fallback = file
		return ln, nil
	}
	// net.FileListener dup'd the fd for its own use; this copy is no
	// longer needed once REUSEPORT means every worker binds its own.
	file.Close()
	return ln, nil
}

// bind creates, configures, binds, and listens on a single IPv6 stream
// socket, returning it wrapped as an *os.File plus whether SO_REUSEPORT was
// accepted by the kernel.
func (f *Factory) bind() (*os.File, bool, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, false, fmt.Errorf("socket: create: %w", err)
	}
	// On any early return, unix.Close cleans up; once wrapped in an
	// *os.File, its Close method takes over ownership.
	closeOnErr := true
	defer func() {
		if closeOnErr {
			unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, false, fmt.Errorf("socket: SO_REUSEADDR: %w", err)
	}

	reusePortOK := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1) == nil

	v6only := 0
	if f.ipv6Only {
		v6only = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only); err != nil {
		return nil, false, fmt.Errorf("socket: IPV6_V6ONLY: %w", err)
	}

	if f.mark != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(f.mark)); err != nil {
			return nil, false, fmt.Errorf("socket: SO_MARK: %w", err)
		}
	}
	if f.bindDevice != "" {
		if err := unix.BindToDevice(fd, f.bindDevice); err != nil {
			return nil, false, fmt.Errorf("socket: SO_BINDTODEVICE %q: %w", f.bindDevice, err)
		}
	}

	sa := &unix.SockaddrInet6{Port: int(f.addr.Port), ZoneId: 0}
	copy(sa.Addr[:], f.addr.Addr[:])
	if err := unix.Bind(fd, sa); err != nil {
		return nil, false, fmt.Errorf("socket: bind %s: %w", f.addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, false, fmt.Errorf("socket: listen %s: %w", f.addr, err)
	}

	closeOnErr = false
	return os.NewFile(uintptr(fd), "socks5-listener-"+f.addr.String()), reusePortOK, nil
}
