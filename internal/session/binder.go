package session

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hev-proxy/socks5d/internal/endpoint"
)

// binder applies the destination-independent outbound CONNECT policy:
// optional bind-address (selected by the destination's family), optional
// bind-interface, and an optional firewall mark. The per-user mark
// overrides the global one when set. The socket options are applied via
// net.Dialer.Control instead of raw syscalls since the
// connect path wants everything else net.Dialer already does (timeout,
// context cancellation, dual-stack address parsing).
type binder struct {
	bindV4     *endpoint.Endpoint
	bindV6     *endpoint.Endpoint
	bindIface  string
	globalMark uint32
}

func (b *binder) dial(ctx context.Context, dst endpoint.Endpoint, timeout time.Duration, userMark uint32) (net.Conn, error) {
	mark := b.globalMark
	if userMark != 0 {
		mark = userMark
	}

	dialer := &net.Dialer{Timeout: timeout}

	if mark != 0 || b.bindIface != "" {
		dialer.Control = func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			ctrlErr := c.Control(func(fd uintptr) {
				if mark != 0 {
					if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark)); sockErr != nil {
						return
					}
				}
				if b.bindIface != "" {
					sockErr = unix.BindToDevice(int(fd), b.bindIface)
				}
			})
			if ctrlErr != nil {
				return ctrlErr
			}
			return sockErr
		}
	}

	if bindAddr := b.bindFor(dst); bindAddr != nil {
		dialer.LocalAddr = bindAddr.NetAddr()
	}

	conn, err := dialer.DialContext(ctx, "tcp", dst.NetAddr().String())
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", dst, err)
	}
	return conn, nil
}

func (b *binder) bindFor(dst endpoint.Endpoint) *endpoint.Endpoint {
	if dst.IsV4Mapped() {
		return b.bindV4
	}
	return b.bindV6
}
