package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hev-proxy/socks5d/internal/endpoint"
	"github.com/hev-proxy/socks5d/internal/helpers"
	"github.com/hev-proxy/socks5d/internal/socks5"
)

const defaultUDPRecvBufSize = 65507

// doUDPAssociate opens a UDP relay socket, binds it, and
// pumps datagrams between the client and whichever remote hosts the
// client's relayed datagrams address, until the TCP control channel
// closes.
func (s *Session) doUDPAssociate(ctx context.Context, addr socks5.Address) error {
	bindAddr := s.udpBindAddr()
	relayConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindAddr.IP(), Port: int(bindAddr.Port)})
	if err != nil {
		_ = socks5.WriteReply(s.conn, socks5.RepGeneralFailure, endpoint.Endpoint{})
		return fmt.Errorf("udp-associate: listen: %w", err)
	}
	s.udpConn = relayConn

	var fixedPeer *net.UDPAddr
	if !isWildcardAddress(addr) {
		fixedPeer = &net.UDPAddr{IP: addr.Lit.IP(), Port: int(addr.Port)}
	}

	if err := socks5.WriteReply(s.conn, socks5.RepSuccess, s.publicUDPEndpoint(relayConn)); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	s.phase = PhaseUDPAssociate

	// Cancellation (shutdown drain, reaper wake) must unblock the relay's
	// ReadFromUDP directly; it cannot go through the control reader below,
	// which may be blocked with no deadline armed.
	stopWatch := context.AfterFunc(ctx, func() { _ = relayConn.SetDeadline(time.Now()) })
	defer stopWatch()

	// The TCP control channel's sole remaining purpose is to signal when
	// the relay should stop: it closing terminates the UDP relay. The
	// request phase left a read deadline armed on s.conn; it is cleared
	// once up front so this read blocks until the client actually closes
	// (EOF or a real error), the session's Waker forces the deadline into
	// the past, or session teardown closes s.conn. A timeout with the
	// session still healthy is not a close. Stray bytes on the control
	// channel are drained and ignored.
	closed := make(chan struct{})
	go func() {
		_ = s.conn.SetReadDeadline(time.Time{})
		buf := make([]byte, 1)
		for {
			_, err := s.conn.Read(buf)
			if err == nil {
				continue
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil && s.liveness.Alive() {
				continue
			}
			break
		}
		close(closed)
		_ = relayConn.SetDeadline(time.Now())
	}()

	return s.udpRelayLoop(ctx, relayConn, fixedPeer, closed)
}

func (s *Session) udpRelayLoop(ctx context.Context, conn *net.UDPConn, fixedPeer *net.UDPAddr, closed <-chan struct{}) error {
	bufSize := s.cfg.UDPRecvBufSize
	if bufSize <= 0 {
		bufSize = defaultUDPRecvBufSize
	}
	buf := make([]byte, bufSize)

	tcpPeerIP := tcpRemoteIP(s.conn)
	clientAddr := fixedPeer

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				select {
				case <-closed:
					return nil
				default:
				}
				if ctx.Err() != nil || !s.liveness.Alive() {
					return nil
				}
				continue
			}
			return nil
		}
		s.liveness.RefillOnIO()

		fromClient := clientAddr != nil && udpAddrEqual(from, clientAddr)
		if clientAddr == nil && tcpPeerIP != nil && from.IP.Equal(tcpPeerIP) {
			clientAddr = from
			fromClient = true
		}

		if fromClient {
			s.relayClientDatagram(ctx, conn, buf[:n])
			continue
		}
		if clientAddr == nil {
			continue // no client learned yet, nowhere to relay a reply to
		}
		s.relayRemoteDatagram(conn, clientAddr, from, buf[:n])
	}
}

func (s *Session) relayClientDatagram(ctx context.Context, conn *net.UDPConn, datagram []byte) {
	hdr, payload, err := socks5.DecodeUDPDatagram(datagram)
	if err != nil || hdr.Frag != 0x00 {
		return // malformed, or a fragment (fragmentation is unsupported)
	}
	dst := s.udpAddrFromAddress(ctx, hdr.Addr)
	if dst == nil {
		return
	}
	_, _ = conn.WriteToUDP(payload, dst)
}

func (s *Session) relayRemoteDatagram(conn *net.UDPConn, clientAddr, from *net.UDPAddr, payload []byte) {
	remoteEP, err := endpoint.FromIP(from.IP, helpers.ClampIntToUint16(from.Port))
	if err != nil {
		return
	}
	out := socks5.EncodeUDPDatagram(0x00, remoteEP, payload)
	_, _ = conn.WriteToUDP(out, clientAddr)
}

func (s *Session) udpAddrFromAddress(ctx context.Context, addr socks5.Address) *net.UDPAddr {
	if addr.Kind != socks5.KindDomain {
		return &net.UDPAddr{IP: addr.Lit.IP(), Port: int(addr.Port)}
	}
	if s.deps.Resolver == nil {
		return nil
	}
	eps, err := s.deps.Resolver.Resolve(ctx, addr.Domain, addr.Port, s.cfg.PreferredFamily)
	if err != nil || len(eps) == 0 {
		return nil
	}
	return &net.UDPAddr{IP: eps[0].IP(), Port: int(eps[0].Port)}
}

// udpBindAddr resolves the relay's local bind address: the configured
// udp-listen-address/port if set, otherwise the TCP listener's own locally
// bound address with an ephemeral UDP port.
func (s *Session) udpBindAddr() endpoint.Endpoint {
	if s.cfg.UDPListenAddr != (endpoint.Endpoint{}) {
		return s.cfg.UDPListenAddr
	}
	if tcpAddr, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		if ep, err := endpoint.FromIP(tcpAddr.IP, 0); err == nil {
			return ep
		}
	}
	return endpoint.Endpoint{}
}

// publicUDPEndpoint returns the address reported in the ASSOCIATE reply,
// substituting the configured public address for NAT traversal when set.
func (s *Session) publicUDPEndpoint(conn *net.UDPConn) endpoint.Endpoint {
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return endpoint.Endpoint{}
	}
	ep, err := endpoint.FromIP(local.IP, helpers.ClampIntToUint16(local.Port))
	if err != nil {
		return endpoint.Endpoint{}
	}
	if ep.IsV4Mapped() && s.cfg.UDPPublicAddrV4 != nil {
		pub := *s.cfg.UDPPublicAddrV4
		pub.Port = ep.Port
		return pub
	}
	if !ep.IsV4Mapped() && s.cfg.UDPPublicAddrV6 != nil {
		pub := *s.cfg.UDPPublicAddrV6
		pub.Port = ep.Port
		return pub
	}
	return ep
}

func isWildcardAddress(addr socks5.Address) bool {
	return addr.Kind != socks5.KindDomain && addr.Lit.Addr == [16]byte{} && addr.Port == 0
}

func tcpRemoteIP(conn net.Conn) net.IP {
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP
	}
	return nil
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
