package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hev-proxy/socks5d/internal/endpoint"
	"github.com/hev-proxy/socks5d/internal/socks5"
)

// maxDNSForwardResponse caps the single upstream response datagram read
// per tunnelled query.
const maxDNSForwardResponse = 2048

// doDNSForward implements the vendor cmd=0x04 extension: a single
// length-prefixed UDP-DNS-over-TCP exchange to the configured DNS server.
// The request's own address field is already drained by ReadRequest; it
// names no real destination and is otherwise ignored.
func (s *Session) doDNSForward(_ socks5.Address) error {
	if s.cfg.DNSServer == "" {
		_ = socks5.WriteReply(s.conn, socks5.RepGeneralFailure, endpoint.Endpoint{})
		return errors.New("session: no DNS server configured for DNS forward")
	}
	dnsEP, err := endpoint.FromHostPort(s.cfg.DNSServer)
	if err != nil {
		_ = socks5.WriteReply(s.conn, socks5.RepGeneralFailure, endpoint.Endpoint{})
		return fmt.Errorf("session: dns-forward target: %w", err)
	}
	if err := socks5.WriteReply(s.conn, socks5.RepSuccess, dnsEP); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	s.phase = PhaseDNSForward

	if err := s.resetDeadline(); err != nil {
		return err
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		return fmt.Errorf("dns-forward: read length: %w", err)
	}
	qlen := binary.BigEndian.Uint16(lenBuf[:])
	query := make([]byte, qlen)
	if qlen > 0 {
		if _, err := io.ReadFull(s.conn, query); err != nil {
			return fmt.Errorf("dns-forward: read query: %w", err)
		}
	}
	s.liveness.RefillOnIO()

	udpConn, err := net.Dial("udp", s.cfg.DNSServer)
	if err != nil {
		return fmt.Errorf("dns-forward: dial upstream: %w", err)
	}
	defer udpConn.Close()

	if s.cfg.ConnectTimeout > 0 {
		_ = udpConn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	}
	if _, err := udpConn.Write(query); err != nil {
		return fmt.Errorf("dns-forward: send query: %w", err)
	}

	resp := make([]byte, maxDNSForwardResponse)
	n, err := udpConn.Read(resp)
	if err != nil {
		return fmt.Errorf("dns-forward: read response: %w", err)
	}
	s.liveness.RefillOnIO()

	var outLen [2]byte
	binary.BigEndian.PutUint16(outLen[:], uint16(n))
	if _, err := s.conn.Write(outLen[:]); err != nil {
		return fmt.Errorf("dns-forward: write length: %w", err)
	}
	if _, err := s.conn.Write(resp[:n]); err != nil {
		return fmt.Errorf("dns-forward: write response: %w", err)
	}
	return nil
}
