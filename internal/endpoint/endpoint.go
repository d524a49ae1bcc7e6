// Package endpoint implements the unified IPv4-mapped-in-IPv6 address
// representation used throughout the proxy so that a single dual-stack
// listener and a single relay code path can handle both address families.
//
// The byte-level layout mirrors the A/AAAA record handling in
// internal/dns/record.go: addresses travel as raw 4- or 16-byte slices and
// are only rendered to string form at the edges (logging, SOCKS5 wire
// encoding).
package endpoint

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// v4MappedPrefix is the fixed ffff-prefixed high 96 bits of an IPv4-mapped
// IPv6 address (RFC 4291 §2.5.5.2).
var v4MappedPrefix = [12]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff}

// Endpoint is a network endpoint expressed uniformly as a 16-byte address
// plus port. IPv4 addresses are stored V4-mapped so that CONNECT targets,
// DNS answers, and bound socket addresses all compare and hash the same way
// regardless of origin family.
type Endpoint struct {
	Addr [16]byte
	Port uint16
}

// FromIP builds an Endpoint from a net.IP (4- or 16-byte form) and port.
func FromIP(ip net.IP, port uint16) (Endpoint, error) {
	var e Endpoint
	if ip4 := ip.To4(); ip4 != nil {
		copy(e.Addr[:12], v4MappedPrefix[:])
		copy(e.Addr[12:], ip4)
		e.Port = port
		return e, nil
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return Endpoint{}, fmt.Errorf("endpoint: not a valid IPv4 or IPv6 address: %v", ip)
	}
	copy(e.Addr[:], ip16)
	e.Port = port
	return e, nil
}

// FromBytes builds an Endpoint from a raw 4- or 16-byte address slice
// (e.g. dns.Answer.IP) and a port.
func FromBytes(b []byte, port uint16) (Endpoint, error) {
	switch len(b) {
	case 4:
		var e Endpoint
		copy(e.Addr[:12], v4MappedPrefix[:])
		copy(e.Addr[12:], b)
		e.Port = port
		return e, nil
	case 16:
		var e Endpoint
		copy(e.Addr[:], b)
		e.Port = port
		return e, nil
	default:
		return Endpoint{}, fmt.Errorf("endpoint: address must be 4 or 16 bytes, got %d", len(b))
	}
}

// FromAddrPort builds an Endpoint from a netip.AddrPort, the type
// net.Dialer/net.Listener surfaces on accepted/dialed connections.
func FromAddrPort(ap netip.AddrPort) Endpoint {
	addr := ap.Addr()
	var e Endpoint
	if addr.Is4() || addr.Is4In6() {
		a4 := addr.As4()
		copy(e.Addr[:12], v4MappedPrefix[:])
		copy(e.Addr[12:], a4[:])
	} else {
		a16 := addr.As16()
		copy(e.Addr[:], a16[:])
	}
	e.Port = ap.Port()
	return e
}

// Parse interprets host as an IPv4 or IPv6 literal. It returns ok=false
// (not an error) when host is not a literal address, so callers can fall
// back to DNS resolution.
func Parse(host string, port uint16) (e Endpoint, ok bool) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Endpoint{}, false
	}
	return FromAddrPort(netip.AddrPortFrom(addr, port)), true
}

// IsV4Mapped reports whether the address is the IPv4-mapped form.
func (e Endpoint) IsV4Mapped() bool {
	return [12]byte(e.Addr[:12]) == v4MappedPrefix
}

// IP returns the address as a net.IP, unmapping V4-mapped addresses back to
// 4-byte form.
func (e Endpoint) IP() net.IP {
	if e.IsV4Mapped() {
		ip := make(net.IP, 4)
		copy(ip, e.Addr[12:])
		return ip
	}
	ip := make(net.IP, 16)
	copy(ip, e.Addr[:])
	return ip
}

// NetAddr returns a *net.TCPAddr equivalent, suitable for Dial/bind calls.
func (e Endpoint) NetAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: e.IP(), Port: int(e.Port)}
}

// String renders "ip:port", using brackets for non-mapped IPv6.
func (e Endpoint) String() string {
	ip := e.IP()
	if !e.IsV4Mapped() {
		return fmt.Sprintf("[%s]:%d", ip.String(), e.Port)
	}
	return fmt.Sprintf("%s:%d", ip.String(), e.Port)
}

// PortBytes returns the port in big-endian wire form, as used by the SOCKS5
// request/reply encoding (RFC 1928 §4/§6).
func (e Endpoint) PortBytes() [2]byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], e.Port)
	return b
}

// FromHostPort resolves a literal "host:port" pair into an Endpoint,
// without touching DNS. Used for config-supplied bind addresses.
func FromHostPort(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: %w", err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: invalid port %q: %w", portStr, err)
	}
	e, ok := Parse(host, port)
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint: not a literal address: %q", host)
	}
	return e, nil
}
