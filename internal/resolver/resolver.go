// Package resolver implements the proxy's own stub DNS client: building and
// sending A/AAAA queries to a single configured upstream, with UDP-first,
// TCP-on-truncation fallback. It has no cache, no singleflight, and no
// upstream health tracking: every caller already runs on its own session
// goroutine, so there is nothing to coalesce or pool across.
package resolver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"time"

	"github.com/hev-proxy/socks5d/internal/dns"
	"github.com/hev-proxy/socks5d/internal/endpoint"
)

// Family is the address-family preference applied to a resolution.
type Family int

const (
	// Unspecified tries A first, then AAAA if A yields no address.
	Unspecified Family = iota
	V4
	V6
)

const (
	defaultUDPTimeout = 3 * time.Second
	defaultTCPTimeout = 5 * time.Second
	defaultMaxRetries = 2
	maxUDPResponse    = 4096
)

// Resolver queries a single upstream DNS server on behalf of the proxy
// itself: CONNECT-with-domain-address resolution and UDP relay destination
// resolution.
type Resolver struct {
	upstream   string // host:port, e.g. "1.1.1.1:53"
	udpTimeout time.Duration
	tcpTimeout time.Duration
	maxRetries int
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithUDPTimeout(d time.Duration) Option { return func(r *Resolver) { r.udpTimeout = d } }
func WithTCPTimeout(d time.Duration) Option { return func(r *Resolver) { r.tcpTimeout = d } }
func WithMaxRetries(n int) Option { return func(r *Resolver) { r.maxRetries = n } }

// New builds a Resolver that queries upstream (a "host:port" address).
func New(upstream string, opts ...Option) *Resolver {
	r := &Resolver{
		upstream:   upstream,
		udpTimeout: defaultUDPTimeout,
		tcpTimeout: defaultTCPTimeout,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve looks up name and returns every address found, converted to the
// unified Endpoint representation with port attached. preferred selects
// which record type is tried first; the other family is tried as a
// fallback when the first yields no address. Unspecified tries
// A before AAAA, matching ordinary system resolver behaviour.
func (r *Resolver) Resolve(ctx context.Context, name string, port uint16, preferred Family) ([]endpoint.Endpoint, error) {
	order := familyOrder(preferred)

	var lastErr error
	for _, qtype := range order {
		answers, err := r.query(ctx, name, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		if len(answers) == 0 {
			continue
		}
		out := make([]endpoint.Endpoint, 0, len(answers))
		for _, a := range answers {
			ep, err := endpoint.FromBytes(a.IP, port)
			if err != nil {
				continue
			}
			out = append(out, ep)
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("resolver: resolve %q: %w", name, lastErr)
	}
	return nil, fmt.Errorf("resolver: resolve %q: no addresses found", name)
}

func familyOrder(preferred Family) []dns.RecordType {
	switch preferred {
	case V4:
		return []dns.RecordType{dns.TypeA, dns.TypeAAAA}
	case V6:
		return []dns.RecordType{dns.TypeAAAA, dns.TypeA}
	default:
		return []dns.RecordType{dns.TypeA, dns.TypeAAAA}
	}
}

// query sends a single query for name/qtype to the upstream, retrying up to
// maxRetries times on timeout, and falling back to TCP when the UDP
// response is truncated.
func (r *Resolver) query(ctx context.Context, name string, qtype dns.RecordType) ([]dns.Answer, error) {
	id := uint16(rand.IntN(1 << 16))
	req := dns.NewQuery(id, name, qtype)
	reqBytes, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		respBytes, err := r.queryUDP(ctx, reqBytes)
		if err != nil {
			lastErr = err
			if isTimeout(err) {
				continue
			}
			return nil, err
		}

		resp, err := dns.ParsePacket(respBytes)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Header.ID != id {
			lastErr = fmt.Errorf("%w: transaction id mismatch", dns.ErrDNSError)
			continue
		}
		if resp.Header.Flags&dns.TCFlag != 0 {
			respBytes, err = r.queryTCP(ctx, reqBytes)
			if err != nil {
				return nil, err
			}
			resp, err = dns.ParsePacket(respBytes)
			if err != nil {
				return nil, err
			}
		}
		return dns.ExtractAddresses(resp), nil
	}
	return nil, lastErr
}

func (r *Resolver) queryUDP(ctx context.Context, req []byte) ([]byte, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", r.upstream)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(r.udpTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := conn.Write(req); err != nil {
		return nil, err
	}
	buf := make([]byte, maxUDPResponse)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n:n], nil
}

func (r *Resolver) queryTCP(ctx context.Context, req []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.tcpTimeout)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", r.upstream)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(req)))
	if _, err := conn.Write(prefix[:]); err != nil {
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, err
	}
	respLen := int(binary.BigEndian.Uint16(prefix[:]))
	if respLen <= 0 {
		return nil, fmt.Errorf("%w: zero-length TCP response", dns.ErrDNSError)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
