// Package dns provides the minimal RFC 1035 wire codec used to build outbound
// A/AAAA queries and parse upstream responses for the proxy's own stub
// resolver (internal/resolver), and nothing else: no zone authority, no
// DNSSEC, no EDNS. If a full DNS server ever needs those, this package is
// the wrong layer to grow them in.
//
// This package implements DNS protocol features from the following RFCs:
//
//   - RFC 1035: Domain Names - Implementation and Specification (core DNS protocol)
//   - RFC 1034: Domain Names - Concepts and Facilities (DNS concepts)
//   - RFC 3596: DNS Extensions to Support IPv6 (AAAA records)
//
// Error Handling:
//
// All errors are wrapped with context using fmt.Errorf("...: %w", err).
// This preserves error chains while adding operational context.
package dns

import "errors"

var (
	// ErrDNSError is a sentinel error type for DNS protocol violations.
	// Wrap this with fmt.Errorf("context: %w", ErrDNSError) to add context.
	ErrDNSError = errors.New("dns wire error")
)
