// Package wire holds the addressing types the socket dispatch index keys on,
// together with read-only views over the packet fields it consults.
//
// Nothing here validates a packet beyond what is needed to read its
// addresses and ports safely: checksums and lengths past the headers are the
// caller's concern.
package wire

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Version is an IP protocol version.
type Version uint8

const (
	IPv4 Version = 4
	IPv6 Version = 6
)

func (v Version) String() string {
	switch v {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	}
	return fmt.Sprintf("unknown ip version %d", uint8(v))
}

// Unspecified returns the explicit unspecified address (0.0.0.0 or ::) for v.
// It returns the zero Addr for an unknown version.
func (v Version) Unspecified() netip.Addr {
	switch v {
	case IPv4:
		return netip.IPv4Unspecified()
	case IPv6:
		return netip.IPv6Unspecified()
	}
	return netip.Addr{}
}

// VersionOf reports the IP version of addr.
func VersionOf(addr netip.Addr) (Version, bool) {
	switch {
	case addr.Is4():
		return IPv4, true
	case addr.Is6():
		return IPv6, true
	}
	return 0, false
}

// Protocol is an IP protocol number (IPv4 Protocol / IPv6 Next Header).
type Protocol uint8

// Protocol numbers the stack cares about.
const (
	ProtocolICMP   Protocol = 1
	ProtocolTCP    Protocol = 6
	ProtocolUDP    Protocol = 17
	ProtocolICMPv6 Protocol = 58
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMPv6:
		return "icmpv6"
	}
	return fmt.Sprintf("unknown protocol 0x%02x", uint8(p))
}

// Endpoint is a concrete address/port pair.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// EndpointFrom converts a netip.AddrPort, unmapping IPv4-in-IPv6 addresses.
func EndpointFrom(ap netip.AddrPort) Endpoint {
	return Endpoint{Addr: ap.Addr().Unmap(), Port: ap.Port()}
}

// IsValid reports whether the endpoint carries an address.
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid()
}

// Listen widens e into a listen endpoint bound to exactly e's address.
func (e Endpoint) Listen() ListenEndpoint {
	return ListenEndpoint{Addr: e.Addr, Port: e.Port}
}

func (e Endpoint) String() string {
	if !e.Addr.IsValid() {
		return "invalid"
	}
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// ListenEndpoint is an address/port pair whose address may be left out.
//
// The zero Addr means "any address of any version" and is a different key
// from an explicit 0.0.0.0 or ::, which only match their own version.
type ListenEndpoint struct {
	Addr netip.Addr
	Port uint16
}

// ListenPort returns the wildcard listen endpoint for port.
func ListenPort(port uint16) ListenEndpoint {
	return ListenEndpoint{Port: port}
}

// HasAddr reports whether the endpoint names a specific (not unspecified)
// address.
func (l ListenEndpoint) HasAddr() bool {
	return l.Addr.IsValid() && !l.Addr.IsUnspecified()
}

// IsSpecified reports whether the endpoint is addressable, i.e. it names a
// specific address or a port. An endpoint that is neither is not indexed.
func (l ListenEndpoint) IsSpecified() bool {
	return l.Port != 0 || l.HasAddr()
}

func (l ListenEndpoint) String() string {
	port := strconv.FormatUint(uint64(l.Port), 10)
	if !l.Addr.IsValid() {
		return "*:" + port
	}
	return net.JoinHostPort(l.Addr.String(), port)
}

// ParseListenEndpoint parses "host:port", ":port" or "port". An empty host
// yields the wildcard; "0.0.0.0" and "::" stay explicit.
func ParseListenEndpoint(s string) (ListenEndpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// Bare port.
		host, portStr = "", s
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return ListenEndpoint{}, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	if host == "" || host == "*" {
		return ListenPort(uint16(port)), nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return ListenEndpoint{}, fmt.Errorf("parse address %q: %w", host, err)
	}
	return ListenEndpoint{Addr: addr.Unmap(), Port: uint16(port)}, nil
}

// ParseEndpoint parses a concrete "host:port" endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	return EndpointFrom(ap), nil
}
