package wire

import (
	"errors"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	// ErrTruncated indicates a packet shorter than the header it claims.
	ErrTruncated = errors.New("wire: packet truncated")
	// ErrUnknownVersion indicates a packet that is neither IPv4 nor IPv6.
	ErrUnknownVersion = errors.New("wire: unknown ip version")
)

// IPRepr exposes the network-layer fields dispatch needs.
type IPRepr interface {
	Version() Version
	SrcAddr() netip.Addr
	DstAddr() netip.Addr
	Protocol() Protocol
}

// TCPRepr exposes the ports of a TCP segment.
type TCPRepr interface {
	SrcPort() uint16
	DstPort() uint16
}

// UDPRepr exposes the ports of a UDP datagram.
type UDPRepr interface {
	SrcPort() uint16
	DstPort() uint16
}

// IPFields is a plain IPRepr, for callers that already hold decoded fields.
type IPFields struct {
	Src   netip.Addr
	Dst   netip.Addr
	Proto Protocol
}

func (f IPFields) Version() Version {
	v, _ := VersionOf(f.Dst)
	return v
}

func (f IPFields) SrcAddr() netip.Addr { return f.Src }
func (f IPFields) DstAddr() netip.Addr { return f.Dst }
func (f IPFields) Protocol() Protocol  { return f.Proto }

// Ports is a plain TCPRepr/UDPRepr.
type Ports struct {
	Src uint16
	Dst uint16
}

func (p Ports) SrcPort() uint16 { return p.Src }
func (p Ports) DstPort() uint16 { return p.Dst }

// Packet is an inbound IP packet split into its network header view and the
// transport payload that follows it.
type Packet struct {
	IP      IPRepr
	Payload []byte
}

type ipv4Repr header.IPv4

func (b ipv4Repr) Version() Version    { return IPv4 }
func (b ipv4Repr) SrcAddr() netip.Addr { return addrFrom(header.IPv4(b).SourceAddress()) }
func (b ipv4Repr) DstAddr() netip.Addr { return addrFrom(header.IPv4(b).DestinationAddress()) }
func (b ipv4Repr) Protocol() Protocol  { return Protocol(header.IPv4(b).TransportProtocol()) }

type ipv6Repr header.IPv6

func (b ipv6Repr) Version() Version    { return IPv6 }
func (b ipv6Repr) SrcAddr() netip.Addr { return addrFrom(header.IPv6(b).SourceAddress()) }
func (b ipv6Repr) DstAddr() netip.Addr { return addrFrom(header.IPv6(b).DestinationAddress()) }
func (b ipv6Repr) Protocol() Protocol  { return Protocol(header.IPv6(b).TransportProtocol()) }

func addrFrom(a tcpip.Address) netip.Addr {
	switch a.Len() {
	case 4:
		return netip.AddrFrom4(a.As4())
	case 16:
		return netip.AddrFrom16(a.As16())
	}
	return netip.Addr{}
}

// Parse reads the IP header of packet. IPv6 extension headers are not walked;
// the transport protocol is the fixed header's Next Header.
func Parse(packet []byte) (Packet, error) {
	switch header.IPVersion(packet) {
	case header.IPv4Version:
		if len(packet) < header.IPv4MinimumSize {
			return Packet{}, fmt.Errorf("ipv4 header: %w", ErrTruncated)
		}
		h := header.IPv4(packet)
		if !h.IsValid(len(packet)) {
			return Packet{}, fmt.Errorf("ipv4 header length %d: %w", h.HeaderLength(), ErrTruncated)
		}
		return Packet{IP: ipv4Repr(h), Payload: h.Payload()}, nil
	case header.IPv6Version:
		if len(packet) < header.IPv6MinimumSize {
			return Packet{}, fmt.Errorf("ipv6 header: %w", ErrTruncated)
		}
		h := header.IPv6(packet)
		if !h.IsValid(len(packet)) {
			return Packet{}, fmt.Errorf("ipv6 payload length %d: %w", h.PayloadLength(), ErrTruncated)
		}
		return Packet{IP: ipv6Repr(h), Payload: h.Payload()}, nil
	case -1:
		return Packet{}, ErrTruncated
	default:
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownVersion, header.IPVersion(packet))
	}
}

// ParseTCP returns the port view of a TCP segment.
func ParseTCP(segment []byte) (TCPRepr, error) {
	if len(segment) < header.TCPMinimumSize {
		return nil, fmt.Errorf("tcp header: %w", ErrTruncated)
	}
	h := header.TCP(segment)
	return Ports{Src: h.SourcePort(), Dst: h.DestinationPort()}, nil
}

// ParseUDP returns the port view of a UDP datagram.
func ParseUDP(datagram []byte) (UDPRepr, error) {
	if len(datagram) < header.UDPMinimumSize {
		return nil, fmt.Errorf("udp header: %w", ErrTruncated)
	}
	h := header.UDP(datagram)
	return Ports{Src: h.SourcePort(), Dst: h.DestinationPort()}, nil
}
