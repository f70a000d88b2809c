// Package test holds packet builders and a gVisor peer stack used by the
// netstack tests. Packets are encoded with gVisor's header package so the
// dispatch path is exercised with wire-accurate input.
package test

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func tcpipAddr(addr netip.Addr) tcpip.Address {
	if addr.Is4() {
		return tcpip.AddrFrom4(addr.As4())
	}
	return tcpip.AddrFrom16(addr.As16())
}

// IPPacket wraps payload in an IPv4 or IPv6 header, picked by the version of
// dst.
func IPPacket(src, dst netip.Addr, proto tcpip.TransportProtocolNumber, payload []byte) []byte {
	if dst.Is4() {
		b := make([]byte, header.IPv4MinimumSize+len(payload))
		header.IPv4(b).Encode(&header.IPv4Fields{
			TotalLength: uint16(len(b)),
			TTL:         64,
			Protocol:    uint8(proto),
			SrcAddr:     tcpipAddr(src),
			DstAddr:     tcpipAddr(dst),
		})
		header.IPv4(b).SetChecksum(^header.IPv4(b).CalculateChecksum())
		copy(b[header.IPv4MinimumSize:], payload)
		return b
	}
	b := make([]byte, header.IPv6MinimumSize+len(payload))
	header.IPv6(b).Encode(&header.IPv6Fields{
		PayloadLength:     uint16(len(payload)),
		TransportProtocol: proto,
		HopLimit:          64,
		SrcAddr:           tcpipAddr(src),
		DstAddr:           tcpipAddr(dst),
	})
	copy(b[header.IPv6MinimumSize:], payload)
	return b
}

// TCPSegment builds a bare TCP header with the given flags.
func TCPSegment(srcPort, dstPort uint16, flags header.TCPFlags) []byte {
	b := make([]byte, header.TCPMinimumSize)
	header.TCP(b).Encode(&header.TCPFields{
		SrcPort:    srcPort,
		DstPort:    dstPort,
		SeqNum:     1,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: 0xffff,
	})
	return b
}

// UDPDatagram builds a UDP header followed by payload.
func UDPDatagram(srcPort, dstPort uint16, payload []byte) []byte {
	b := make([]byte, header.UDPMinimumSize+len(payload))
	header.UDP(b).Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(len(b)),
	})
	copy(b[header.UDPMinimumSize:], payload)
	return b
}

// TCPPacket is IPPacket(TCPSegment(...)) with a SYN flag.
func TCPPacket(src, dst netip.AddrPort) []byte {
	return IPPacket(src.Addr(), dst.Addr(), header.TCPProtocolNumber,
		TCPSegment(src.Port(), dst.Port(), header.TCPFlagSyn))
}

// UDPPacket is IPPacket(UDPDatagram(...)).
func UDPPacket(src, dst netip.AddrPort, payload []byte) []byte {
	return IPPacket(src.Addr(), dst.Addr(), header.UDPProtocolNumber,
		UDPDatagram(src.Port(), dst.Port(), payload))
}
