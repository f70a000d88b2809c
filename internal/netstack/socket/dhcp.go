package socket

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

type dhcpState uint8

const (
	dhcpInit dhcpState = iota
	dhcpSelecting
	dhcpRequesting
	dhcpBound
)

// Lease is the configuration handed out by a DHCP server.
type Lease struct {
	Addr     netip.Prefix
	Router   netip.Addr
	DNS      []netip.Addr
	Duration time.Duration
}

// DHCPv4 is a DHCP client. It runs on the well-known client port, which the
// interface routes to it directly instead of through the dispatch index.
type DHCPv4 struct {
	neverDirty

	hwAddr net.HardwareAddr
	state  dhcpState
	xid    dhcpv4.TransactionID

	lease    Lease
	hasLease bool
}

func NewDHCPv4(hwAddr net.HardwareAddr) *DHCPv4 {
	return &DHCPv4{hwAddr: hwAddr}
}

func (s *DHCPv4) Kind() Kind { return KindDHCPv4 }

// Discover starts (or restarts) address acquisition and returns the
// DHCPDISCOVER payload to broadcast.
func (s *DHCPv4) Discover() ([]byte, error) {
	d, err := dhcpv4.NewDiscovery(s.hwAddr)
	if err != nil {
		return nil, fmt.Errorf("socket: build dhcp discover: %w", err)
	}
	s.xid = d.TransactionID
	s.state = dhcpSelecting
	s.hasLease = false
	return d.ToBytes(), nil
}

// HandleReply consumes a server message. claimed is false for messages
// belonging to another exchange or arriving in the wrong state; those leave
// the client untouched. resp is the next message to send, if the exchange
// continues.
func (s *DHCPv4) HandleReply(b []byte) (resp []byte, claimed bool, err error) {
	d, err := dhcpv4.FromBytes(b)
	if err != nil {
		return nil, false, fmt.Errorf("socket: parse dhcp reply: %w", err)
	}
	if d.OpCode != dhcpv4.OpcodeBootReply || d.TransactionID != s.xid {
		return nil, false, nil
	}

	switch d.MessageType() {
	case dhcpv4.MessageTypeOffer:
		if s.state != dhcpSelecting {
			return nil, false, nil
		}
		req, err := dhcpv4.NewRequestFromOffer(d)
		if err != nil {
			return nil, true, fmt.Errorf("socket: build dhcp request: %w", err)
		}
		s.xid = req.TransactionID
		s.state = dhcpRequesting
		return req.ToBytes(), true, nil
	case dhcpv4.MessageTypeAck:
		if s.state != dhcpRequesting {
			return nil, false, nil
		}
		s.lease = leaseFrom(d)
		s.hasLease = true
		s.state = dhcpBound
		return nil, true, nil
	case dhcpv4.MessageTypeNak:
		if s.state != dhcpRequesting {
			return nil, false, nil
		}
		s.state = dhcpInit
		s.hasLease = false
		return nil, true, nil
	}
	return nil, false, nil
}

// Lease returns the current lease, if bound.
func (s *DHCPv4) Lease() (Lease, bool) {
	return s.lease, s.hasLease
}

func leaseFrom(d *dhcpv4.DHCPv4) Lease {
	var l Lease
	if addr, ok := netip.AddrFromSlice(d.YourIPAddr.To4()); ok {
		bits := 32
		if mask := d.SubnetMask(); mask != nil {
			bits, _ = mask.Size()
		}
		l.Addr = netip.PrefixFrom(addr, bits)
	}
	if routers := d.Router(); len(routers) > 0 {
		l.Router, _ = netip.AddrFromSlice(routers[0].To4())
	}
	for _, ip := range d.DNS() {
		if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
			l.DNS = append(l.DNS, addr)
		}
	}
	l.Duration = d.IPAddressLeaseTime(0)
	return l
}

func (*DHCPv4) sealed() {}
