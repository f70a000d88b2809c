package test

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const peerNICID tcpip.NICID = 1

// Peer is a gVisor stack on an IP-level channel link. Every packet it
// transmits is collected so tests can feed it into the dispatch path.
type Peer struct {
	tb testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	gs   *stack.Stack
	ch   *channel.Endpoint
	addr netip.Addr

	out chan []byte
}

// NewPeer builds a gVisor stack owning the IPv4 address local/24.
func NewPeer(tb testing.TB, local netip.Addr) *Peer {
	tb.Helper()
	if !local.Is4() {
		tb.Fatalf("gvisor peer: expected ipv4 address, got %s", local)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		tb:     tb,
		ctx:    ctx,
		cancel: cancel,
		addr:   local,
		out:    make(chan []byte, 1024),
	}

	p.ch = channel.New(1024, 1500, "")
	p.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := p.gs.CreateNIC(peerNICID, p.ch); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := p.gs.AddProtocolAddress(
		peerNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   tcpipAddr(local),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	p.gs.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			NIC:         peerNICID,
		},
	})

	go func() {
		for {
			pkt := p.ch.ReadContext(p.ctx)
			if pkt == nil {
				return
			}
			b := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			select {
			case p.out <- b:
			default:
				// Drop; tests only look at the first few packets.
			}
		}
	}()

	tb.Cleanup(func() {
		p.cancel()
		p.ch.Close()
		p.gs.Close()
	})
	return p
}

// Addr is the peer's own address.
func (p *Peer) Addr() netip.Addr {
	return p.addr
}

// ConnectTCP starts a non-blocking connect to dst so that the peer emits a
// SYN.
func (p *Peer) ConnectTCP(dst netip.AddrPort) {
	p.tb.Helper()
	var wq waiter.Queue
	ep, terr := p.gs.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		p.tb.Fatalf("gvisor new tcp endpoint: %v", terr)
	}
	p.tb.Cleanup(func() { ep.Close() })

	terr = ep.Connect(tcpip.FullAddress{
		NIC:  peerNICID,
		Addr: tcpipAddr(dst.Addr()),
		Port: dst.Port(),
	})
	if _, ok := terr.(*tcpip.ErrConnectStarted); !ok && terr != nil {
		p.tb.Fatalf("gvisor tcp connect: %v", terr)
	}
}

// SendUDP binds localPort and writes payload to dst.
func (p *Peer) SendUDP(localPort uint16, dst netip.AddrPort, payload []byte) {
	p.tb.Helper()
	var wq waiter.Queue
	ep, terr := p.gs.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		p.tb.Fatalf("gvisor new udp endpoint: %v", terr)
	}
	p.tb.Cleanup(func() { ep.Close() })

	if terr := ep.Bind(tcpip.FullAddress{
		NIC:  peerNICID,
		Addr: tcpipAddr(p.addr),
		Port: localPort,
	}); terr != nil {
		p.tb.Fatalf("gvisor udp bind: %v", terr)
	}
	n, terr := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{
		To: &tcpip.FullAddress{
			NIC:  peerNICID,
			Addr: tcpipAddr(dst.Addr()),
			Port: dst.Port(),
		},
	})
	if terr != nil {
		p.tb.Fatalf("gvisor udp write: %v", terr)
	}
	if int(n) != len(payload) {
		p.tb.Fatalf("gvisor udp short write: %d != %d", n, len(payload))
	}
}

// AwaitPacket returns the next IP packet the peer transmitted.
func (p *Peer) AwaitPacket(timeout time.Duration) []byte {
	p.tb.Helper()
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case b := <-p.out:
		return b
	case <-time.After(timeout):
		p.tb.Fatalf("timeout waiting for gvisor packet")
		return nil
	}
}
