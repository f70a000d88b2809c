package iface

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/miekg/dns"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/netdispatch/internal/netstack/config"
	"github.com/tinyrange/netdispatch/internal/netstack/socket"
	nettest "github.com/tinyrange/netdispatch/internal/netstack/test"
	"github.com/tinyrange/netdispatch/internal/netstack/wire"
	"github.com/tinyrange/netdispatch/internal/pcap"
)

const testConfig = `
name: test0
addresses: [10.0.0.1, "fd00::1"]
sockets:
  - kind: udp
    name: dns
    bind: ":53"
  - kind: tcp
    name: web
    listen: ":80"
  - kind: tcp
    name: ssh
    local: 10.0.0.1:40000
    remote: 10.0.0.2:22
  - kind: raw
    name: ping
    version: 4
    protocol: 1
`

func newTestInterface(t *testing.T, yaml string) *Interface {
	t.Helper()
	var cfg *config.Config
	if yaml != "" {
		var err error
		if cfg, err = config.Parse([]byte(yaml)); err != nil {
			t.Fatalf("parse config: %v", err)
		}
	}
	ifc, err := New(testLogger(), cfg)
	if err != nil {
		t.Fatalf("new interface: %v", err)
	}
	t.Cleanup(func() { ifc.Close() })
	return ifc
}

func handleByName(t *testing.T, ifc *Interface, name string) socket.Handle {
	t.Helper()
	for _, s := range ifc.Stats() {
		if s.Name == name {
			return s.Handle
		}
	}
	t.Fatalf("no socket named %q", name)
	return 0
}

func mustDispatch(t *testing.T, ifc *Interface, packet []byte) Delivery {
	t.Helper()
	d, err := ifc.Dispatch(packet)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return d
}

func TestInterfaceDispatch(t *testing.T) {
	ifc := newTestInterface(t, testConfig)
	dnsH := handleByName(t, ifc, "dns")
	webH := handleByName(t, ifc, "web")
	sshH := handleByName(t, ifc, "ssh")
	pingH := handleByName(t, ifc, "ping")

	peer := netip.MustParseAddrPort("10.0.0.2:5353")
	for _, tc := range []struct {
		name    string
		packet  []byte
		socket  socket.Handle
		matched bool
		raw     bool
	}{
		{"udp", nettest.UDPPacket(peer, netip.MustParseAddrPort("10.0.0.1:53"), []byte("q")), dnsH, true, false},
		{"udp v6", nettest.UDPPacket(netip.MustParseAddrPort("[fd00::2]:5353"), netip.MustParseAddrPort("[fd00::1]:53"), nil), dnsH, true, false},
		{"udp no socket", nettest.UDPPacket(peer, netip.MustParseAddrPort("10.0.0.1:54"), nil), 0, false, false},
		{"tcp listener", nettest.TCPPacket(peer, netip.MustParseAddrPort("10.0.0.1:80")), webH, true, false},
		{"tcp connection", nettest.TCPPacket(netip.MustParseAddrPort("10.0.0.2:22"), netip.MustParseAddrPort("10.0.0.1:40000")), sshH, true, false},
		{"icmp raw", nettest.IPPacket(peer.Addr(), netip.MustParseAddr("10.0.0.1"), header.ICMPv4ProtocolNumber, make([]byte, 8)), 0, false, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := mustDispatch(t, ifc, tc.packet)
			if !d.Local {
				t.Fatalf("packet not local")
			}
			if d.SocketMatched != tc.matched || (tc.matched && d.Socket != tc.socket) {
				t.Fatalf("socket = %v %v, want %v %v", d.Socket, d.SocketMatched, tc.socket, tc.matched)
			}
			if d.RawMatched != tc.raw || (tc.raw && d.Raw != pingH) {
				t.Fatalf("raw = %v %v", d.Raw, d.RawMatched)
			}
		})
	}

	for _, s := range ifc.Stats() {
		want := map[string]uint64{"dns": 2, "web": 1, "ssh": 1, "ping": 1}[s.Name]
		if s.Delivered != want {
			t.Fatalf("%s delivered %d, want %d", s.Name, s.Delivered, want)
		}
	}
}

func TestInterfaceDispatchNotLocal(t *testing.T) {
	ifc := newTestInterface(t, testConfig)
	d := mustDispatch(t, ifc, nettest.UDPPacket(
		netip.MustParseAddrPort("10.0.0.2:5353"),
		netip.MustParseAddrPort("10.0.0.99:53"), nil))
	if d.Local || d.SocketMatched || d.RawMatched {
		t.Fatalf("foreign packet dispatched: %+v", d)
	}
}

func TestInterfaceDispatchMalformed(t *testing.T) {
	ifc := newTestInterface(t, testConfig)
	if _, err := ifc.Dispatch([]byte{0x45}); !errors.Is(err, wire.ErrTruncated) {
		t.Fatalf("short packet: err = %v", err)
	}
	if _, err := ifc.Dispatch([]byte{0x10, 0, 0, 0}); !errors.Is(err, wire.ErrUnknownVersion) {
		t.Fatalf("bad version: err = %v", err)
	}
	short := nettest.IPPacket(netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1"), header.UDPProtocolNumber, []byte{0, 53})
	if _, err := ifc.Dispatch(short); !errors.Is(err, wire.ErrTruncated) {
		t.Fatalf("short udp: err = %v", err)
	}
}

func TestInterfaceRemoveSocket(t *testing.T) {
	ifc := newTestInterface(t, testConfig)
	dnsH := handleByName(t, ifc, "dns")
	if err := ifc.RemoveSocket(dnsH); err != nil {
		t.Fatalf("remove: %v", err)
	}
	d := mustDispatch(t, ifc, nettest.UDPPacket(
		netip.MustParseAddrPort("10.0.0.2:5353"),
		netip.MustParseAddrPort("10.0.0.1:53"), nil))
	if d.SocketMatched {
		t.Fatalf("removed socket still matched")
	}
	if err := ifc.RemoveSocket(dnsH); !errors.Is(err, ErrSocketNotFound) {
		t.Fatalf("second remove: err = %v", err)
	}

	// A socket that was never addressable is not in the index.
	h, err := ifc.AddSocket(socket.NewUDP())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := ifc.RemoveSocket(h); err != nil {
		t.Fatalf("remove unbound: %v", err)
	}
}

func TestInterfaceAddSocketConflict(t *testing.T) {
	ifc := newTestInterface(t, testConfig)
	_, err := ifc.AddSocket(socket.NewRaw(wire.IPv4, wire.ProtocolICMP))
	if !errors.Is(err, ErrAlreadyInUse) {
		t.Fatalf("duplicate raw: err = %v", err)
	}
	if got := len(ifc.Stats()); got != 4 {
		t.Fatalf("refused socket kept: %d sockets", got)
	}
}

func TestInterfaceApplyConfigConflict(t *testing.T) {
	cfg, err := config.Parse([]byte(`
sockets:
  - kind: udp
    name: a
    bind: ":53"
  - kind: udp
    name: b
    bind: ":53"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = New(testLogger(), cfg)
	if !errors.Is(err, ErrAlreadyInUse) || !strings.Contains(err.Error(), `"b"`) {
		t.Fatalf("err = %v", err)
	}
}

func TestInterfaceBindInUse(t *testing.T) {
	ifc := newTestInterface(t, testConfig)
	dnsH := handleByName(t, ifc, "dns")
	h, err := ifc.AddSocket(socket.NewUDP())
	if err != nil {
		t.Fatal(err)
	}

	err = Modify(ifc, h, func(s *socket.UDP) error { return s.Bind(wire.ListenPort(53)) })
	if !errors.Is(err, ErrAlreadyInUse) {
		t.Fatalf("second bind on :53: err = %v", err)
	}
	if err := Modify(ifc, h, func(s *socket.UDP) error {
		if s.IsOpen() {
			t.Fatalf("socket left bound to %v", s.Endpoint())
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	d := mustDispatch(t, ifc, nettest.UDPPacket(
		netip.MustParseAddrPort("10.0.0.2:1000"),
		netip.MustParseAddrPort("10.0.0.1:53"), nil))
	if d.Socket != dnsH {
		t.Fatalf(":53 now goes to %v", d.Socket)
	}

	if err := Modify(ifc, h, func(s *socket.UDP) error { return s.Bind(wire.ListenPort(5353)) }); err != nil {
		t.Fatalf("bind free port: %v", err)
	}
}

func TestInterfaceConnectInUse(t *testing.T) {
	ifc := newTestInterface(t, testConfig)
	h, err := ifc.AddSocket(socket.NewTCP())
	if err != nil {
		t.Fatal(err)
	}
	local, remote := mustEndpoint(t, "10.0.0.1:40000"), mustEndpoint(t, "10.0.0.2:22")
	err = Modify(ifc, h, func(s *socket.TCP) error { return s.Connect(local, remote) })
	if !errors.Is(err, ErrAlreadyInUse) {
		t.Fatalf("duplicate connection: err = %v", err)
	}
	for _, st := range ifc.Stats() {
		if st.Handle == h && st.Dirty {
			t.Fatalf("refused connection queued as dirty")
		}
	}
}

func TestInterfaceModify(t *testing.T) {
	ifc := newTestInterface(t, "")
	h, err := ifc.AddSocket(socket.NewUDP())
	if err != nil {
		t.Fatal(err)
	}

	if err := Modify(ifc, h, func(s *socket.TCP) error { return nil }); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("wrong kind: err = %v", err)
	}
	if err := Modify(ifc, h+1, func(s *socket.UDP) error { return nil }); !errors.Is(err, ErrSocketNotFound) {
		t.Fatalf("missing handle: err = %v", err)
	}

	func() {
		defer func() { _ = recover() }()
		_ = Modify(ifc, h, func(s *socket.UDP) error {
			if err := s.Bind(wire.ListenPort(7)); err != nil {
				t.Fatal(err)
			}
			panic("boom")
		})
	}()

	d := mustDispatch(t, ifc, nettest.UDPPacket(
		netip.MustParseAddrPort("10.0.0.2:1"),
		netip.MustParseAddrPort("10.0.0.1:7"), nil))
	if !d.SocketMatched || d.Socket != h {
		t.Fatalf("bind made before panic not indexed: %+v", d)
	}
}

func TestInterfaceDrainDirty(t *testing.T) {
	ifc := newTestInterface(t, testConfig)
	sshH := handleByName(t, ifc, "ssh")
	webH := handleByName(t, ifc, "web")

	for _, h := range []socket.Handle{webH, sshH, webH} {
		if err := Modify(ifc, h, func(s *socket.TCP) error {
			s.SetDirty(true)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	// The ssh socket was already queued by its Connect.
	got := ifc.DrainDirty()
	if len(got) != 2 || got[0] != webH || got[1] != sshH {
		t.Fatalf("drained %v, want [%v %v]", got, webH, sshH)
	}
	if again := ifc.DrainDirty(); len(again) != 0 {
		t.Fatalf("second drain = %v", again)
	}

	if err := Modify(ifc, webH, func(*socket.TCP) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if got := ifc.DrainDirty(); len(got) != 1 || got[0] != webH {
		t.Fatalf("still-dirty socket not queued again: %v", got)
	}
}

func TestInterfaceICMPEcho(t *testing.T) {
	ifc := newTestInterface(t, "")
	h, err := ifc.AddSocket(socket.NewICMP())
	if err != nil {
		t.Fatal(err)
	}
	if err := Modify(ifc, h, func(s *socket.ICMP) error { return s.Bind(0x1234) }); err != nil {
		t.Fatal(err)
	}

	reply, err := (&icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: 0x1234, Seq: 1, Data: []byte("hi")},
	}).Marshal(nil)
	if err != nil {
		t.Fatal(err)
	}
	d := mustDispatch(t, ifc, nettest.IPPacket(
		netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1"),
		header.ICMPv4ProtocolNumber, reply))
	if !d.SocketMatched || d.Socket != h || d.SocketKind != socket.KindICMP {
		t.Fatalf("echo reply not claimed: %+v", d)
	}
}

func TestInterfaceDHCP(t *testing.T) {
	ifc := newTestInterface(t, "")
	client := socket.NewDHCPv4(net.HardwareAddr{0x02, 0, 0, 0, 0, 1})
	h, err := ifc.AddSocket(client)
	if err != nil {
		t.Fatal(err)
	}

	var discover []byte
	if err := Modify(ifc, h, func(s *socket.DHCPv4) error {
		discover, err = s.Discover()
		return err
	}); err != nil {
		t.Fatal(err)
	}
	msg, err := dhcpv4.FromBytes(discover)
	if err != nil {
		t.Fatal(err)
	}
	server := net.IPv4(10, 0, 0, 1)
	offer, err := dhcpv4.New(
		dhcpv4.WithReply(msg),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
		dhcpv4.WithYourIP(net.IPv4(10, 0, 0, 5)),
		dhcpv4.WithServerIP(server),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(server)),
	)
	if err != nil {
		t.Fatal(err)
	}

	d := mustDispatch(t, ifc, nettest.UDPPacket(
		netip.MustParseAddrPort("10.0.0.1:67"),
		netip.MustParseAddrPort("255.255.255.255:68"),
		offer.ToBytes()))
	if !d.SocketMatched || d.Socket != h || d.SocketKind != socket.KindDHCPv4 {
		t.Fatalf("offer not claimed: %+v", d)
	}
	req, err := dhcpv4.FromBytes(d.Response)
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	if req.MessageType() != dhcpv4.MessageTypeRequest {
		t.Fatalf("response type = %v", req.MessageType())
	}
}

func TestInterfaceDHCPOfferReachesItsClient(t *testing.T) {
	ifc := newTestInterface(t, "")
	var (
		handles   []socket.Handle
		discovers []*dhcpv4.DHCPv4
	)
	for i := byte(1); i <= 2; i++ {
		h, err := ifc.AddSocket(socket.NewDHCPv4(net.HardwareAddr{0x02, 0, 0, 0, 0, i}))
		if err != nil {
			t.Fatal(err)
		}
		var b []byte
		if err := Modify(ifc, h, func(s *socket.DHCPv4) error {
			b, err = s.Discover()
			return err
		}); err != nil {
			t.Fatal(err)
		}
		msg, err := dhcpv4.FromBytes(b)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
		discovers = append(discovers, msg)
	}
	if discovers[0].TransactionID == discovers[1].TransactionID {
		t.Skip("clients drew the same transaction id")
	}

	server := net.IPv4(10, 0, 0, 1)
	offer, err := dhcpv4.New(
		dhcpv4.WithReply(discovers[1]),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
		dhcpv4.WithYourIP(net.IPv4(10, 0, 0, 6)),
		dhcpv4.WithServerIP(server),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(server)),
	)
	if err != nil {
		t.Fatal(err)
	}
	d := mustDispatch(t, ifc, nettest.UDPPacket(
		netip.MustParseAddrPort("10.0.0.1:67"),
		netip.MustParseAddrPort("255.255.255.255:68"),
		offer.ToBytes()))
	if !d.SocketMatched || d.Socket != handles[1] {
		t.Fatalf("offer for second client delivered to %v (matched=%v)", d.Socket, d.SocketMatched)
	}
	if d.Response == nil {
		t.Fatalf("no request sent in response to offer")
	}

	// Nobody is selecting any more, so a repeat goes unclaimed.
	d = mustDispatch(t, ifc, nettest.UDPPacket(
		netip.MustParseAddrPort("10.0.0.1:67"),
		netip.MustParseAddrPort("255.255.255.255:68"),
		offer.ToBytes()))
	if d.SocketMatched {
		t.Fatalf("repeated offer claimed by %v", d.Socket)
	}
}

func TestInterfaceDNS(t *testing.T) {
	ifc := newTestInterface(t, "")
	server := netip.MustParseAddrPort("10.0.0.53:53")
	h, err := ifc.AddSocket(socket.NewDNS([]netip.AddrPort{server}))
	if err != nil {
		t.Fatal(err)
	}

	var (
		id    uint16
		query []byte
	)
	if err := Modify(ifc, h, func(s *socket.DNS) error {
		id, query, err = s.StartQuery("example.com", dns.TypeA)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	q := new(dns.Msg)
	if err := q.Unpack(query); err != nil {
		t.Fatal(err)
	}
	resp := new(dns.Msg)
	resp.SetReply(q)
	rr, err := dns.NewRR("example.com. 60 IN A 192.0.2.7")
	if err != nil {
		t.Fatal(err)
	}
	resp.Answer = append(resp.Answer, rr)
	b, err := resp.Pack()
	if err != nil {
		t.Fatal(err)
	}

	// From an unknown server the response is ignored.
	d := mustDispatch(t, ifc, nettest.UDPPacket(netip.MustParseAddrPort("10.0.0.54:53"), netip.MustParseAddrPort("10.0.0.1:40000"), b))
	if d.SocketMatched {
		t.Fatalf("response from unknown server claimed")
	}
	d = mustDispatch(t, ifc, nettest.UDPPacket(server, netip.MustParseAddrPort("10.0.0.1:40000"), b))
	if !d.SocketMatched || d.Socket != h {
		t.Fatalf("response not claimed: %+v", d)
	}

	var addrs []netip.Addr
	if err := Modify(ifc, h, func(s *socket.DNS) error {
		addrs, err = s.Result(id)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0] != netip.MustParseAddr("192.0.2.7") {
		t.Fatalf("addrs = %v", addrs)
	}
}

func TestInterfacePacketCapture(t *testing.T) {
	ifc := newTestInterface(t, testConfig)
	var buf bytes.Buffer
	if err := ifc.OpenPacketCapture(&buf); err != nil {
		t.Fatalf("open capture: %v", err)
	}
	packets := [][]byte{
		nettest.UDPPacket(netip.MustParseAddrPort("10.0.0.2:1"), netip.MustParseAddrPort("10.0.0.1:53"), []byte("x")),
		{0x45},
	}
	for _, p := range packets {
		_, _ = ifc.Dispatch(p)
	}

	r, err := pcap.NewReader(&buf)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	if r.LinkType() != pcap.LinkTypeRaw {
		t.Fatalf("link type = %d", r.LinkType())
	}
	for i, want := range packets {
		_, data, err := r.ReadPacket()
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if !bytes.Equal(data, want) {
			t.Fatalf("packet %d = %x, want %x", i, data, want)
		}
	}
	if _, _, err := r.ReadPacket(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestInterfaceDebugHTTP(t *testing.T) {
	ifc := newTestInterface(t, testConfig)
	if err := ifc.EnableDebugHTTP("127.0.0.1:0"); err != nil {
		t.Fatalf("enable debug http: %v", err)
	}
	if err := ifc.EnableDebugHTTP("127.0.0.1:0"); err == nil {
		t.Fatalf("second enable succeeded")
	}
	mustDispatch(t, ifc, nettest.TCPPacket(netip.MustParseAddrPort("10.0.0.2:1"), netip.MustParseAddrPort("10.0.0.1:80")))

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + ifc.DebugHTTPAddr()

	resp, err := client.Get(base + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	var status debugStatus
	err = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Name != "test0" || len(status.Sockets) != 4 || len(status.Table.TCP) != 2 {
		t.Fatalf("status = %+v", status)
	}

	resp, err = client.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `netdispatch_dispatch_lookups_total{protocol="tcp",result="hit"} 1`) {
		t.Fatalf("metrics missing tcp hit:\n%s", body)
	}

	ifc.Close()
	if addr := ifc.DebugHTTPAddr(); addr != "" {
		t.Fatalf("debug addr after close = %q", addr)
	}
}

func TestInterfaceGvisorPeer(t *testing.T) {
	ifc := newTestInterface(t, testConfig)
	peer := nettest.NewPeer(t, netip.MustParseAddr("10.0.0.2"))

	peer.SendUDP(5353, netip.MustParseAddrPort("10.0.0.1:53"), []byte("hello"))
	d := mustDispatch(t, ifc, peer.AwaitPacket(time.Second))
	if !d.SocketMatched || d.Socket != handleByName(t, ifc, "dns") {
		t.Fatalf("udp from gvisor: %+v", d)
	}
	if d.Src != wire.EndpointFrom(netip.MustParseAddrPort("10.0.0.2:5353")) {
		t.Fatalf("source = %v", d.Src)
	}

	peer.ConnectTCP(netip.MustParseAddrPort("10.0.0.1:80"))
	d = mustDispatch(t, ifc, peer.AwaitPacket(time.Second))
	if d.Protocol != wire.ProtocolTCP || !d.SocketMatched || d.Socket != handleByName(t, ifc, "web") {
		t.Fatalf("syn from gvisor: %+v", d)
	}
}
