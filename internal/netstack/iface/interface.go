package iface

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/netdispatch/internal/netstack/config"
	"github.com/tinyrange/netdispatch/internal/netstack/socket"
	"github.com/tinyrange/netdispatch/internal/netstack/wire"
	"github.com/tinyrange/netdispatch/internal/pcap"
)

const (
	dhcpClientPort = 68
	dnsServerPort  = 53
	udpHeaderLen   = 8

	captureSnapLen = 65535
)

// Delivery describes where Dispatch sent a packet.
type Delivery struct {
	Version  wire.Version
	Protocol wire.Protocol
	Src      wire.Endpoint
	Dst      wire.Endpoint

	// Local is false for packets not addressed to the interface; no lookup
	// is made for them.
	Local bool

	Raw        socket.Handle
	RawMatched bool

	// Socket is the transport socket that took the packet: a UDP or TCP
	// socket from the index, or an ICMP, DHCP or DNS socket that claimed it.
	Socket        socket.Handle
	SocketKind    socket.Kind
	SocketMatched bool

	// Response is a payload the claiming socket wants sent back, if any.
	Response []byte
}

// SocketStats is the per-socket view used by the debug endpoint and replay
// summaries.
type SocketStats struct {
	Handle    socket.Handle `json:"handle"`
	Name      string        `json:"name,omitempty"`
	Kind      string        `json:"kind"`
	Delivered uint64        `json:"delivered"`
	Dirty     bool          `json:"dirty"`
}

// Interface owns the sockets of one network interface, the dispatch index
// over them, and the set of sockets with pending work. All methods are safe
// for concurrent use.
type Interface struct {
	log      *slog.Logger
	metrics  *Metrics
	registry *prometheus.Registry

	mu        sync.Mutex
	name      string
	addrs     []netip.Addr
	sockets   *socket.Set
	table     *DispatchTable
	dirty     *DirtySet
	names     map[socket.Handle]string
	delivered map[socket.Handle]uint64
	capture   *pcap.Writer

	// Debug HTTP server.
	debugMu       sync.Mutex
	debugSrv      *http.Server
	debugListener net.Listener
	debugWG       sync.WaitGroup
	debugAddr     string

	closeOnce sync.Once
}

// New creates an interface and applies cfg, which may be nil.
func New(l *slog.Logger, cfg *config.Config) (*Interface, error) {
	if l == nil {
		l = slog.Default()
	}
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	ifc := &Interface{
		log:       l,
		metrics:   metrics,
		registry:  registry,
		name:      "iface0",
		sockets:   socket.NewSet(),
		table:     NewDispatchTable(l, metrics),
		dirty:     NewDirtySet(),
		names:     make(map[socket.Handle]string),
		delivered: make(map[socket.Handle]uint64),
	}
	if cfg != nil {
		if err := ifc.ApplyConfig(cfg); err != nil {
			return nil, err
		}
	}
	return ifc, nil
}

// Registry is the Prometheus registry holding the interface's metrics.
func (ifc *Interface) Registry() *prometheus.Registry {
	return ifc.registry
}

// SetAddresses sets the addresses the interface accepts packets for. With no
// addresses every packet is treated as local.
func (ifc *Interface) SetAddresses(addrs []netip.Addr) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	ifc.addrs = slices.Clone(addrs)
}

// ApplyConfig sets the interface name and addresses and creates the
// configured sockets. On error, sockets created by earlier entries stay.
func (ifc *Interface) ApplyConfig(cfg *config.Config) error {
	addrs, err := cfg.ParsedAddresses()
	if err != nil {
		return err
	}
	ifc.mu.Lock()
	ifc.name = cfg.Name
	ifc.mu.Unlock()
	ifc.SetAddresses(addrs)

	for _, sc := range cfg.Sockets {
		if _, err := ifc.openConfigured(sc); err != nil {
			return fmt.Errorf("iface: socket %q: %w", sc.Name, err)
		}
	}
	return nil
}

func (ifc *Interface) openConfigured(sc config.Socket) (socket.Handle, error) {
	var (
		sock   socket.Socket
		modify func(h socket.Handle) error
	)
	switch sc.Kind {
	case config.KindRaw:
		v, p, err := sc.RawBinding()
		if err != nil {
			return 0, err
		}
		sock = socket.NewRaw(v, p)
	case config.KindUDP:
		ep, err := sc.BindEndpoint()
		if err != nil {
			return 0, err
		}
		sock = socket.NewUDP()
		modify = func(h socket.Handle) error {
			return Modify(ifc, h, func(u *socket.UDP) error { return u.Bind(ep) })
		}
	case config.KindTCP:
		sock = socket.NewTCP()
		if sc.Listen != "" {
			ep, err := sc.ListenEndpoint()
			if err != nil {
				return 0, err
			}
			modify = func(h socket.Handle) error {
				return Modify(ifc, h, func(c *socket.TCP) error { return c.Listen(ep) })
			}
			break
		}
		local, remote, err := sc.ConnectEndpoints()
		if err != nil {
			return 0, err
		}
		modify = func(h socket.Handle) error {
			return Modify(ifc, h, func(c *socket.TCP) error {
				if err := c.Connect(local, remote); err != nil {
					return err
				}
				c.SetState(socket.Established)
				return nil
			})
		}
	default:
		return 0, fmt.Errorf("unknown socket kind %q", sc.Kind)
	}

	h, err := ifc.AddSocket(sock)
	if err != nil {
		return 0, err
	}
	if modify != nil {
		if err := modify(h); err != nil {
			_ = ifc.RemoveSocket(h)
			return 0, err
		}
	}

	ifc.mu.Lock()
	ifc.names[h] = sc.Name
	ifc.mu.Unlock()
	ifc.log.Info("iface: opened socket", "name", sc.Name, "kind", sc.Kind, "handle", h)
	return h, nil
}

// AddSocket takes ownership of sock and indexes it if it is already
// addressable.
func (ifc *Interface) AddSocket(sock socket.Socket) (socket.Handle, error) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()

	h := ifc.sockets.Add(sock)
	var err error
	switch s := sock.(type) {
	case *socket.Raw:
		err = ifc.table.AddRawSocket(s, h)
	case *socket.UDP:
		err = ifc.table.AddUDPSocket(s, h)
	case *socket.TCP:
		err = ifc.table.AddTCPSocket(s, h)
	}
	if err != nil {
		ifc.sockets.Remove(h)
		return 0, fmt.Errorf("iface: add %v socket: %w", sock.Kind(), err)
	}
	return h, nil
}

// RemoveSocket deindexes and drops the socket at h.
func (ifc *Interface) RemoveSocket(h socket.Handle) error {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()

	sock, ok := ifc.sockets.Get(h)
	if !ok {
		return fmt.Errorf("iface: remove socket %v: %w", h, ErrSocketNotFound)
	}
	// The socket may never have been addressable, so a miss is expected.
	var err error
	switch sock.(type) {
	case *socket.Raw:
		err = ifc.table.RemoveRawSocket(h)
	case *socket.UDP:
		err = ifc.table.RemoveUDPSocket(h)
	case *socket.TCP:
		err = ifc.table.RemoveTCPSocket(h)
	}
	if err != nil && !errors.Is(err, ErrSocketNotFound) {
		return fmt.Errorf("iface: remove socket %v: %w", h, err)
	}

	ifc.dirty.Remove(h)
	ifc.sockets.Remove(h)
	delete(ifc.names, h)
	delete(ifc.delivered, h)
	return nil
}

// WithSocket runs fn on the socket at h under a Tracker, so any addressing
// change fn makes is reflected in the index when it returns or panics. A
// bind or connect to an address another socket holds fails with
// ErrAlreadyInUse and leaves the socket closed.
func (ifc *Interface) WithSocket(h socket.Handle, fn func(socket.Socket) error) (err error) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()

	sock, ok := ifc.sockets.Get(h)
	if !ok {
		return fmt.Errorf("iface: socket %v: %w", h, ErrSocketNotFound)
	}
	t := NewTracker(ifc.table, ifc.dirty, h, sock)
	defer func() {
		if rerr := t.Release(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("iface: socket %v: %w", h, rerr))
		}
	}()
	return fn(t.Socket())
}

// Modify is WithSocket for a socket of known kind.
func Modify[T socket.Socket](ifc *Interface, h socket.Handle, fn func(T) error) error {
	return ifc.WithSocket(h, func(s socket.Socket) error {
		typed, ok := s.(T)
		if !ok {
			return fmt.Errorf("iface: socket %v is %v: %w", h, s.Kind(), ErrWrongKind)
		}
		return fn(typed)
	})
}

func (ifc *Interface) isLocal(dst netip.Addr) bool {
	if len(ifc.addrs) == 0 || dst.IsMulticast() || dst == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true
	}
	return slices.Contains(ifc.addrs, dst)
}

// Dispatch finds the sockets an inbound IP packet belongs to. Raw sockets
// are consulted first, then the transport index. A packet that cannot be
// parsed returns an error; one that matches nothing returns a Delivery with
// neither match flag set.
func (ifc *Interface) Dispatch(packet []byte) (Delivery, error) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()

	ifc.writePacketCapture(packet)

	pkt, err := wire.Parse(packet)
	if err != nil {
		ifc.metrics.packet("malformed")
		return Delivery{}, fmt.Errorf("iface: dispatch: %w", err)
	}
	ip := pkt.IP
	d := Delivery{
		Version:  ip.Version(),
		Protocol: ip.Protocol(),
		Src:      wire.Endpoint{Addr: ip.SrcAddr()},
		Dst:      wire.Endpoint{Addr: ip.DstAddr()},
		Local:    ifc.isLocal(ip.DstAddr()),
	}
	if !d.Local {
		ifc.metrics.packet("not_local")
		return d, nil
	}

	d.Raw, d.RawMatched = ifc.table.GetRawSocket(d.Version, d.Protocol)
	if d.RawMatched {
		ifc.delivered[d.Raw]++
	}

	if err := ifc.dispatchTransport(&d, ip, pkt.Payload); err != nil {
		ifc.metrics.packet("malformed")
		return d, fmt.Errorf("iface: dispatch %v: %w", d.Protocol, err)
	}

	switch {
	case d.SocketMatched:
		ifc.delivered[d.Socket]++
		ifc.metrics.packet("delivered")
	case d.RawMatched:
		ifc.metrics.packet("raw_only")
	default:
		ifc.metrics.packet("unmatched")
	}
	return d, nil
}

func (ifc *Interface) dispatchTransport(d *Delivery, ip wire.IPRepr, payload []byte) error {
	switch d.Protocol {
	case wire.ProtocolUDP:
		udp, err := wire.ParseUDP(payload)
		if err != nil {
			return err
		}
		d.Src.Port, d.Dst.Port = udp.SrcPort(), udp.DstPort()
		if d.Socket, d.SocketMatched = ifc.table.GetUDPSocket(ip, udp); d.SocketMatched {
			d.SocketKind = socket.KindUDP
			return nil
		}
		return ifc.dispatchSelfDemuxed(d, payload[udpHeaderLen:])
	case wire.ProtocolTCP:
		tcp, err := wire.ParseTCP(payload)
		if err != nil {
			return err
		}
		d.Src.Port, d.Dst.Port = tcp.SrcPort(), tcp.DstPort()
		if d.Socket, d.SocketMatched = ifc.table.GetTCPSocket(ip, tcp); d.SocketMatched {
			d.SocketKind = socket.KindTCP
		}
		return nil
	case wire.ProtocolICMP, wire.ProtocolICMPv6:
		return ifc.dispatchSelfDemuxed(d, payload)
	}
	return nil
}

// dispatchSelfDemuxed offers a packet the index did not claim to the socket
// kinds that match their own traffic: ICMP echo by identifier, DHCP on the
// client port, DNS by query id from a configured server.
func (ifc *Interface) dispatchSelfDemuxed(d *Delivery, payload []byte) error {
	var claimErr error
	ifc.sockets.Range(func(h socket.Handle, sock socket.Socket) bool {
		var (
			claimed bool
			err     error
		)
		switch s := sock.(type) {
		case *socket.ICMP:
			if d.Protocol == wire.ProtocolICMP || d.Protocol == wire.ProtocolICMPv6 {
				claimed, err = s.HandleMessage(d.Version, payload)
			}
		case *socket.DHCPv4:
			if d.Protocol == wire.ProtocolUDP && d.Dst.Port == dhcpClientPort {
				d.Response, claimed, err = s.HandleReply(payload)
			}
		case *socket.DNS:
			if d.Protocol == wire.ProtocolUDP && d.Src.Port == dnsServerPort &&
				slices.Contains(s.Servers(), netip.AddrPortFrom(d.Src.Addr, d.Src.Port)) {
				_, claimed, err = s.HandleResponse(payload)
			}
		}
		if err != nil {
			claimErr = fmt.Errorf("%v socket %v: %w", sock.Kind(), h, err)
			return false
		}
		if claimed {
			d.Socket, d.SocketKind, d.SocketMatched = h, sock.Kind(), true
			return false
		}
		return true
	})
	return claimErr
}

// DrainDirty empties the dirty set and clears each socket's queued flag. It
// returns the handles in ascending order.
func (ifc *Interface) DrainDirty() []socket.Handle {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()

	handles := ifc.dirty.Drain()
	for _, h := range handles {
		if sock, ok := ifc.sockets.Get(h); ok {
			sock.SetOnDirtyList(false)
		}
	}
	return handles
}

// Snapshot returns a sorted copy of the dispatch index.
func (ifc *Interface) Snapshot() TableSnapshot {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.table.Snapshot()
}

// Stats returns per-socket counters in handle order.
func (ifc *Interface) Stats() []SocketStats {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.statsLocked()
}

func (ifc *Interface) statsLocked() []SocketStats {
	out := make([]SocketStats, 0, ifc.sockets.Len())
	ifc.sockets.Range(func(h socket.Handle, sock socket.Socket) bool {
		out = append(out, SocketStats{
			Handle:    h,
			Name:      ifc.names[h],
			Kind:      sock.Kind().String(),
			Delivered: ifc.delivered[h],
			Dirty:     ifc.dirty.Contains(h),
		})
		return true
	})
	return out
}

// OpenPacketCapture records every packet passed to Dispatch to out, as raw
// IP.
func (ifc *Interface) OpenPacketCapture(out io.Writer) error {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()

	writer := pcap.NewWriter(out)
	if err := writer.WriteFileHeader(captureSnapLen, pcap.LinkTypeRaw); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	ifc.capture = writer
	return nil
}

func (ifc *Interface) writePacketCapture(data []byte) {
	if ifc.capture == nil {
		return
	}
	if err := ifc.capture.WritePacketData(time.Now(), data); err != nil {
		ifc.log.Warn("pcap: write packet failed", "err", err)
	}
}

// Close stops the debug server and packet capture. It is idempotent.
func (ifc *Interface) Close() error {
	ifc.closeOnce.Do(func() {
		ifc.stopDebugHTTP()

		ifc.mu.Lock()
		ifc.capture = nil
		ifc.mu.Unlock()
	})
	return nil
}
