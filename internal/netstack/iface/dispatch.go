// Package iface ties the sockets of one network interface to the packets it
// receives.
//
// The DispatchTable answers "which socket gets this packet" from a packet's
// addresses and ports. It is kept current by Tracker, which compares a
// socket's addressing state before and after the caller touched it, and it
// is owned and locked by Interface.
package iface

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/btree"

	"github.com/tinyrange/netdispatch/internal/netstack/socket"
	"github.com/tinyrange/netdispatch/internal/netstack/wire"
)

const (
	protoRaw = "raw"
	protoUDP = "udp"
	protoTCP = "tcp"
)

type rawKey struct {
	version  wire.Version
	protocol wire.Protocol
}

func (k rawKey) String() string {
	return k.version.String() + "/" + k.protocol.String()
}

// tcpLocalEndpoint groups the TCP sockets sharing one local bind. It is
// deleted from the table as soon as both collections are empty.
type tcpLocalEndpoint struct {
	listen      *btree.BTreeG[socket.Handle]
	established map[wire.Endpoint]socket.Handle
}

func newTCPLocalEndpoint() *tcpLocalEndpoint {
	return &tcpLocalEndpoint{
		listen:      btree.NewG(4, socket.Handle.Less),
		established: make(map[wire.Endpoint]socket.Handle),
	}
}

func (e *tcpLocalEndpoint) empty() bool {
	return e.listen.Len() == 0 && len(e.established) == 0
}

// tcpKey is where a TCP handle was indexed.
type tcpKey struct {
	local       wire.ListenEndpoint
	remote      wire.Endpoint
	established bool
}

func (k tcpKey) String() string {
	if k.established {
		return k.local.String() + " <- " + k.remote.String()
	}
	return k.local.String()
}

// tcpKeyOf derives the index key of s. A socket with neither a listen nor a
// local endpoint has none.
func tcpKeyOf(s *socket.TCP) (tcpKey, bool) {
	local, ok := s.ListenEndpoint()
	if !ok {
		ep, ok := s.LocalEndpoint()
		if !ok {
			return tcpKey{}, false
		}
		local = ep.Listen()
	}
	remote, established := s.RemoteEndpoint()
	return tcpKey{local: local, remote: remote, established: established}, true
}

// DispatchTable maps packet addressing to socket handles. Every sub-table
// keeps a forward map (key to handle) and a reverse map (handle to key) that
// mirror each other exactly.
//
// DispatchTable is not safe for concurrent use.
type DispatchTable struct {
	log     *slog.Logger
	metrics *Metrics

	raw    map[rawKey]socket.Handle
	revRaw map[socket.Handle]rawKey

	udp    map[wire.ListenEndpoint]socket.Handle
	revUDP map[socket.Handle]wire.ListenEndpoint

	tcp    map[wire.ListenEndpoint]*tcpLocalEndpoint
	revTCP map[socket.Handle]tcpKey
}

// NewDispatchTable returns an empty table. m may be nil.
func NewDispatchTable(l *slog.Logger, m *Metrics) *DispatchTable {
	if l == nil {
		l = slog.Default()
	}
	return &DispatchTable{
		log:     l,
		metrics: m,
		raw:     make(map[rawKey]socket.Handle),
		revRaw:  make(map[socket.Handle]rawKey),
		udp:     make(map[wire.ListenEndpoint]socket.Handle),
		revUDP:  make(map[socket.Handle]wire.ListenEndpoint),
		tcp:     make(map[wire.ListenEndpoint]*tcpLocalEndpoint),
		revTCP:  make(map[socket.Handle]tcpKey),
	}
}

// candidateKeys lists the local keys a packet to port may match, most
// specific first: the destination address, then the any-version wildcard,
// then the unspecified address of the packet's version.
func candidateKeys(ip wire.IPRepr, port uint16) [3]wire.ListenEndpoint {
	return [3]wire.ListenEndpoint{
		{Addr: ip.DstAddr(), Port: port},
		wire.ListenPort(port),
		{Addr: ip.Version().Unspecified(), Port: port},
	}
}

// GetRawSocket returns the raw socket bound to version and protocol.
func (t *DispatchTable) GetRawSocket(version wire.Version, protocol wire.Protocol) (socket.Handle, bool) {
	h, ok := t.raw[rawKey{version, protocol}]
	t.metrics.lookup(protoRaw, ok)
	return h, ok
}

// GetUDPSocket returns the UDP socket a datagram is delivered to.
func (t *DispatchTable) GetUDPSocket(ip wire.IPRepr, udp wire.UDPRepr) (socket.Handle, bool) {
	for _, key := range candidateKeys(ip, udp.DstPort()) {
		if h, ok := t.udp[key]; ok {
			t.metrics.lookup(protoUDP, true)
			return h, true
		}
	}
	t.metrics.lookup(protoUDP, false)
	return 0, false
}

// GetTCPSocket returns the TCP socket a segment is delivered to: the
// connection from the segment's source if there is one, otherwise the
// lowest-handled listener on the matching local endpoint.
func (t *DispatchTable) GetTCPSocket(ip wire.IPRepr, tcp wire.TCPRepr) (socket.Handle, bool) {
	h, ok := t.getTCPSocket(ip, tcp)
	t.metrics.lookup(protoTCP, ok)
	return h, ok
}

func (t *DispatchTable) getTCPSocket(ip wire.IPRepr, tcp wire.TCPRepr) (socket.Handle, bool) {
	var entry *tcpLocalEndpoint
	for _, key := range candidateKeys(ip, tcp.DstPort()) {
		if e, ok := t.tcp[key]; ok {
			entry = e
			break
		}
	}
	if entry == nil {
		return 0, false
	}
	if h, ok := entry.established[wire.Endpoint{Addr: ip.SrcAddr(), Port: tcp.SrcPort()}]; ok {
		return h, true
	}
	return entry.listen.Min()
}

func (t *DispatchTable) addError(protocol string, h socket.Handle, key fmt.Stringer) error {
	t.log.Debug("dispatch: add refused", "protocol", protocol, "handle", h, "key", key.String())
	return &AddError{Protocol: protocol, Handle: h, Key: key.String()}
}

func (t *DispatchTable) removeError(protocol string, h socket.Handle) error {
	return &RemoveError{Protocol: protocol, Handle: h}
}

// diverged records a reverse entry whose forward entry is missing. The
// reverse entry has already been dropped, which restores the bijection.
func (t *DispatchTable) diverged(protocol string, h socket.Handle, key fmt.Stringer) error {
	t.log.Error("dispatch: forward and reverse index diverged",
		"protocol", protocol, "handle", h, "key", key.String())
	t.metrics.violation()
	return &RemoveError{Protocol: protocol, Handle: h, Diverged: true}
}

// AddRawSocket indexes s at its IP version and protocol.
func (t *DispatchTable) AddRawSocket(s *socket.Raw, h socket.Handle) error {
	key := rawKey{s.IPVersion(), s.IPProtocol()}
	if _, ok := t.revRaw[h]; ok {
		return t.addError(protoRaw, h, key)
	}
	if _, ok := t.raw[key]; ok {
		return t.addError(protoRaw, h, key)
	}
	t.raw[key] = h
	t.revRaw[h] = key
	t.metrics.indexOp(protoRaw, "add")
	t.log.Debug("dispatch: add raw socket", "handle", h, "key", key.String())
	return nil
}

// AddUDPSocket indexes s at its bound endpoint. A socket that is not bound
// to anything addressable is left out and the call succeeds.
func (t *DispatchTable) AddUDPSocket(s *socket.UDP, h socket.Handle) error {
	ep := s.Endpoint()
	if !ep.IsSpecified() {
		t.metrics.indexOp(protoUDP, "skip")
		return nil
	}
	if _, ok := t.revUDP[h]; ok {
		return t.addError(protoUDP, h, ep)
	}
	if _, ok := t.udp[ep]; ok {
		return t.addError(protoUDP, h, ep)
	}
	t.udp[ep] = h
	t.revUDP[h] = ep
	t.metrics.indexOp(protoUDP, "add")
	t.log.Debug("dispatch: add udp socket", "handle", h, "endpoint", ep.String())
	return nil
}

// AddTCPSocket indexes s under its local endpoint: the listen endpoint if it
// has one, else its connection's local side. Connections go to the
// established map keyed by remote endpoint; everything else is a listener.
// A socket with no local endpoint at all is left out and the call succeeds.
func (t *DispatchTable) AddTCPSocket(s *socket.TCP, h socket.Handle) error {
	key, ok := tcpKeyOf(s)
	if !ok {
		t.metrics.indexOp(protoTCP, "skip")
		return nil
	}
	if _, ok := t.revTCP[h]; ok {
		return t.addError(protoTCP, h, key)
	}
	entry := t.tcp[key.local]
	if key.established && entry != nil {
		if _, ok := entry.established[key.remote]; ok {
			return t.addError(protoTCP, h, key)
		}
	}

	if entry == nil {
		entry = newTCPLocalEndpoint()
		t.tcp[key.local] = entry
	}
	if key.established {
		entry.established[key.remote] = h
	} else {
		entry.listen.ReplaceOrInsert(h)
	}
	t.revTCP[h] = key
	t.metrics.indexOp(protoTCP, "add")
	t.log.Debug("dispatch: add tcp socket", "handle", h, "key", key.String())
	return nil
}

// RemoveRawSocket removes h from the raw index.
func (t *DispatchTable) RemoveRawSocket(h socket.Handle) error {
	key, ok := t.revRaw[h]
	if !ok {
		return t.removeError(protoRaw, h)
	}
	delete(t.revRaw, h)
	if got, ok := t.raw[key]; !ok || got != h {
		return t.diverged(protoRaw, h, key)
	}
	delete(t.raw, key)
	t.metrics.indexOp(protoRaw, "remove")
	t.log.Debug("dispatch: remove raw socket", "handle", h, "key", key.String())
	return nil
}

// RemoveUDPSocket removes h from the UDP index.
func (t *DispatchTable) RemoveUDPSocket(h socket.Handle) error {
	ep, ok := t.revUDP[h]
	if !ok {
		return t.removeError(protoUDP, h)
	}
	delete(t.revUDP, h)
	if got, ok := t.udp[ep]; !ok || got != h {
		return t.diverged(protoUDP, h, ep)
	}
	delete(t.udp, ep)
	t.metrics.indexOp(protoUDP, "remove")
	t.log.Debug("dispatch: remove udp socket", "handle", h, "endpoint", ep.String())
	return nil
}

// RemoveTCPSocket removes h from the key it was indexed under, whatever the
// socket's current addressing, and drops the local endpoint entry once it is
// empty.
func (t *DispatchTable) RemoveTCPSocket(h socket.Handle) error {
	key, ok := t.revTCP[h]
	if !ok {
		return t.removeError(protoTCP, h)
	}
	delete(t.revTCP, h)
	entry, ok := t.tcp[key.local]
	if !ok {
		return t.diverged(protoTCP, h, key)
	}
	if key.established {
		if got, ok := entry.established[key.remote]; !ok || got != h {
			return t.diverged(protoTCP, h, key)
		}
		delete(entry.established, key.remote)
	} else if _, ok := entry.listen.Delete(h); !ok {
		return t.diverged(protoTCP, h, key)
	}
	if entry.empty() {
		delete(t.tcp, key.local)
	}
	t.metrics.indexOp(protoTCP, "remove")
	t.log.Debug("dispatch: remove tcp socket", "handle", h, "key", key.String())
	return nil
}

// Len returns the number of indexed handles.
func (t *DispatchTable) Len() int {
	return len(t.revRaw) + len(t.revUDP) + len(t.revTCP)
}

// TableSnapshot is a sorted copy of the table's contents.
type TableSnapshot struct {
	Raw []RawEntry `json:"raw"`
	UDP []UDPEntry `json:"udp"`
	TCP []TCPEntry `json:"tcp"`
}

type RawEntry struct {
	Handle   socket.Handle `json:"handle"`
	Version  string        `json:"version"`
	Protocol string        `json:"protocol"`
}

type UDPEntry struct {
	Handle   socket.Handle `json:"handle"`
	Endpoint string        `json:"endpoint"`
}

type TCPEntry struct {
	Handle socket.Handle `json:"handle"`
	Local  string        `json:"local"`
	Remote string        `json:"remote,omitempty"`
}

// Snapshot copies the forward maps, ordered by handle.
func (t *DispatchTable) Snapshot() TableSnapshot {
	var snap TableSnapshot
	for key, h := range t.raw {
		snap.Raw = append(snap.Raw, RawEntry{
			Handle:   h,
			Version:  key.version.String(),
			Protocol: key.protocol.String(),
		})
	}
	for ep, h := range t.udp {
		snap.UDP = append(snap.UDP, UDPEntry{Handle: h, Endpoint: ep.String()})
	}
	for local, entry := range t.tcp {
		entry.listen.Ascend(func(h socket.Handle) bool {
			snap.TCP = append(snap.TCP, TCPEntry{Handle: h, Local: local.String()})
			return true
		})
		for remote, h := range entry.established {
			snap.TCP = append(snap.TCP, TCPEntry{Handle: h, Local: local.String(), Remote: remote.String()})
		}
	}

	sort.Slice(snap.Raw, func(i, j int) bool { return snap.Raw[i].Handle < snap.Raw[j].Handle })
	sort.Slice(snap.UDP, func(i, j int) bool { return snap.UDP[i].Handle < snap.UDP[j].Handle })
	sort.Slice(snap.TCP, func(i, j int) bool { return snap.TCP[i].Handle < snap.TCP[j].Handle })
	return snap
}
