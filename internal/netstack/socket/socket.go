// Package socket defines the sockets an interface holds and the handles used
// to refer to them.
//
// The socket kinds here expose only what the dispatch index and the poll
// loop observe: endpoints, connection state and the dirty flags. Buffering
// and the TCP state machine live with the caller.
package socket

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnaddressable is returned when binding to an endpoint without a port.
	ErrUnaddressable = errors.New("socket: endpoint not addressable")
	// ErrAlreadyBound is returned when binding a socket that is already bound.
	ErrAlreadyBound = errors.New("socket: already bound")
	// ErrInvalidState is returned for an operation the current state forbids.
	ErrInvalidState = errors.New("socket: invalid state")
)

// Handle identifies a socket slot. Handles are ordered and stay valid for the
// lifetime of the socket they were issued for.
type Handle uint32

func (h Handle) String() string {
	return "#" + strconv.FormatUint(uint64(h), 10)
}

// Less orders handles; it is the comparator for ordered handle sets.
func (h Handle) Less(other Handle) bool {
	return h < other
}

// Kind names a socket type.
type Kind uint8

const (
	KindRaw Kind = iota
	KindUDP
	KindTCP
	KindICMP
	KindDHCPv4
	KindDNS
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindUDP:
		return "udp"
	case KindTCP:
		return "tcp"
	case KindICMP:
		return "icmp"
	case KindDHCPv4:
		return "dhcpv4"
	case KindDNS:
		return "dns"
	}
	return fmt.Sprintf("unknown socket kind %d", uint8(k))
}

// Socket is implemented by every socket kind in this package and by nothing
// else.
type Socket interface {
	Kind() Kind

	// IsDirty reports whether the socket has work for the poll loop.
	IsDirty() bool
	// IsOnDirtyList reports whether the socket is already queued for it.
	IsOnDirtyList() bool
	SetOnDirtyList(on bool)

	sealed()
}

// dirtyFlags backs the dirty tracking of the kinds that take part in it.
type dirtyFlags struct {
	dirty       bool
	onDirtyList bool
}

func (d *dirtyFlags) IsDirty() bool          { return d.dirty }
func (d *dirtyFlags) IsOnDirtyList() bool    { return d.onDirtyList }
func (d *dirtyFlags) SetOnDirtyList(on bool) { d.onDirtyList = on }

// SetDirty is called by whoever owns the socket's buffers when work appears
// or is completed.
func (d *dirtyFlags) SetDirty(dirty bool) { d.dirty = dirty }

// neverDirty is embedded by kinds that demultiplex themselves and are never
// queued for the poll loop.
type neverDirty struct{}

func (neverDirty) IsDirty() bool        { return false }
func (neverDirty) IsOnDirtyList() bool  { return false }
func (neverDirty) SetOnDirtyList(bool) {}
