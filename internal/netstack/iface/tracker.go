package iface

import (
	"errors"
	"fmt"

	"github.com/tinyrange/netdispatch/internal/netstack/socket"
	"github.com/tinyrange/netdispatch/internal/netstack/wire"
)

// TrackedState is the part of a socket's state that determines where it is
// indexed. It is one of RawState, UDPState, TCPState or NopState.
type TrackedState interface {
	trackedState()
}

// RawState is the state of a raw socket; its binding never changes.
type RawState struct{}

// UDPState records a UDP socket's bound endpoint.
type UDPState struct {
	Endpoint wire.ListenEndpoint
}

// TCPState records a TCP socket's connection state.
type TCPState struct {
	State socket.State
}

// NopState stands in for kinds that are not indexed.
type NopState struct {
	Kind socket.Kind
}

func (RawState) trackedState() {}
func (UDPState) trackedState() {}
func (TCPState) trackedState() {}
func (NopState) trackedState() {}

// CaptureState snapshots the tracked state of s.
func CaptureState(s socket.Socket) TrackedState {
	switch s := s.(type) {
	case *socket.Raw:
		return RawState{}
	case *socket.UDP:
		return UDPState{Endpoint: s.Endpoint()}
	case *socket.TCP:
		return TCPState{State: s.State()}
	default:
		return NopState{Kind: s.Kind()}
	}
}

// Tracker gives scoped access to a socket and brings the dispatch table and
// dirty set up to date when the access ends.
//
//	t := NewTracker(table, dirty, h, sock)
//	defer t.Release()
//	t.Socket().Bind(ep)
type Tracker[T socket.Socket] struct {
	table  *DispatchTable
	dirty  *DirtySet
	handle socket.Handle
	sock   T
	state  TrackedState
	done   bool
}

// NewTracker captures sock's current state.
func NewTracker[T socket.Socket](table *DispatchTable, dirty *DirtySet, h socket.Handle, sock T) *Tracker[T] {
	return &Tracker[T]{
		table:  table,
		dirty:  dirty,
		handle: h,
		sock:   sock,
		state:  CaptureState(sock),
	}
}

// Handle is the tracked socket's handle.
func (t *Tracker[T]) Handle() socket.Handle { return t.handle }

// Socket returns the tracked socket. It must not be used after Release.
func (t *Tracker[T]) Socket() T { return t.sock }

// State returns the state captured when the tracker was created.
func (t *Tracker[T]) State() TrackedState { return t.state }

// Release re-indexes the socket if its tracked state changed, then queues
// it on the dirty set if it has work and is not queued yet. Only the first
// call has any effect.
//
// If the new address is taken, Release closes the socket and returns an
// error matching ErrAlreadyInUse; the caller's bind or connect failed.
func (t *Tracker[T]) Release() error {
	if t.done {
		return nil
	}
	t.done = true

	err := t.table.reconcile(t.state, t.sock, t.handle)

	if !t.sock.IsOnDirtyList() && t.sock.IsDirty() {
		t.dirty.Insert(t.handle)
		t.sock.SetOnDirtyList(true)
		t.table.metrics.dirtyEnqueued()
	}
	return err
}

// reconcile applies the index update implied by a change from old to the
// socket's current state.
func (t *DispatchTable) reconcile(old TrackedState, s socket.Socket, h socket.Handle) error {
	switch old := old.(type) {
	case RawState:
		if _, ok := s.(*socket.Raw); !ok {
			mismatch(old, s)
		}
	case UDPState:
		u, ok := s.(*socket.UDP)
		if !ok {
			mismatch(old, s)
		}
		return t.reconcileUDP(old, u, h)
	case TCPState:
		c, ok := s.(*socket.TCP)
		if !ok {
			mismatch(old, s)
		}
		return t.reconcileTCP(old, c, h)
	case NopState:
		if old.Kind != s.Kind() {
			mismatch(old, s)
		}
	default:
		mismatch(old, s)
	}
	return nil
}

func mismatch(state TrackedState, s socket.Socket) {
	panic(fmt.Sprintf("iface: tracked state %T does not belong to a %v socket", state, s.Kind()))
}

func (t *DispatchTable) reconcileUDP(old UDPState, s *socket.UDP, h socket.Handle) error {
	if old.Endpoint == s.Endpoint() {
		return nil
	}
	if old.Endpoint.IsSpecified() {
		t.mustSucceed(t.RemoveUDPSocket(h), h)
	}
	if err := t.AddUDPSocket(s, h); err != nil {
		ep := s.Endpoint()
		s.Close()
		return t.refused(h, fmt.Sprintf("bind %v", ep), err)
	}
	return nil
}

func (t *DispatchTable) reconcileTCP(old TCPState, s *socket.TCP, h socket.Handle) error {
	cur := s.State()
	if old.State == cur {
		return nil
	}
	switch {
	case cur == socket.Closed:
		t.mustSucceed(t.RemoveTCPSocket(h), h)
		return nil
	case old.State == socket.Closed:
	case rekeys(old.State) || rekeys(cur):
		t.mustSucceed(t.RemoveTCPSocket(h), h)
	default:
		return nil
	}
	if err := t.AddTCPSocket(s, h); err != nil {
		key, _ := tcpKeyOf(s)
		s.Abort()
		return t.refused(h, fmt.Sprintf("%v %v", cur, key), err)
	}
	return nil
}

// rekeys reports whether entering or leaving state can move a socket
// between the listen set and the established map.
func rekeys(state socket.State) bool {
	return state == socket.Listen || state == socket.TimeWait
}

// refused reports an add that the index turned down. The socket has already
// been closed so it is never addressable without being indexed.
func (t *DispatchTable) refused(h socket.Handle, op string, err error) error {
	t.log.Info("dispatch: address in use, socket closed", "handle", h, "op", op)
	return fmt.Errorf("%s: %w", op, err)
}

// mustSucceed handles removals, which fail only if the index has diverged
// from the tracker's snapshot. Divergence found by the table itself is
// already logged and counted.
func (t *DispatchTable) mustSucceed(err error, h socket.Handle) {
	var rerr *RemoveError
	if err == nil || errors.As(err, &rerr) && rerr.Diverged {
		return
	}
	t.log.Error("dispatch: tracked socket update failed", "handle", h, "err", err)
	t.metrics.violation()
}
