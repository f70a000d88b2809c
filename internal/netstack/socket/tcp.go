package socket

import (
	"fmt"

	"github.com/tinyrange/netdispatch/internal/netstack/wire"
)

// State is a TCP connection state (RFC 793).
type State uint8

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN-SENT"
	case SynReceived:
		return "SYN-RECEIVED"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN-WAIT-1"
	case FinWait2:
		return "FIN-WAIT-2"
	case CloseWait:
		return "CLOSE-WAIT"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST-ACK"
	case TimeWait:
		return "TIME-WAIT"
	}
	return fmt.Sprintf("unknown tcp state %d", uint8(s))
}

// TCP is a stream socket. The connection state is driven by the caller's
// state machine through SetState; the methods here only cover the user-facing
// transitions that change addressing.
type TCP struct {
	dirtyFlags

	state State

	// listenEndpoint stays set while a listening socket handles a connection
	// attempt, so it can fall back to Listen on reset.
	listenEndpoint wire.ListenEndpoint
	local          wire.Endpoint
	remote         wire.Endpoint
}

func NewTCP() *TCP {
	return &TCP{}
}

func (s *TCP) Kind() Kind { return KindTCP }

func (s *TCP) State() State { return s.state }

// ListenEndpoint is the endpoint passed to Listen, if any.
func (s *TCP) ListenEndpoint() (wire.ListenEndpoint, bool) {
	return s.listenEndpoint, s.listenEndpoint.Port != 0
}

// LocalEndpoint is the local side of the connection, if one exists.
func (s *TCP) LocalEndpoint() (wire.Endpoint, bool) {
	return s.local, s.local.IsValid()
}

// RemoteEndpoint is the peer of the connection, if one exists.
func (s *TCP) RemoteEndpoint() (wire.Endpoint, bool) {
	return s.remote, s.remote.IsValid()
}

// IsOpen reports whether the socket is in any state but Closed.
func (s *TCP) IsOpen() bool {
	return s.state != Closed
}

// Listen starts accepting connections on ep.
func (s *TCP) Listen(ep wire.ListenEndpoint) error {
	if ep.Port == 0 {
		return ErrUnaddressable
	}
	if s.IsOpen() {
		return ErrInvalidState
	}
	s.listenEndpoint = ep
	s.local = wire.Endpoint{}
	s.remote = wire.Endpoint{}
	s.state = Listen
	return nil
}

// Connect starts an active open from local to remote. The SYN itself is the
// state machine's business; the socket only records the addressing and moves
// to SynSent.
func (s *TCP) Connect(local, remote wire.Endpoint) error {
	if !remote.IsValid() || remote.Addr.IsUnspecified() || remote.Port == 0 {
		return ErrUnaddressable
	}
	if !local.IsValid() || local.Port == 0 {
		return ErrUnaddressable
	}
	if s.IsOpen() {
		return ErrInvalidState
	}
	s.listenEndpoint = wire.ListenEndpoint{}
	s.local = local
	s.remote = remote
	s.state = SynSent
	s.dirty = true
	return nil
}

// Accept records an incoming connection attempt on a listening socket and
// moves it to SynReceived.
func (s *TCP) Accept(local, remote wire.Endpoint) error {
	if s.state != Listen {
		return ErrInvalidState
	}
	if !remote.IsValid() || remote.Port == 0 {
		return ErrUnaddressable
	}
	s.local = local
	s.remote = remote
	s.state = SynReceived
	s.dirty = true
	return nil
}

// SetState applies a transition decided by the state machine. Entering
// Closed forgets all addressing; falling back to Listen forgets the
// connection but keeps the listen endpoint.
func (s *TCP) SetState(state State) {
	switch state {
	case Closed:
		s.listenEndpoint = wire.ListenEndpoint{}
		s.local = wire.Endpoint{}
		s.remote = wire.Endpoint{}
		s.dirty = false
	case Listen:
		s.local = wire.Endpoint{}
		s.remote = wire.Endpoint{}
	}
	s.state = state
}

// Close starts a graceful close from the user side.
func (s *TCP) Close() {
	switch s.state {
	case Listen, SynSent:
		s.SetState(Closed)
	case SynReceived, Established:
		s.SetState(FinWait1)
		s.dirty = true
	case CloseWait:
		s.SetState(LastAck)
		s.dirty = true
	}
}

// Abort drops the connection immediately.
func (s *TCP) Abort() {
	s.SetState(Closed)
}

func (*TCP) sealed() {}
