package socket

import "github.com/tinyrange/netdispatch/internal/netstack/wire"

// UDP is a datagram socket bound to at most one listen endpoint.
type UDP struct {
	dirtyFlags

	endpoint wire.ListenEndpoint
}

func NewUDP() *UDP {
	return &UDP{}
}

func (s *UDP) Kind() Kind { return KindUDP }

// Endpoint is the current binding; the zero value when unbound.
func (s *UDP) Endpoint() wire.ListenEndpoint {
	return s.endpoint
}

// IsOpen reports whether the socket is bound.
func (s *UDP) IsOpen() bool {
	return s.endpoint.Port != 0
}

// Bind binds the socket. The port must be non-zero.
func (s *UDP) Bind(ep wire.ListenEndpoint) error {
	if ep.Port == 0 {
		return ErrUnaddressable
	}
	if s.IsOpen() {
		return ErrAlreadyBound
	}
	s.endpoint = ep
	return nil
}

// Close unbinds the socket and drops pending work.
func (s *UDP) Close() {
	s.endpoint = wire.ListenEndpoint{}
	s.dirty = false
}

func (*UDP) sealed() {}
