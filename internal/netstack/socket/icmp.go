package socket

import (
	"errors"
	"fmt"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/tinyrange/netdispatch/internal/netstack/wire"
)

// ErrNotBound is returned by operations that need a bound socket.
var ErrNotBound = errors.New("socket: not bound")

// EchoReply is an echo reply matched to an ICMP socket.
type EchoReply struct {
	Seq  uint16
	Data []byte
}

// ICMP is an echo socket identified by its ICMP identifier. The interface
// matches replies to it by identifier, outside the dispatch index.
type ICMP struct {
	neverDirty

	ident   uint16
	bound   bool
	seq     uint16
	replies []EchoReply
}

func NewICMP() *ICMP {
	return &ICMP{}
}

func (s *ICMP) Kind() Kind { return KindICMP }

// Bind claims an echo identifier.
func (s *ICMP) Bind(ident uint16) error {
	if s.bound {
		return ErrAlreadyBound
	}
	s.ident = ident
	s.bound = true
	return nil
}

func (s *ICMP) Ident() (uint16, bool) {
	return s.ident, s.bound
}

// EchoRequest builds the next echo request. For ICMPv6 the checksum is left
// for the transmit path, which knows the pseudo-header.
func (s *ICMP) EchoRequest(v wire.Version, data []byte) ([]byte, error) {
	if !s.bound {
		return nil, ErrNotBound
	}
	var typ icmp.Type = ipv4.ICMPTypeEcho
	if v == wire.IPv6 {
		typ = ipv6.ICMPTypeEchoRequest
	}
	s.seq++
	msg := icmp.Message{
		Type: typ,
		Body: &icmp.Echo{ID: int(s.ident), Seq: int(s.seq), Data: data},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("socket: marshal echo request: %w", err)
	}
	return b, nil
}

// HandleMessage consumes an ICMP message and reports whether it was an echo
// reply for this socket.
func (s *ICMP) HandleMessage(v wire.Version, b []byte) (bool, error) {
	if !s.bound {
		return false, nil
	}
	proto := wire.ProtocolICMP
	if v == wire.IPv6 {
		proto = wire.ProtocolICMPv6
	}
	msg, err := icmp.ParseMessage(int(proto), b)
	if err != nil {
		return false, fmt.Errorf("socket: parse icmp: %w", err)
	}
	if msg.Type != ipv4.ICMPTypeEchoReply && msg.Type != ipv6.ICMPTypeEchoReply {
		return false, nil
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok || echo.ID != int(s.ident) {
		return false, nil
	}
	s.replies = append(s.replies, EchoReply{
		Seq:  uint16(echo.Seq),
		Data: append([]byte(nil), echo.Data...),
	})
	return true, nil
}

// Replies returns and forgets the replies received so far.
func (s *ICMP) Replies() []EchoReply {
	out := s.replies
	s.replies = nil
	return out
}

func (*ICMP) sealed() {}
