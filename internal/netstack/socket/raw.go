package socket

import "github.com/tinyrange/netdispatch/internal/netstack/wire"

// Raw receives every packet of one IP version and protocol. Its binding is
// fixed at construction.
type Raw struct {
	dirtyFlags

	version  wire.Version
	protocol wire.Protocol
}

func NewRaw(version wire.Version, protocol wire.Protocol) *Raw {
	return &Raw{version: version, protocol: protocol}
}

func (s *Raw) Kind() Kind { return KindRaw }

func (s *Raw) IPVersion() wire.Version   { return s.version }
func (s *Raw) IPProtocol() wire.Protocol { return s.protocol }

func (*Raw) sealed() {}
