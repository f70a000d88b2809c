package socket

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

var (
	// ErrQueryPending is returned by Result before the answer arrived.
	ErrQueryPending = errors.New("socket: dns query pending")
	// ErrNoSuchQuery is returned for an unknown or already collected query.
	ErrNoSuchQuery = errors.New("socket: no such dns query")
)

type dnsQuery struct {
	name  string
	qtype uint16
	done  bool
	rcode int
	addrs []netip.Addr
}

// DNS is a stub resolver. Its queries use ephemeral ports the interface
// tracks per query, so it is never part of the dispatch index.
type DNS struct {
	neverDirty

	servers []netip.AddrPort
	queries map[uint16]*dnsQuery
}

func NewDNS(servers []netip.AddrPort) *DNS {
	return &DNS{
		servers: append([]netip.AddrPort(nil), servers...),
		queries: make(map[uint16]*dnsQuery),
	}
}

func (s *DNS) Kind() Kind { return KindDNS }

func (s *DNS) Servers() []netip.AddrPort {
	return s.servers
}

// StartQuery builds a recursive query for name and returns its id and wire
// form.
func (s *DNS) StartQuery(name string, qtype uint16) (uint16, []byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	for {
		if _, taken := s.queries[m.Id]; !taken {
			break
		}
		m.Id = dns.Id()
	}
	b, err := m.Pack()
	if err != nil {
		return 0, nil, fmt.Errorf("socket: pack dns query for %q: %w", name, err)
	}
	s.queries[m.Id] = &dnsQuery{name: dns.Fqdn(name), qtype: qtype}
	return m.Id, b, nil
}

// HandleResponse matches a response to a pending query. It reports the query
// id and whether the response was accepted.
func (s *DNS) HandleResponse(b []byte) (uint16, bool, error) {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return 0, false, fmt.Errorf("socket: unpack dns response: %w", err)
	}
	q, ok := s.queries[m.Id]
	if !ok || q.done || !m.Response {
		return m.Id, false, nil
	}
	if len(m.Question) != 1 ||
		!strings.EqualFold(m.Question[0].Name, q.name) ||
		m.Question[0].Qtype != q.qtype {
		return m.Id, false, nil
	}

	q.done = true
	q.rcode = m.Rcode
	for _, rr := range m.Answer {
		var ip net.IP
		switch rr := rr.(type) {
		case *dns.A:
			ip = rr.A
		case *dns.AAAA:
			ip = rr.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			q.addrs = append(q.addrs, addr.Unmap())
		}
	}
	return m.Id, true, nil
}

// Result collects the answer of a completed query.
func (s *DNS) Result(id uint16) ([]netip.Addr, error) {
	q, ok := s.queries[id]
	if !ok {
		return nil, ErrNoSuchQuery
	}
	if !q.done {
		return nil, ErrQueryPending
	}
	delete(s.queries, id)
	if q.rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("socket: dns query %s: %s", q.name, dns.RcodeToString[q.rcode])
	}
	return q.addrs, nil
}

// CancelQuery forgets a pending query.
func (s *DNS) CancelQuery(id uint16) {
	delete(s.queries, id)
}

func (*DNS) sealed() {}
