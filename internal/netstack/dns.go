package netstack

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

// answerDNS resolves one query datagram against the host table and
// returns the packed reply, or nil when the datagram is not a query.
func (s *Stack) answerDNS(query []byte) []byte {
	var req dns.Msg
	if err := req.Unpack(query); err != nil {
		s.log.Debug("dns: bad query", "error", err)
		return nil
	}
	if req.Response {
		return nil
	}
	s.dnsQueries.Add(1)

	m := new(dns.Msg)
	m.SetReply(&req)
	m.Authoritative = true
	m.RecursionAvailable = false

	for _, q := range req.Question {
		if q.Qtype != dns.TypeA || q.Qclass != dns.ClassINET {
			continue
		}
		ip, ok := s.hosts[canonicalName(q.Name)]
		if !ok {
			s.log.Debug("dns: unknown name", "name", q.Name)
			m.SetRcode(&req, dns.RcodeNameError)
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    60,
			},
			A: net.IPv4(ip[0], ip[1], ip[2], ip[3]).To4(),
		})
	}

	out, err := m.Pack()
	if err != nil {
		s.log.Debug("dns: pack reply", "error", err)
		return nil
	}
	return out
}

func canonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}
