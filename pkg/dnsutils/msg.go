package dnsutils

import (
	"net/netip"
	"strconv"

	"github.com/miekg/dns"
)

// --- TTL Management ---

// GetMinimalTTL returns the smallest TTL in the message, skipping OPT records.
func GetMinimalTTL(m *dns.Msg) uint32 {
	minTTL := ^uint32(0)
	hasRecord := false
	for _, section := range [...][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			hdr := rr.Header()
			if hdr.Rrtype != dns.TypeOPT {
				hasRecord = true
				if hdr.Ttl < minTTL {
					minTTL = hdr.Ttl
				}
			}
		}
	}
	if !hasRecord {
		return 0
	}
	return minTTL
}

// ExtractAddrs returns the A and AAAA addresses in the answer section, in
// order, and the smallest TTL among them. ok is false if there are none.
func ExtractAddrs(m *dns.Msg) (addrs []netip.Addr, minTTL uint32, ok bool) {
	minTTL = ^uint32(0)
	for _, rr := range m.Answer {
		var a netip.Addr
		switch rr := rr.(type) {
		case *dns.A:
			a, ok = netip.AddrFromSlice(rr.A.To4())
		case *dns.AAAA:
			a, ok = netip.AddrFromSlice(rr.AAAA.To16())
		default:
			continue
		}
		if !ok {
			continue
		}
		addrs = append(addrs, a.Unmap())
		if ttl := rr.Header().Ttl; ttl < minTTL {
			minTTL = ttl
		}
	}
	if len(addrs) == 0 {
		return nil, 0, false
	}
	return addrs, minTTL, true
}

// NewAddrRR builds an A or AAAA record for addr.
func NewAddrRR(name string, addr netip.Addr, ttl uint32) dns.RR {
	hdr := dns.RR_Header{Name: name, Class: dns.ClassINET, Ttl: ttl}
	if addr.Is4() || addr.Is4In6() {
		hdr.Rrtype = dns.TypeA
		return &dns.A{Hdr: hdr, A: addr.Unmap().AsSlice()}
	}
	hdr.Rrtype = dns.TypeAAAA
	return &dns.AAAA{Hdr: hdr, AAAA: addr.AsSlice()}
}

// --- Helpers ---

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}

// GenEmptyReply creates a skeletal response with a fake SOA.
func GenEmptyReply(q *dns.Msg, rcode int) *dns.Msg {
	r := new(dns.Msg)
	r.SetRcode(q, rcode)
	r.RecursionAvailable = true

	name := "."
	if len(q.Question) > 0 {
		name = q.Question[0].Name
	}

	r.Ns = []dns.RR{FakeSOA(name)}
	return r
}

// FakeSOA returns a static SOA record.
func FakeSOA(name string) *dns.SOA {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    300,
		},
		Ns:      "fake-ns.hostcache.fake.root.",
		Mbox:    "fake-mbox.hostcache.fake.root.",
		Serial:  2021110400,
		Refresh: 1800,
		Retry:   900,
		Expire:  604800,
		Minttl:  86400,
	}
}
