package dns_handler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"go4.org/netipx"

	"github.com/pmkol/hostcache/pkg/dnsutils"
	"github.com/pmkol/hostcache/pkg/hostcache"
	"github.com/pmkol/hostcache/pkg/neterr"
	"github.com/pmkol/hostcache/pkg/resolver"
	"github.com/pmkol/hostcache/pkg/utils"
)

const (
	defaultQueryTimeout  = 5 * time.Second
	defaultStaleReplyTTL = 5
)

var nopLogger = zap.NewNop()

// Handler handles one dns query. client may be the zero Addr.
type Handler interface {
	ServeDNS(ctx context.Context, req *dns.Msg, client netip.Addr) (*dns.Msg, error)
}

// Resolver is implemented by *resolver.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (resolver.Result, error)
}

type EntryHandlerOpts struct {
	// Resolver cannot be nil.
	Resolver Resolver

	// ACL lists the clients that may query. A nil ACL allows everyone.
	ACL *netipx.IPSet

	// QueryTimeout bounds one query.
	// Default is 5s.
	QueryTimeout time.Duration

	// StaleReplyTTL is the TTL of answers served from stale entries.
	// Default is 5.
	StaleReplyTTL uint32

	// Logger is the *zap.Logger for this handler.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *EntryHandlerOpts) Init() error {
	if opts.Resolver == nil {
		return errors.New("nil resolver")
	}
	utils.SetDefaultNum(&opts.QueryTimeout, defaultQueryTimeout)
	utils.SetDefaultNum(&opts.StaleReplyTTL, defaultStaleReplyTTL)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// EntryHandler answers address queries from the host cache.
type EntryHandler struct {
	opts EntryHandlerOpts
}

func NewEntryHandler(opts EntryHandlerOpts) (*EntryHandler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &EntryHandler{opts: opts}, nil
}

// ServeDNS always returns a response. A, AAAA and ANY questions are
// resolved, other types get NOTIMP.
func (h *EntryHandler) ServeDNS(ctx context.Context, req *dns.Msg, client netip.Addr) (*dns.Msg, error) {
	if h.opts.ACL != nil && !h.opts.ACL.Contains(client.Unmap()) {
		h.opts.Logger.Debug("query refused", zap.Stringer("client", client))
		return reply(req, dns.RcodeRefused), nil
	}
	if len(req.Question) != 1 {
		return reply(req, dns.RcodeFormatError), nil
	}
	q := req.Question[0]
	if q.Qclass != dns.ClassINET {
		return reply(req, dns.RcodeNotImplemented), nil
	}

	var t hostcache.DnsQueryType
	switch q.Qtype {
	case dns.TypeA:
		t = hostcache.DnsQueryTypeA
	case dns.TypeAAAA:
		t = hostcache.DnsQueryTypeAAAA
	case dns.TypeANY:
		t = hostcache.DnsQueryTypeUnspecified
	default:
		return reply(req, dns.RcodeNotImplemented), nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.QueryTimeout)
	defer cancel()
	res, err := h.opts.Resolver.Resolve(ctx, resolver.Request{Hostname: q.Name, QueryType: t})
	if err != nil {
		if errors.Is(err, neterr.ErrNameNotResolved) {
			return dnsutils.GenEmptyReply(req, dns.RcodeNameError), nil
		}
		h.opts.Logger.Warn("resolve failed",
			zap.String("qname", q.Name),
			zap.String("qtype", dnsutils.QtypeToString(q.Qtype)),
			zap.Stringer("client", client),
			zap.Error(err))
		return reply(req, dns.RcodeServerFailure), nil
	}

	ttl := h.opts.StaleReplyTTL
	if !res.Stale {
		ttl = remainingTTL(res.Remaining)
	}
	r := reply(req, dns.RcodeSuccess)
	r.Authoritative = false
	for _, a := range res.Entry.Addresses() {
		r.Answer = append(r.Answer, dnsutils.NewAddrRR(q.Name, a, ttl))
	}
	h.opts.Logger.Debug("query answered",
		zap.String("qname", q.Name),
		zap.String("qtype", dnsutils.QtypeToString(q.Qtype)),
		zap.Bool("from_cache", res.FromCache),
		zap.Bool("stale", res.Stale),
		zap.Uint32("ttl", ttl))
	return r, nil
}

func reply(req *dns.Msg, rcode int) *dns.Msg {
	r := new(dns.Msg)
	r.SetRcode(req, rcode)
	r.RecursionAvailable = true
	return r
}

// remainingTTL rounds down to seconds, at least 1.
func remainingTTL(d time.Duration) uint32 {
	s := d / time.Second
	if s < 1 {
		return 1
	}
	if s > 1<<31-1 {
		return 1<<31 - 1
	}
	return uint32(s)
}

// ParseACL builds an IPSet from addresses and prefixes. It returns nil for
// an empty list.
func ParseACL(ss []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	n := 0
	for _, s := range ss {
		s = strings.TrimSpace(s)
		if len(s) == 0 {
			continue
		}
		n++
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid acl entry %s, %w", s, err)
			}
			b.AddPrefix(p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid acl entry %s, %w", s, err)
		}
		b.Add(a.Unmap())
	}
	if n == 0 {
		return nil, nil
	}
	return b.IPSet()
}
