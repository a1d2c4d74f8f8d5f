package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/hostcache/pkg/bundled_upstream"
	"github.com/pmkol/hostcache/pkg/dnsutils"
	"github.com/pmkol/hostcache/pkg/hostcache"
	"github.com/pmkol/hostcache/pkg/neterr"
)

var ErrUnsupportedSource = errors.New("unsupported host resolver source")

// CacheUsage controls how a request reads the cache.
type CacheUsage int

const (
	// CacheAllowed serves valid entries only.
	CacheAllowed CacheUsage = iota
	// CacheStaleAllowed also serves stale entries.
	CacheStaleAllowed
	// CacheDisallowed skips the cache read. The result is still stored.
	CacheDisallowed
)

type Request struct {
	Hostname   string
	QueryType  hostcache.DnsQueryType
	Flags      hostcache.Flags
	Source     hostcache.Source
	CacheUsage CacheUsage
}

type Result struct {
	Entry     hostcache.Entry
	Stale     bool
	Staleness hostcache.Staleness
	FromCache bool

	// Remaining is how long the result stays valid. It is zero or negative
	// for stale results and zero for IP literals.
	Remaining time.Duration
}

// Resolve answers req from the cache or from a new resolution. A result
// with an error entry is returned together with the entry's neterr.Code.
//
// With ServeStale, or with CacheStaleAllowed, a stale entry is returned
// as is. ServeStale also starts a background refresh for it.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	if addr, err := netip.ParseAddr(strings.Trim(req.Hostname, "[]")); err == nil {
		return literalResult(addr.Unmap(), req.QueryType)
	}

	host, err := normalizeHostname(req.Hostname)
	if err != nil {
		return Result{}, err
	}
	key := hostcache.Key{
		Hostname:     host,
		DnsQueryType: req.QueryType,
		Flags:        req.Flags,
		Source:       req.Source,
	}
	if r.opts.DisableIPv6 && key.DnsQueryType == hostcache.DnsQueryTypeUnspecified {
		key.DnsQueryType = hostcache.DnsQueryTypeA
		key.Flags |= hostcache.FlagDefaultFamilySetDueToNoIPv6
	}

	if req.CacheUsage != CacheDisallowed {
		staleAllowed := req.CacheUsage == CacheStaleAllowed || r.opts.ServeStale
		res, ok, err := r.lookupCache(ctx, key, staleAllowed)
		if err != nil {
			return Result{}, err
		}
		if ok {
			if res.Stale && r.opts.ServeStale {
				r.refresh(key)
			}
			return res, entryErr(res.Entry)
		}
	}

	select {
	case sr := <-r.resolveShared(key):
		if sr.Err != nil {
			return Result{}, sr.Err
		}
		res := sr.Val.(Result)
		return res, entryErr(res.Entry)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func entryErr(e hostcache.Entry) error {
	if code := e.Error(); !code.IsOK() {
		return code
	}
	return nil
}

func literalResult(addr netip.Addr, t hostcache.DnsQueryType) (Result, error) {
	if len(filterFamily([]netip.Addr{addr}, t)) == 0 {
		e := hostcache.NewEntry(neterr.ErrNameNotResolved, nil, hostcache.EntrySourceUnknown)
		return Result{Entry: e}, neterr.ErrNameNotResolved
	}
	return Result{Entry: hostcache.NewEntry(neterr.OK, []netip.Addr{addr}, hostcache.EntrySourceUnknown)}, nil
}

func normalizeHostname(s string) (string, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	if len(s) == 0 {
		return "", fmt.Errorf("%w: empty hostname", neterr.ErrNameNotResolved)
	}
	a, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("%w: invalid hostname %q: %w", neterr.ErrNameNotResolved, s, err)
	}
	if !validLabels(a) {
		return "", fmt.Errorf("%w: invalid hostname %q", neterr.ErrNameNotResolved, s)
	}
	return strings.ToLower(a), nil
}

func validLabels(s string) bool {
	if len(s) > 253 {
		return false
	}
	for _, l := range strings.Split(s, ".") {
		if len(l) == 0 || len(l) > 63 {
			return false
		}
	}
	return true
}

func (r *Resolver) lookupCache(ctx context.Context, key hostcache.Key, staleAllowed bool) (res Result, ok bool, err error) {
	err = r.do(ctx, func(c *hostcache.HostCache) {
		now := r.clock.NowTicks()
		if staleAllowed {
			res.Entry, res.Staleness, ok = c.LookupStale(key, now)
			res.Stale = ok && res.Staleness.IsStale()
		} else {
			res.Entry, ok = c.Lookup(key, now)
			if ok {
				res.Staleness = hostcache.Staleness{
					ExpiredBy: now.Sub(res.Entry.Expires()),
					StaleHits: res.Entry.StaleHits(),
				}
			}
		}
	})
	res.FromCache = ok
	res.Remaining = -res.Staleness.ExpiredBy
	return res, ok, err
}

// resolveShared resolves key once for all concurrent callers. The
// resolution is bound to the resolver's lifetime, not to a caller.
func (r *Resolver) resolveShared(key hostcache.Key) <-chan singleflight.Result {
	return r.sf.DoChan(key.String(), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(r.ctx, r.opts.Timeout)
		defer cancel()
		return r.resolveAndStore(ctx, key)
	})
}

func (r *Resolver) refresh(key hostcache.Key) {
	ch := r.resolveShared(key)
	go func() {
		if sr := <-ch; sr.Err != nil {
			r.opts.Logger.Debug("background refresh failed", zap.Stringer("key", key), zap.Error(sr.Err))
		}
	}()
}

func (r *Resolver) resolveAndStore(ctx context.Context, key hostcache.Key) (Result, error) {
	e, ttl, err := r.resolveKey(ctx, key)
	if err != nil {
		return Result{}, err
	}
	err = r.do(ctx, func(c *hostcache.HostCache) {
		c.Set(key, e, r.clock.NowTicks(), ttl)
	})
	if err != nil {
		return Result{}, err
	}
	r.opts.Logger.Debug("resolved",
		zap.Stringer("key", key),
		zap.Stringer("error", e.Error()),
		zap.Int("addresses", len(e.Addresses())),
		zap.Duration("ttl", ttl))
	return Result{Entry: e, Remaining: ttl}, nil
}

// resolveKey returns the entry to cache and its TTL. Errors are failures
// that should not be cached.
func (r *Resolver) resolveKey(ctx context.Context, key hostcache.Key) (hostcache.Entry, time.Duration, error) {
	if addrs := r.hosts.Load().lookup(key.Hostname, key.DnsQueryType); len(addrs) > 0 {
		ttl := r.clampTTL(systemTTL)
		return hostcache.NewEntryWithTTL(neterr.OK, addrs, hostcache.EntrySourceHosts, ttl), ttl, nil
	}

	switch key.Source {
	case hostcache.SourceMulticastDNS:
		return hostcache.Entry{}, 0, ErrUnsupportedSource
	case hostcache.SourceSystem:
		return r.resolveSystem(ctx, key)
	}
	if len(r.opts.Upstreams) == 0 {
		return r.resolveSystem(ctx, key)
	}
	return r.resolveDNS(ctx, key)
}

func (r *Resolver) negative(source hostcache.EntrySource) (hostcache.Entry, time.Duration, error) {
	ttl := r.opts.NegativeTTL
	return hostcache.NewEntryWithTTL(neterr.ErrNameNotResolved, nil, source, ttl), ttl, nil
}

func (r *Resolver) clampTTL(d time.Duration) time.Duration {
	if d < r.opts.MinTTL {
		return r.opts.MinTTL
	}
	if d > r.opts.MaxTTL {
		return r.opts.MaxTTL
	}
	return d
}

func (r *Resolver) resolveSystem(ctx context.Context, key hostcache.Key) (hostcache.Entry, time.Duration, error) {
	network := "ip"
	switch key.DnsQueryType {
	case hostcache.DnsQueryTypeA:
		network = "ip4"
	case hostcache.DnsQueryTypeAAAA:
		network = "ip6"
	}

	addrs, err := r.opts.SystemLookup(ctx, network, key.Hostname)
	if err != nil {
		var dnsErr *net.DNSError
		switch {
		case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
			return r.negative(hostcache.EntrySourceUnknown)
		case errors.As(err, &dnsErr) && dnsErr.IsTimeout, errors.Is(err, context.DeadlineExceeded):
			return hostcache.Entry{}, 0, neterr.ErrDNSTimedOut
		case errors.Is(err, context.Canceled):
			return hostcache.Entry{}, 0, err
		default:
			return hostcache.Entry{}, 0, fmt.Errorf("%w: %w", neterr.ErrNameNotResolved, err)
		}
	}

	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	addrs = filterFamily(addrs, key.DnsQueryType)
	if len(addrs) == 0 {
		return r.negative(hostcache.EntrySourceUnknown)
	}
	ttl := r.clampTTL(systemTTL)
	return hostcache.NewEntryWithTTL(neterr.OK, addrs, hostcache.EntrySourceUnknown, ttl), ttl, nil
}

func (r *Resolver) resolveDNS(ctx context.Context, key hostcache.Key) (hostcache.Entry, time.Duration, error) {
	var qtypes []uint16
	switch key.DnsQueryType {
	case hostcache.DnsQueryTypeA:
		qtypes = []uint16{dns.TypeA}
	case hostcache.DnsQueryTypeAAAA:
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	resps := make([]*dns.Msg, len(qtypes))
	g, gctx := errgroup.WithContext(ctx)
	for i, qt := range qtypes {
		i, qt := i, qt
		g.Go(func() error {
			q := new(dns.Msg)
			q.SetQuestion(dns.Fqdn(key.Hostname), qt)
			resp, err := bundled_upstream.ExchangeParallel(gctx, q, r.opts.Upstreams, r.opts.Logger)
			if err != nil {
				return err
			}
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return hostcache.Entry{}, 0, exchangeErr(ctx, err)
	}

	var addrs []netip.Addr
	minTTL := ^uint32(0)
	for _, resp := range resps {
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			continue
		case dns.RcodeFormatError:
			return hostcache.Entry{}, 0, neterr.ErrDNSMalformedResponse
		default:
			return hostcache.Entry{}, 0, fmt.Errorf("%w: rcode %s", neterr.ErrDNSServerFailed, dns.RcodeToString[resp.Rcode])
		}
		a, ttl, ok := dnsutils.ExtractAddrs(resp)
		if !ok {
			continue
		}
		addrs = append(addrs, a...)
		if ttl < minTTL {
			minTTL = ttl
		}
	}

	addrs = filterFamily(addrs, key.DnsQueryType)
	if len(addrs) == 0 {
		return r.negative(hostcache.EntrySourceDNS)
	}
	ttl := r.clampTTL(time.Duration(minTTL) * time.Second)
	return hostcache.NewEntryWithTTL(neterr.OK, addrs, hostcache.EntrySourceDNS, ttl), ttl, nil
}

func exchangeErr(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return neterr.ErrDNSTimedOut
	case errors.As(err, &netErr) && netErr.Timeout():
		return neterr.ErrDNSTimedOut
	case errors.Is(err, bundled_upstream.ErrTruncated):
		return neterr.ErrDNSServerRequiresTCP
	default:
		return fmt.Errorf("%w: %w", neterr.ErrDNSServerFailed, err)
	}
}
