package hostcache

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/hostcache/pkg/neterr"
	"github.com/pmkol/hostcache/pkg/value"
)

const (
	hostnameKey       = "hostname"
	addressFamilyKey  = "address_family"
	dnsQueryTypeKey   = "dns_query_type"
	flagsKey          = "flags"
	resolverSourceKey = "host_resolver_source"
	expirationKey     = "expiration"
	ttlKey            = "ttl"
	networkChangesKey = "network_changes"
	errorKey          = "error"
	addressesKey      = "addresses"
)

// unknownTTL is the diagnostic ttl of entries stored without one, such as
// restored entries.
const unknownTTL = -1

var errMalformed = errors.New("malformed host cache entry")

// GetAsListValue serializes all entries in key order.
//
// With includeStaleness the output is meant for diagnostics: expiration is
// the raw monotonic tick in milliseconds and ttl (-1 when unknown) and
// network_changes are added. It cannot be restored.
//
// Without it, expiration is converted to wall-clock microseconds since the
// Unix epoch so that it survives a restart. It is written as a decimal string
// because value.Value has no 64-bit integers.
func (c *HostCache) GetAsListValue(includeStaleness bool) value.List {
	c.owner.check()

	nowTicks := c.opts.Clock.NowTicks()
	nowWall := c.opts.Clock.Now()

	l := make(value.List, 0, c.entries.len())
	c.entries.each(func(k Key, e *Entry) bool {
		d := value.Dict{}
		d.SetString(hostnameKey, k.Hostname)
		d.SetInt(dnsQueryTypeKey, int(k.DnsQueryType))
		d.SetInt(flagsKey, int(k.Flags))
		d.SetInt(resolverSourceKey, int(k.Source))

		if includeStaleness {
			d.SetString(expirationKey, strconv.FormatInt(e.expires.Milliseconds(), 10))
			ttlMs := unknownTTL
			if ttl, ok := e.TTL(); ok {
				ttlMs = int(ttl.Milliseconds())
			}
			d.SetInt(ttlKey, ttlMs)
			d.SetInt(networkChangesKey, e.networkChanges)
		} else {
			expiration := nowWall.Add(-nowTicks.Sub(e.expires))
			d.SetString(expirationKey, strconv.FormatInt(expiration.UnixMicro(), 10))
		}

		if e.err != neterr.OK {
			d.SetInt(errorKey, int(e.err))
		} else {
			addrs := make(value.List, 0, len(e.addresses))
			for _, a := range e.addresses {
				addrs = append(addrs, value.NewString(a.String()))
			}
			d.SetList(addressesKey, addrs)
		}

		l = append(l, value.NewDict(d))
		return true
	})
	return l
}

// RestoreFromListValue adds entries from a list produced by
// GetAsListValue(false). Keys that are already cached are skipped since the
// live entry is newer. Restoring stops adding entries once the cache is
// full. Restored entries are stamped one network change old: they come from
// an earlier network, so they are stale and only returned by LookupStale
// until they are Set again.
//
// RestoreSize is set to len(l) on success, counting skipped items too.
// On a malformed item it returns an error and RestoreSize is unchanged.
// Items before it stay restored.
func (c *HostCache) RestoreFromListValue(l value.List) error {
	c.owner.check()

	nowTicks := c.opts.Clock.NowTicks()
	nowWall := c.opts.Clock.Now()

	restored := 0
	for i, item := range l {
		k, e, err := parseEntry(item, nowTicks, nowWall)
		if err != nil {
			c.opts.Logger.Warn("failed to restore host cache", zap.Int("index", i), zap.Int("restored", restored), zap.Error(err))
			return fmt.Errorf("item #%d: %w", i, err)
		}

		if c.entries.get(k) != nil || c.entries.len() >= c.opts.MaxEntries {
			continue
		}
		e.networkChanges = c.networkChanges - 1
		c.entries.add(k, e)
		restored++
	}
	c.restoreSize = len(l)
	c.opts.Logger.Debug("host cache restored", zap.Int("restored", restored), zap.Int("total", len(l)))
	return nil
}

func parseEntry(item value.Value, nowTicks Ticks, nowWall time.Time) (Key, Entry, error) {
	d, ok := item.AsDict()
	if !ok {
		return Key{}, Entry{}, fmt.Errorf("%w: not a dict", errMalformed)
	}

	hostname, ok := d.FindString(hostnameKey)
	if !ok {
		return Key{}, Entry{}, missing(hostnameKey)
	}
	flags, ok := d.FindInt(flagsKey)
	if !ok {
		return Key{}, Entry{}, missing(flagsKey)
	}
	expiration, ok := d.FindString(expirationKey)
	if !ok {
		return Key{}, Entry{}, missing(expirationKey)
	}

	var queryType DnsQueryType
	if qt, ok := d.FindInt(dnsQueryTypeKey); ok {
		queryType = DnsQueryType(qt)
		if !queryType.valid() {
			return Key{}, Entry{}, fmt.Errorf("%w: invalid %s %d", errMalformed, dnsQueryTypeKey, qt)
		}
	} else {
		// Older snapshots stored the address family instead.
		af, ok := d.FindInt(addressFamilyKey)
		if !ok {
			return Key{}, Entry{}, missing(dnsQueryTypeKey)
		}
		if queryType, ok = AddressFamily(af).toDnsQueryType(); !ok {
			return Key{}, Entry{}, fmt.Errorf("%w: invalid %s %d", errMalformed, addressFamilyKey, af)
		}
	}

	code, hasErr := d.FindInt(errorKey)
	addrList, hasAddrs := d.FindList(addressesKey)
	if !hasErr && !hasAddrs {
		return Key{}, Entry{}, fmt.Errorf("%w: neither %s nor %s", errMalformed, errorKey, addressesKey)
	}

	// The source is absent in older snapshots.
	source := SourceAny
	if s, ok := d.FindInt(resolverSourceKey); ok {
		source = Source(s)
		if !source.valid() {
			return Key{}, Entry{}, fmt.Errorf("%w: invalid %s %d", errMalformed, resolverSourceKey, s)
		}
	}

	us, err := strconv.ParseInt(expiration, 10, 64)
	if err != nil {
		return Key{}, Entry{}, fmt.Errorf("%w: invalid %s: %w", errMalformed, expirationKey, err)
	}
	expires := nowTicks.Add(-nowWall.Sub(time.UnixMicro(us)))

	var addrs []netip.Addr
	if hasAddrs {
		addrs = make([]netip.Addr, 0, len(addrList))
		for _, v := range addrList {
			s, ok := v.AsString()
			if !ok {
				return Key{}, Entry{}, fmt.Errorf("%w: address is not a string", errMalformed)
			}
			a, err := netip.ParseAddr(s)
			if err != nil {
				return Key{}, Entry{}, fmt.Errorf("%w: %w", errMalformed, err)
			}
			addrs = append(addrs, a)
		}
	}

	k := Key{
		Hostname:     hostname,
		DnsQueryType: queryType,
		Flags:        Flags(flags),
		Source:       source,
	}
	e := NewEntry(neterr.Code(code), addrs, EntrySourceUnknown)
	e.expires = expires
	return k, e, nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", errMalformed, field)
}
