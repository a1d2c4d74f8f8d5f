package hostcache

import (
	"net/netip"
	"time"

	"golang.org/x/exp/slices"

	"github.com/pmkol/hostcache/pkg/neterr"
)

// EntrySource tells where a cached result came from.
type EntrySource int

const (
	EntrySourceUnknown EntrySource = iota
	EntrySourceDNS
	EntrySourceHosts
)

func (s EntrySource) String() string {
	switch s {
	case EntrySourceDNS:
		return "DNS"
	case EntrySourceHosts:
		return "HOSTS"
	default:
		return "UNKNOWN"
	}
}

// Entry is a cached resolution outcome. Entries are values: the cache
// replaces them on update instead of changing them, except for hit counters.
type Entry struct {
	err       neterr.Code
	addresses []netip.Addr
	source    EntrySource
	ttl       time.Duration
	hasTTL    bool

	expires        Ticks
	networkChanges int
	totalHits      int
	staleHits      int
}

// NewEntry builds an entry whose original TTL is unknown. Addresses are
// dropped unless err is neterr.OK.
func NewEntry(err neterr.Code, addresses []netip.Addr, source EntrySource) Entry {
	e := Entry{err: err, source: source}
	if err == neterr.OK {
		e.addresses = slices.Clone(addresses)
	}
	return e
}

// NewEntryWithTTL is like NewEntry but records the TTL reported by the
// resolver. ttl must not be negative.
func NewEntryWithTTL(err neterr.Code, addresses []netip.Addr, source EntrySource, ttl time.Duration) Entry {
	if ttl < 0 {
		panic("hostcache: negative ttl")
	}
	e := NewEntry(err, addresses, source)
	e.ttl = ttl
	e.hasTTL = true
	return e
}

// stamped copies e for insertion at now.
func (e Entry) stamped(now Ticks, ttl time.Duration, networkChanges int) Entry {
	return Entry{
		err:            e.err,
		addresses:      e.addresses,
		source:         e.source,
		ttl:            e.ttl,
		hasTTL:         e.hasTTL,
		expires:        now.Add(ttl),
		networkChanges: networkChanges,
	}
}

func (e Entry) Error() neterr.Code { return e.err }

// Addresses returns a copy of the resolved addresses. It is empty for error
// entries.
func (e Entry) Addresses() []netip.Addr { return slices.Clone(e.addresses) }

func (e Entry) Source() EntrySource { return e.source }

// TTL returns the resolver-reported TTL and whether it is known.
func (e Entry) TTL() (time.Duration, bool) { return e.ttl, e.hasTTL }

func (e Entry) Expires() Ticks { return e.expires }

func (e Entry) NetworkChanges() int { return e.networkChanges }

func (e Entry) TotalHits() int { return e.totalHits }

func (e Entry) StaleHits() int { return e.staleHits }

func (e *Entry) countHit(stale bool) {
	e.totalHits++
	if stale {
		e.staleHits++
	}
}

func (e *Entry) staleness(now Ticks, networkChanges int) Staleness {
	return Staleness{
		ExpiredBy:      now.Sub(e.expires),
		NetworkChanges: networkChanges - e.networkChanges,
		StaleHits:      e.staleHits,
	}
}

func (e *Entry) isStale(now Ticks, networkChanges int) bool {
	return e.staleness(now, networkChanges).IsStale()
}

// Staleness describes how far an entry is from being valid.
type Staleness struct {
	// ExpiredBy is now minus the expiry time. Negative while not expired.
	ExpiredBy time.Duration
	// NetworkChanges since the entry was stored.
	NetworkChanges int
	// StaleHits served from the entry so far.
	StaleHits int
}

func (s Staleness) IsStale() bool {
	return s.NetworkChanges > 0 || s.ExpiredBy >= 0
}
