// Package hostcache is a bounded cache of hostname resolution results.
//
// Entries expire by TTL and by network changes: every call to
// OnNetworkChange makes all entries stored before it stale without touching
// them. Stale entries are kept until evicted so that callers can still serve
// them while a fresh resolution is running.
//
// A HostCache is not safe for concurrent use. It is meant to be owned by a
// single goroutine that serializes all requests.
package hostcache

import (
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/hostcache/pkg/neterr"
)

var nopLogger = zap.NewNop()

type Opts struct {
	// MaxEntries is the capacity. Zero disables caching.
	MaxEntries int

	// Clock defaults to SystemClock.
	Clock Clock

	// Observer receives set/lookup/erase events. Optional.
	Observer Observer

	// Logger is the *zap.Logger for this cache.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// CheckOwner makes every public method panic when it is called from a
	// goroutine other than the owner. The owner is the first goroutine
	// that uses the cache after construction or DetachFromOwner.
	CheckOwner bool
}

func (opts *Opts) init() {
	if opts.MaxEntries < 0 {
		opts.MaxEntries = 0
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

type HostCache struct {
	opts Opts

	entries        *orderedEntries
	networkChanges int
	restoreSize    int
	delegate       PersistenceDelegate

	owner ownerChecker
}

func New(opts Opts) *HostCache {
	opts.init()
	return &HostCache{
		opts:    opts,
		entries: newOrderedEntries(opts.MaxEntries),
		owner:   ownerChecker{enabled: opts.CheckOwner},
	}
}

// CreateDefaultCache returns a cache sized for the build: larger when the
// built-in DNS client is compiled in. opts.MaxEntries is ignored.
func CreateDefaultCache(opts Opts) *HostCache {
	opts.MaxEntries = defaultMaxEntries
	return New(opts)
}

func (c *HostCache) cachingDisabled() bool {
	return c.opts.MaxEntries == 0
}

// Lookup returns the entry for key if it exists and is not stale at now.
func (c *HostCache) Lookup(key Key, now Ticks) (Entry, bool) {
	c.owner.check()
	if c.cachingDisabled() {
		return Entry{}, false
	}

	e := c.entries.get(key)
	if e == nil {
		c.opts.Observer.OnLookupOutcome(LookupMissAbsent, Staleness{})
		return Entry{}, false
	}

	stale := e.staleness(now, c.networkChanges)
	if stale.IsStale() {
		c.opts.Observer.OnLookupOutcome(LookupMissStale, stale)
		return Entry{}, false
	}

	e.countHit(false)
	c.opts.Observer.OnLookupOutcome(LookupHitValid, stale)
	return *e, true
}

// LookupStale returns the entry for key even if it is stale, together with
// its staleness at now.
func (c *HostCache) LookupStale(key Key, now Ticks) (Entry, Staleness, bool) {
	c.owner.check()
	return c.lookupStale(key, now)
}

func (c *HostCache) lookupStale(key Key, now Ticks) (Entry, Staleness, bool) {
	if c.cachingDisabled() {
		return Entry{}, Staleness{}, false
	}

	e := c.entries.get(key)
	if e == nil {
		c.opts.Observer.OnLookupOutcome(LookupMissAbsent, Staleness{})
		return Entry{}, Staleness{}, false
	}

	isStale := e.isStale(now, c.networkChanges)
	e.countHit(isStale)
	stale := e.staleness(now, c.networkChanges)
	if isStale {
		c.opts.Observer.OnLookupOutcome(LookupHitStale, stale)
	} else {
		c.opts.Observer.OnLookupOutcome(LookupHitValid, stale)
	}
	return *e, stale, true
}

// Set stores entry under key, replacing any existing entry. The stored copy
// expires at now+ttl and is stamped with the current network change count.
func (c *HostCache) Set(key Key, entry Entry, now Ticks, ttl time.Duration) {
	c.owner.check()
	if c.cachingDisabled() {
		return
	}

	var resultChanged bool
	if old := c.entries.get(key); old != nil {
		stale := old.staleness(now, c.networkChanges)
		delta := findAddressListDelta(old.addresses, entry.addresses)
		outcome := SetUpdateValid
		if stale.IsStale() {
			outcome = SetUpdateStale
		}
		c.opts.Observer.OnSetOutcome(outcome, stale, delta)

		resultChanged = entry.err == neterr.OK && (old.err != entry.err || delta != DeltaIdentical)
		c.entries.del(key)
	} else {
		resultChanged = entry.err == neterr.OK
		if c.entries.len() >= c.opts.MaxEntries {
			c.evictOneEntry(now)
		}
		c.opts.Observer.OnSetOutcome(SetInsert, Staleness{}, DeltaDisjoint)
	}

	c.entries.add(key, entry.stamped(now, ttl, c.networkChanges))

	if c.delegate != nil && resultChanged {
		c.delegate.ScheduleWrite()
	}
}

// evictOneEntry removes the entry that expires first, preferring stale
// entries over valid ones.
func (c *HostCache) evictOneEntry(now Ticks) {
	var (
		oldestKey   Key
		oldest      *Entry
		oldestStale bool
	)
	c.entries.each(func(k Key, e *Entry) bool {
		stale := e.isStale(now, c.networkChanges)
		if oldest == nil || (e.expires.Before(oldest.expires) && (stale || !oldestStale)) {
			oldestKey, oldest, oldestStale = k, e, stale
		}
		return true
	})
	if oldest == nil {
		return
	}
	c.opts.Observer.OnEraseOutcome(EraseEvict, oldest.staleness(now, c.networkChanges))
	c.entries.del(oldestKey)
}

// OnNetworkChange marks every entry currently in the cache as stale.
func (c *HostCache) OnNetworkChange() {
	c.owner.check()
	c.networkChanges++
}

// SetPersistenceDelegate attaches d, or detaches the current delegate when d
// is nil. Replacing one delegate with another directly is a programming
// error.
func (c *HostCache) SetPersistenceDelegate(d PersistenceDelegate) {
	c.owner.check()
	if c.delegate != nil && d != nil {
		panic("hostcache: persistence delegate already set")
	}
	c.delegate = d
}

// Clear removes all entries.
func (c *HostCache) Clear() {
	c.owner.check()
	c.clear()
}

func (c *HostCache) clear() {
	c.recordEraseAll(EraseClear, c.opts.Clock.NowTicks())
	if c.entries.len() == 0 {
		return
	}
	n := c.entries.len()
	c.entries.clear()
	c.opts.Logger.Debug("host cache cleared", zap.Int("removed", n))
	if c.delegate != nil {
		c.delegate.ScheduleWrite()
	}
}

// ClearForHosts removes entries whose hostname matches filter. A nil filter
// clears the whole cache.
func (c *HostCache) ClearForHosts(filter func(hostname string) bool) {
	c.owner.check()
	if filter == nil {
		c.clear()
		return
	}

	now := c.opts.Clock.NowTicks()
	removed := c.entries.deleteFunc(func(k Key, e *Entry) bool {
		if !filter(k.Hostname) {
			return false
		}
		c.opts.Observer.OnEraseOutcome(EraseClear, e.staleness(now, c.networkChanges))
		return true
	})
	if removed == 0 {
		return
	}
	c.opts.Logger.Debug("host cache entries cleared", zap.Int("removed", removed))
	if c.delegate != nil {
		c.delegate.ScheduleWrite()
	}
}

// HasEntry reports whether hostname has an entry, stale or not, and returns
// its source and staleness. It probes the default key first and then the
// key used when the host has no IPv6 (query type A with
// FlagDefaultFamilySetDueToNoIPv6). Entries cached under other combinations
// are not found.
func (c *HostCache) HasEntry(hostname string) (EntrySource, Staleness, bool) {
	c.owner.check()
	now := c.opts.Clock.NowTicks()

	key := NewKey(hostname)
	e, stale, ok := c.lookupStale(key, now)
	if !ok {
		key.DnsQueryType = DnsQueryTypeA
		key.Flags = FlagDefaultFamilySetDueToNoIPv6
		e, stale, ok = c.lookupStale(key, now)
		if !ok {
			return EntrySourceUnknown, Staleness{}, false
		}
	}
	return e.source, stale, true
}

// Close reports every remaining entry as destroyed to the observer. The
// cache should not be used afterwards.
func (c *HostCache) Close() {
	c.owner.check()
	c.recordEraseAll(EraseDestruct, c.opts.Clock.NowTicks())
}

// DetachFromOwner unbinds the cache from its owner goroutine. The next
// goroutine to use it becomes the owner.
func (c *HostCache) DetachFromOwner() {
	c.owner.detach()
}

func (c *HostCache) recordEraseAll(reason EraseReason, now Ticks) {
	c.entries.each(func(_ Key, e *Entry) bool {
		c.opts.Observer.OnEraseOutcome(reason, e.staleness(now, c.networkChanges))
		return true
	})
}

func (c *HostCache) Len() int {
	c.owner.check()
	return c.entries.len()
}

func (c *HostCache) MaxEntries() int {
	c.owner.check()
	return c.opts.MaxEntries
}

func (c *HostCache) NetworkChanges() int {
	c.owner.check()
	return c.networkChanges
}

// RestoreSize is the length of the list given to the last successful
// RestoreFromListValue.
func (c *HostCache) RestoreSize() int {
	c.owner.check()
	return c.restoreSize
}

// Clock returns the clock the cache reads when it needs the current time.
func (c *HostCache) Clock() Clock {
	return c.opts.Clock
}
