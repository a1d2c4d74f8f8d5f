package hostcache

import (
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/hostcache/pkg/neterr"
)

var testWall = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingObserver struct {
	sets    []SetOutcome
	deltas  []AddressListDelta
	lookups []LookupOutcome
	erases  []EraseReason
	stale   []Staleness
}

func (o *recordingObserver) OnSetOutcome(outcome SetOutcome, _ Staleness, delta AddressListDelta) {
	o.sets = append(o.sets, outcome)
	o.deltas = append(o.deltas, delta)
}

func (o *recordingObserver) OnLookupOutcome(outcome LookupOutcome, _ Staleness) {
	o.lookups = append(o.lookups, outcome)
}

func (o *recordingObserver) OnEraseOutcome(reason EraseReason, stale Staleness) {
	o.erases = append(o.erases, reason)
	o.stale = append(o.stale, stale)
}

type countingDelegate struct {
	writes int
}

func (d *countingDelegate) ScheduleWrite() { d.writes++ }

func newTestCache(t *testing.T, maxEntries int) (*HostCache, *ManualClock, *recordingObserver) {
	t.Helper()
	clock := NewManualClock(testWall)
	obs := new(recordingObserver)
	c := New(Opts{MaxEntries: maxEntries, Clock: clock, Observer: obs, CheckOwner: true})
	return c, clock, obs
}

func addrs(s ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(s))
	for _, a := range s {
		out = append(out, netip.MustParseAddr(a))
	}
	return out
}

func okEntry(a ...string) Entry {
	return NewEntry(neterr.OK, addrs(a...), EntrySourceDNS)
}

func Test_Lookup_expiry(t *testing.T) {
	c, clock, obs := newTestCache(t, 10)
	key := NewKey("foobar.com")
	ttl := 10 * time.Second
	now := clock.NowTicks()

	_, ok := c.Lookup(key, now)
	require.False(t, ok)

	c.Set(key, okEntry("1.2.3.4"), now, ttl)
	assert.Equal(t, 1, c.Len())

	e, ok := c.Lookup(key, now.Add(ttl-time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, addrs("1.2.3.4"), e.Addresses())
	assert.Equal(t, 1, e.TotalHits())

	_, ok = c.Lookup(key, now.Add(ttl))
	assert.False(t, ok, "entry must be stale at expiry")
	_, ok = c.Lookup(key, now.Add(ttl+time.Millisecond))
	assert.False(t, ok)

	e, stale, ok := c.LookupStale(key, now.Add(ttl-time.Millisecond))
	require.True(t, ok)
	assert.False(t, stale.IsStale())
	assert.Equal(t, -time.Millisecond, stale.ExpiredBy)
	assert.Equal(t, 0, e.StaleHits())

	e, stale, ok = c.LookupStale(key, now.Add(ttl+time.Millisecond))
	require.True(t, ok)
	assert.True(t, stale.IsStale())
	assert.Equal(t, time.Millisecond, stale.ExpiredBy)
	assert.Equal(t, 0, stale.NetworkChanges)
	assert.Equal(t, 1, stale.StaleHits)
	assert.Equal(t, 1, e.StaleHits())
	assert.Equal(t, 3, e.TotalHits())

	assert.Equal(t, []LookupOutcome{
		LookupMissAbsent, LookupHitValid, LookupMissStale, LookupMissStale, LookupHitValid, LookupHitStale,
	}, obs.lookups)
}

func Test_Lookup_networkChange(t *testing.T) {
	c, clock, _ := newTestCache(t, 10)
	key := NewKey("foobar.com")
	now := clock.NowTicks()

	c.Set(key, okEntry("1.2.3.4"), now, time.Minute)
	_, ok := c.Lookup(key, now)
	require.True(t, ok)

	c.OnNetworkChange()
	assert.Equal(t, 1, c.NetworkChanges())

	_, ok = c.Lookup(key, now)
	assert.False(t, ok)

	_, stale, ok := c.LookupStale(key, now)
	require.True(t, ok)
	assert.True(t, stale.IsStale())
	assert.Equal(t, 1, stale.NetworkChanges)
	assert.True(t, stale.ExpiredBy < 0)

	// A new Set is valid again under the new network.
	c.Set(key, okEntry("1.2.3.4"), now, time.Minute)
	_, ok = c.Lookup(key, now)
	assert.True(t, ok)
}

func Test_NoCache(t *testing.T) {
	c, clock, obs := newTestCache(t, 0)
	key := NewKey("foobar.com")
	now := clock.NowTicks()

	c.Set(key, okEntry("1.2.3.4"), now, time.Minute)
	assert.Equal(t, 0, c.Len())

	_, ok := c.Lookup(key, now)
	assert.False(t, ok)
	_, _, ok = c.LookupStale(key, now)
	assert.False(t, ok)

	assert.Empty(t, obs.sets)
	assert.Empty(t, obs.lookups)
}

func Test_Capacity(t *testing.T) {
	const maxEntries = 5
	c, clock, obs := newTestCache(t, maxEntries)

	for i := 0; i < 50; i++ {
		now := clock.NowTicks()
		c.Set(NewKey(fmt.Sprintf("host%02d.com", i)), okEntry("10.0.0.1"), now, time.Duration(i%7+1)*time.Second)
		require.LessOrEqual(t, c.Len(), maxEntries)
		clock.Advance(time.Second)
	}
	assert.Equal(t, maxEntries, c.Len())
	assert.Len(t, obs.erases, 50-maxEntries, "each insert at capacity evicts exactly one")
	for _, r := range obs.erases {
		assert.Equal(t, EraseEvict, r)
	}
}

func Test_Evict_earliestExpiry(t *testing.T) {
	c, clock, _ := newTestCache(t, 2)
	now := clock.NowTicks()

	c.Set(NewKey("a.com"), okEntry("1.1.1.1"), now, 20*time.Second)
	c.Set(NewKey("b.com"), okEntry("2.2.2.2"), now, 10*time.Second)
	c.Set(NewKey("c.com"), okEntry("3.3.3.3"), now, 30*time.Second)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Lookup(NewKey("b.com"), now)
	assert.False(t, ok, "b.com expires first")
	_, ok = c.Lookup(NewKey("a.com"), now)
	assert.True(t, ok)
}

func Test_Evict_prefersStale(t *testing.T) {
	t.Run("stale and earliest", func(t *testing.T) {
		c, clock, _ := newTestCache(t, 2)
		now := clock.NowTicks()

		c.Set(NewKey("b.com"), okEntry("2.2.2.2"), now, 5*time.Second)
		c.OnNetworkChange()
		c.Set(NewKey("a.com"), okEntry("1.1.1.1"), now, 10*time.Second)
		c.Set(NewKey("c.com"), okEntry("3.3.3.3"), now, 10*time.Second)

		_, _, ok := c.LookupStale(NewKey("b.com"), now)
		assert.False(t, ok)
		_, _, ok = c.LookupStale(NewKey("a.com"), now)
		assert.True(t, ok)
	})

	t.Run("stale beats earlier valid", func(t *testing.T) {
		c, clock, obs := newTestCache(t, 2)
		now := clock.NowTicks()

		c.Set(NewKey("a.com"), okEntry("1.1.1.1"), now, 10*time.Second)
		c.OnNetworkChange()
		c.Set(NewKey("b.com"), okEntry("2.2.2.2"), now, 5*time.Second)
		c.Set(NewKey("c.com"), okEntry("3.3.3.3"), now, 10*time.Second)

		_, _, ok := c.LookupStale(NewKey("a.com"), now)
		assert.False(t, ok, "stale a.com must go even though b.com expires earlier")
		_, ok = c.Lookup(NewKey("b.com"), now)
		assert.True(t, ok)
		require.Len(t, obs.stale, 1)
		assert.True(t, obs.stale[0].IsStale())
	})
}

func Test_Set_update(t *testing.T) {
	c, clock, obs := newTestCache(t, 10)
	d := new(countingDelegate)
	c.SetPersistenceDelegate(d)
	key := NewKey("foobar.com")
	now := clock.NowTicks()

	c.Set(key, okEntry("1.1.1.1", "2.2.2.2"), now, time.Second)
	assert.Equal(t, 1, d.writes)

	c.Set(key, okEntry("1.1.1.1", "2.2.2.2"), now, time.Second)
	assert.Equal(t, 1, d.writes, "identical result must not schedule a write")

	c.Set(key, okEntry("2.2.2.2", "1.1.1.1"), now, time.Second)
	assert.Equal(t, 2, d.writes)

	clock.Advance(2 * time.Second)
	now = clock.NowTicks()
	c.Set(key, okEntry("2.2.2.2", "3.3.3.3"), now, time.Second)
	assert.Equal(t, 3, d.writes)

	c.Set(key, okEntry("4.4.4.4"), now, time.Second)
	assert.Equal(t, 4, d.writes)

	c.Set(key, NewEntry(neterr.ErrNameNotResolved, nil, EntrySourceDNS), now, 0)
	assert.Equal(t, 4, d.writes, "failures are not persisted")

	assert.Equal(t, []SetOutcome{SetInsert, SetUpdateValid, SetUpdateValid, SetUpdateStale, SetUpdateValid, SetUpdateValid}, obs.sets)
	assert.Equal(t, []AddressListDelta{DeltaDisjoint, DeltaIdentical, DeltaReordered, DeltaOverlap, DeltaDisjoint, DeltaDisjoint}, obs.deltas)
	assert.Equal(t, 1, c.Len())

	e, stale, ok := c.LookupStale(key, now)
	require.True(t, ok)
	assert.Equal(t, neterr.ErrNameNotResolved, e.Error())
	assert.Empty(t, e.Addresses())
	assert.True(t, stale.IsStale(), "zero ttl is stale immediately")
}

func Test_Set_newEntryResetsHits(t *testing.T) {
	c, clock, _ := newTestCache(t, 10)
	key := NewKey("foobar.com")
	now := clock.NowTicks()

	c.Set(key, okEntry("1.1.1.1"), now, time.Minute)
	c.Lookup(key, now)
	c.Lookup(key, now)
	c.Set(key, okEntry("1.1.1.1"), now, time.Minute)

	e, ok := c.Lookup(key, now)
	require.True(t, ok)
	assert.Equal(t, 1, e.TotalHits())
}

func Test_Entry_ttl(t *testing.T) {
	e := NewEntry(neterr.OK, addrs("1.1.1.1"), EntrySourceDNS)
	_, ok := e.TTL()
	assert.False(t, ok)

	e = NewEntryWithTTL(neterr.OK, addrs("1.1.1.1"), EntrySourceDNS, time.Minute)
	ttl, ok := e.TTL()
	assert.True(t, ok)
	assert.Equal(t, time.Minute, ttl)

	assert.Panics(t, func() { NewEntryWithTTL(neterr.OK, nil, EntrySourceDNS, -time.Second) })

	e = NewEntry(neterr.ErrDNSTimedOut, addrs("1.1.1.1"), EntrySourceDNS)
	assert.Empty(t, e.Addresses(), "error entries carry no addresses")
}

func Test_Clear(t *testing.T) {
	c, clock, obs := newTestCache(t, 10)
	d := new(countingDelegate)
	c.SetPersistenceDelegate(d)

	c.Clear()
	assert.Equal(t, 0, d.writes, "clearing an empty cache writes nothing")

	now := clock.NowTicks()
	c.Set(NewKey("a.com"), okEntry("1.1.1.1"), now, time.Minute)
	c.Set(NewKey("b.com"), okEntry("1.1.1.1"), now, time.Minute)
	writes := d.writes

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, writes+1, d.writes)
	assert.Equal(t, []EraseReason{EraseClear, EraseClear}, obs.erases)
}

func Test_ClearForHosts(t *testing.T) {
	c, clock, _ := newTestCache(t, 10)
	d := new(countingDelegate)
	c.SetPersistenceDelegate(d)
	now := clock.NowTicks()

	for _, h := range []string{"a.com", "b.com", "a.org"} {
		c.Set(NewKey(h), okEntry("1.1.1.1"), now, time.Minute)
	}
	writes := d.writes

	c.ClearForHosts(func(h string) bool { return strings.HasSuffix(h, ".net") })
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, writes, d.writes, "nothing removed, nothing written")

	c.ClearForHosts(func(h string) bool { return strings.HasSuffix(h, ".com") })
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, writes+1, d.writes)
	_, ok := c.Lookup(NewKey("a.org"), now)
	assert.True(t, ok)

	c.ClearForHosts(nil)
	assert.Equal(t, 0, c.Len())
}

func Test_HasEntry(t *testing.T) {
	c, clock, _ := newTestCache(t, 10)
	now := clock.NowTicks()

	key := Key{Hostname: "x", DnsQueryType: DnsQueryTypeA, Flags: FlagDefaultFamilySetDueToNoIPv6}
	c.Set(key, NewEntry(neterr.OK, addrs("1.2.3.4"), EntrySourceHosts), now, time.Minute)

	src, stale, ok := c.HasEntry("x")
	require.True(t, ok)
	assert.Equal(t, EntrySourceHosts, src)
	assert.False(t, stale.IsStale())

	c.Set(NewKey("y"), okEntry("1.2.3.4"), now, time.Minute)
	src, _, ok = c.HasEntry("y")
	require.True(t, ok)
	assert.Equal(t, EntrySourceDNS, src)

	// Only the two probes are tried.
	c.Set(Key{Hostname: "z", DnsQueryType: DnsQueryTypeAAAA}, okEntry("::1"), now, time.Minute)
	_, _, ok = c.HasEntry("z")
	assert.False(t, ok)
}

func Test_Close(t *testing.T) {
	c, clock, obs := newTestCache(t, 10)
	now := clock.NowTicks()
	c.Set(NewKey("a.com"), okEntry("1.1.1.1"), now, time.Minute)
	c.Close()
	assert.Equal(t, []EraseReason{EraseDestruct}, obs.erases)
}

func Test_Key_order(t *testing.T) {
	a := Key{Hostname: "b", DnsQueryType: DnsQueryTypeUnspecified}
	b := Key{Hostname: "a", DnsQueryType: DnsQueryTypeA}
	assert.True(t, a.Less(b), "query type is compared before hostname")

	a = Key{Hostname: "z", Flags: 0}
	b = Key{Hostname: "a", Flags: FlagCanonName}
	assert.True(t, a.Less(b), "flags are compared before hostname")

	a = Key{Hostname: "a", Source: SourceDNS}
	b = Key{Hostname: "b", Source: SourceAny}
	assert.True(t, a.Less(b), "hostname is compared before source")

	assert.Equal(t, 0, a.Compare(a))
	assert.False(t, a.Less(a))
}

func Test_AddressListDelta(t *testing.T) {
	tests := []struct {
		a, b []string
		want AddressListDelta
	}{
		{nil, nil, DeltaIdentical},
		{[]string{"1.1.1.1"}, []string{"1.1.1.1"}, DeltaIdentical},
		{[]string{"1.1.1.1", "2.2.2.2"}, []string{"2.2.2.2", "1.1.1.1"}, DeltaReordered},
		{[]string{"1.1.1.1", "2.2.2.2"}, []string{"1.1.1.1"}, DeltaOverlap},
		{[]string{"1.1.1.1"}, []string{"1.1.1.1", "2.2.2.2"}, DeltaOverlap},
		{[]string{"1.1.1.1", "2.2.2.2"}, []string{"1.1.1.1", "3.3.3.3"}, DeltaOverlap},
		{[]string{"1.1.1.1"}, []string{"2.2.2.2"}, DeltaDisjoint},
		{nil, []string{"2.2.2.2"}, DeltaDisjoint},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, findAddressListDelta(addrs(tt.a...), addrs(tt.b...)), "%v -> %v", tt.a, tt.b)
	}
}

func Test_OwnerCheck(t *testing.T) {
	c, clock, _ := newTestCache(t, 10)
	c.Lookup(NewKey("a.com"), clock.NowTicks())

	panicked := make(chan interface{}, 1)
	go func() {
		defer func() { panicked <- recover() }()
		c.Len()
	}()
	assert.NotNil(t, <-panicked)

	c.DetachFromOwner()
	done := make(chan interface{}, 1)
	go func() {
		defer func() { done <- recover() }()
		c.Len()
	}()
	assert.Nil(t, <-done, "a detached cache binds to its next user")
}

func Test_SetPersistenceDelegate_twice(t *testing.T) {
	c, _, _ := newTestCache(t, 10)
	c.SetPersistenceDelegate(new(countingDelegate))
	assert.Panics(t, func() { c.SetPersistenceDelegate(new(countingDelegate)) })
	c.SetPersistenceDelegate(nil)
	c.SetPersistenceDelegate(new(countingDelegate))
}

func Test_CreateDefaultCache(t *testing.T) {
	c := CreateDefaultCache(Opts{MaxEntries: 3})
	assert.Equal(t, defaultMaxEntries, c.MaxEntries())
}
