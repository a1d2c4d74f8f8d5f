package hostcache

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/hostcache/pkg/neterr"
	"github.com/pmkol/hostcache/pkg/value"
)

func Test_Serialize_roundTrip(t *testing.T) {
	c, clock, _ := newTestCache(t, 10)
	now := clock.NowTicks()

	k1 := NewKey("foobar1.com")
	k2 := Key{Hostname: "foobar2.com", DnsQueryType: DnsQueryTypeA, Flags: FlagDefaultFamilySetDueToNoIPv6, Source: SourceDNS}
	k3 := Key{Hostname: "foobar3.com", DnsQueryType: DnsQueryTypeAAAA}
	c.Set(k1, okEntry("1.2.3.4", "::1"), now, 10*time.Second)
	c.Set(k2, NewEntry(neterr.ErrNameNotResolved, nil, EntrySourceDNS), now, 20*time.Second)
	c.Set(k3, okEntry("2001:db8::1"), now, 5*time.Second)

	l := c.GetAsListValue(false)
	require.Len(t, l, 3)

	// Through JSON, as it would be stored.
	b, err := json.Marshal(l)
	require.NoError(t, err)
	l, err = value.ParseList(b)
	require.NoError(t, err)

	// A restart: ticks start over, wall time moved on by a second.
	clock2 := NewManualClock(testWall.Add(time.Second))
	restored := New(Opts{MaxEntries: 10, Clock: clock2})
	require.NoError(t, restored.RestoreFromListValue(l))
	assert.Equal(t, 3, restored.Len())
	assert.Equal(t, 3, restored.RestoreSize())

	now2 := clock2.NowTicks()
	e1, s1, ok := restored.LookupStale(k1, now2)
	require.True(t, ok)
	assert.Equal(t, neterr.OK, e1.Error())
	assert.Equal(t, addrs("1.2.3.4", "::1"), e1.Addresses())
	assert.Equal(t, EntrySourceUnknown, e1.Source())
	assert.Equal(t, -9*time.Second, s1.ExpiredBy)
	assert.Equal(t, 1, s1.NetworkChanges)

	e2, s2, ok := restored.LookupStale(k2, now2)
	require.True(t, ok)
	assert.Equal(t, neterr.ErrNameNotResolved, e2.Error())
	assert.Empty(t, e2.Addresses())

	e3, s3, ok := restored.LookupStale(k3, now2)
	require.True(t, ok)
	assert.Equal(t, addrs("2001:db8::1"), e3.Addresses())

	// Expiry order is preserved.
	assert.Less(t, s2.ExpiredBy, s1.ExpiredBy)
	assert.Less(t, s1.ExpiredBy, s3.ExpiredBy)

	// Restored entries belong to the previous network.
	_, ok = restored.Lookup(k1, now2)
	assert.False(t, ok)
	restored.Set(k1, e1, now2, time.Minute)
	_, ok = restored.Lookup(k1, now2)
	assert.True(t, ok)
}

func Test_Serialize_layout(t *testing.T) {
	c, clock, _ := newTestCache(t, 10)
	now := clock.NowTicks()

	c.Set(NewKey("b.com"), NewEntryWithTTL(neterr.OK, addrs("1.2.3.4"), EntrySourceDNS, 30*time.Second), now, 30*time.Second)
	c.Set(NewKey("a.com"), NewEntry(neterr.ErrDNSTimedOut, nil, EntrySourceDNS), now, time.Second)
	c.OnNetworkChange()

	persisted := c.GetAsListValue(false)
	require.Len(t, persisted, 2)
	first, _ := persisted[0].AsDict()
	host, _ := first.FindString(hostnameKey)
	assert.Equal(t, "a.com", host, "entries are listed in key order")
	code, ok := first.FindInt(errorKey)
	require.True(t, ok)
	assert.Equal(t, int(neterr.ErrDNSTimedOut), code)
	_, ok = first.FindList(addressesKey)
	assert.False(t, ok)
	exp, _ := first.FindString(expirationKey)
	assert.Equal(t, strconv.FormatInt(testWall.Add(time.Second).UnixMicro(), 10), exp)
	_, ok = first.FindInt(ttlKey)
	assert.False(t, ok, "ttl is diagnostics only")

	diag := c.GetAsListValue(true)
	second, _ := diag[1].AsDict()
	ttl, ok := second.FindInt(ttlKey)
	require.True(t, ok)
	assert.Equal(t, 30000, ttl)
	nc, ok := second.FindInt(networkChangesKey)
	require.True(t, ok)
	assert.Equal(t, 0, nc)
	exp, _ = second.FindString(expirationKey)
	assert.Equal(t, strconv.FormatInt(now.Add(30*time.Second).Milliseconds(), 10), exp)
	a, _ := second.FindList(addressesKey)
	assert.True(t, a.Equal(value.List{value.NewString("1.2.3.4")}))

	first, _ = diag[0].AsDict()
	ttl, ok = first.FindInt(ttlKey)
	require.True(t, ok)
	assert.Equal(t, unknownTTL, ttl)
}

func Test_Restore_legacyAndDefaults(t *testing.T) {
	c, clock, _ := newTestCache(t, 10)
	exp := strconv.FormatInt(clock.Now().Add(time.Minute).UnixMicro(), 10)

	l := value.List{
		value.NewDict(value.Dict{
			hostnameKey:      value.NewString("legacy.com"),
			addressFamilyKey: value.NewInt(int(AddressFamilyIPv4)),
			flagsKey:         value.NewInt(0),
			expirationKey:    value.NewString(exp),
			addressesKey:     value.NewList(value.List{value.NewString("1.2.3.4")}),
		}),
	}
	require.NoError(t, c.RestoreFromListValue(l))

	e, stale, ok := c.LookupStale(Key{Hostname: "legacy.com", DnsQueryType: DnsQueryTypeA, Source: SourceAny}, clock.NowTicks())
	require.True(t, ok)
	assert.Equal(t, 1, stale.NetworkChanges)
	assert.Equal(t, addrs("1.2.3.4"), e.Addresses())
}

func Test_Restore_skipsExistingAndStopsWhenFull(t *testing.T) {
	c, clock, _ := newTestCache(t, 2)
	now := clock.NowTicks()
	exp := strconv.FormatInt(clock.Now().Add(time.Minute).UnixMicro(), 10)

	c.Set(NewKey("live.com"), okEntry("9.9.9.9"), now, time.Minute)

	item := func(host, addr string) value.Value {
		return value.NewDict(value.Dict{
			hostnameKey:     value.NewString(host),
			dnsQueryTypeKey: value.NewInt(0),
			flagsKey:        value.NewInt(0),
			expirationKey:   value.NewString(exp),
			addressesKey:    value.NewList(value.List{value.NewString(addr)}),
		})
	}
	l := value.List{
		item("live.com", "1.1.1.1"),
		item("one.com", "1.1.1.1"),
		item("two.com", "2.2.2.2"),
	}
	require.NoError(t, c.RestoreFromListValue(l))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 3, c.RestoreSize(), "counts the whole list")

	// A second restore replaces the count.
	require.NoError(t, c.RestoreFromListValue(l[:1]))
	assert.Equal(t, 1, c.RestoreSize())

	e, ok := c.Lookup(NewKey("live.com"), now)
	require.True(t, ok)
	assert.Equal(t, addrs("9.9.9.9"), e.Addresses(), "live entry wins")
	_, _, ok = c.LookupStale(NewKey("two.com"), now)
	assert.False(t, ok)
}

func Test_Restore_malformed(t *testing.T) {
	exp := value.NewString("1700000000000000")
	good := value.NewDict(value.Dict{
		hostnameKey:     value.NewString("good.com"),
		dnsQueryTypeKey: value.NewInt(0),
		flagsKey:        value.NewInt(0),
		expirationKey:   exp,
		errorKey:        value.NewInt(int(neterr.ErrNameNotResolved)),
	})

	tests := []struct {
		name string
		item value.Value
	}{
		{"not a dict", value.NewString("x")},
		{"no hostname", value.NewDict(value.Dict{dnsQueryTypeKey: value.NewInt(0), flagsKey: value.NewInt(0), expirationKey: exp, errorKey: value.NewInt(-105)})},
		{"no query type", value.NewDict(value.Dict{hostnameKey: value.NewString("a"), flagsKey: value.NewInt(0), expirationKey: exp, errorKey: value.NewInt(-105)})},
		{"no result", value.NewDict(value.Dict{hostnameKey: value.NewString("a"), dnsQueryTypeKey: value.NewInt(0), flagsKey: value.NewInt(0), expirationKey: exp})},
		{"bad expiration", value.NewDict(value.Dict{hostnameKey: value.NewString("a"), dnsQueryTypeKey: value.NewInt(0), flagsKey: value.NewInt(0), expirationKey: value.NewString("soon"), errorKey: value.NewInt(-105)})},
		{"bad address", value.NewDict(value.Dict{hostnameKey: value.NewString("a"), dnsQueryTypeKey: value.NewInt(0), flagsKey: value.NewInt(0), expirationKey: exp, addressesKey: value.NewList(value.List{value.NewString("1.2.3")})})},
		{"bad query type", value.NewDict(value.Dict{hostnameKey: value.NewString("a"), dnsQueryTypeKey: value.NewInt(9), flagsKey: value.NewInt(0), expirationKey: exp, errorKey: value.NewInt(-105)})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestCache(t, 10)
			err := c.RestoreFromListValue(value.List{good, tt.item})
			assert.ErrorIs(t, err, errMalformed)
			assert.Equal(t, 1, c.Len(), "items before the bad one stay restored")
			assert.Equal(t, 0, c.RestoreSize())
		})
	}
}
