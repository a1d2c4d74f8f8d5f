package hostcache

import (
	"fmt"
	"strings"
)

// DnsQueryType is the address type requested for a hostname.
type DnsQueryType int

const (
	DnsQueryTypeUnspecified DnsQueryType = iota
	DnsQueryTypeA
	DnsQueryTypeAAAA
)

func (t DnsQueryType) String() string {
	switch t {
	case DnsQueryTypeUnspecified:
		return "UNSPECIFIED"
	case DnsQueryTypeA:
		return "A"
	case DnsQueryTypeAAAA:
		return "AAAA"
	default:
		return fmt.Sprintf("DnsQueryType(%d)", int(t))
	}
}

func (t DnsQueryType) valid() bool {
	return t >= DnsQueryTypeUnspecified && t <= DnsQueryTypeAAAA
}

// AddressFamily is the legacy form of DnsQueryType. It only appears in old
// persisted snapshots.
type AddressFamily int

const (
	AddressFamilyUnspecified AddressFamily = iota
	AddressFamilyIPv4
	AddressFamilyIPv6
)

func (f AddressFamily) toDnsQueryType() (DnsQueryType, bool) {
	switch f {
	case AddressFamilyUnspecified:
		return DnsQueryTypeUnspecified, true
	case AddressFamilyIPv4:
		return DnsQueryTypeA, true
	case AddressFamilyIPv6:
		return DnsQueryTypeAAAA, true
	default:
		return 0, false
	}
}

// Flags modify how a hostname is resolved.
type Flags int

const (
	FlagCanonName Flags = 1 << iota
	FlagLoopbackOnly
	// FlagDefaultFamilySetDueToNoIPv6 marks requests whose query type was
	// narrowed to A because the host has no IPv6 connectivity.
	FlagDefaultFamilySetDueToNoIPv6
	FlagAvoidMulticast
)

// Source is the mechanism that should serve a lookup.
type Source int

const (
	SourceAny Source = iota
	SourceSystem
	SourceDNS
	SourceMulticastDNS
)

func (s Source) String() string {
	switch s {
	case SourceAny:
		return "ANY"
	case SourceSystem:
		return "SYSTEM"
	case SourceDNS:
		return "DNS"
	case SourceMulticastDNS:
		return "MULTICAST_DNS"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

func (s Source) valid() bool {
	return s >= SourceAny && s <= SourceMulticastDNS
}

// Key identifies one class of resolution request. Keys are comparable and
// can be used as map keys.
type Key struct {
	Hostname     string
	DnsQueryType DnsQueryType
	Flags        Flags
	Source       Source
}

// NewKey returns a Key for hostname with default type, flags and source.
func NewKey(hostname string) Key {
	return Key{Hostname: hostname}
}

// Compare orders keys by query type, flags, hostname and source, in that
// order, so the integer fields are compared before the string.
func (k Key) Compare(o Key) int {
	switch {
	case k.DnsQueryType != o.DnsQueryType:
		return cmpInt(int(k.DnsQueryType), int(o.DnsQueryType))
	case k.Flags != o.Flags:
		return cmpInt(int(k.Flags), int(o.Flags))
	}
	if c := strings.Compare(k.Hostname, o.Hostname); c != 0 {
		return c
	}
	return cmpInt(int(k.Source), int(o.Source))
}

func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d/%s", k.Hostname, k.DnsQueryType, k.Flags, k.Source)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
