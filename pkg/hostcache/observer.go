package hostcache

import "net/netip"

type SetOutcome int

const (
	SetInsert SetOutcome = iota
	SetUpdateValid
	SetUpdateStale
)

func (o SetOutcome) String() string {
	switch o {
	case SetInsert:
		return "insert"
	case SetUpdateValid:
		return "update_valid"
	case SetUpdateStale:
		return "update_stale"
	default:
		return "unknown"
	}
}

type LookupOutcome int

const (
	LookupMissAbsent LookupOutcome = iota
	LookupMissStale
	LookupHitValid
	LookupHitStale
)

func (o LookupOutcome) String() string {
	switch o {
	case LookupMissAbsent:
		return "miss_absent"
	case LookupMissStale:
		return "miss_stale"
	case LookupHitValid:
		return "hit_valid"
	case LookupHitStale:
		return "hit_stale"
	default:
		return "unknown"
	}
}

type EraseReason int

const (
	EraseEvict EraseReason = iota
	EraseClear
	EraseDestruct
)

func (r EraseReason) String() string {
	switch r {
	case EraseEvict:
		return "evict"
	case EraseClear:
		return "clear"
	case EraseDestruct:
		return "destruct"
	default:
		return "unknown"
	}
}

// AddressListDelta classifies how a new address list relates to the one it
// replaces.
type AddressListDelta int

const (
	// DeltaIdentical: same addresses in the same order.
	DeltaIdentical AddressListDelta = iota
	// DeltaReordered: same addresses, different order.
	DeltaReordered
	// DeltaOverlap: some but not all addresses shared.
	DeltaOverlap
	// DeltaDisjoint: nothing shared.
	DeltaDisjoint
)

func (d AddressListDelta) String() string {
	switch d {
	case DeltaIdentical:
		return "identical"
	case DeltaReordered:
		return "reordered"
	case DeltaOverlap:
		return "overlap"
	case DeltaDisjoint:
		return "disjoint"
	default:
		return "unknown"
	}
}

func findAddressListDelta(a, b []netip.Addr) AddressListDelta {
	sameSize := len(a) == len(b)
	pairwiseMismatch := false
	anyMatch := false
	anyMissing := false

	for i, x := range a {
		found := false
		for j, y := range b {
			if x == y {
				found = true
				anyMatch = true
			} else if i == j {
				pairwiseMismatch = true
			}
		}
		if !found {
			anyMissing = true
		}
	}

	switch {
	case sameSize && !pairwiseMismatch:
		return DeltaIdentical
	case sameSize && !anyMissing:
		return DeltaReordered
	case anyMatch:
		return DeltaOverlap
	default:
		return DeltaDisjoint
	}
}

// Observer receives cache events for diagnostics. Calls are synchronous and
// happen on the cache owner's goroutine, so implementations must be cheap.
type Observer interface {
	// OnSetOutcome is called for every Set. stale is the state of the
	// replaced entry and is zero for inserts. delta is DeltaDisjoint for
	// inserts.
	OnSetOutcome(outcome SetOutcome, stale Staleness, delta AddressListDelta)
	// OnLookupOutcome is called for every Lookup and LookupStale. stale is
	// zero for absent keys.
	OnLookupOutcome(outcome LookupOutcome, stale Staleness)
	// OnEraseOutcome is called once per removed entry.
	OnEraseOutcome(reason EraseReason, stale Staleness)
}

type nopObserver struct{}

func (nopObserver) OnSetOutcome(SetOutcome, Staleness, AddressListDelta) {}
func (nopObserver) OnLookupOutcome(LookupOutcome, Staleness) {}
func (nopObserver) OnEraseOutcome(EraseReason, Staleness) {}

// PersistenceDelegate is told when the cache content changed in a way worth
// persisting. ScheduleWrite must not block; the delegate decides when and
// how to write.
type PersistenceDelegate interface {
	ScheduleWrite()
}
