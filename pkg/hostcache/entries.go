package hostcache

import (
	"golang.org/x/exp/slices"
)

// orderedEntries is a map from Key to Entry that iterates in Key order.
// Inserts and deletes are O(n) in the worst case, which is fine at the sizes
// a host cache runs at and matches the cost of eviction anyway.
type orderedEntries struct {
	keys []Key
	m    map[Key]*Entry
}

func newOrderedEntries(capacity int) *orderedEntries {
	return &orderedEntries{
		keys: make([]Key, 0, capacity),
		m:    make(map[Key]*Entry, capacity),
	}
}

func compareKeys(a, b Key) int { return a.Compare(b) }

func (o *orderedEntries) len() int { return len(o.keys) }

func (o *orderedEntries) get(k Key) *Entry { return o.m[k] }

// add inserts e under k. k must not be present.
func (o *orderedEntries) add(k Key, e Entry) {
	i, found := slices.BinarySearchFunc(o.keys, k, compareKeys)
	if found {
		panic("hostcache: duplicated key " + k.String())
	}
	o.keys = slices.Insert(o.keys, i, k)
	o.m[k] = &e
}

func (o *orderedEntries) del(k Key) {
	i, found := slices.BinarySearchFunc(o.keys, k, compareKeys)
	if !found {
		return
	}
	o.keys = slices.Delete(o.keys, i, i+1)
	delete(o.m, k)
}

func (o *orderedEntries) clear() {
	o.keys = o.keys[:0]
	o.m = make(map[Key]*Entry, cap(o.keys))
}

// each calls f in key order until f returns false. f must not modify o.
func (o *orderedEntries) each(f func(k Key, e *Entry) bool) {
	for _, k := range o.keys {
		if !f(k, o.m[k]) {
			return
		}
	}
}

// deleteFunc removes every entry for which f returns true, in key order.
func (o *orderedEntries) deleteFunc(f func(k Key, e *Entry) bool) (removed int) {
	kept := o.keys[:0]
	for _, k := range o.keys {
		if f(k, o.m[k]) {
			delete(o.m, k)
			removed++
			continue
		}
		kept = append(kept, k)
	}
	clear(o.keys[len(kept):])
	o.keys = kept
	return removed
}
