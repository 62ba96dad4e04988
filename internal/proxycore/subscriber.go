package proxycore

import "net/netip"

// Subscriber is one downstream listener for a group, per SPEC_FULL.md §3.
type Subscriber struct {
	IfaceIndex uint32
	Addr       netip.Addr
	age        int
}

func subscriberLess(ifx uint32, addr netip.Addr, o Subscriber) bool {
	if ifx != o.IfaceIndex {
		return ifx < o.IfaceIndex
	}
	return addr.Less(o.Addr)
}

// SubscriberList is the ordered, duplicate-free sequence of subscribers
// for one group, sorted by (interface-index, host-address) ascending
// (SPEC_FULL.md §3 invariant 5, §4.C).
type SubscriberList struct {
	items []Subscriber
}

// Add inserts a new subscriber or, if (ifx, src) is already present,
// refreshes its age to robustness. Reports whether a new subscriber was
// created.
func (l *SubscriberList) Add(ifx uint32, src netip.Addr, robustness int) bool {
	idx, found := l.search(ifx, src)
	if found {
		l.items[idx].age = robustness
		return false
	}

	l.items = append(l.items, Subscriber{})
	copy(l.items[idx+1:], l.items[idx:])
	l.items[idx] = Subscriber{IfaceIndex: ifx, Addr: src, age: robustness}
	return true
}

// Remove deletes the subscriber matching (ifx, src), reporting whether one
// was found.
func (l *SubscriberList) Remove(ifx uint32, src netip.Addr) bool {
	idx, found := l.search(ifx, src)
	if !found {
		return false
	}
	l.items = append(l.items[:idx], l.items[idx+1:]...)
	return true
}

// Age decrements every subscriber's age by one and removes any that reach
// zero. Returns the subscribers that were removed.
func (l *SubscriberList) Age() []Subscriber {
	var removed []Subscriber
	kept := l.items[:0]
	for _, s := range l.items {
		s.age--
		if s.age <= 0 {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	l.items = kept
	return removed
}

// Len returns the number of subscribers.
func (l *SubscriberList) Len() int {
	return len(l.items)
}

// Has reports whether (ifx, src) is present.
func (l *SubscriberList) Has(ifx uint32, src netip.Addr) bool {
	_, found := l.search(ifx, src)
	return found
}

// Items returns the subscriber list in sorted order. The returned slice
// must not be mutated by the caller.
func (l *SubscriberList) Items() []Subscriber {
	return l.items
}

// VIFs returns the set of distinct interface indices with at least one
// subscriber.
func (l *SubscriberList) VIFs() map[uint32]struct{} {
	out := make(map[uint32]struct{}, len(l.items))
	for _, s := range l.items {
		out[s.IfaceIndex] = struct{}{}
	}
	return out
}

// search performs a binary search for (ifx, addr), returning the insertion
// point and whether an exact match was found.
func (l *SubscriberList) search(ifx uint32, addr netip.Addr) (int, bool) {
	lo, hi := 0, len(l.items)
	for lo < hi {
		mid := (lo + hi) / 2
		if subscriberLess(ifx, addr, l.items[mid]) {
			hi = mid
		} else if subscriberLess(l.items[mid].IfaceIndex, l.items[mid].Addr, Subscriber{IfaceIndex: ifx, Addr: addr}) {
			lo = mid + 1
		} else {
			return mid, true
		}
	}
	return lo, false
}
