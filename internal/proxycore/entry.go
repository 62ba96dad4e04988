package proxycore

import (
	"net/netip"

	"github.com/igmpproxy/igmpproxy/internal/vifset"
)

// UpstreamState is the upstream IGMP membership state for a route, per
// SPEC_FULL.md §3 invariant 4.
type UpstreamState uint8

const (
	NotJoined UpstreamState = iota
	Joined
	CheckLastMember
)

func (s UpstreamState) String() string {
	switch s {
	case Joined:
		return "joined"
	case CheckLastMember:
		return "check-last-member"
	default:
		return "not-joined"
	}
}

// Entry is one route's forwarding and aging state, per SPEC_FULL.md §3.
type Entry struct {
	Group         netip.Addr
	Origin        netip.Addr // IsValid() == false means "unset"
	VifBits       vifset.Set
	AgeVifBits    vifset.Set
	UpstreamState UpstreamState
	AgeValue      int
	AgeActivity   int
	Subscribers   SubscriberList
}

// hasOrigin reports whether Origin has been set by a kernel cache-miss
// notification (SPEC_FULL.md §3 "origin").
func (e *Entry) hasOrigin() bool {
	return e.Origin.IsValid()
}

// installed reports whether a kernel forwarding entry should currently
// exist for this route (SPEC_FULL.md §3 invariant 3 / §8 P3).
func (e *Entry) installed() bool {
	return e.hasOrigin() && !e.VifBits.IsZero()
}

func (e *Entry) descriptor(upstreamVIF uint32, thresholdOf func(vif uint32) uint8) MrouteDescriptor {
	ttls := make(map[uint32]uint8, e.VifBits.Count())
	e.VifBits.Traverse(func(vif uint32) bool {
		ttls[vif] = thresholdOf(vif)
		return true
	})
	return MrouteDescriptor{
		Group:      e.Group,
		Origin:     e.Origin,
		InputVIF:   upstreamVIF,
		OutputTTLs: ttls,
	}
}

// age runs the per-route aging algorithm of SPEC_FULL.md §4.D exactly
// once. It reports whether the route should be destroyed and whether its
// kernel entry should be reinstalled (step 4, when age_value reaches zero
// without and with activity respectively); age itself performs neither,
// the caller does.
func (e *Entry) age(robustness int) (destroy bool, reinstall bool) {
	e.AgeValue--
	e.Subscribers.Age()

	if !e.AgeVifBits.IsZero() && e.AgeActivity == 0 {
		if e.VifBits.Equal(e.AgeVifBits) {
			e.AgeValue = robustness
		} else {
			e.AgeActivity++
			e.VifBits = e.AgeVifBits
		}
	} else if e.AgeActivity > 0 && !e.VifBits.Equal(e.AgeVifBits) {
		// SPEC_FULL.md §9 open question: when ageActivity > 0 and the
		// bitmaps already match mid-probe, this is a deliberate no-op.
		e.VifBits.Union(e.AgeVifBits)
		e.AgeActivity++
	}

	if e.AgeValue <= 0 {
		if e.AgeActivity > 0 {
			reinstall = true
			e.AgeValue = robustness
			e.AgeActivity = 0
		} else {
			destroy = true
		}
	}

	e.AgeVifBits.Clear()

	return destroy, reinstall
}
