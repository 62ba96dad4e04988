package proxycore

import "net/netip"

// fakeRegistry is a minimal InterfaceRegistry double for tests.
type fakeRegistry struct {
	byIndex map[uint32]Iface
}

func newFakeRegistry(ifaces ...Iface) *fakeRegistry {
	r := &fakeRegistry{byIndex: map[uint32]Iface{}}
	for _, i := range ifaces {
		r.byIndex[i.Index] = i
	}
	return r
}

func (r *fakeRegistry) ByIndex(idx uint32) (Iface, bool) {
	i, ok := r.byIndex[idx]
	return i, ok
}

func (r *fakeRegistry) ByAddress(addr netip.Addr) (Iface, bool) {
	for _, i := range r.byIndex {
		if i.Addr == addr {
			return i, true
		}
	}
	return Iface{}, false
}

func (r *fakeRegistry) Resolve(addr netip.Addr) (Iface, bool) {
	for _, i := range r.byIndex {
		if i.Net.IsValid() && i.Net.Contains(addr) {
			return i, true
		}
	}
	return Iface{}, false
}

func (r *fakeRegistry) All() []Iface {
	out := make([]Iface, 0, len(r.byIndex))
	for _, i := range r.byIndex {
		out = append(out, i)
	}
	return out
}

// fakeSocket records JoinGroup/LeaveGroup calls and implements both
// SocketLayer and PacketLayer.
type fakeSocket struct {
	joined        []netip.Addr
	left          []netip.Addr
	sent          []sentMessage
	failJoin      bool
	failJoinUntil int // JoinGroup fails this many times before succeeding
}

type sentMessage struct {
	Src, Dst, Group netip.Addr
	Type            IGMPType
	MaxRespTime     uint8
}

func (s *fakeSocket) JoinGroup(iface Iface, group netip.Addr) error {
	if s.failJoin || s.failJoinUntil > 0 {
		if s.failJoinUntil > 0 {
			s.failJoinUntil--
		}
		return ErrInvalidInput
	}
	s.joined = append(s.joined, group)
	return nil
}

func (s *fakeSocket) LeaveGroup(iface Iface, group netip.Addr) error {
	s.left = append(s.left, group)
	return nil
}

func (s *fakeSocket) SendIGMP(src, dst netip.Addr, typ IGMPType, maxRespTime uint8, group netip.Addr) error {
	s.sent = append(s.sent, sentMessage{Src: src, Dst: dst, Group: group, Type: typ, MaxRespTime: maxRespTime})
	return nil
}

// fakeKernel records Add/Delete calls.
type fakeKernel struct {
	added   []MrouteDescriptor
	deleted []MrouteDescriptor
}

func (k *fakeKernel) Add(desc MrouteDescriptor) error {
	k.added = append(k.added, desc)
	return nil
}

func (k *fakeKernel) Delete(desc MrouteDescriptor) error {
	k.deleted = append(k.deleted, desc)
	return nil
}
