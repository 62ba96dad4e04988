// Package proxycore implements the group-state engine of the IGMPv2
// multicast proxy: the route table, querier state machine, subscriber
// lists and timer-driven sequencing described by SPEC_FULL.md §2-§5.
//
// Everything this package needs from the outside world — interface
// enumeration, raw packet I/O, and kernel forwarding-table syscalls — is
// expressed as a collaborator interface (SPEC_FULL.md §6). Concrete,
// swappable implementations live in internal/ifreg, internal/igmpio and
// internal/mroute; proxycore itself never imports gopacket, netlink or
// golang.org/x/sys/unix.
package proxycore

import "net/netip"

// IfaceState classifies an interface's role for the proxy.
type IfaceState uint8

const (
	IfaceDisabled IfaceState = iota
	IfaceUpstream
	IfaceDownstream
)

func (s IfaceState) String() string {
	switch s {
	case IfaceUpstream:
		return "upstream"
	case IfaceDownstream:
		return "downstream"
	default:
		return "disabled"
	}
}

// Iface describes a network interface as seen by the proxy.
type Iface struct {
	Index     uint32
	Addr      netip.Addr
	Net       netip.Prefix // the interface's local subnet, used to resolve a report/leave source to its receiving interface
	Loopback  bool
	Up        bool
	State     IfaceState
	Threshold uint8 // TTL threshold forwarded to the kernel for this VIF
}

// InterfaceRegistry resolves interfaces by index or address, and
// enumerates them. SPEC_FULL.md §6, component B.
//
// on_report/on_leave (SPEC_FULL.md §6) carry only a source address, not an
// interface index, so the Request Handler must recover the receiving
// interface itself; Resolve does that by matching src against each
// interface's configured subnet, the same way the original igmpproxy
// resolves a report to a VIF.
type InterfaceRegistry interface {
	ByIndex(idx uint32) (Iface, bool)
	ByAddress(addr netip.Addr) (Iface, bool)
	Resolve(src netip.Addr) (Iface, bool)
	All() []Iface
}

// IGMPType mirrors the wire values of RFC 2236 message types that the core
// cares about.
type IGMPType uint8

const (
	IGMPMembershipQuery    IGMPType = 0x11
	IGMPMembershipReportV1 IGMPType = 0x12
	IGMPMembershipReportV2 IGMPType = 0x16
	IGMPLeaveGroup         IGMPType = 0x17
)

// PacketLayer sends IGMP messages on behalf of the engine. SPEC_FULL.md
// §6, "Packet layer".
type PacketLayer interface {
	// SendIGMP transmits an IGMP message. maxRespTime is in deciseconds,
	// per RFC 2236. group is the zero netip.Addr for a general query.
	SendIGMP(src, dst netip.Addr, typ IGMPType, maxRespTime uint8, group netip.Addr) error
}

// SocketLayer performs multicast group membership operations on the
// underlying socket. SPEC_FULL.md §6, "Socket layer".
type SocketLayer interface {
	JoinGroup(iface Iface, group netip.Addr) error
	LeaveGroup(iface Iface, group netip.Addr) error
}

// MrouteDescriptor is the (origin, group, input-vif, output-vif-ttl-vector)
// tuple installed in the kernel multicast routing table, per SPEC_FULL.md
// §3 invariant 3 and §4.D "Kernel install".
type MrouteDescriptor struct {
	Group      netip.Addr
	Origin     netip.Addr
	InputVIF   uint32
	OutputTTLs map[uint32]uint8 // vif index -> TTL threshold
}

// KernelInstaller installs or removes kernel forwarding entries.
// SPEC_FULL.md §6, component G.
type KernelInstaller interface {
	Add(desc MrouteDescriptor) error
	Delete(desc MrouteDescriptor) error
}
