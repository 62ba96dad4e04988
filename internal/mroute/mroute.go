// Package mroute implements proxycore.KernelInstaller over the Linux IPv4
// multicast routing socket API (MRT_INIT/MRT_ADD_VIF/MRT_ADD_MFC, see
// linux/mroute.h). golang.org/x/sys/unix does not define the vifctl/mfcctl
// wire structs, so this package packs them by hand with encoding/binary in
// the host's native byte order, the same structure-packing approach the
// corpus applies wherever it reaches past what a library exposes for a
// syscall-level concern (golang.org/x/sys/unix is already a dependency for
// the raw IGMP socket in internal/igmpio; this package is its only other
// user).
package mroute

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/igmpproxy/igmpproxy/internal/proxycore"
)

const (
	mrtBase   = 200 // IP_MRT_BASE, linux/mroute.h
	mrtInit   = mrtBase + 0
	mrtDone   = mrtBase + 1
	mrtAddVIF = mrtBase + 2
	mrtDelVIF = mrtBase + 3
	mrtAddMFC = mrtBase + 4
	mrtDelMFC = mrtBase + 5
	maxVIFs   = 32
)

// vifctl mirrors struct vifctl from linux/mroute.h. The kernel struct unions
// vifc_lcl_addr with vifc_lcl_ifindex into the same 4 bytes; this package
// never sets VIFF_USE_IFINDEX, so only the address form is represented.
type vifctl struct {
	VifI      uint16
	Flags     uint8
	Threshold uint8
	RateLimit uint32
	LclAddr   [4]byte
	RmtAddr   [4]byte
}

// mfcctl mirrors struct mfcctl from linux/mroute.h. Pad matches the 2 bytes
// of compiler padding the kernel struct carries after mfcc_ttls to align
// mfcc_pkt_cnt on a 4-byte boundary.
type mfcctl struct {
	Origin   [4]byte
	Mcastgrp [4]byte
	Parent   uint16
	TTLs     [maxVIFs]uint8
	Pad      [2]byte
	Pkt      uint32
	Byte     uint32
	Wrong    uint32
	Expire   uint32
}

func pack(v any) []byte {
	buf := &bytes.Buffer{}
	// linux/mroute.h structs are defined with no explicit packing
	// attribute, so the platform's natural struct layout applies; the kernel
	// reads their integer fields in the host's byte order.
	_ = binary.Write(buf, binary.NativeEndian, v)
	return buf.Bytes()
}

// Installer installs and removes kernel multicast forwarding cache (MFC)
// entries on a dedicated raw IGMP socket, as required by MRT_ADD_MFC.
type Installer struct {
	fd int
}

// Open creates the routing socket and issues MRT_INIT, which tells the
// kernel to start tracking IPv4 multicast forwarding on this socket.
// Requires CAP_NET_ADMIN.
func Open() (*Installer, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_IGMP)
	if err != nil {
		return nil, fmt.Errorf("failed to open mroute socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, mrtInit, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("MRT_INIT failed: %w", err)
	}
	return &Installer{fd: fd}, nil
}

// Close issues MRT_DONE and releases the socket.
func (in *Installer) Close() error {
	_ = unix.SetsockoptInt(in.fd, unix.IPPROTO_IP, mrtDone, 1)
	return unix.Close(in.fd)
}

// AddVIF registers a virtual interface with the kernel multicast router.
// Must be called once per downstream/upstream interface before any
// MrouteDescriptor referencing its index is installed.
func (in *Installer) AddVIF(index uint32, threshold uint8, addr netip.Addr) error {
	v := vifctl{
		VifI:      uint16(index),
		Threshold: threshold,
	}
	copy(v.LclAddr[:], addr.AsSlice())

	if err := unix.SetsockoptString(in.fd, unix.IPPROTO_IP, mrtAddVIF, string(pack(v))); err != nil {
		return fmt.Errorf("MRT_ADD_VIF failed for vif %d: %w", index, err)
	}
	return nil
}

// DelVIF unregisters a virtual interface.
func (in *Installer) DelVIF(index uint32) error {
	v := vifctl{VifI: uint16(index)}
	if err := unix.SetsockoptString(in.fd, unix.IPPROTO_IP, mrtDelVIF, string(pack(v))); err != nil {
		return fmt.Errorf("MRT_DEL_VIF failed for vif %d: %w", index, err)
	}
	return nil
}

// Add implements proxycore.KernelInstaller.
func (in *Installer) Add(desc proxycore.MrouteDescriptor) error {
	m := mfcctl{
		Parent: uint16(desc.InputVIF),
	}
	copy(m.Origin[:], desc.Origin.AsSlice())
	copy(m.Mcastgrp[:], desc.Group.AsSlice())
	for vif, ttl := range desc.OutputTTLs {
		if vif >= maxVIFs {
			continue
		}
		m.TTLs[vif] = ttl
	}

	if err := unix.SetsockoptString(in.fd, unix.IPPROTO_IP, mrtAddMFC, string(pack(m))); err != nil {
		return fmt.Errorf("MRT_ADD_MFC failed for (%s, %s): %w", desc.Origin, desc.Group, err)
	}
	return nil
}

// Delete implements proxycore.KernelInstaller.
func (in *Installer) Delete(desc proxycore.MrouteDescriptor) error {
	m := mfcctl{Parent: uint16(desc.InputVIF)}
	copy(m.Origin[:], desc.Origin.AsSlice())
	copy(m.Mcastgrp[:], desc.Group.AsSlice())

	if err := unix.SetsockoptString(in.fd, unix.IPPROTO_IP, mrtDelMFC, string(pack(m))); err != nil {
		return fmt.Errorf("MRT_DEL_MFC failed for (%s, %s): %w", desc.Origin, desc.Group, err)
	}
	return nil
}
