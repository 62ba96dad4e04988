// Package igmpio implements proxycore.PacketLayer and proxycore.SocketLayer
// on a raw IGMP socket. IGMPv2 has no built-in gopacket layer, so this
// package defines one (igmpLayer) following the SerializableLayer pattern
// the rest of the corpus uses for hand-built layers
// (modules/balancer/tests/go/utils/packet.go), and hands it to
// gopacket.SerializeLayers for checksumming.
package igmpio

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/igmpproxy/igmpproxy/internal/proxycore"
)

// igmpLayerType is a private LayerType registration; the codec only ever
// serializes this layer, it never decodes arbitrary captures.
var igmpLayerType = gopacket.RegisterLayerType(2236, gopacket.LayerTypeMetadata{Name: "IGMPv2"})

// igmpLayer is a minimal RFC 2236 §2 message: type, max response time,
// checksum, group address. Router Alert and other IP options are added by
// the caller at the IPv4-layer level.
type igmpLayer struct {
	layers.BaseLayer
	Type        proxycore.IGMPType
	MaxRespTime uint8
	Group       netip.Addr
}

func (l *igmpLayer) LayerType() gopacket.LayerType { return igmpLayerType }

func (l *igmpLayer) SerializeTo(buf gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := buf.PrependBytes(8)
	if err != nil {
		return err
	}

	bytes[0] = byte(l.Type)
	bytes[1] = l.MaxRespTime
	bytes[2], bytes[3] = 0, 0 // checksum, filled below
	group := l.Group
	if !group.IsValid() {
		group = netip.IPv4Unspecified()
	}
	copy(bytes[4:8], group.AsSlice())

	if opts.ComputeChecksums {
		binary.BigEndian.PutUint16(bytes[2:4], checksum(bytes))
	}
	return nil
}

func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// build serializes an IPv4 + IGMPv2 datagram with the all-systems Router
// Alert option the protocol requires (RFC 2236 §2).
func build(src, dst netip.Addr, typ proxycore.IGMPType, maxRespTime uint8, group netip.Addr) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      6, // one extra 32-bit option word (Router Alert)
		TTL:      1,
		Protocol: layers.IPProtocolIGMP,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
		Options: []layers.IPv4Option{{
			OptionType:   148, // Router Alert
			OptionLength: 4,
			OptionData:   []byte{0x00, 0x00},
		}},
	}
	igmp := &igmpLayer{Type: typ, MaxRespTime: maxRespTime, Group: group}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, igmp); err != nil {
		return nil, fmt.Errorf("failed to serialize igmp packet: %w", err)
	}
	return buf.Bytes(), nil
}
