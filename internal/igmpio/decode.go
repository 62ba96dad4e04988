package igmpio

import (
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/igmpproxy/igmpproxy/internal/proxycore"
)

// Message is a decoded inbound IGMP datagram, carrying just what the
// request handler needs.
type Message struct {
	Type  proxycore.IGMPType
	Group netip.Addr
}

// Decode parses a raw IPv4 datagram (as delivered by Socket.Recv) and
// extracts its IGMPv2 payload. Unlike build, which only ever serializes
// the layers it constructs, Decode must tolerate arbitrary bytes arriving
// on the wire, so it goes through gopacket.NewPacket's lazy decoding
// rather than hand-rolled offsets.
func Decode(raw []byte) (Message, error) {
	packet := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return Message{}, fmt.Errorf("not an ipv4 packet")
	}
	ip := ipLayer.(*layers.IPv4)
	if ip.Protocol != layers.IPProtocolIGMP {
		return Message{}, fmt.Errorf("not an igmp packet")
	}

	payload := ip.LayerPayload()
	if len(payload) < 8 {
		return Message{}, fmt.Errorf("igmp payload too short: %d bytes", len(payload))
	}

	group, ok := netip.AddrFromSlice(payload[4:8])
	if !ok {
		return Message{}, fmt.Errorf("malformed igmp group address")
	}

	return Message{
		Type:  proxycore.IGMPType(payload[0]),
		Group: group.Unmap(),
	}, nil
}
