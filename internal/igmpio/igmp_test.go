package igmpio

import (
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igmpproxy/igmpproxy/internal/proxycore"
)

func Test_BuildProducesDecodableIPv4IGMPPacket(t *testing.T) {
	src := netip.MustParseAddr("10.0.1.1")
	dst := netip.MustParseAddr("224.0.0.1")
	group := netip.MustParseAddr("224.1.1.1")

	raw, err := build(src, dst, proxycore.IGMPMembershipQuery, 100, group)
	require.NoError(t, err)

	packet := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	require.NotNil(t, ipLayer)

	ip := ipLayer.(*layers.IPv4)
	assert.Equal(t, layers.IPProtocolIGMP, ip.Protocol)
	assert.Equal(t, src.AsSlice(), []byte(ip.SrcIP.To4()))
	assert.Equal(t, dst.AsSlice(), []byte(ip.DstIP.To4()))

	payload := ip.LayerPayload()
	require.GreaterOrEqual(t, len(payload), 8)
	assert.Equal(t, byte(proxycore.IGMPMembershipQuery), payload[0])
	assert.Equal(t, byte(100), payload[1])
	assert.Equal(t, group.AsSlice(), []byte(payload[4:8]))
}

func Test_BuildGeneralQueryUsesUnspecifiedGroup(t *testing.T) {
	raw, err := build(netip.MustParseAddr("10.0.1.1"), netip.MustParseAddr("224.0.0.1"), proxycore.IGMPMembershipQuery, 100, netip.Addr{})
	require.NoError(t, err)

	packet := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	payload := ip.LayerPayload()
	assert.Equal(t, []byte{0, 0, 0, 0}, payload[4:8])
}

func Test_ChecksumIsZeroWhenSummed(t *testing.T) {
	raw, err := build(netip.MustParseAddr("10.0.1.1"), netip.MustParseAddr("224.0.0.1"), proxycore.IGMPMembershipQuery, 100, netip.MustParseAddr("224.1.1.1"))
	require.NoError(t, err)

	packet := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	payload := ip.LayerPayload()

	var sum uint32
	for i := 0; i+1 < len(payload); i += 2 {
		sum += uint32(payload[i])<<8 | uint32(payload[i+1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	assert.Equal(t, uint32(0xffff), sum)
}

func Test_DecodeRoundTripsBuild(t *testing.T) {
	group := netip.MustParseAddr("224.1.1.1")
	raw, err := build(netip.MustParseAddr("10.0.1.1"), netip.MustParseAddr("224.0.0.1"), proxycore.IGMPLeaveGroup, 0, group)
	require.NoError(t, err)

	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, proxycore.IGMPLeaveGroup, msg.Type)
	assert.Equal(t, group, msg.Group)
}

func Test_DecodeRejectsNonIGMP(t *testing.T) {
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: netip.MustParseAddr("10.0.0.1").AsSlice(), DstIP: netip.MustParseAddr("10.0.0.2").AsSlice()}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ip, gopacket.Payload{1, 2, 3, 4}))

	_, err := Decode(buf.Bytes())
	assert.Error(t, err)
}
