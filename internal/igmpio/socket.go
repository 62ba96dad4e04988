package igmpio

import (
	"fmt"
	"net/netip"

	"github.com/c2h5oh/datasize"
	"golang.org/x/sys/unix"

	"github.com/igmpproxy/igmpproxy/internal/proxycore"
)

// Socket is a raw IGMP (IPPROTO_IGMP) socket providing both
// proxycore.PacketLayer and proxycore.SocketLayer: it transmits IGMP
// messages built by build(), and it issues the kernel IP_ADD_MEMBERSHIP /
// IP_DROP_MEMBERSHIP calls that make the upstream interface itself a
// listener for a group.
type Socket struct {
	fd int
}

// Config configures the raw socket. RecvBufferSize sets SO_RCVBUF so a
// burst of reports from a large downstream LAN doesn't get dropped by the
// kernel before the read loop drains it.
type Config struct {
	RecvBufferSize datasize.ByteSize `yaml:"recv_buffer_size"`
}

// DefaultConfig matches the kernel's typical default SO_RCVBUF for a raw
// socket.
func DefaultConfig() Config {
	return Config{RecvBufferSize: 212 * datasize.KB}
}

// Open creates the raw socket. Requires CAP_NET_RAW.
func Open(cfg Config) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_IGMP)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw igmp socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set IP_HDRINCL: %w", err)
	}
	if cfg.RecvBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, int(cfg.RecvBufferSize.Bytes())); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to set SO_RCVBUF: %w", err)
		}
	}
	return &Socket{fd: fd}, nil
}

// Close releases the underlying file descriptor.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// SendIGMP implements proxycore.PacketLayer.
func (s *Socket) SendIGMP(src, dst netip.Addr, typ proxycore.IGMPType, maxRespTime uint8, group netip.Addr) error {
	packet, err := build(src, dst, typ, maxRespTime, group)
	if err != nil {
		return err
	}

	addr := unix.SockaddrInet4{}
	copy(addr.Addr[:], dst.AsSlice())

	if err := unix.Sendto(s.fd, packet, 0, &addr); err != nil {
		return fmt.Errorf("failed to send igmp packet to %s: %w", dst, err)
	}
	return nil
}

// JoinGroup implements proxycore.SocketLayer: it asks the kernel to accept
// traffic for group on iface, the step that makes the host itself (and
// hence the upstream forwarding path) a member.
func (s *Socket) JoinGroup(iface proxycore.Iface, group netip.Addr) error {
	mreq := unix.IPMreq{}
	copy(mreq.Multiaddr[:], group.AsSlice())
	copy(mreq.Interface[:], iface.Addr.AsSlice())

	if err := unix.SetsockoptIPMreq(s.fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, &mreq); err != nil {
		return fmt.Errorf("failed to join group %s on %s: %w", group, iface.Addr, err)
	}
	return nil
}

// LeaveGroup implements proxycore.SocketLayer.
func (s *Socket) LeaveGroup(iface proxycore.Iface, group netip.Addr) error {
	mreq := unix.IPMreq{}
	copy(mreq.Multiaddr[:], group.AsSlice())
	copy(mreq.Interface[:], iface.Addr.AsSlice())

	if err := unix.SetsockoptIPMreq(s.fd, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, &mreq); err != nil {
		return fmt.Errorf("failed to leave group %s on %s: %w", group, iface.Addr, err)
	}
	return nil
}

// Recv blocks for the next raw IGMP datagram and returns the IPv4 payload
// (header included), ready for parsing by the caller's event-loop glue.
func (s *Socket) Recv(buf []byte) (int, netip.Addr, error) {
	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return 0, netip.Addr{}, fmt.Errorf("failed to receive from raw igmp socket: %w", err)
	}
	sa4, ok := from.(*unix.SockaddrInet4)
	if !ok {
		return n, netip.Addr{}, fmt.Errorf("unexpected sockaddr type %T", from)
	}
	return n, netip.AddrFrom4(sa4.Addr), nil
}
