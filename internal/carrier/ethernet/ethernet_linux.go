//go:build linux

package ethernet

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func init() {
	openSocket = openPacketSocket
}

// rawSocket wraps an AF_PACKET/SOCK_RAW socket bound to a single interface,
// capturing every frame it sees (ETH_P_ALL) regardless of ethertype; the
// carrier's configured frame codec then parses each one.
type rawSocket struct {
	fd int
}

func (s *rawSocket) Read(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("carrier/ethernet: read: %w", err)
	}
	return n, nil
}

func (s *rawSocket) Write(buf []byte) (int, error) {
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("carrier/ethernet: write: %w", err)
	}
	return n, nil
}

func (s *rawSocket) Close() error {
	return unix.Close(s.fd)
}

// openPacketSocket opens an AF_PACKET raw socket bound to ifi, requiring
// CAP_NET_RAW (or root) the same way the original capture driver does.
func openPacketSocket(ifi net.Interface) (socket, error) {
	proto := htons(unix.ETH_P_ALL)

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, fmt.Errorf("socket(AF_PACKET): %w", err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind to %s: %w", ifi.Name, err)
	}

	return &rawSocket{fd: fd}, nil
}

// htons converts a 16-bit value from host to network byte order, needed
// because unix.SockaddrLinklayer.Protocol is stored in network order even
// on little-endian hosts.
func htons(v int) uint16 {
	return uint16(v<<8) | uint16(v>>8) //nolint:gosec // G115: v is always a 16-bit protocol constant
}
