// Package ipxpacket implements the fixed 30-byte IPX packet header shared
// by every carrier and frame codec.
package ipxpacket

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/solemn-relay/goipx/internal/ipxaddr"
)

// HeaderLen is the fixed size of the IPX packet header on the wire.
const HeaderLen = 30

// ChecksumSentinel is the fixed value carried in the checksum field;
// IPX checksums are never computed or verified.
const ChecksumSentinel = 0xFFFF

// Magic internal packet types, carried in Header.Type.
const (
	// MagicSPXLookup carries an address-resolution query for SPX connect.
	MagicSPXLookup uint8 = 1

	// MagicCoalesced marks a packet whose payload is a concatenation of
	// complete IPX packets, produced by the coalescer.
	MagicCoalesced uint8 = 4
)

// Sentinel validation errors.
var (
	ErrTooShort       = errors.New("ipxpacket: frame shorter than header")
	ErrLengthMismatch = errors.New("ipxpacket: length field disagrees with observed size")
)

// Header is the fixed 30-byte IPX packet header: checksum, length, hops,
// type, dest net/node/socket, src net/node/socket, in that wire order.
type Header struct {
	Length    uint16
	Hops      uint8
	Type      uint8
	DestNet   ipxaddr.Net
	DestNode  ipxaddr.Node
	DestSock  uint16
	SrcNet    ipxaddr.Net
	SrcNode   ipxaddr.Node
	SrcSock   uint16
}

// Marshal writes the header and then payload into dst, which must be at
// least HeaderLen+len(payload) bytes. It sets Length = HeaderLen+len(payload)
// and the checksum sentinel regardless of the zero value of h.Length.
func Marshal(dst []byte, h Header, payload []byte) (int, error) {
	total := HeaderLen + len(payload)
	if len(dst) < total {
		return 0, fmt.Errorf("ipxpacket: dst too small: have %d, need %d", len(dst), total)
	}

	binary.BigEndian.PutUint16(dst[0:2], ChecksumSentinel)
	binary.BigEndian.PutUint16(dst[2:4], uint16(total)) //nolint:gosec // G115: bounded by caller's payload size
	dst[4] = h.Hops
	dst[5] = h.Type
	h.DestNet.PutBytes(dst[6:10])
	h.DestNode.PutBytes(dst[10:16])
	binary.BigEndian.PutUint16(dst[16:18], h.DestSock)
	h.SrcNet.PutBytes(dst[18:22])
	h.SrcNode.PutBytes(dst[22:28])
	binary.BigEndian.PutUint16(dst[28:30], h.SrcSock)
	copy(dst[HeaderLen:total], payload)

	return total, nil
}

// Unmarshal parses a header and the remaining payload from buf. It
// validates that buf is at least HeaderLen bytes and that the wire
// length field agrees with len(buf).
func Unmarshal(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderLen {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(buf))
	}

	h := Header{
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		Hops:     buf[4],
		Type:     buf[5],
		DestNet:  ipxaddr.NetFromBytes(buf[6:10]),
		DestNode: ipxaddr.NodeFromBytes(buf[10:16]),
		DestSock: binary.BigEndian.Uint16(buf[16:18]),
		SrcNet:   ipxaddr.NetFromBytes(buf[18:22]),
		SrcNode:  ipxaddr.NodeFromBytes(buf[22:28]),
		SrcSock:  binary.BigEndian.Uint16(buf[28:30]),
	}

	if int(h.Length) != len(buf) {
		return Header{}, nil, fmt.Errorf("%w: field=%d observed=%d", ErrLengthMismatch, h.Length, len(buf))
	}

	return h, buf[HeaderLen:], nil
}
