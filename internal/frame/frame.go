// Package frame implements the three Ethernet encapsulations an IPX packet
// can travel in: Ethernet II, Novell "raw" 802.3, and IEEE 802.2 LLC. Each
// codec knows how to size, pack, and unpack a frame around an IPX header
// and payload; the raw-Ethernet carrier selects one codec per interface.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/ipxpacket"
)

// ethertypeIPX is the 802.3 EtherType reserved for IPX traffic.
const ethertypeIPX = 0x8137

// llcSAPNetware is the 802.2 LLC SAP value NetWare registers for IPX.
const llcSAPNetware = 0xE0

// llcControlUI is the LLC control byte for an unnumbered information frame.
const llcControlUI = 0x03

// ethHeaderLen is the size of the common 14-byte dest/src MAC + ethertype-
// or-length field shared by all three encapsulations.
const ethHeaderLen = 14

// llcHeaderLen is the size of the 3-byte LLC header (DSAP, SSAP, control).
const llcHeaderLen = 3

// maxEthernetPayload is the largest 802.3 length-field value that doesn't
// collide with an Ethernet II ethertype.
const maxEthernetPayload = 1500

// MaxIPXPayload is the largest IPX payload an IPX header's 16-bit length
// field can describe.
const MaxIPXPayload = 0xFFFF - ipxpacket.HeaderLen

// Type selects which Ethernet encapsulation a raw-Ethernet interface uses.
type Type int

const (
	// EthernetII wraps the IPX packet directly in a DIX frame with
	// ethertype 0x8137.
	EthernetII Type = iota

	// NovellRaw wraps the IPX packet in an 802.3 frame whose length field
	// carries the IPX header+payload size, with no LLC header.
	NovellRaw

	// LLC wraps the IPX packet in an 802.3 frame with an 802.2 LLC header
	// addressed to the NetWare SAP.
	LLC
)

func (t Type) String() string {
	switch t {
	case EthernetII:
		return "EthernetII"
	case NovellRaw:
		return "NovellRaw"
	case LLC:
		return "LLC"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Sentinel errors returned by Unpack.
var (
	ErrFrameTooShort  = errors.New("frame: too short for this encapsulation")
	ErrWrongEthertype = errors.New("frame: ethertype is not IPX")
	ErrBadLength      = errors.New("frame: 802.3 length field out of range")
	ErrNotNetwareSAP  = errors.New("frame: LLC header is not addressed to the NetWare SAP")
	ErrNotUIControl   = errors.New("frame: LLC control byte is not unnumbered information")
)

// Addressing carries the packet type and the six address fields that go
// into the IPX header wrapped by a frame; it mirrors ipxpacket.Header
// without the length/hops fields the codec fills in itself.
type Addressing struct {
	PacketType uint8
	SrcNet     ipxaddr.Net
	SrcNode    ipxaddr.Node
	SrcSock    uint16
	DestNet    ipxaddr.Net
	DestNode   ipxaddr.Node
	DestSock   uint16
}

func (a Addressing) header() ipxpacket.Header {
	return ipxpacket.Header{
		Hops:     0,
		Type:     a.PacketType,
		DestNet:  a.DestNet,
		DestNode: a.DestNode,
		DestSock: a.DestSock,
		SrcNet:   a.SrcNet,
		SrcNode:  a.SrcNode,
		SrcSock:  a.SrcSock,
	}
}

// Size returns the number of bytes a whole frame occupies for the given
// IPX payload length, or 0 if the payload is too large for this
// encapsulation.
func (t Type) Size(payloadLen int) int {
	switch t {
	case EthernetII:
		if payloadLen > MaxIPXPayload {
			return 0
		}
		return ethHeaderLen + ipxpacket.HeaderLen + payloadLen
	case NovellRaw:
		total := ethHeaderLen + ipxpacket.HeaderLen + payloadLen
		if payloadLen > MaxIPXPayload || total-ethHeaderLen > maxEthernetPayload {
			return 0
		}
		return total
	case LLC:
		total := ethHeaderLen + llcHeaderLen + ipxpacket.HeaderLen + payloadLen
		if payloadLen > MaxIPXPayload || total-ethHeaderLen > maxEthernetPayload {
			return 0
		}
		return total
	default:
		return 0
	}
}

// Pack serialises a frame into dst, which must be at least Size(len(payload))
// bytes. destMAC and srcMAC are the six-byte link-layer addresses; the IPX
// header addressing and payload come from addr and payload.
func (t Type) Pack(dst []byte, destMAC, srcMAC [6]byte, addr Addressing, payload []byte) (int, error) {
	size := t.Size(len(payload))
	if size == 0 {
		return 0, fmt.Errorf("frame: payload of %d bytes does not fit in a %s frame", len(payload), t)
	}
	if len(dst) < size {
		return 0, fmt.Errorf("frame: dst too small: have %d, need %d", len(dst), size)
	}

	copy(dst[0:6], destMAC[:])
	copy(dst[6:12], srcMAC[:])

	switch t {
	case EthernetII:
		binary.BigEndian.PutUint16(dst[12:14], ethertypeIPX)
		_, err := ipxpacket.Marshal(dst[ethHeaderLen:], addr.header(), payload)
		return size, err

	case NovellRaw:
		ipxLen := ipxpacket.HeaderLen + len(payload)
		binary.BigEndian.PutUint16(dst[12:14], uint16(ipxLen)) //nolint:gosec // G115: bounded by Size above
		_, err := ipxpacket.Marshal(dst[ethHeaderLen:], addr.header(), payload)
		return size, err

	case LLC:
		llcLen := llcHeaderLen + ipxpacket.HeaderLen + len(payload)
		binary.BigEndian.PutUint16(dst[12:14], uint16(llcLen)) //nolint:gosec // G115: bounded by Size above
		dst[14] = llcSAPNetware
		dst[15] = llcSAPNetware
		dst[16] = llcControlUI
		_, err := ipxpacket.Marshal(dst[ethHeaderLen+llcHeaderLen:], addr.header(), payload)
		return size, err

	default:
		return 0, fmt.Errorf("frame: unknown encapsulation type %d", int(t))
	}
}

// Unpack parses an IPX header and payload out of a frame received on the
// wire for this encapsulation. It does not look at the destination or
// source MAC addresses; callers filter on those themselves if needed.
func (t Type) Unpack(data []byte) (ipxpacket.Header, []byte, error) {
	switch t {
	case EthernetII:
		if len(data) < ethHeaderLen+ipxpacket.HeaderLen {
			return ipxpacket.Header{}, nil, ErrFrameTooShort
		}
		if binary.BigEndian.Uint16(data[12:14]) != ethertypeIPX {
			return ipxpacket.Header{}, nil, ErrWrongEthertype
		}
		return ipxpacket.Unmarshal(data[ethHeaderLen:])

	case NovellRaw:
		if len(data) < ethHeaderLen+ipxpacket.HeaderLen {
			return ipxpacket.Header{}, nil, ErrFrameTooShort
		}
		payloadLen := binary.BigEndian.Uint16(data[12:14])
		switch {
		case payloadLen > maxEthernetPayload:
			// Looks like an Ethernet II ethertype, not an 802.3 length.
			return ipxpacket.Header{}, nil, ErrBadLength
		case int(payloadLen) < ipxpacket.HeaderLen:
			return ipxpacket.Header{}, nil, ErrBadLength
		case int(payloadLen) > len(data)-ethHeaderLen:
			return ipxpacket.Header{}, nil, ErrFrameTooShort
		}
		return ipxpacket.Unmarshal(data[ethHeaderLen : ethHeaderLen+int(payloadLen)])

	case LLC:
		if len(data) < ethHeaderLen+llcHeaderLen+ipxpacket.HeaderLen {
			return ipxpacket.Header{}, nil, ErrFrameTooShort
		}
		payloadLen := binary.BigEndian.Uint16(data[12:14])
		switch {
		case payloadLen > maxEthernetPayload:
			return ipxpacket.Header{}, nil, ErrBadLength
		case int(payloadLen) < llcHeaderLen+ipxpacket.HeaderLen:
			return ipxpacket.Header{}, nil, ErrBadLength
		case int(payloadLen) > len(data)-ethHeaderLen:
			return ipxpacket.Header{}, nil, ErrFrameTooShort
		}
		if data[14] != llcSAPNetware {
			return ipxpacket.Header{}, nil, ErrNotNetwareSAP
		}
		if data[16] != llcControlUI {
			return ipxpacket.Header{}, nil, ErrNotUIControl
		}
		inner := data[ethHeaderLen+llcHeaderLen : ethHeaderLen+int(payloadLen)]
		return ipxpacket.Unmarshal(inner)

	default:
		return ipxpacket.Header{}, nil, fmt.Errorf("frame: unknown encapsulation type %d", int(t))
	}
}
