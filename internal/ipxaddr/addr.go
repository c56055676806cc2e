// Package ipxaddr implements the 32-bit IPX network number and 48-bit IPX
// node number: their wire encoding, text parsing, and text printing.
package ipxaddr

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Net is a 32-bit IPX network number, big-endian on the wire.
type Net uint32

// Node is a 48-bit IPX node number. The top two bytes are always zero;
// only the low 6 bytes are meaningful and are written to the wire in
// network order.
type Node uint64

const (
	// NetThis is the all-zeros sentinel meaning "this network".
	NetThis Net = 0

	// NetBroadcast is the all-ones sentinel meaning "broadcast network".
	NetBroadcast Net = 0xFFFFFFFF

	// NodeBroadcast is the all-ones sentinel meaning "broadcast node".
	NodeBroadcast Node = 0xFFFFFFFFFFFF

	// NodeWildcard is the all-zeros node reserved for the virtual
	// aggregating interface.
	NodeWildcard Node = 0
)

// Sentinel parse errors.
var (
	ErrFieldCount  = errors.New("ipxaddr: wrong number of fields")
	ErrBadHexField = errors.New("ipxaddr: field is not 1-2 hex digits")
)

// NetFromBytes decodes a 4-byte big-endian buffer into a Net.
func NetFromBytes(b []byte) Net {
	return Net(binary.BigEndian.Uint32(b))
}

// PutBytes encodes n into the first 4 bytes of dst, big-endian.
func (n Net) PutBytes(dst []byte) {
	binary.BigEndian.PutUint32(dst, uint32(n))
}

// NodeFromBytes decodes a 6-byte big-endian buffer into a Node.
func NodeFromBytes(b []byte) Node {
	var buf [8]byte
	copy(buf[2:], b[:6])
	return Node(binary.BigEndian.Uint64(buf[:]))
}

// PutBytes encodes the low 6 bytes of n into dst, big-endian, network order.
func (n Node) PutBytes(dst []byte) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	copy(dst[:6], buf[2:])
}

// String prints n as four zero-padded uppercase hex octets joined by colons.
func (n Net) String() string {
	var b [4]byte
	n.PutBytes(b[:])
	return formatOctets(b[:])
}

// String prints n as six zero-padded uppercase hex octets joined by colons.
func (n Node) String() string {
	var b [6]byte
	n.PutBytes(b[:])
	return formatOctets(b[:])
}

func formatOctets(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b)*3 - 1)
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02X", c)
	}
	return sb.String()
}

// ParseNet parses a colon-separated 4-field hex address into a Net.
// Round-trips with Net.String.
func ParseNet(s string) (Net, error) {
	var b [4]byte
	if err := parseOctets(b[:], s); err != nil {
		return 0, err
	}
	return NetFromBytes(b[:]), nil
}

// ParseNode parses a colon-separated 6-field hex address into a Node.
// Round-trips with Node.String.
func ParseNode(s string) (Node, error) {
	var b [6]byte
	if err := parseOctets(b[:], s); err != nil {
		return 0, err
	}
	return NodeFromBytes(b[:]), nil
}

// parseOctets parses len(dst) colon-separated 1-2 digit hex fields from s
// into dst. Rejects wrong field counts, non-hex characters, wrong
// separators, and fields with a disallowed leading-zero run (e.g. "000").
func parseOctets(dst []byte, s string) error {
	fields := strings.Split(s, ":")
	if len(fields) != len(dst) {
		return fmt.Errorf("%w: got %d, want %d", ErrFieldCount, len(fields), len(dst))
	}

	for i, f := range fields {
		// A field of 3+ hex digits (e.g. "000") is rejected here by the
		// length check; only 1-2 digit fields are a valid octet.
		if len(f) == 0 || len(f) > 2 {
			return fmt.Errorf("%w: field %d is %q", ErrBadHexField, i, f)
		}
		for _, c := range f {
			if !isHexDigit(byte(c)) {
				return fmt.Errorf("%w: field %d is %q", ErrBadHexField, i, f)
			}
		}
		dst[i] = parseHexByte(f)
	}

	return nil
}

func isHexDigit(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	case c >= 'A' && c <= 'F':
		return true
	default:
		return false
	}
}

// parseHexByte converts a 1-2 digit hex string to a byte. The caller must
// have already validated that f consists solely of hex digits.
func parseHexByte(f string) byte {
	var v int
	for _, c := range []byte(f) {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= int(c - '0')
		case c >= 'a' && c <= 'f':
			v |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= int(c-'A') + 10
		}
	}
	return byte(v)
}

// RandomNode generates a locally-administered random node number, for use
// when no explicit node value is configured. The locally-administered bit
// (0x02 in the first octet) is always set.
func RandomNode() (Node, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("ipxaddr: generate random node: %w", err)
	}
	b[0] |= 0x02
	return NodeFromBytes(b[:]), nil
}
