// Package spx implements SPX session setup: the IPX_MAGIC_SPXLOOKUP
// broadcast/reply exchange that resolves a remote IPX address to a TCP
// endpoint, and the spxinit handshake exchanged as the first bytes of the
// resulting stream so each side learns the other's IPX address.
package spx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/solemn-relay/goipx/internal/ipxaddr"
)

// Tunables, carried over unchanged from the original connect logic.
const (
	// ConnectTries is the number of broadcast batches sent while resolving
	// a remote address before giving up.
	ConnectTries = 3

	// ConnectTimeout is the total time budget across all tries; each
	// batch waits ConnectTimeout/ConnectTries for a reply.
	ConnectTimeout = 6 * time.Second
)

// recordLen is the fixed wire size of spxlookup_req, spxlookup_reply and
// spxinit: all three share a {net(4), node(6), socket(2)} prefix padded out
// to 32 bytes.
const recordLen = 32

var (
	// ErrNetUnreach is returned when no broadcast address is reachable, or
	// no reply arrives within ConnectTimeout.
	ErrNetUnreach = errors.New("spx: no reply from remote address")
	// ErrShortRecord rejects a spxinit record shorter than recordLen.
	ErrShortRecord = errors.New("spx: short spxinit record")
)

// Target identifies the remote IPX address an SPX connect is resolving.
type Target struct {
	Net    ipxaddr.Net
	Node   ipxaddr.Node
	Socket uint16
}

// Resolved is the outcome of a successful lookup: the TCP endpoint backing
// the remote SPX listener, plus the IP the reply arrived from (used to
// learn the local interface when the connecting socket wasn't yet bound).
type Resolved struct {
	Endpoint   netip.AddrPort
	ArrivedVia netip.Addr
}

// Reply is one IPX_MAGIC_SPXLOOKUP reply datagram as delivered by whatever
// carrier owns the lookup socket, carrying the raw payload and the IP it
// arrived from. Lookup stays free of any knowledge of encapsulation or
// socket plumbing; the caller is responsible for sending requests and
// forwarding matching replies.
type Reply struct {
	Payload    []byte
	ArrivedVia netip.Addr
}

// EncodeLookupReq builds the 32-byte spxlookup_req wire record.
func EncodeLookupReq(t Target) []byte {
	b := make([]byte, recordLen)
	t.Net.PutBytes(b[0:4])
	t.Node.PutBytes(b[4:10])
	binary.BigEndian.PutUint16(b[10:12], t.Socket)
	return b
}

func matchesReply(b []byte, t Target) (port uint16, ok bool) {
	if len(b) != recordLen {
		return 0, false
	}
	if ipxaddr.NetFromBytes(b[0:4]) != t.Net {
		return 0, false
	}
	if ipxaddr.NodeFromBytes(b[4:10]) != t.Node {
		return 0, false
	}
	if binary.BigEndian.Uint16(b[10:12]) != t.Socket {
		return 0, false
	}
	return binary.BigEndian.Uint16(b[12:14]), true
}

// Lookup resolves t to a TCP endpoint by broadcasting IPX_MAGIC_SPXLOOKUP
// requests over send, up to ConnectTries times within ConnectTimeout, and
// reading replies from recv. recv is expected to deliver every
// IPX_MAGIC_SPXLOOKUP-tagged payload seen on the lookup socket, not just
// ones matching t; Lookup filters.
func Lookup(ctx context.Context, t Target, bcast []netip.Addr, send func(addr netip.Addr, packet []byte) error, recv <-chan Reply, logger *slog.Logger) (Resolved, error) {
	if len(bcast) == 0 {
		return Resolved{}, fmt.Errorf("%w: no broadcast address available", ErrNetUnreach)
	}

	req := EncodeLookupReq(t)
	window := ConnectTimeout / ConnectTries

	for attempt := 0; attempt < ConnectTries; attempt++ {
		sentAny := false
		for _, addr := range bcast {
			if err := send(addr, req); err != nil {
				logger.Warn("failed to send spxlookup request", slog.String("to", addr.String()), slog.Any("error", err))
				continue
			}
			sentAny = true
		}
		if !sentAny {
			return Resolved{}, fmt.Errorf("%w: could not send to any broadcast address", ErrNetUnreach)
		}

		deadline := time.After(window)
	waitLoop:
		for {
			select {
			case <-ctx.Done():
				return Resolved{}, ctx.Err()
			case <-deadline:
				break waitLoop
			case r, ok := <-recv:
				if !ok {
					break waitLoop
				}
				port, matched := matchesReply(r.Payload, t)
				if !matched {
					continue
				}
				return Resolved{
					Endpoint:   netip.AddrPortFrom(r.ArrivedVia, port),
					ArrivedVia: r.ArrivedVia,
				}, nil
			}
		}
	}

	return Resolved{}, ErrNetUnreach
}

// EncodeInit builds the 32-byte spxinit record a connecting client sends as
// the first bytes on the stream, and a listener reads to learn the peer's
// address in Accept.
func EncodeInit(local Target) []byte {
	b := make([]byte, recordLen)
	local.Net.PutBytes(b[0:4])
	local.Node.PutBytes(b[4:10])
	binary.BigEndian.PutUint16(b[10:12], local.Socket)
	return b
}

func decodeInit(b []byte) (Target, error) {
	if len(b) != recordLen {
		return Target{}, fmt.Errorf("%w: have %d bytes", ErrShortRecord, len(b))
	}
	return Target{
		Net:    ipxaddr.NetFromBytes(b[0:4]),
		Node:   ipxaddr.NodeFromBytes(b[4:10]),
		Socket: binary.BigEndian.Uint16(b[10:12]),
	}, nil
}

// SendInit writes the spxinit handshake as the first bytes of a freshly
// connected stream.
func SendInit(conn net.Conn, local Target) error {
	_, err := conn.Write(EncodeInit(local))
	if err != nil {
		return fmt.Errorf("spx: write spxinit: %w", err)
	}
	return nil
}

// ReadInit reads and decodes the spxinit handshake from a freshly accepted
// stream, blocking until recordLen bytes have arrived.
func ReadInit(conn net.Conn) (Target, error) {
	buf := make([]byte, recordLen)
	if _, err := readFull(conn, buf); err != nil {
		return Target{}, fmt.Errorf("spx: read spxinit: %w", err)
	}
	return decodeInit(buf)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
