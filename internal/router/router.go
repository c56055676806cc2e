// Package router implements the single background dispatch loop: it reads
// decoded packets from the active carrier, validates them, learns the
// sender's address, answers IPX_MAGIC_SPXLOOKUP queries, and fans each
// packet out to every matching local socket.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/solemn-relay/goipx/internal/addrcache"
	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/ipxpacket"
)

// Metrics receives router-level counters. Carriers that care about
// observability supply one; nil is a valid Config value and disables
// metrics entirely.
type Metrics interface {
	IncRouted(carrier string)
	IncDropped(carrier, reason string)
}

// Dispatcher routes a validated packet to matching local sockets. This
// interface decouples router from ipxsock.Registry to avoid a tight
// coupling between the two packages; an ipxsock.Registry is wired in
// through a small adapter that converts Inbound and Address to the ipxsock
// types.
type Dispatcher interface {
	Dispatch(in Inbound) int
	FindSPXListener(query Address) (port uint16, ok bool)
}

// Address is the router-local stand-in for ipxsock.Address, to avoid an
// import cycle (ipxsock never needs to know about router).
type Address struct {
	Net    ipxaddr.Net
	Node   ipxaddr.Node
	Socket uint16
}

// Inbound mirrors ipxsock.Inbound; the caller that wires a Router to an
// ipxsock.Registry converts between the two at the call site.
type Inbound struct {
	PacketType uint8
	Src        Address
	Dst        Address
	Payload    []byte
}

// Frame is one wire packet handed to Router.Handle by a carrier, along
// with whatever source metadata that carrier can provide.
type Frame struct {
	Header  ipxpacket.Header
	Payload []byte

	// SourceIP is set by IP-based carriers (UDP, DOSBox) for subnet
	// validation and address-cache learning. The zero value means no IP
	// association (raw Ethernet).
	SourceIP netip.AddrPort
	HasIP    bool
}

// SourceValidator confirms a received frame's IP arrived from an
// acceptable subnet for the claimed destination. Carriers without a notion
// of subnet (raw Ethernet) can pass a validator that always returns true.
type SourceValidator func(dest Address, src netip.AddrPort) bool

// ReplySender sends a raw IPX packet directly back to an IP endpoint,
// used for IPX_MAGIC_SPXLOOKUP replies. Only IP-based carriers supply one.
type ReplySender func(dst netip.AddrPort, payload []byte) error

// ErrBadSource is logged when a frame's IP did not come from an acceptable
// subnet for its claimed destination; the packet itself is always just
// dropped, never propagated as an error.
var ErrBadSource = errors.New("router: source address not from an expected subnet")

// Config bundles the collaborators a Router needs.
type Config struct {
	Dispatcher Dispatcher
	AddrCache  *addrcache.Cache
	Validate   SourceValidator
	Reply      ReplySender
	Metrics    Metrics
	// Carrier labels this Router's metrics; empty means "unknown".
	Carrier string
	Logger  *slog.Logger
}

// Router is the single dispatch loop. One Router instance serves every
// carrier configured for the process; carriers call Handle for each
// decoded frame they receive.
type Router struct {
	dispatch Dispatcher
	cache    *addrcache.Cache
	validate SourceValidator
	reply    ReplySender
	metrics  Metrics
	carrier  string
	logger   *slog.Logger
}

func New(cfg Config) *Router {
	validate := cfg.Validate
	if validate == nil {
		validate = func(Address, netip.AddrPort) bool { return true }
	}
	carrier := cfg.Carrier
	if carrier == "" {
		carrier = "unknown"
	}
	return &Router{
		dispatch: cfg.Dispatcher,
		cache:    cfg.AddrCache,
		validate: validate,
		reply:    cfg.Reply,
		metrics:  cfg.Metrics,
		carrier:  carrier,
		logger:   cfg.Logger.With(slog.String("component", "router")),
	}
}

func (r *Router) incDropped(reason string) {
	if r.metrics != nil {
		r.metrics.IncDropped(r.carrier, reason)
	}
}

// Handle validates and dispatches one decoded frame. It never blocks: any
// rejection is logged and the frame is dropped rather than propagated as
// an error, since a malformed or unauthorized frame is an expected,
// non-fatal occurrence on a shared network.
func (r *Router) Handle(f Frame) {
	h := f.Header
	dest := Address{Net: h.DestNet, Node: h.DestNode, Socket: h.DestSock}
	src := Address{Net: h.SrcNet, Node: h.SrcNode, Socket: h.SrcSock}

	if f.HasIP && !r.validate(dest, f.SourceIP) {
		r.logger.Debug("dropping packet from unexpected subnet",
			slog.String("src_ip", f.SourceIP.String()), slog.Any("error", ErrBadSource))
		r.incDropped("bad_source")
		return
	}

	if h.SrcSock == 0 {
		r.handleMagic(h, f)
		return
	}

	if f.HasIP && r.cache != nil {
		r.cache.Set(h.SrcNet, h.SrcNode, h.SrcSock, f.SourceIP)
	}

	r.logger.Debug("delivering packet",
		slog.String("src", fmt.Sprintf("%v/%v/%d", src.Net, src.Node, src.Socket)),
		slog.String("dest", fmt.Sprintf("%v/%v/%d", dest.Net, dest.Node, dest.Socket)),
		slog.Int("size", len(f.Payload)))

	delivered := r.dispatch.Dispatch(Inbound{
		PacketType: h.Type,
		Src:        src,
		Dst:        dest,
		Payload:    f.Payload,
	})
	if delivered == 0 {
		r.logger.Debug("no matching socket for packet")
		r.incDropped("no_match")
		return
	}
	if r.metrics != nil {
		r.metrics.IncRouted(r.carrier)
	}
}

// handleMagic handles internal-traffic packets (src socket zero). The only
// magic type the router itself answers is IPX_MAGIC_SPXLOOKUP; any other
// value is logged and dropped.
func (r *Router) handleMagic(h ipxpacket.Header, f Frame) {
	if h.Type != ipxpacket.MagicSPXLookup {
		r.logger.Debug("dropping magic packet of unknown type", slog.Int("type", int(h.Type)))
		r.incDropped("unknown_magic")
		return
	}

	if len(f.Payload) != spxLookupReqLen {
		r.logger.Debug("dropping malformed spxlookup request", slog.Int("size", len(f.Payload)))
		r.incDropped("malformed_spxlookup")
		return
	}
	if !f.HasIP || r.reply == nil {
		return
	}

	query := decodeSPXLookupReq(f.Payload)

	port, ok := r.dispatch.FindSPXListener(query)
	if !ok {
		r.incDropped("spxlookup_no_listener")
		return
	}

	reply := encodeSPXLookupReply(query, port)
	if err := r.reply(f.SourceIP, reply); err != nil {
		r.logger.Warn("failed to send spxlookup reply", slog.Any("error", err))
		r.incDropped("spxlookup_reply_failed")
		return
	}
	if r.metrics != nil {
		r.metrics.IncRouted(r.carrier)
	}
}

// spxlookup_req_t: {net(4), node(6), socket(2), padding(20)}.
// spxlookup_reply_t: {net(4), node(6), socket(2), port(2), padding(18)}.
// Both records are fixed at 32 bytes on the wire regardless of how little
// of that is meaningful, matching the original struct layout exactly.
const (
	spxLookupReqLen   = 4 + 6 + 2 + 20
	spxLookupReplyLen = 4 + 6 + 2 + 2 + 18
)

func decodeSPXLookupReq(b []byte) Address {
	return Address{
		Net:    ipxaddr.NetFromBytes(b[0:4]),
		Node:   ipxaddr.NodeFromBytes(b[4:10]),
		Socket: uint16(b[10])<<8 | uint16(b[11]),
	}
}

func encodeSPXLookupReply(query Address, port uint16) []byte {
	b := make([]byte, spxLookupReplyLen)
	query.Net.PutBytes(b[0:4])
	query.Node.PutBytes(b[4:10])
	b[10], b[11] = byte(query.Socket>>8), byte(query.Socket)
	b[12], b[13] = byte(port>>8), byte(port)
	return b
}

// Run is a convenience loop for carriers that deliver frames over a
// channel rather than calling Handle synchronously. It drains frames until
// ctx is cancelled or the channel closes.
func (r *Router) Run(ctx context.Context, frames <-chan Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			r.Handle(f)
		}
	}
}
