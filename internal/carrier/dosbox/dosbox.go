// Package dosbox implements the relay carrier: a single UDP peer speaking
// the DOSBox-compatible IPX protocol. Unlike the udp carrier there is no
// broadcast discovery; a registration handshake with the relay assigns this
// instance's network/node, after which every packet — including IPX_MAGIC_
// COALESCED envelopes — travels to or from that one address.
package dosbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solemn-relay/goipx/internal/coalesce"
	"github.com/solemn-relay/goipx/internal/iface"
	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/ipxpacket"
	"github.com/solemn-relay/goipx/internal/router"
)

// DefaultPort is the DOSBox IPX server's default UDP port.
const DefaultPort uint16 = 213

// socketEcho is the well-known IPX socket both the registration request and
// response carry, matching the relay's handshake packet.
const socketEcho uint16 = 2

// registrationType is the IPX packet type the relay expects on a
// registration request; numerically this is ECHO, reused as a handshake
// marker the same way the relay itself does.
const registrationType uint8 = 2

const maxDatagram = 65535

var (
	// ErrNotConnected rejects a send attempted before registration with the
	// relay has completed.
	ErrNotConnected = errors.New("carrier/dosbox: not yet registered with the relay")
	// ErrWrongSource rejects a send whose claimed source does not match the
	// net/node the relay assigned this instance.
	ErrWrongSource = errors.New("carrier/dosbox: source address does not match the relay-assigned address")
)

type state int32

const (
	stateDisconnected state = iota
	stateRegistering
	stateConnected
)

// Config bundles the collaborators a Carrier needs.
type Config struct {
	ServerAddr netip.AddrPort

	// Coalesce enables the adaptive packet batcher. When true, New builds
	// a coalesce.Table whose Flusher is this carrier's own relay send
	// path — a Table can't be constructed by the caller in advance
	// because its Flusher must close over the carrier it ends up inside.
	Coalesce        bool
	CoalesceMetrics coalesce.Metrics

	Logger *slog.Logger
}

// Carrier is the DOSBox-compatible relay transport.
type Carrier struct {
	conn     *net.UDPConn
	server   netip.AddrPort
	coalesce *coalesce.Table

	state     atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once

	mu   sync.Mutex
	net  ipxaddr.Net
	node ipxaddr.Node

	ifaces *iface.Cache
	router *router.Router
	logger *slog.Logger

	closeMu sync.Mutex
	closed  bool
}

// New opens the relay's UDP socket and builds the (initially empty)
// interface cache. The carrier does not register with the relay or start
// receiving until Run is called.
func New(cfg Config) (*Carrier, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("carrier/dosbox: listen: %w", err)
	}

	c := &Carrier{
		conn:   conn,
		server: cfg.ServerAddr,
		ready:  make(chan struct{}),
		logger: cfg.Logger.With(slog.String("component", "carrier.dosbox")),
	}
	c.ifaces = iface.New(iface.DefaultTTL, c.buildInterfaces, c.logger)

	if cfg.Coalesce {
		c.coalesce = coalesce.New(coalesce.Config{
			Enabled: true,
			Flush:   c.flush,
			Metrics: cfg.CoalesceMetrics,
			Logger:  cfg.Logger,
		})
	}

	return c, nil
}

// Ifaces exposes the interface cache for wiring into the socket layer.
func (c *Carrier) Ifaces() *iface.Cache { return c.ifaces }

// AttachRouter sets the router.Router packets are handed to as they arrive.
// Must be called before Run.
func (c *Carrier) AttachRouter(r *router.Router) { c.router = r }

// Ready returns a channel closed once the relay has assigned this instance
// a network/node, so callers can implement a bind-time wait for
// registration to complete before opening local sockets.
func (c *Carrier) Ready() <-chan struct{} { return c.ready }

// Assigned returns the net/node the relay assigned this instance, valid
// only once Ready is closed.
func (c *Carrier) Assigned() (ipxaddr.Net, ipxaddr.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.net, c.node
}

// buildInterfaces reports one interface keyed on the net/node the relay
// assigned, with no IP bindings. Before registration completes there is
// nothing to report.
func (c *Carrier) buildInterfaces() ([]iface.Interface, error) {
	if state(c.state.Load()) != stateConnected {
		return nil, nil
	}
	c.mu.Lock()
	netNum, node := c.net, c.node
	c.mu.Unlock()
	return []iface.Interface{{Net: netNum, Node: node, Primary: true}}, nil
}

// Run sends the registration request, then drains the relay socket until
// ctx is cancelled, inflating IPX_MAGIC_COALESCED envelopes and handing
// every other packet to the attached router.
func (c *Carrier) Run(ctx context.Context) error {
	if c.router == nil {
		return fmt.Errorf("carrier/dosbox: Run called before AttachRouter")
	}
	if err := c.sendRegistration(); err != nil {
		return err
	}

	if c.coalesce != nil {
		go c.coalesce.Run(ctx)
	}

	go func() {
		<-ctx.Done()
		c.closeConn()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("carrier/dosbox: read: %w", err)
			}
		}

		if peer.Addr() != c.server.Addr() || peer.Port() != c.server.Port() {
			c.logger.Debug("ignoring datagram from non-relay peer", slog.String("peer", peer.String()))
			continue
		}

		h, payload, err := ipxpacket.Unmarshal(buf[:n])
		if err != nil {
			c.logger.Debug("dropping malformed datagram from relay", slog.Any("error", err))
			continue
		}

		switch state(c.state.Load()) {
		case stateRegistering:
			c.handleRegistrationResponse(h)
		case stateConnected:
			c.deliver(h, payload)
		}
	}
}

// sendRegistration sends the handshake request that asks the relay to
// assign this instance a network/node, matching the relay's expected
// registration packet layout exactly: a bare IPX header addressed
// 0/0/ECHO to 0/0/ECHO with no payload.
func (c *Carrier) sendRegistration() error {
	buf := make([]byte, ipxpacket.HeaderLen)
	if _, err := ipxpacket.Marshal(buf, ipxpacket.Header{
		Type:     registrationType,
		DestSock: socketEcho,
		SrcSock:  socketEcho,
	}, nil); err != nil {
		return fmt.Errorf("carrier/dosbox: build registration request: %w", err)
	}

	c.state.Store(int32(stateRegistering))
	if err := c.flush(buf); err != nil {
		return fmt.Errorf("carrier/dosbox: send registration request: %w", err)
	}
	return nil
}

// handleRegistrationResponse applies the relay's assigned net/node and
// flips to the connected state. ipxpacket.Unmarshal has already confirmed
// the wire length field agrees with the datagram size.
func (c *Carrier) handleRegistrationResponse(h ipxpacket.Header) {
	c.mu.Lock()
	c.net, c.node = h.DestNet, h.DestNode
	c.mu.Unlock()

	c.state.Store(int32(stateConnected))
	if err := c.ifaces.Reload(); err != nil {
		c.logger.Warn("failed to rebuild interface cache after registration", slog.Any("error", err))
	}

	c.readyOnce.Do(func() { close(c.ready) })
	c.logger.Info("connected to relay", slog.String("net", h.DestNet.String()), slog.String("node", h.DestNode.String()))
}

// deliver routes one packet received from the relay: a coalesced envelope
// is inflated into its constituent packets, anything else goes straight to
// the router. SourceIP is always the relay's own address — from this
// instance's perspective, the relay is the only place packets ever arrive
// from, including SPXLOOKUP queries forwarded on a remote peer's behalf.
func (c *Carrier) deliver(h ipxpacket.Header, payload []byte) {
	if h.Type == ipxpacket.MagicCoalesced {
		c.inflate(payload)
		return
	}
	c.router.Handle(router.Frame{
		Header:   h,
		Payload:  append([]byte(nil), payload...),
		SourceIP: c.server,
		HasIP:    true,
	})
}

// inflate splits a coalesced envelope's payload back into the individual
// complete IPX packets it concatenates, each carrying its own length field,
// and hands each to the router in turn.
func (c *Carrier) inflate(buf []byte) {
	for len(buf) > 0 {
		if len(buf) < ipxpacket.HeaderLen {
			c.logger.Debug("dropping truncated coalesced fragment")
			return
		}
		length := binary.BigEndian.Uint16(buf[2:4])
		if int(length) < ipxpacket.HeaderLen || int(length) > len(buf) {
			c.logger.Debug("dropping malformed coalesced fragment", slog.Int("length_field", int(length)))
			return
		}

		h, payload, err := ipxpacket.Unmarshal(buf[:length])
		if err != nil {
			c.logger.Debug("dropping unparseable coalesced fragment", slog.Any("error", err))
			return
		}

		c.router.Handle(router.Frame{
			Header:   h,
			Payload:  append([]byte(nil), payload...),
			SourceIP: c.server,
			HasIP:    true,
		})

		buf = buf[length:]
	}
}

func (c *Carrier) closeConn() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}

// Close shuts down the relay socket and flushes any pending coalesced
// buffers.
func (c *Carrier) Close() error {
	if c.coalesce != nil {
		c.coalesce.Close()
	}
	c.closeConn()
	return nil
}

// flush writes one already-framed IPX packet to the relay. It satisfies
// coalesce.Flusher as well as Send's own direct-send path.
func (c *Carrier) flush(payload []byte) error {
	if _, err := c.conn.WriteToUDPAddrPort(payload, c.server); err != nil {
		return fmt.Errorf("carrier/dosbox: send to relay: %w", err)
	}
	return nil
}

// Send requires a completed registration and requires src's net and node to
// match the relay-assigned address (the socket number is not compared),
// builds a Novell IPX packet, and either coalesces
// it or sends it to the relay immediately.
func (c *Carrier) Send(ptype uint8, src, dst router.Address, payload []byte) error {
	if state(c.state.Load()) != stateConnected {
		return ErrNotConnected
	}

	c.mu.Lock()
	netNum, node := c.net, c.node
	c.mu.Unlock()
	if src.Net != netNum || src.Node != node {
		return fmt.Errorf("carrier/dosbox: source %v/%v: %w", src.Net, src.Node, ErrWrongSource)
	}

	buf := make([]byte, ipxpacket.HeaderLen+len(payload))
	if _, err := ipxpacket.Marshal(buf, ipxpacket.Header{
		Hops: 0, Type: ptype,
		DestNet: dst.Net, DestNode: dst.Node, DestSock: dst.Socket,
		SrcNet: src.Net, SrcNode: src.Node, SrcSock: src.Socket,
	}, payload); err != nil {
		return fmt.Errorf("carrier/dosbox: marshal packet: %w", err)
	}

	if c.coalesce != nil {
		if c.coalesce.Send(time.Now(), src.Net, src.Node, dst.Net, dst.Node, dst.Socket, buf) {
			return nil
		}
	}

	return c.flush(buf)
}

// Reply sends a raw payload back to the relay, used for IPX_MAGIC_SPXLOOKUP
// replies. dst is ignored: under this carrier the relay is the only
// reachable peer, and it forwards the reply to whichever remote instance
// actually queried.
func (c *Carrier) Reply(_ netip.AddrPort, payload []byte) error {
	return c.flush(payload)
}
