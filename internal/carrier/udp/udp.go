// Package udp implements the IPX-over-UDP carrier: peer discovery via
// broadcast, an address cache for unicasting once a peer has replied, and
// an interface cache built from the host's IPv4-bearing interfaces plus a
// synthetic wildcard interface that aggregates every broadcast domain.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/solemn-relay/goipx/internal/addrcache"
	"github.com/solemn-relay/goipx/internal/iface"
	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/ipxpacket"
	"github.com/solemn-relay/goipx/internal/router"
)

// DefaultPort is the listen/broadcast port for the IPX-over-UDP carrier.
const DefaultPort uint16 = 54792

// maxDatagram bounds a single read, large enough for a full IPX packet.
const maxDatagram = 65535

var (
	// ErrNetUnreach mirrors the socket layer's NETUNREACH: no broadcast
	// address is available for the source interface.
	ErrNetUnreach = errors.New("carrier/udp: network unreachable")
	// ErrNetDown mirrors NETDOWN: the carrier has no listening socket.
	ErrNetDown = errors.New("carrier/udp: network is down")
)

// Config bundles the collaborators a Carrier needs.
type Config struct {
	Port      uint16
	W95Bug    bool
	Net       ipxaddr.Net // network number assigned to every local interface
	AddrCache *addrcache.Cache
	Logger    *slog.Logger

	// InterfaceAddrs enumerates the host's IPv4 interfaces; defaults to
	// net.InterfaceAddrs-derived enumeration when nil. Exposed for tests.
	InterfaceAddrs func() ([]net.Addr, error)
}

// Carrier is the IPX-over-UDP transport: one UDP socket shared for both
// broadcast discovery and unicast traffic, plus the interface cache that
// describes the host's IP bindings.
type Carrier struct {
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	port    uint16
	w95Bug  bool
	net     ipxaddr.Net
	node    ipxaddr.Node
	cache   *addrcache.Cache
	ifaces  *iface.Cache
	router  *router.Router
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New opens the carrier's UDP socket and builds its interface cache. The
// carrier does not start receiving until Run is called.
func New(cfg Config) (*Carrier, error) {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}

	node, err := ipxaddr.RandomNode()
	if err != nil {
		return nil, fmt.Errorf("carrier/udp: generate wildcard node: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("carrier/udp: listen :%d: %w", port, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("carrier/udp: enable control messages: %w", err)
	}

	c := &Carrier{
		conn:   conn,
		pconn:  pconn,
		port:   port,
		w95Bug: cfg.W95Bug,
		net:    cfg.Net,
		node:   node,
		cache:  cfg.AddrCache,
		logger: cfg.Logger.With(slog.String("component", "carrier.udp")),
	}

	addrFn := cfg.InterfaceAddrs
	if addrFn == nil {
		addrFn = defaultInterfaceAddrs
	}
	c.ifaces = iface.New(iface.DefaultTTL, func() ([]iface.Interface, error) {
		return buildInterfaces(cfg.Net, node, addrFn)
	}, c.logger)

	return c, nil
}

// Ifaces exposes the interface cache for wiring into the socket layer and
// router's source validator.
func (c *Carrier) Ifaces() *iface.Cache { return c.ifaces }

// AttachRouter sets the router.Router packets are handed to as they
// arrive. Must be called before Run.
func (c *Carrier) AttachRouter(r *router.Router) { c.router = r }

// BuildInterfaces enumerates the host's IPX-over-UDP interfaces the same
// way New does, without opening a UDP socket. Exposed for read-only
// inspection tools that would otherwise contend for the carrier's port.
func BuildInterfaces(netNum ipxaddr.Net) ([]iface.Interface, error) {
	node, err := ipxaddr.RandomNode()
	if err != nil {
		return nil, fmt.Errorf("carrier/udp: generate wildcard node: %w", err)
	}
	return buildInterfaces(netNum, node, defaultInterfaceAddrs)
}

func defaultInterfaceAddrs() ([]net.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Addr
	for _, i := range ifaces {
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		out = append(out, addrs...)
	}
	return out, nil
}

// buildInterfaces reports a wildcard interface first, then one interface
// per IPv4 address that addrFn returns, each holding that one address's
// binding. Addresses that belong to the same host interface are not
// grouped into a single interface.
func buildInterfaces(netNum ipxaddr.Net, wildcardNode ipxaddr.Node, addrFn func() ([]net.Addr, error)) ([]iface.Interface, error) {
	addrs, err := addrFn()
	if err != nil {
		return nil, fmt.Errorf("carrier/udp: enumerate interface addresses: %w", err)
	}

	wildcard := iface.Interface{Net: netNum, Node: wildcardNode, Primary: true}

	out := []iface.Interface{wildcard}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP.To4())
		if !ok {
			continue
		}
		mask, ok := netip.AddrFromSlice(net.IP(ipNet.Mask).To4())
		if !ok {
			continue
		}
		if ones, bits := ipNet.Mask.Size(); ones == bits {
			// Point-to-point interface: the reported /32 hides the real
			// subnet, so broadcast discovery against it would never reach
			// the peer. Resolve the actual prefix via the routing table.
			if resolved, err := iface.ResolvePointToPointNetmask(ip); err == nil {
				mask = resolved
			}
		}
		bcast := broadcastOf(ip, mask)

		node, err := nodeFromIP(ip)
		if err != nil {
			continue
		}

		wildcard.Bindings = append(wildcard.Bindings, iface.Binding{Addr: ip, Netmask: mask, Broadcast: bcast})
		out = append(out, iface.Interface{
			Net:      netNum,
			Node:     node,
			Bindings: []iface.Binding{{Addr: ip, Netmask: mask, Broadcast: bcast}},
		})
	}
	out[0] = wildcard

	return out, nil
}

// nodeFromIP derives a stable node number from an IPv4 address so per-
// interface entries are distinguishable without a real MAC. The locally
// administered bit is set to avoid colliding with real NIC addresses.
func nodeFromIP(ip netip.Addr) (ipxaddr.Node, error) {
	b := ip.As4()
	var node [6]byte
	node[0] = 0x02
	copy(node[2:], b[:])
	return ipxaddr.NodeFromBytes(node[:]), nil
}

func broadcastOf(ip, mask netip.Addr) netip.Addr {
	ipb, maskb := ip.As4(), mask.As4()
	var out [4]byte
	for i := range out {
		out[i] = ipb[i] | ^maskb[i]
	}
	return netip.AddrFrom4(out)
}

// Run drains the UDP socket until ctx is cancelled, handing each decoded
// packet to the attached router.
func (c *Carrier) Run(ctx context.Context) error {
	if c.router == nil {
		return fmt.Errorf("carrier/udp: Run called before AttachRouter")
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
		close(done)
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, _, peer, err := c.pconn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				<-done
				return nil
			default:
				return fmt.Errorf("carrier/udp: read: %w", err)
			}
		}

		h, payload, err := ipxpacket.Unmarshal(buf[:n])
		if err != nil {
			c.logger.Debug("dropping malformed datagram", slog.Any("error", err))
			continue
		}

		udpAddr, ok := peer.(*net.UDPAddr)
		if !ok {
			continue
		}
		srcIP, ok := netip.AddrFromSlice(udpAddr.IP.To4())
		if !ok {
			continue
		}

		c.router.Handle(router.Frame{
			Header:   h,
			Payload:  append([]byte(nil), payload...),
			SourceIP: netip.AddrPortFrom(srcIP, uint16(udpAddr.Port)), //nolint:gosec // G115: UDP port always fits uint16
			HasIP:    true,
		})
	}
}

// Close shuts down the carrier's UDP socket.
func (c *Carrier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Send unicasts to a cached peer, or broadcasts once per broadcast address
// known to the source interface.
func (c *Carrier) Send(ptype uint8, src, dst router.Address, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrNetDown
	}

	buf := make([]byte, ipxpacket.HeaderLen+len(payload))
	if _, err := ipxpacket.Marshal(buf, ipxpacket.Header{
		Hops: 0, Type: ptype,
		DestNet: dst.Net, DestNode: dst.Node, DestSock: dst.Socket,
		SrcNet: src.Net, SrcNode: src.Node, SrcSock: src.Socket,
	}, payload); err != nil {
		return fmt.Errorf("carrier/udp: marshal packet: %w", err)
	}

	if c.cache != nil {
		if addr, ok := c.cache.Get(dst.Net, dst.Node, dst.Socket); ok {
			return c.sendTo(addr, buf)
		}
	}

	return c.broadcastFrom(src, buf)
}

func (c *Carrier) sendTo(addr netip.AddrPort, buf []byte) error {
	_, err := c.conn.WriteToUDPAddrPort(buf, addr)
	if err != nil {
		return fmt.Errorf("carrier/udp: send to %s: %w", addr, err)
	}
	return nil
}

// broadcastFrom enumerates the source interface's IP bindings and
// broadcasts once per broadcast address. A source interface with no IP
// bindings (should not occur once buildInterfaces has run) fails
// NETUNREACH.
func (c *Carrier) broadcastFrom(src router.Address, buf []byte) error {
	found, ok, err := c.ifaces.ByAddr(src.Net, src.Node)
	if err != nil {
		return fmt.Errorf("carrier/udp: resolve source interface: %w", err)
	}
	if !ok || len(found.Bindings) == 0 {
		return fmt.Errorf("%w: source interface has no IP bindings", ErrNetUnreach)
	}

	var sendErr error
	sentAny := false
	for _, b := range found.Bindings {
		addr := netip.AddrPortFrom(b.Broadcast, c.port)
		if err := c.sendTo(addr, buf); err != nil {
			sendErr = err
			continue
		}
		sentAny = true
	}
	if !sentAny {
		if sendErr != nil {
			return sendErr
		}
		return ErrNetUnreach
	}
	return nil
}

// Reply sends a raw payload directly to dst, used for IPX_MAGIC_SPXLOOKUP
// replies and SPX lookup broadcasts originating from the spx package.
func (c *Carrier) Reply(dst netip.AddrPort, payload []byte) error {
	return c.sendTo(dst, payload)
}

// BroadcastAddrs returns every known broadcast address, for the spx
// package's connect-time lookup broadcast.
func (c *Carrier) BroadcastAddrs() ([]netip.Addr, error) {
	ifaces, err := c.ifaces.Snapshot()
	if err != nil {
		return nil, err
	}
	seen := make(map[netip.Addr]bool)
	var out []netip.Addr
	for _, i := range ifaces {
		for _, b := range i.Bindings {
			if !seen[b.Broadcast] {
				seen[b.Broadcast] = true
				out = append(out, b.Broadcast)
			}
		}
	}
	return out, nil
}

// ValidateSource implements the router's SourceValidator: the source IP
// must fall within the netmask of one of the destination interface's
// bindings. Packets to the broadcast node or the broadcast net, and packets
// whose destination interface is unknown or has no bindings, are accepted
// without that check.
func (c *Carrier) ValidateSource(dest router.Address, src netip.AddrPort) bool {
	if dest.Node == ipxaddr.NodeBroadcast || dest.Net == ipxaddr.NetBroadcast {
		return true
	}
	found, ok, err := c.ifaces.ByAddr(dest.Net, dest.Node)
	if err != nil || !ok {
		return true
	}
	for _, b := range found.Bindings {
		if b.Contains(src.Addr()) {
			return true
		}
	}
	if len(found.Bindings) == 0 {
		return true
	}
	return false
}
