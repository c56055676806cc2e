// Package ethernet implements the raw-Ethernet carrier: one capture handle
// per physical interface, encapsulated with whichever of the three frame
// codecs (internal/frame) the interface is configured for. Opening the
// platform raw socket is split into ethernet_linux.go; this file holds the
// carrier logic shared across platforms.
package ethernet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/solemn-relay/goipx/internal/frame"
	"github.com/solemn-relay/goipx/internal/iface"
	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/router"
)

// maxFrame bounds a single read; larger than any Ethernet MTU this carrier
// will see.
const maxFrame = 9000

var (
	// ErrNetDown mirrors the socket layer's NETDOWN: the carrier has no
	// capture handle for the requested source interface.
	ErrNetDown = errors.New("carrier/ethernet: network is down")
	// ErrNoInterfaces means enumeration found nothing to open a capture
	// handle on.
	ErrNoInterfaces = errors.New("carrier/ethernet: no usable interfaces found")
)

// socket is the platform-specific raw-capture handle. Linux implements it
// over an AF_PACKET socket in ethernet_linux.go.
type socket interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// openSocket opens a raw capture handle bound to ifi. Platform-specific.
var openSocket func(ifi net.Interface) (socket, error)

// Config bundles the collaborators a Carrier needs.
type Config struct {
	Net       ipxaddr.Net
	FrameType frame.Type

	// Interfaces restricts capture to the named interfaces; nil selects
	// every up, non-loopback interface with a hardware address.
	Interfaces []string
	Logger     *slog.Logger

	// ListInterfaces enumerates candidate host interfaces; defaults to
	// net.Interfaces. Exposed for tests.
	ListInterfaces func() ([]net.Interface, error)
}

type capture struct {
	name string
	mac  [6]byte
	sock socket
}

// Carrier is the raw-Ethernet transport: one capture handle per physical
// interface, each contributing one entry to the interface cache keyed by
// the interface's MAC address.
type Carrier struct {
	frameType frame.Type
	net       ipxaddr.Net
	captures  []*capture
	ifaces    *iface.Cache
	router    *router.Router
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New opens a capture handle on every selected interface and builds the
// carrier's interface cache. The carrier does not start receiving until
// Run is called.
func New(cfg Config) (*Carrier, error) {
	if openSocket == nil {
		return nil, errors.New("carrier/ethernet: raw capture not supported on this platform")
	}

	logger := cfg.Logger.With(slog.String("component", "carrier.ethernet"))

	list := cfg.ListInterfaces
	if list == nil {
		list = net.Interfaces
	}
	ifis, err := selectInterfaces(list, cfg.Interfaces)
	if err != nil {
		return nil, err
	}
	if len(ifis) == 0 {
		return nil, ErrNoInterfaces
	}

	c := &Carrier{
		frameType: cfg.FrameType,
		net:       cfg.Net,
		logger:    logger,
	}

	for _, ifi := range ifis {
		sock, err := openSocket(ifi)
		if err != nil {
			c.closeCaptures()
			return nil, fmt.Errorf("carrier/ethernet: open capture on %s: %w", ifi.Name, err)
		}
		var mac [6]byte
		copy(mac[:], ifi.HardwareAddr)
		c.captures = append(c.captures, &capture{name: ifi.Name, mac: mac, sock: sock})
	}

	c.ifaces = iface.New(iface.DefaultTTL, c.buildInterfaces, logger)

	return c, nil
}

func selectInterfaces(list func() ([]net.Interface, error), names []string) ([]net.Interface, error) {
	all, err := list()
	if err != nil {
		return nil, fmt.Errorf("carrier/ethernet: enumerate interfaces: %w", err)
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var out []net.Interface
	for _, ifi := range all {
		if len(names) > 0 && !want[ifi.Name] {
			continue
		}
		if len(names) == 0 {
			if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
				continue
			}
			if len(ifi.HardwareAddr) != 6 {
				continue
			}
		}
		out = append(out, ifi)
	}
	return out, nil
}

// buildInterfaces reports one IPX interface per opened capture handle,
// using the interface's MAC as the node.
func (c *Carrier) buildInterfaces() ([]iface.Interface, error) {
	out := make([]iface.Interface, 0, len(c.captures))
	for _, cp := range c.captures {
		out = append(out, iface.Interface{
			Net:     c.net,
			Node:    ipxaddr.NodeFromBytes(cp.mac[:]),
			Primary: len(out) == 0,
			Handle:  cp,
		})
	}
	return out, nil
}

// Ifaces exposes the interface cache for wiring into the socket layer.
func (c *Carrier) Ifaces() *iface.Cache { return c.ifaces }

// AttachRouter sets the router.Router packets are handed to as they
// arrive. Must be called before Run.
func (c *Carrier) AttachRouter(r *router.Router) { c.router = r }

// Run drains every capture handle concurrently until ctx is cancelled,
// decoding each frame with the carrier's configured codec and handing it to
// the attached router.
func (c *Carrier) Run(ctx context.Context) error {
	if c.router == nil {
		return fmt.Errorf("carrier/ethernet: Run called before AttachRouter")
	}

	go func() {
		<-ctx.Done()
		c.closeCaptures()
	}()

	var wg sync.WaitGroup
	errs := make(chan error, len(c.captures))
	for _, cp := range c.captures {
		wg.Add(1)
		go func(cp *capture) {
			defer wg.Done()
			if err := c.recvLoop(ctx, cp); err != nil {
				errs <- err
			}
		}(cp)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Carrier) recvLoop(ctx context.Context, cp *capture) error {
	buf := make([]byte, maxFrame)
	for {
		n, err := cp.sock.Read(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("carrier/ethernet: read on %s: %w", cp.name, err)
			}
		}

		h, payload, err := c.frameType.Unpack(buf[:n])
		if err != nil {
			c.logger.Debug("dropping unparseable frame",
				slog.String("interface", cp.name), slog.Any("error", err))
			continue
		}

		c.router.Handle(router.Frame{
			Header:  h,
			Payload: append([]byte(nil), payload...),
		})
	}
}

func (c *Carrier) closeCaptures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, cp := range c.captures {
		_ = cp.sock.Close()
	}
}

// Close shuts down every capture handle.
func (c *Carrier) Close() error {
	c.closeCaptures()
	return nil
}

// Send locates the IPX interface owning src, packs via the configured
// codec, and writes to its capture handle.
func (c *Carrier) Send(ptype uint8, src, dst router.Address, payload []byte) error {
	found, ok, err := c.ifaces.ByAddr(src.Net, src.Node)
	if err != nil {
		return fmt.Errorf("carrier/ethernet: resolve source interface: %w", err)
	}
	if !ok {
		return ErrNetDown
	}
	cp, ok := found.Handle.(*capture)
	if !ok {
		return ErrNetDown
	}

	destMAC := macOf(dst.Node)
	srcMAC := macOf(src.Node)

	size := c.frameType.Size(len(payload))
	if size == 0 {
		return fmt.Errorf("carrier/ethernet: payload of %d bytes too large for %s frames", len(payload), c.frameType)
	}
	buf := make([]byte, size)
	if _, err := c.frameType.Pack(buf, destMAC, srcMAC, frame.Addressing{
		PacketType: ptype,
		SrcNet:     src.Net, SrcNode: src.Node, SrcSock: src.Socket,
		DestNet: dst.Net, DestNode: dst.Node, DestSock: dst.Socket,
	}, payload); err != nil {
		return fmt.Errorf("carrier/ethernet: pack frame: %w", err)
	}

	if _, err := cp.sock.Write(buf); err != nil {
		return fmt.Errorf("carrier/ethernet: write to %s: %w", cp.name, err)
	}
	return nil
}

func macOf(node ipxaddr.Node) [6]byte {
	if node == ipxaddr.NodeBroadcast {
		return [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	}
	var b [6]byte
	node.PutBytes(b[:])
	return b
}
