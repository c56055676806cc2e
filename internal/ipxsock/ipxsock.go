// Package ipxsock implements the AF_IPX socket layer: per-socket state,
// bind/connect/listen/accept/shutdown/close, per-socket receive queues with
// backpressure, and socket option handling. The router delivers incoming
// packets here through Registry.Dispatch; sendto forwards outgoing packets
// through a carrier-supplied Sender.
//
// The original winsock shim ran one IPX "socket" per OS process and relayed
// delivered packets to it over a private loopback UDP connection, because
// the router lived in a separate process from the application. This daemon
// holds both the router and every socket in one process, so Dispatch writes
// directly into a socket's receive queue instead of proxying the packet
// through a real OS socket: the recv queue keeps the same FREE/ready[] slot
// model, but the LOCKED-slot/refcount handoff that existed only to survive
// a blocking cross-process recv is gone, since delivery here never blocks.
package ipxsock

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solemn-relay/goipx/internal/addrtable"
	"github.com/solemn-relay/goipx/internal/iface"
	"github.com/solemn-relay/goipx/internal/ipxaddr"
)

// Flag is one bit of a socket's closed flag set.
type Flag uint16

const (
	FlagFilter Flag = 1 << iota
	FlagBound
	FlagBroadcast
	FlagSend
	FlagRecv
	FlagReuse
	FlagConnected
	FlagRecvBcast
	FlagExtAddr
	FlagIsSPX
	FlagIsSPXII
	FlagListening
	FlagConnectOK
)

// Family and Type mirror the two socket kinds the layer supports.
type Family int

const AF_IPX Family = 1

type SockType int

const (
	SockDatagram SockType = iota
	SockStream
)

// Handle is an opaque per-socket identifier.
type Handle uint64

// Address is the IPX analogue of sockaddr_ipx: a network/node/socket triple
// plus an optional packet-type override used only when FlagExtAddr is set.
type Address struct {
	Net        ipxaddr.Net
	Node       ipxaddr.Node
	Socket     uint16
	PacketType uint8
	HasPType   bool
}

func (a Address) isWildcardNet() bool  { return a.Net == ipxaddr.NetThis }
func (a Address) isWildcardNode() bool { return a.Node == ipxaddr.NodeWildcard }

// Sentinel errors, named after the BSD errno they stand in for.
var (
	ErrAddrNotAvail  = errors.New("ipxsock: address not available")
	ErrAddrInUse     = errors.New("ipxsock: address in use")
	ErrNetUnreach    = errors.New("ipxsock: network unreachable")
	ErrNetDown       = errors.New("ipxsock: network is down")
	ErrShutdown      = errors.New("ipxsock: socket shut down for this operation")
	ErrNotConnected  = errors.New("ipxsock: socket is not connected")
	ErrInvalid       = errors.New("ipxsock: invalid argument")
	ErrNotFound      = errors.New("ipxsock: socket handle not found")
	ErrWouldBlock    = errors.New("ipxsock: operation would block")
	ErrNotListening  = errors.New("ipxsock: socket is not listening")
	ErrOptNotSupport = errors.New("ipxsock: unsupported socket option")
)

// Sender forwards an already-addressed IPX packet to the active carrier's
// encapsulation send path. It is supplied by whatever wires a Registry to a
// carrier, so ipxsock never imports a carrier package directly.
type Sender func(ptype uint8, src, dst Address, payload []byte) error

// Metrics receives socket-layer counters. nil is a valid Config value and
// disables metrics entirely.
type Metrics interface {
	SetSocketsActive(n int)
}

// Inbound is one packet handed to Dispatch by the router.
type Inbound struct {
	PacketType uint8
	Src        Address
	Dst        Address
	Payload    []byte
}

// ReadyTimeout bounds how long Bind waits for a carrier that assigns its
// own network/node asynchronously (the dosbox relay handshake) to become
// ready, rather than failing NETDOWN/ADDRNOTAVAIL immediately.
const ReadyTimeout = 3 * time.Second

// Config bundles the collaborators a Registry needs but does not own.
type Config struct {
	Ifaces   *iface.Cache
	Table    *addrtable.Table
	Sender   Sender
	Metrics  Metrics
	W95Bug   bool // emulate the legacy SO_BROADCAST-required-to-receive-broadcast bug
	Logger   *slog.Logger
	QueueLen int // recv queue depth per socket; 0 selects DefaultQueueLen

	// Ready, if non-nil, is closed once the active carrier has assigned
	// itself a network/node. Bind waits on it (up to ReadyTimeout) before
	// resolving a wildcard address, so a bind issued during the dosbox
	// relay's registration handshake polls instead of failing outright.
	// Carriers whose interfaces are available immediately (udp, ethernet)
	// leave this nil.
	Ready <-chan struct{}
}

// Registry owns every live socket in the process. mu protects the handle
// map and each socket's own mu protects its mutable fields, following the
// "sockets lock -> interface-cache lock -> address-cache lock" ordering:
// Registry methods never call out to iface or addrtable while holding
// mu for longer than the lookup itself requires.
type Registry struct {
	mu      sync.RWMutex
	sockets map[Handle]*socket
	next    atomic.Uint64

	ifaces  *iface.Cache
	table   *addrtable.Table
	sender  Sender
	metrics Metrics
	w95Bug  bool
	qlen    int
	ready   <-chan struct{}
	logger  *slog.Logger
}

// DefaultQueueLen is the recv queue depth for a socket when Config.QueueLen
// is zero.
const DefaultQueueLen = 64

// MaxPayload bounds a single queued packet's payload.
const MaxPayload = 1500

func NewRegistry(cfg Config) *Registry {
	qlen := cfg.QueueLen
	if qlen <= 0 {
		qlen = DefaultQueueLen
	}
	return &Registry{
		sockets: make(map[Handle]*socket),
		ifaces:  cfg.Ifaces,
		table:   cfg.Table,
		sender:  cfg.Sender,
		metrics: cfg.Metrics,
		w95Bug:  cfg.W95Bug,
		qlen:    qlen,
		ready:   cfg.Ready,
		logger:  cfg.Logger.With(slog.String("component", "ipxsock")),
	}
}

// reportSocketCount pushes the current live-socket count to metrics, if
// configured. Callers must not hold r.mu.
func (r *Registry) reportSocketCount() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetSocketsActive(r.Count())
}

type socket struct {
	mu sync.Mutex

	handle   Handle
	sockType SockType

	flags       Flag
	sentPType   uint8
	filterPType uint8

	local  Address
	remote Address

	queue      *recvQueue
	conn       net.Conn // SPX stream, nil for datagram sockets
	listenPort uint16   // native TCP port, set once Listen'ing is backed by a real listener
}

func (s *socket) hasFlag(f Flag) bool {
	return s.flags&f != 0
}

// Create allocates a new unbound socket. AF_IPX+datagram sockets carry IPX
// or SPXII packets (caller chooses by setting FlagIsSPXII through
// SetFlags); AF_IPX+stream sockets are
// SPX and require a carrier capable of a TCP handoff for connect/accept.
func (r *Registry) Create(family Family, typ SockType) (Handle, error) {
	if family != AF_IPX {
		return 0, fmt.Errorf("%w: unsupported family %d", ErrInvalid, family)
	}

	h := Handle(r.next.Add(1))
	s := &socket{
		handle:   h,
		sockType: typ,
		flags:    FlagSend | FlagRecv,
		queue:    newRecvQueue(r.qlen),
	}
	if typ == SockStream {
		s.flags |= FlagIsSPX
	}

	r.mu.Lock()
	r.sockets[h] = s
	r.mu.Unlock()
	r.reportSocketCount()

	return h, nil
}

func (r *Registry) get(h Handle) (*socket, error) {
	r.mu.RLock()
	s, ok := r.sockets[h]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Bind resolves wildcards in addr against the interface cache, requiring
// exactly one match, then claims a socket number (auto-allocating from 1024
// upward when addr.Socket is zero) and marks the socket bound.
func (r *Registry) Bind(h Handle, addr Address) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}

	r.awaitReady()

	resolved, err := r.resolveBindAddr(addr)
	if err != nil {
		return err
	}

	sock := resolved.Socket
	reuse := false

	s.mu.Lock()
	reuse = s.hasFlag(FlagReuse)
	s.mu.Unlock()

	if r.table != nil {
		if sock == 0 {
			sock = r.table.AutoSocket()
			if sock == 0 {
				return fmt.Errorf("%w: socket space exhausted", ErrAddrNotAvail)
			}
		} else if !r.table.Check(sock, reuse) {
			return ErrAddrInUse
		}
		if err := r.table.Add(addrtable.Entry{
			Net: resolved.Net, Node: resolved.Node, Socket: sock, Reuse: reuse,
			PID: int64(os.Getpid()),
		}); err != nil {
			return fmt.Errorf("ipxsock: claim socket number: %w", err)
		}
	} else if sock == 0 {
		sock = r.autoSocketLocal(reuse)
		if sock == 0 {
			return fmt.Errorf("%w: socket space exhausted", ErrAddrNotAvail)
		}
	} else if !r.localCheck(sock, reuse) {
		return ErrAddrInUse
	}

	resolved.Socket = sock

	s.mu.Lock()
	s.local = resolved
	s.flags |= FlagBound
	s.mu.Unlock()

	return nil
}

// awaitReady blocks until the configured carrier reports readiness or
// ReadyTimeout elapses, whichever comes first. A nil or already-closed
// channel returns immediately.
func (r *Registry) awaitReady() {
	if r.ready == nil {
		return
	}
	select {
	case <-r.ready:
	case <-time.After(ReadyTimeout):
	}
}

// resolveBindAddr matches addr against the interface cache. A wildcard
// net/node must match exactly one interface; an explicit net/node must
// match an interface exactly.
func (r *Registry) resolveBindAddr(addr Address) (Address, error) {
	if r.ifaces == nil {
		return addr, nil
	}

	if !addr.isWildcardNet() || !addr.isWildcardNode() {
		found, ok, err := r.ifaces.ByAddr(addr.Net, addr.Node)
		if err != nil {
			return Address{}, fmt.Errorf("ipxsock: bind: %w", err)
		}
		if !ok {
			return Address{}, ErrAddrNotAvail
		}
		return Address{Net: found.Net, Node: found.Node, Socket: addr.Socket}, nil
	}

	ifaces, err := r.ifaces.Snapshot()
	if err != nil {
		return Address{}, fmt.Errorf("ipxsock: bind: %w", err)
	}
	if len(ifaces) != 1 {
		return Address{}, ErrAddrNotAvail
	}
	return Address{Net: ifaces[0].Net, Node: ifaces[0].Node, Socket: addr.Socket}, nil
}

// localCheck and autoSocketLocal fall back to scanning the in-process
// socket map when no shared address table is configured.
func (r *Registry) localCheck(sock uint16, reuse bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sockets {
		s.mu.Lock()
		conflict := s.hasFlag(FlagBound) && s.local.Socket == sock && (!s.hasFlag(FlagReuse) || !reuse)
		s.mu.Unlock()
		if conflict {
			return false
		}
	}
	return true
}

func (r *Registry) autoSocketLocal(reuse bool) uint16 {
	for sock := 1024; sock <= 65535; sock++ {
		if r.localCheck(uint16(sock), reuse) {
			return uint16(sock)
		}
	}
	return 0
}

// Connect stores addr as the socket's remote address and marks it
// connected. A zero node address disconnects. SPX session establishment is
// composed by the caller from the spx package, which then attaches the
// stream with SetConn once the TCP handoff completes.
func (r *Registry) Connect(h Handle, addr Address) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if addr.Node == ipxaddr.NodeWildcard {
		s.flags &^= FlagConnected
		s.remote = Address{}
		return nil
	}

	s.remote = addr
	s.flags |= FlagConnected
	return nil
}

// SetConn attaches the backing net.Conn to an SPX socket after a successful
// native connect or accept, and marks it CONNECT_OK.
func (r *Registry) SetConn(h Handle, conn net.Conn, remote Address) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.remote = remote
	s.flags |= FlagConnected | FlagConnectOK
	return nil
}

// Listen marks an SPX socket as listening. The socket must already be
// bound.
func (r *Registry) Listen(h Handle) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasFlag(FlagIsSPX) {
		return fmt.Errorf("%w: listen is SPX-only", ErrInvalid)
	}
	if !s.hasFlag(FlagBound) {
		return fmt.Errorf("%w: socket is not bound", ErrInvalid)
	}
	s.flags |= FlagListening
	return nil
}

// Accept fabricates a new socket sharing the listening socket's local
// address, attaches conn, and records the peer's address learned from the
// spxinit handshake. It returns the new socket's handle.
func (r *Registry) Accept(listener Handle, conn net.Conn, peer Address) (Handle, error) {
	ls, err := r.get(listener)
	if err != nil {
		return 0, err
	}
	ls.mu.Lock()
	if !ls.hasFlag(FlagListening) {
		ls.mu.Unlock()
		return 0, ErrNotListening
	}
	local := ls.local
	ls.mu.Unlock()

	h := Handle(r.next.Add(1))
	s := &socket{
		handle:   h,
		sockType: SockStream,
		flags:    FlagSend | FlagRecv | FlagIsSPX | FlagBound | FlagConnected | FlagConnectOK,
		local:    local,
		remote:   peer,
		conn:     conn,
		queue:    newRecvQueue(r.qlen),
	}

	r.mu.Lock()
	r.sockets[h] = s
	r.mu.Unlock()
	r.reportSocketCount()

	return h, nil
}

// SendTo addresses and forwards payload through the configured Sender. The
// destination net resolves to the socket's local net when zero. A socket
// with FlagExtAddr set honors a packet-type override carried in dst.
func (r *Registry) SendTo(h Handle, dst Address, payload []byte) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.hasFlag(FlagIsSPX) {
		s.mu.Unlock()
		return fmt.Errorf("%w: sendto is not valid on SPX sockets", ErrInvalid)
	}
	if !s.hasFlag(FlagSend) {
		s.mu.Unlock()
		return ErrShutdown
	}

	ptype := s.sentPType
	if s.hasFlag(FlagExtAddr) && dst.HasPType {
		ptype = dst.PacketType
	}

	if dst.Net == ipxaddr.NetThis {
		dst.Net = s.local.Net
	}

	src := s.local
	s.mu.Unlock()

	if r.sender == nil {
		return fmt.Errorf("%w: no carrier attached", ErrNetDown)
	}
	return r.sender(ptype, src, dst, payload)
}

// Dispatch delivers a single inbound packet to every matching datagram
// socket, per the router's fan-out rule. It never blocks: a packet that
// finds no free recv-queue slot on a matching socket is simply dropped for
// that recipient.
func (r *Registry) Dispatch(in Inbound) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, s := range r.sockets {
		if r.matches(s, in) {
			s.queue.push(in)
			delivered++
		}
	}
	return delivered
}

func (r *Registry) matches(s *socket, in Inbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasFlag(FlagIsSPX) {
		return false
	}
	if !s.hasFlag(FlagBound) {
		return false
	}
	if !s.hasFlag(FlagRecv) {
		return false
	}
	if s.hasFlag(FlagFilter) && s.filterPType != in.PacketType {
		return false
	}

	netMatch := in.Dst.Net == s.local.Net || in.Dst.Net == ipxaddr.NetBroadcast
	nodeMatch := in.Dst.Node == s.local.Node || in.Dst.Node == ipxaddr.NodeBroadcast
	if !netMatch || !nodeMatch || in.Dst.Socket != s.local.Socket {
		return false
	}

	isBcast := in.Dst.Net == ipxaddr.NetBroadcast || in.Dst.Node == ipxaddr.NodeBroadcast
	if isBcast {
		if !s.hasFlag(FlagRecvBcast) {
			return false
		}
		if r.w95Bug && !s.hasFlag(FlagBroadcast) {
			return false
		}
	}

	if s.hasFlag(FlagConnected) {
		if in.Src.Net != s.remote.Net || in.Src.Node != s.remote.Node || in.Src.Socket != s.remote.Socket {
			return false
		}
	}

	return true
}

// Recv pops the oldest ready packet for h. peek leaves the slot occupied
// instead of freeing it.
func (r *Registry) Recv(h Handle, peek bool) (Inbound, error) {
	s, err := r.get(h)
	if err != nil {
		return Inbound{}, err
	}
	in, ok := s.queue.pop(peek)
	if !ok {
		return Inbound{}, ErrWouldBlock
	}
	return in, nil
}

// Pending returns the number of ready packets and their total payload
// bytes, mirroring the FIONREAD contract. Because Dispatch delivers
// directly, no underlying-OS-socket pump step is needed here.
func (r *Registry) Pending(h Handle) (count, bytes int, err error) {
	s, err := r.get(h)
	if err != nil {
		return 0, 0, err
	}
	return s.queue.pending()
}

// Shutdown clears SEND and/or RECV per how.
func (r *Registry) Shutdown(h Handle, how Flag) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags &^= (how & (FlagSend | FlagRecv))
	return nil
}

// Close removes the socket and releases its local socket number, if any.
func (r *Registry) Close(h Handle) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}

	s.mu.Lock()
	bound := s.hasFlag(FlagBound)
	sock := s.local.Socket
	conn := s.conn
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sockets, h)
	r.mu.Unlock()
	r.reportSocketCount()

	if bound && r.table != nil {
		r.table.Remove(sock)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SetFlags ORs in the given flags; ClearFlags ANDs them out. Both are used
// by setsockopt handling.
func (r *Registry) SetFlags(h Handle, f Flag) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.flags |= f
	s.mu.Unlock()
	return nil
}

func (r *Registry) ClearFlags(h Handle, f Flag) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.flags &^= f
	s.mu.Unlock()
	return nil
}

func (r *Registry) Flags(h Handle) (Flag, error) {
	s, err := r.get(h)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags, nil
}

// SetPacketType and SetFilterPacketType implement IPX_PTYPE and
// IPX_FILTERPTYPE.
func (r *Registry) SetPacketType(h Handle, ptype uint8) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sentPType = ptype
	s.mu.Unlock()
	return nil
}

func (r *Registry) SetFilterPacketType(h Handle, ptype uint8, enable bool) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filterPType = ptype
	if enable {
		s.flags |= FlagFilter
	} else {
		s.flags &^= FlagFilter
	}
	return nil
}

// LocalAddr and RemoteAddr expose a socket's addressing for getsockopt and
// for the spx package's connect/accept flows.
func (r *Registry) LocalAddr(h Handle) (Address, error) {
	s, err := r.get(h)
	if err != nil {
		return Address{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local, nil
}

func (r *Registry) RemoteAddr(h Handle) (Address, error) {
	s, err := r.get(h)
	if err != nil {
		return Address{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote, nil
}

func (r *Registry) Conn(h Handle) (net.Conn, error) {
	s, err := r.get(h)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, nil
}

// Count returns the number of live sockets, for diagnostics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// FindSPXListener answers an IPX_MAGIC_SPXLOOKUP query: it returns the
// locally bound UDP/TCP port of a listening SPX socket whose address
// matches query, where a zero query net means "any net". The port is
// whatever was recorded for the socket via SetListenPort.
func (r *Registry) FindSPXListener(query Address) (port uint16, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sockets {
		s.mu.Lock()
		match := s.hasFlag(FlagIsSPX) && s.hasFlag(FlagListening) &&
			(query.Net == ipxaddr.NetThis || query.Net == s.local.Net) &&
			query.Node == s.local.Node && query.Socket == s.local.Socket
		p := s.listenPort
		s.mu.Unlock()

		if match {
			return p, true
		}
	}
	return 0, false
}

// SetListenPort records the native TCP port a listening SPX socket accepts
// connections on, for FindSPXListener to hand out in reply to a lookup.
func (r *Registry) SetListenPort(h Handle, port uint16) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listenPort = port
	s.mu.Unlock()
	return nil
}
