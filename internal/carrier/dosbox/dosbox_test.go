package dosbox

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/solemn-relay/goipx/internal/coalesce"
	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/ipxpacket"
	"github.com/solemn-relay/goipx/internal/router"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRelay is a bare UDP socket standing in for the DOSBox server: it
// answers the first datagram it receives with a registration response
// assigning a fixed net/node, then passes the decoded header of every later
// datagram to the channel given to serveOnce; nothing is sent back.
type fakeRelay struct {
	conn   *net.UDPConn
	t      *testing.T
	netNum ipxaddr.Net
	node   ipxaddr.Node
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen fake relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &fakeRelay{conn: conn, t: t, netNum: ipxaddr.Net(7), node: ipxaddr.NodeFromBytes([]byte{0, 0, 0, 0, 0, 9})}
}

func (r *fakeRelay) addr() netip.AddrPort {
	return r.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// serveOnce answers the first registration request, then forwards decoded
// regular packets to delivered.
func (r *fakeRelay) serveOnce(delivered chan<- ipxpacket.Header) {
	buf := make([]byte, 65535)
	registered := false
	for {
		n, peer, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		h, _, err := ipxpacket.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		if !registered {
			registered = true
			resp := make([]byte, ipxpacket.HeaderLen)
			_, _ = ipxpacket.Marshal(resp, ipxpacket.Header{
				Type: h.Type, DestNet: r.netNum, DestNode: r.node, DestSock: socketEcho,
				SrcNet: r.netNum, SrcNode: r.node, SrcSock: socketEcho,
			}, nil)
			_, _ = r.conn.WriteToUDPAddrPort(resp, peer)
			continue
		}
		delivered <- h
	}
}

func newConnectedCarrier(t *testing.T, cfg Config) (*Carrier, *fakeRelay) {
	t.Helper()
	relay := newFakeRelay(t)
	cfg.ServerAddr = relay.addr()
	cfg.Logger = discardLogger()

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	disp := &fakeDispatcher{}
	r := router.New(router.Config{Dispatcher: disp, Logger: discardLogger()})
	c.AttachRouter(r)

	delivered := make(chan ipxpacket.Header, 16)
	go relay.serveOnce(delivered)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()

	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registration")
	}

	return c, relay
}

type fakeDispatcher struct {
	got chan router.Inbound
}

func (f *fakeDispatcher) Dispatch(in router.Inbound) int {
	if f.got == nil {
		return 1
	}
	f.got <- in
	return 1
}

func (f *fakeDispatcher) FindSPXListener(router.Address) (uint16, bool) { return 0, false }

func TestRegistrationAssignsNetAndNode(t *testing.T) {
	c, relay := newConnectedCarrier(t, Config{})

	gotNet, gotNode := c.Assigned()
	if gotNet != relay.netNum || gotNode != relay.node {
		t.Errorf("Assigned() = %v/%v, want %v/%v", gotNet, gotNode, relay.netNum, relay.node)
	}
}

func TestSendRejectsMismatchedSource(t *testing.T) {
	c, _ := newConnectedCarrier(t, Config{})

	err := c.Send(4, router.Address{Net: 1, Node: 1, Socket: 9}, router.Address{Net: 1, Node: 2, Socket: 9}, []byte("x"))
	if err == nil {
		t.Fatal("expected a source-mismatch error")
	}
}

func TestSendBeforeRegistrationFails(t *testing.T) {
	relay := newFakeRelay(t)
	c, err := New(Config{ServerAddr: relay.addr(), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	err = c.Send(4, router.Address{Net: 1, Node: 1, Socket: 9}, router.Address{Net: 1, Node: 2, Socket: 9}, []byte("x"))
	if err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestInflateSplitsCoalescedEnvelopeIntoIndividualPackets(t *testing.T) {
	relay := newFakeRelay(t)
	c, err := New(Config{ServerAddr: relay.addr(), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	delivered := make(chan router.Inbound, 4)
	disp := &fakeDispatcher{got: delivered}
	r := router.New(router.Config{Dispatcher: disp, Logger: discardLogger()})
	c.AttachRouter(r)

	destNet, destNode := relay.netNum, relay.node

	p1 := make([]byte, ipxpacket.HeaderLen+2)
	_, _ = ipxpacket.Marshal(p1, ipxpacket.Header{Type: 4, DestNet: destNet, DestNode: destNode, DestSock: 10, SrcNet: 1, SrcNode: 1, SrcSock: 20}, []byte("hi"))
	p2 := make([]byte, ipxpacket.HeaderLen+3)
	_, _ = ipxpacket.Marshal(p2, ipxpacket.Header{Type: 4, DestNet: destNet, DestNode: destNode, DestSock: 10, SrcNet: 1, SrcNode: 1, SrcSock: 20}, []byte("bye"))

	envelope := append(append([]byte{}, p1...), p2...)

	c.inflate(envelope)

	seen := 0
	deadline := time.After(2 * time.Second)
	for seen < 2 {
		select {
		case <-delivered:
			seen++
		case <-deadline:
			t.Fatalf("only %d/2 inflated packets delivered", seen)
		}
	}
}

func TestSendSucceedsThroughCoalescerAtHighRate(t *testing.T) {
	c, _ := newConnectedCarrier(t, Config{Coalesce: true})

	netNum, node := c.Assigned()
	src := router.Address{Net: netNum, Node: node, Socket: 20}
	dst := router.Address{Net: 1, Node: 1, Socket: 10}

	for i := 0; i < coalesce.TrackCount; i++ {
		if err := c.Send(4, src, dst, []byte("x")); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
}
