package ethernet

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/solemn-relay/goipx/internal/frame"
	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/router"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeSocket is an in-memory socket backed by an io.Pipe, standing in for
// the AF_PACKET handle in tests that don't have CAP_NET_RAW.
type pipeSocket struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	closed chan struct{}
	once   sync.Once
}

func newPipeSocket() (*pipeSocket, *pipeSocket) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a := &pipeSocket{r: r1, w: w2, closed: make(chan struct{})}
	b := &pipeSocket{r: r2, w: w1, closed: make(chan struct{})}
	return a, b
}

func (p *pipeSocket) Read(buf []byte) (int, error)  { return p.r.Read(buf) }
func (p *pipeSocket) Write(buf []byte) (int, error) { return p.w.Write(buf) }
func (p *pipeSocket) Close() error {
	p.once.Do(func() { close(p.closed) })
	_ = p.r.Close()
	return p.w.Close()
}

func TestSelectInterfacesFiltersByUpAndLoopbackWhenUnrestricted(t *testing.T) {
	list := func() ([]net.Interface, error) {
		return []net.Interface{
			{Name: "lo", Flags: net.FlagUp | net.FlagLoopback, HardwareAddr: nil},
			{Name: "eth0", Flags: net.FlagUp, HardwareAddr: net.HardwareAddr{0, 1, 2, 3, 4, 5}},
			{Name: "eth1", Flags: 0, HardwareAddr: net.HardwareAddr{0, 1, 2, 3, 4, 6}},
		}, nil
	}

	got, err := selectInterfaces(list, nil)
	if err != nil {
		t.Fatalf("selectInterfaces: %v", err)
	}
	if len(got) != 1 || got[0].Name != "eth0" {
		t.Fatalf("got %+v, want only eth0", got)
	}
}

func TestSelectInterfacesHonorsExplicitNameList(t *testing.T) {
	list := func() ([]net.Interface, error) {
		return []net.Interface{
			{Name: "eth0", Flags: net.FlagUp, HardwareAddr: net.HardwareAddr{0, 1, 2, 3, 4, 5}},
			{Name: "eth1", Flags: 0, HardwareAddr: net.HardwareAddr{0, 1, 2, 3, 4, 6}},
		}, nil
	}

	got, err := selectInterfaces(list, []string{"eth1"})
	if err != nil {
		t.Fatalf("selectInterfaces: %v", err)
	}
	if len(got) != 1 || got[0].Name != "eth1" {
		t.Fatalf("got %+v, want only eth1 (explicit list bypasses the up/loopback filter)", got)
	}
}

// newTestCarrier builds a Carrier with a single fake capture handle wired to
// one end of an in-memory pipe, returning the Carrier and the other end.
func newTestCarrier(t *testing.T, ft frame.Type) (*Carrier, *pipeSocket) {
	t.Helper()
	inner, outer := newPipeSocket()
	t.Cleanup(func() { _ = outer.Close() })

	prev := openSocket
	openSocket = func(net.Interface) (socket, error) { return inner, nil }
	t.Cleanup(func() { openSocket = prev })

	c, err := New(Config{
		Net:       ipxaddr.Net(1),
		FrameType: ft,
		Logger:    discardLogger(),
		ListInterfaces: func() ([]net.Interface, error) {
			return []net.Interface{
				{Name: "eth0", Flags: net.FlagUp, HardwareAddr: net.HardwareAddr{2, 1, 2, 3, 4, 5}},
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, outer
}

type fakeDispatcher struct {
	mu  sync.Mutex
	got []router.Inbound
}

func (f *fakeDispatcher) Dispatch(in router.Inbound) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, in)
	return 1
}

func (f *fakeDispatcher) FindSPXListener(router.Address) (uint16, bool) { return 0, false }

func (f *fakeDispatcher) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestRunDecodesFramesWrittenToTheCaptureHandle(t *testing.T) {
	c, outer := newTestCarrier(t, frame.EthernetII)

	disp := &fakeDispatcher{}
	r := router.New(router.Config{Dispatcher: disp, Logger: discardLogger()})
	c.AttachRouter(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	buf := make([]byte, frame.EthernetII.Size(3))
	_, err := frame.EthernetII.Pack(buf, [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, [6]byte{2, 1, 2, 3, 4, 5}, frame.Addressing{
		PacketType: 4,
		SrcNet:     1, SrcNode: 0x020102030405, SrcSock: 9,
		DestNet: 1, DestNode: ipxaddr.NodeBroadcast, DestSock: 9,
	}, []byte("hey"))
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, err := outer.Write(buf); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for disp.delivered() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for frame delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSendPacksAndWritesToTheSourceInterfaceHandle(t *testing.T) {
	c, outer := newTestCarrier(t, frame.NovellRaw)

	node := ipxaddr.NodeFromBytes([]byte{2, 1, 2, 3, 4, 5})
	src := router.Address{Net: 1, Node: node, Socket: 9}
	dst := router.Address{Net: 1, Node: ipxaddr.NodeBroadcast, Socket: 9}

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 1500)
		n, err := outer.Read(buf)
		if err != nil {
			readDone <- nil
			return
		}
		readDone <- buf[:n]
	}()

	if err := c.Send(4, src, dst, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-readDone:
		if got == nil {
			t.Fatal("read failed")
		}
		h, payload, err := frame.NovellRaw.Unpack(got)
		if err != nil {
			t.Fatalf("Unpack: %v", err)
		}
		if string(payload) != "hello" {
			t.Errorf("payload = %q, want %q", payload, "hello")
		}
		if h.SrcNode != node {
			t.Errorf("SrcNode = %v, want %v", h.SrcNode, node)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
	}
}

func TestSendFailsWhenSourceInterfaceUnknown(t *testing.T) {
	c, _ := newTestCarrier(t, frame.LLC)

	err := c.Send(4, router.Address{Net: 9, Node: 9, Socket: 1}, router.Address{Net: 1, Node: ipxaddr.NodeBroadcast, Socket: 1}, []byte("x"))
	if err == nil {
		t.Fatal("expected an error for an unknown source interface")
	}
}
