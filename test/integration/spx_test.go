//go:build integration

package integration_test

import (
	"net"
	"testing"
	"time"

	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/ipxsock"
	"github.com/solemn-relay/goipx/internal/spx"
)

// TestSPXConnectAcceptRoundTrip covers scenario 4: A listens on
// (00:00:00:01, iface-A, 2000); B, initially unbound, connects. The
// registry primitives (Bind/Listen/Accept/Connect/SetConn) are exercised
// exactly as an application layered on ipxsock would use them; the
// transport is a real TCP loopback connection carrying the spxinit
// handshake, the way a carrier's native SPX handoff would.
//
// This test drives the TCP listener itself rather than depending on the
// daemon to run one, since a Listen()ing ipxsock socket only flips a flag
// in the registry — accepting native connections and resolving remote
// addresses via spx.Lookup is an application-layer concern that composes
// the registry and spx packages, not something the router/carrier daemon
// does on an application's behalf.
func TestSPXConnectAcceptRoundTrip(t *testing.T) {
	regA := ipxsock.NewRegistry(ipxsock.Config{Logger: discardLogger()})
	regB := ipxsock.NewRegistry(ipxsock.Config{Logger: discardLogger()})

	netNum := ipxaddr.Net(1)
	nodeA := ipxaddr.Node(0xAA)
	nodeB := ipxaddr.Node(0xBB)

	hListenA, err := regA.Create(ipxsock.AF_IPX, ipxsock.SockStream)
	if err != nil {
		t.Fatalf("Create(A): %v", err)
	}
	if err := regA.Bind(hListenA, ipxsock.Address{Net: netNum, Node: nodeA, Socket: 2000}); err != nil {
		t.Fatalf("Bind(A): %v", err)
	}
	if err := regA.Listen(hListenA); err != nil {
		t.Fatalf("Listen(A): %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	tcpPort := ln.Addr().(*net.TCPAddr).Port //nolint:forcetypeassert // net.Listen("tcp", ...) always yields *net.TCPAddr
	if err := regA.SetListenPort(hListenA, uint16(tcpPort)); err != nil { //nolint:gosec // G115: ephemeral TCP ports fit uint16
		t.Fatalf("SetListenPort: %v", err)
	}

	port, ok := regA.FindSPXListener(ipxsock.Address{Net: netNum, Node: nodeA, Socket: 2000})
	if !ok || port != uint16(tcpPort) { //nolint:gosec // G115: see above
		t.Fatalf("FindSPXListener = (%d, %t), want (%d, true)", port, ok, tcpPort)
	}

	type acceptResult struct {
		h    ipxsock.Handle
		peer spx.Target
		err  error
	}
	acceptedCh := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptedCh <- acceptResult{err: err}
			return
		}
		peer, err := spx.ReadInit(conn)
		if err != nil {
			acceptedCh <- acceptResult{err: err}
			return
		}
		h, err := regA.Accept(hListenA, conn, ipxsock.Address{Net: peer.Net, Node: peer.Node, Socket: peer.Socket})
		acceptedCh <- acceptResult{h: h, peer: peer, err: err}
	}()

	// B is unbound; Bind with socket 0 auto-assigns one, as connect does
	// for an unbound caller.
	hB, err := regB.Create(ipxsock.AF_IPX, ipxsock.SockStream)
	if err != nil {
		t.Fatalf("Create(B): %v", err)
	}
	if err := regB.Bind(hB, ipxsock.Address{Net: netNum, Node: nodeB, Socket: 0}); err != nil {
		t.Fatalf("Bind(B): %v", err)
	}
	localB, err := regB.LocalAddr(hB)
	if err != nil {
		t.Fatalf("LocalAddr(B): %v", err)
	}
	if localB.Socket == 0 {
		t.Fatal("Bind did not auto-assign a socket number")
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	if err := spx.SendInit(conn, spx.Target{Net: localB.Net, Node: localB.Node, Socket: localB.Socket}); err != nil {
		t.Fatalf("SendInit: %v", err)
	}
	if err := regB.Connect(hB, ipxsock.Address{Net: netNum, Node: nodeA, Socket: 2000}); err != nil {
		t.Fatalf("Connect(B): %v", err)
	}
	if err := regB.SetConn(hB, conn, ipxsock.Address{Net: netNum, Node: nodeA, Socket: 2000}); err != nil {
		t.Fatalf("SetConn(B): %v", err)
	}

	var accepted acceptResult
	select {
	case accepted = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
	if accepted.err != nil {
		t.Fatalf("accept side: %v", accepted.err)
	}

	remoteOnA, err := regA.RemoteAddr(accepted.h)
	if err != nil {
		t.Fatalf("RemoteAddr(A's accepted socket): %v", err)
	}
	if remoteOnA.Net != localB.Net || remoteOnA.Node != localB.Node || remoteOnA.Socket != localB.Socket {
		t.Fatalf("accepted socket's remote = %+v, want B's local address %+v", remoteOnA, localB)
	}

	// 77-byte message round-trips over the established stream.
	msg := make([]byte, 77)
	for i := range msg {
		msg[i] = byte('A' + i%26)
	}

	bConn, err := regB.Conn(hB)
	if err != nil {
		t.Fatalf("Conn(B): %v", err)
	}
	if _, err := bConn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	aConn, err := regA.Conn(accepted.h)
	if err != nil {
		t.Fatalf("Conn(A accepted): %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := readFull(aConn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("message mismatch: got %q want %q", got, msg)
	}
}

func readFull(conn net.Conn, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}
