package addrcache

import (
	"net/netip"
	"testing"
	"time"

	"github.com/solemn-relay/goipx/internal/ipxaddr"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New(time.Hour)
	net, node := ipxaddr.Net(1), ipxaddr.Node(0xAABBCCDDEEFF)
	addr := netip.MustParseAddrPort("10.0.0.5:5000")

	c.Set(net, node, 0x4003, addr)

	got, ok := c.Get(net, node, 0x4003)
	if !ok {
		t.Fatal("Get: not found")
	}
	if got != addr {
		t.Errorf("Get = %v, want %v", got, addr)
	}
}

func TestGetIgnoresSocket(t *testing.T) {
	c := New(time.Hour)
	net, node := ipxaddr.Net(1), ipxaddr.Node(2)
	addr := netip.MustParseAddrPort("10.0.0.5:5000")

	c.Set(net, node, 0x4003, addr)

	// A lookup with a different socket number must still find the entry:
	// Get only compares (net, node).
	got, ok := c.Get(net, node, 0x9999)
	if !ok {
		t.Fatal("Get with different socket: not found")
	}
	if got != addr {
		t.Errorf("Get = %v, want %v", got, addr)
	}
}

func TestGetMissOnUnknownAddress(t *testing.T) {
	c := New(time.Hour)
	if _, ok := c.Get(ipxaddr.Net(1), ipxaddr.Node(1), 0); ok {
		t.Error("Get on empty cache: expected miss")
	}
}

func TestGetExpiresAfterTTL(t *testing.T) {
	c := New(1 * time.Millisecond)
	net, node := ipxaddr.Net(1), ipxaddr.Node(1)
	c.Set(net, node, 0, netip.MustParseAddrPort("10.0.0.1:1"))

	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get(net, node, 0); ok {
		t.Error("Get after TTL expiry: expected miss")
	}
}

func TestSetOverwritesUnconditionally(t *testing.T) {
	c := New(time.Hour)
	net, node := ipxaddr.Net(1), ipxaddr.Node(1)

	c.Set(net, node, 0, netip.MustParseAddrPort("10.0.0.1:1"))
	c.Set(net, node, 0, netip.MustParseAddrPort("10.0.0.2:2"))

	got, ok := c.Get(net, node, 0)
	if !ok {
		t.Fatal("Get: not found")
	}
	want := netip.MustParseAddrPort("10.0.0.2:2")
	if got != want {
		t.Errorf("Get = %v, want %v (last write should win)", got, want)
	}
}

func TestLen(t *testing.T) {
	c := New(time.Hour)
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
	c.Set(ipxaddr.Net(1), ipxaddr.Node(1), 0, netip.MustParseAddrPort("10.0.0.1:1"))
	c.Set(ipxaddr.Net(2), ipxaddr.Node(2), 0, netip.MustParseAddrPort("10.0.0.2:2"))
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}
