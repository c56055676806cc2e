package ipxaddr

import (
	"testing"
)

func TestNetStringParseRoundTrip(t *testing.T) {
	cases := []Net{0, NetBroadcast, 0x00000001, 0xDEADBEEF, 0x0000FFFF}

	for _, n := range cases {
		s := n.String()
		got, err := ParseNet(s)
		if err != nil {
			t.Fatalf("ParseNet(%q) = %v", s, err)
		}
		if got != n {
			t.Errorf("round trip %#08x -> %q -> %#08x", uint32(n), s, uint32(got))
		}
	}
}

func TestNodeStringParseRoundTrip(t *testing.T) {
	cases := []Node{0, NodeBroadcast, 0x0000AABBCCDDEEFF, 0x020000000001}

	for _, n := range cases {
		s := n.String()
		got, err := ParseNode(s)
		if err != nil {
			t.Fatalf("ParseNode(%q) = %v", s, err)
		}
		if got != n {
			t.Errorf("round trip %#012x -> %q -> %#012x", uint64(n), s, uint64(got))
		}
	}
}

func TestNetStringFormat(t *testing.T) {
	got := Net(0x00000001).String()
	want := "00:00:00:01"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestNodeStringFormat(t *testing.T) {
	got := Node(0xAABBCCDDEEFF).String()
	want := "AA:BB:CC:DD:EE:FF"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseNetRejectsWrongFieldCount(t *testing.T) {
	cases := []string{
		"00:00:00",
		"00:00:00:00:00",
		"",
	}
	for _, s := range cases {
		if _, err := ParseNet(s); err == nil {
			t.Errorf("ParseNet(%q) succeeded, want error", s)
		}
	}
}

func TestParseNodeRejectsBadInput(t *testing.T) {
	cases := []string{
		"00:00:00:00:00:000", // triple-digit field
		"GG:00:00:00:00:00",  // non-hex
		"00-00-00-00-00-00",  // wrong separator
		"00:00:00:00:00",     // too few fields
	}
	for _, s := range cases {
		if _, err := ParseNode(s); err == nil {
			t.Errorf("ParseNode(%q) succeeded, want error", s)
		}
	}
}

func TestParseNetAcceptsLowercase(t *testing.T) {
	got, err := ParseNet("de:ad:be:ef")
	if err != nil {
		t.Fatalf("ParseNet: %v", err)
	}
	if got != Net(0xDEADBEEF) {
		t.Errorf("got %#08x, want 0xDEADBEEF", uint32(got))
	}
}

func TestParseNetAcceptsSingleDigitFields(t *testing.T) {
	got, err := ParseNet("1:2:3:4")
	if err != nil {
		t.Fatalf("ParseNet: %v", err)
	}
	if got != Net(0x01020304) {
		t.Errorf("got %#08x, want 0x01020304", uint32(got))
	}
}

func TestRandomNodeSetsLocallyAdministeredBit(t *testing.T) {
	n, err := RandomNode()
	if err != nil {
		t.Fatalf("RandomNode: %v", err)
	}
	var b [6]byte
	n.PutBytes(b[:])
	if b[0]&0x02 == 0 {
		t.Errorf("RandomNode() first octet %#02x has locally-administered bit clear", b[0])
	}
}

func TestRandomNodeIsUsuallyUnique(t *testing.T) {
	a, err := RandomNode()
	if err != nil {
		t.Fatalf("RandomNode: %v", err)
	}
	b, err := RandomNode()
	if err != nil {
		t.Fatalf("RandomNode: %v", err)
	}
	if a == b {
		t.Skip("extremely unlikely collision, not a correctness failure")
	}
}
