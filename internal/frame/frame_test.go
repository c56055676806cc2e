package frame

import (
	"encoding/binary"
	"testing"

	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/ipxpacket"
)

var (
	destMAC = [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	srcMAC  = [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
)

func testAddressing() Addressing {
	return Addressing{
		PacketType: 4,
		SrcNet:     ipxaddr.Net(0x00000001),
		SrcNode:    ipxaddr.NodeFromBytes(srcMAC[:]),
		SrcSock:    0x0451,
		DestNet:    ipxaddr.Net(0x00000002),
		DestNode:   ipxaddr.NodeFromBytes(destMAC[:]),
		DestSock:   0x4003,
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	addr := testAddressing()

	for _, typ := range []Type{EthernetII, NovellRaw, LLC} {
		t.Run(typ.String(), func(t *testing.T) {
			size := typ.Size(len(payload))
			if size == 0 {
				t.Fatalf("Size(%d) = 0", len(payload))
			}
			buf := make([]byte, size)
			n, err := typ.Pack(buf, destMAC, srcMAC, addr, payload)
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}
			if n != size {
				t.Fatalf("Pack returned %d, want %d", n, size)
			}

			hdr, gotPayload, err := typ.Unpack(buf)
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if string(gotPayload) != string(payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d bytes", len(gotPayload), len(payload))
			}
			if hdr.Type != addr.PacketType {
				t.Errorf("Type = %d, want %d", hdr.Type, addr.PacketType)
			}
			if hdr.SrcSock != addr.SrcSock || hdr.DestSock != addr.DestSock {
				t.Errorf("socket mismatch: got src=%d dest=%d", hdr.SrcSock, hdr.DestSock)
			}
		})
	}
}

func TestNovellRawRejectsOverlongLength(t *testing.T) {
	// A "Novell" frame whose length field is 0x05DD (1501) looks like an
	// Ethernet II ethertype and must be rejected, not misparsed.
	buf := make([]byte, ethHeaderLen+ipxpacket.HeaderLen)
	binary.BigEndian.PutUint16(buf[12:14], 0x05DD)

	if _, _, err := NovellRaw.Unpack(buf); err != ErrBadLength {
		t.Errorf("err = %v, want ErrBadLength", err)
	}
}

func TestEthernetIIRejectsWrongEthertype(t *testing.T) {
	buf := make([]byte, ethHeaderLen+ipxpacket.HeaderLen)
	binary.BigEndian.PutUint16(buf[12:14], 0x0800) // IPv4, not IPX

	if _, _, err := EthernetII.Unpack(buf); err != ErrWrongEthertype {
		t.Errorf("err = %v, want ErrWrongEthertype", err)
	}
}

func TestLLCRejectsWrongSAP(t *testing.T) {
	addr := testAddressing()
	payload := []byte("hi")
	buf := make([]byte, LLC.Size(len(payload)))
	if _, err := LLC.Pack(buf, destMAC, srcMAC, addr, payload); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	buf[14] = 0x06 // SAP_IP, not NetWare

	if _, _, err := LLC.Unpack(buf); err != ErrNotNetwareSAP {
		t.Errorf("err = %v, want ErrNotNetwareSAP", err)
	}
}

func TestLLCRejectsWrongControl(t *testing.T) {
	addr := testAddressing()
	payload := []byte("hi")
	buf := make([]byte, LLC.Size(len(payload)))
	if _, err := LLC.Pack(buf, destMAC, srcMAC, addr, payload); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	buf[16] = 0x00

	if _, _, err := LLC.Unpack(buf); err != ErrNotUIControl {
		t.Errorf("err = %v, want ErrNotUIControl", err)
	}
}

func TestSizeRejectsOversizedPayload(t *testing.T) {
	if got := NovellRaw.Size(maxEthernetPayload); got != 0 {
		t.Errorf("Size(%d) = %d, want 0", maxEthernetPayload, got)
	}
}

func TestPackRejectsUndersizedDst(t *testing.T) {
	addr := testAddressing()
	payload := []byte("hi")
	buf := make([]byte, EthernetII.Size(len(payload))-1)
	if _, err := EthernetII.Pack(buf, destMAC, srcMAC, addr, payload); err == nil {
		t.Error("Pack succeeded with undersized dst, want error")
	}
}
