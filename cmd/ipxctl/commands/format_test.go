package commands

import (
	"strings"
	"testing"
	"time"

	"github.com/solemn-relay/goipx/internal/addrtable"
	"github.com/solemn-relay/goipx/internal/iface"
	"github.com/solemn-relay/goipx/internal/ipxaddr"
)

func mustNet(t *testing.T, s string) ipxaddr.Net {
	t.Helper()
	n, err := ipxaddr.ParseNet(s)
	if err != nil {
		t.Fatalf("ParseNet(%q): %v", s, err)
	}
	return n
}

func mustNode(t *testing.T, s string) ipxaddr.Node {
	t.Helper()
	n, err := ipxaddr.ParseNode(s)
	if err != nil {
		t.Fatalf("ParseNode(%q): %v", s, err)
	}
	return n
}

func TestFormatInterfacesTable(t *testing.T) {
	ifaces := []iface.Interface{
		{Net: mustNet(t, "00:00:00:01"), Node: mustNode(t, "00:00:00:00:00:01"), Primary: true},
	}

	out, err := formatInterfaces(ifaces, formatTable)
	if err != nil {
		t.Fatalf("formatInterfaces: %v", err)
	}
	if !strings.Contains(out, "INDEX") || !strings.Contains(out, "true") {
		t.Errorf("table output missing expected columns: %q", out)
	}
}

func TestFormatInterfacesJSON(t *testing.T) {
	ifaces := []iface.Interface{
		{Net: mustNet(t, "00:00:00:01"), Node: mustNode(t, "00:00:00:00:00:01")},
	}

	out, err := formatInterfaces(ifaces, formatJSON)
	if err != nil {
		t.Fatalf("formatInterfaces: %v", err)
	}
	if !strings.Contains(out, "\"index\"") {
		t.Errorf("JSON output missing expected field: %q", out)
	}
}

func TestFormatInterfacesUnsupportedFormat(t *testing.T) {
	_, err := formatInterfaces(nil, "xml")
	if err == nil {
		t.Fatal("expected an error for an unsupported format")
	}
}

func TestEntryTypeName(t *testing.T) {
	cases := map[addrtable.EntryType]string{
		addrtable.TypeIPX:   "IPX",
		addrtable.TypeSPX:   "SPX",
		addrtable.TypeSPXII: "SPXII",
	}
	for typ, want := range cases {
		if got := entryTypeName(typ); got != want {
			t.Errorf("entryTypeName(%v) = %q, want %q", typ, got, want)
		}
	}
}

func TestFormatEntriesTableAndJSON(t *testing.T) {
	entries := []addrtable.Entry{
		{
			Net:    mustNet(t, "00:00:00:01"),
			Node:   mustNode(t, "00:00:00:00:00:01"),
			Socket: 1234,
			PID:    99,
			Type:   addrtable.TypeSPX,
			Time:   time.Now(),
		},
	}

	table, err := formatEntries(entries, formatTable)
	if err != nil {
		t.Fatalf("formatEntries(table): %v", err)
	}
	if !strings.Contains(table, "SPX") || !strings.Contains(table, "1234") {
		t.Errorf("table output missing expected values: %q", table)
	}

	js, err := formatEntries(entries, formatJSON)
	if err != nil {
		t.Fatalf("formatEntries(json): %v", err)
	}
	if !strings.Contains(js, "\"socket\": 1234") {
		t.Errorf("JSON output missing expected field: %q", js)
	}
}

func TestFormatSockets(t *testing.T) {
	entries := []addrtable.Entry{
		{Socket: 42, PID: 7, Type: addrtable.TypeIPX},
	}

	out, err := formatSockets(entries, formatTable)
	if err != nil {
		t.Fatalf("formatSockets: %v", err)
	}
	if !strings.Contains(out, "42") || !strings.Contains(out, "IPX") {
		t.Errorf("table output missing expected values: %q", out)
	}
}
