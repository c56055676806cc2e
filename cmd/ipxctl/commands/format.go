package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/solemn-relay/goipx/internal/addrtable"
	"github.com/solemn-relay/goipx/internal/iface"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

var errUnsupportedFormat = errors.New("unsupported output format")

// --- Interfaces ---

type interfaceView struct {
	Index   int    `json:"index"`
	Net     string `json:"net"`
	Node    string `json:"node"`
	Primary bool   `json:"primary"`
	Addrs   int    `json:"addrs"`
}

func interfacesToView(ifaces []iface.Interface) []interfaceView {
	views := make([]interfaceView, len(ifaces))
	for i, ifc := range ifaces {
		views[i] = interfaceView{
			Index:   i,
			Net:     ifc.Net.String(),
			Node:    ifc.Node.String(),
			Primary: ifc.Primary,
			Addrs:   len(ifc.Bindings),
		}
	}
	return views
}

func formatInterfaces(ifaces []iface.Interface, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(interfacesToView(ifaces), "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal interfaces to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tNET\tNODE\tPRIMARY\tADDRS")
		for _, v := range interfacesToView(ifaces) {
			fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%d\n", v.Index, v.Net, v.Node, v.Primary, v.Addrs)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Address table entries ---

type entryView struct {
	Net    string `json:"net"`
	Node   string `json:"node"`
	Socket uint16 `json:"socket"`
	PID    int64  `json:"pid"`
	Type   string `json:"type"`
	Reuse  bool   `json:"reuse"`
	Age    string `json:"age"`
}

func entryTypeName(t addrtable.EntryType) string {
	switch t {
	case addrtable.TypeIPX:
		return "IPX"
	case addrtable.TypeSPX:
		return "SPX"
	case addrtable.TypeSPXII:
		return "SPXII"
	default:
		return "Unknown"
	}
}

func entriesToView(entries []addrtable.Entry) []entryView {
	views := make([]entryView, len(entries))
	for i, e := range entries {
		views[i] = entryView{
			Net:    e.Net.String(),
			Node:   e.Node.String(),
			Socket: e.Socket,
			PID:    e.PID,
			Type:   entryTypeName(e.Type),
			Reuse:  e.Reuse,
			Age:    time.Since(e.Time).Round(time.Millisecond).String(),
		}
	}
	return views
}

// --- Sockets (a compact, per-socket-number view of the same table) ---

type socketView struct {
	Socket uint16 `json:"socket"`
	PID    int64  `json:"pid"`
	Type   string `json:"type"`
}

func socketsToView(entries []addrtable.Entry) []socketView {
	views := make([]socketView, len(entries))
	for i, e := range entries {
		views[i] = socketView{Socket: e.Socket, PID: e.PID, Type: entryTypeName(e.Type)}
	}
	return views
}

func formatSockets(entries []addrtable.Entry, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(socketsToView(entries), "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal sockets to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SOCKET\tPID\tTYPE")
		for _, v := range socketsToView(entries) {
			fmt.Fprintf(w, "%d\t%d\t%s\n", v.Socket, v.PID, v.Type)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatEntries(entries []addrtable.Entry, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(entriesToView(entries), "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal entries to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NET\tNODE\tSOCKET\tPID\tTYPE\tREUSE\tAGE")
		for _, v := range entriesToView(entries) {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%t\t%s\n", v.Net, v.Node, v.Socket, v.PID, v.Type, v.Reuse, v.Age)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
