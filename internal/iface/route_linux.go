//go:build linux

package iface

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ErrNoRoute indicates the routing table has no non-default route
// covering the given address.
var ErrNoRoute = errors.New("iface: no route covers address")

// ResolvePointToPointNetmask looks up the most specific non-default IPv4
// route covering ip in the kernel routing table, and returns its prefix
// length as a netmask. Point-to-point interfaces report a /32 netmask for
// their local address, which hides the real subnet; the kernel's route
// table entry is the only place that subnet is recorded.
func ResolvePointToPointNetmask(ip netip.Addr) (netip.Addr, error) {
	if !ip.Is4() {
		return netip.Addr{}, fmt.Errorf("iface: %s is not an IPv4 address", ip)
	}

	data, err := unix.NetlinkRIB(unix.RTM_GETROUTE, unix.AF_INET)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("iface: read routing table: %w", err)
	}

	msgs, err := unix.ParseNetlinkMessage(data)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("iface: parse netlink messages: %w", err)
	}

	bestLen := -1
	for _, m := range msgs {
		if m.Header.Type != unix.RTM_NEWROUTE {
			continue
		}
		if len(m.Data) < unix.SizeofRtMsg {
			continue
		}
		rt := rtMsgFromBytes(m.Data)

		// Skip the default route; it never resolves a host's actual subnet.
		if rt.Dst_len == 0 {
			continue
		}

		attrs, err := unix.ParseNetlinkRouteAttr(&m)
		if err != nil {
			continue
		}

		dst, ok := routeDest(attrs)
		if !ok {
			continue
		}

		prefixLen := int(rt.Dst_len)
		if prefixLen > bestLen && netip.PrefixFrom(dst, prefixLen).Contains(ip) {
			bestLen = prefixLen
		}
	}

	if bestLen < 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoRoute, ip)
	}

	m := ^uint32(0) << (32 - bestLen)
	return netip.AddrFrom4([4]byte{byte(m >> 24), byte(m >> 16), byte(m >> 8), byte(m)}), nil
}

// rtMsgFromBytes reinterprets the fixed-size rtmsg header at the front of
// a netlink RTM_NEWROUTE payload.
func rtMsgFromBytes(data []byte) *unix.RtMsg {
	return &unix.RtMsg{
		Family:   data[0],
		Dst_len:  data[1],
		Src_len:  data[2],
		Tos:      data[3],
		Table:    data[4],
		Protocol: data[5],
		Scope:    data[6],
		Type:     data[7],
		Flags:    uint32(data[8]) | uint32(data[9])<<8 | uint32(data[10])<<16 | uint32(data[11])<<24,
	}
}

// routeDest extracts the RTA_DST attribute as an IPv4 netip.Addr.
func routeDest(attrs []unix.NetlinkRouteAttr) (netip.Addr, bool) {
	for _, a := range attrs {
		if a.Attr.Type != unix.RTA_DST {
			continue
		}
		if len(a.Value) < 4 {
			return netip.Addr{}, false
		}
		var b [4]byte
		copy(b[:], a.Value[:4])
		return netip.AddrFrom4(b), true
	}
	return netip.Addr{}, false
}
