package iface

import (
	"fmt"
	"net"
	"net/netip"
)

// EnumerateIPv4 lists every IPv4 address bound to a host network interface,
// along with its netmask and broadcast address. Interfaces that are down,
// loopback, or carry no IPv4 address are skipped.
//
// A point-to-point interface (netmask 255.255.255.255) gets its netmask
// resolved via ResolvePointToPointNetmask before being returned; when no
// route resolves it, the reported /32 netmask is kept.
func EnumerateIPv4() ([]Binding, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("iface: enumerate host interfaces: %w", err)
	}

	var out []Binding
	for _, ni := range ifaces {
		if ni.Flags&net.FlagUp == 0 || ni.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := ni.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}

			b, err := bindingFromIPNet(ip4, ipnet)
			if err != nil {
				continue
			}
			out = append(out, b)
		}
	}

	return out, nil
}

func bindingFromIPNet(ip4 net.IP, ipnet *net.IPNet) (Binding, error) {
	addr, ok := netip.AddrFromSlice(ip4)
	if !ok {
		return Binding{}, fmt.Errorf("iface: invalid IPv4 address %v", ip4)
	}
	addr = addr.Unmap()

	maskBytes := ipnet.Mask
	if len(maskBytes) != 4 {
		return Binding{}, fmt.Errorf("iface: unexpected mask length %d", len(maskBytes))
	}
	mask, ok := netip.AddrFromSlice(maskBytes)
	if !ok {
		return Binding{}, fmt.Errorf("iface: invalid netmask %v", maskBytes)
	}

	ones, bits := ipnet.Mask.Size()
	if ones == bits {
		// Point-to-point: the reported /32 hides the real subnet.
		if resolved, err := ResolvePointToPointNetmask(addr); err == nil {
			mask = resolved
		}
	}

	bcast := broadcastAddr(addr, mask)
	return Binding{Addr: addr, Netmask: mask, Broadcast: bcast}, nil
}

func broadcastAddr(addr, mask netip.Addr) netip.Addr {
	a, m := addr.As4(), mask.As4()
	var b [4]byte
	for i := range b {
		b[i] = a[i]&m[i] | ^m[i]
	}
	return netip.AddrFrom4(b)
}
