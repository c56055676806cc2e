// Package iface maintains the ordered cache of IPX interfaces a router
// dispatches packets across. Carriers supply a Builder that knows how to
// enumerate interfaces for their transport; the cache handles TTL-based
// refresh, forced reload, and the net/node, subnet, and index lookups the
// router and socket layer need.
package iface

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/solemn-relay/goipx/internal/ipxaddr"
)

// DefaultTTL is the interface cache's default refresh interval.
const DefaultTTL = 5 * time.Second

// Binding records one IPv4 address bound to an interface, along with the
// netmask and broadcast address derived for it.
type Binding struct {
	Addr      netip.Addr
	Netmask   netip.Addr
	Broadcast netip.Addr
}

// Contains reports whether ip falls in the same (addr & mask) subnet as b.
func (b Binding) Contains(ip netip.Addr) bool {
	if !ip.Is4() || !b.Addr.Is4() {
		return false
	}
	return maskedEqual(ip, b.Addr, b.Netmask)
}

func maskedEqual(a, b, mask netip.Addr) bool {
	av, bv, mv := a.As4(), b.As4(), mask.As4()
	for i := range av {
		if av[i]&mv[i] != bv[i]&mv[i] {
			return false
		}
	}
	return true
}

// Interface is one entry in the cache: an IPX network/node pair, the IPv4
// bindings it aggregates (empty for the DOSBox carrier), and an opaque
// per-carrier handle (capture handle, socket, relay connection) that the
// owning carrier attaches and type-asserts back out.
type Interface struct {
	Net      ipxaddr.Net
	Node     ipxaddr.Node
	Bindings []Binding
	Primary  bool
	Handle   any
}

// Builder enumerates the current set of interfaces for one carrier. The
// first element, if any, should be the primary interface.
type Builder func() ([]Interface, error)

// Cache holds an ordered, TTL-refreshed list of interfaces built by a
// carrier-supplied Builder. The primary interface (if any) is always
// first in the list returned by Snapshot.
type Cache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	build     Builder
	ifaces    []Interface
	built     bool
	lastBuild time.Time
	logger    *slog.Logger
}

// New creates an interface cache with the given TTL and builder. A zero TTL
// selects DefaultTTL.
func New(ttl time.Duration, build Builder, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:    ttl,
		build:  build,
		logger: logger.With(slog.String("component", "iface.cache")),
	}
}

// Reload forces an immediate rebuild, bypassing the TTL.
func (c *Cache) Reload() error {
	ifaces, err := c.build()
	if err != nil {
		return fmt.Errorf("iface: rebuild: %w", err)
	}

	c.mu.Lock()
	c.ifaces = ifaces
	c.built = true
	c.lastBuild = time.Now()
	c.mu.Unlock()

	c.logger.Info("interface cache rebuilt", slog.Int("count", len(ifaces)))
	return nil
}

// refreshIfStale rebuilds the cache if it has never been built or the TTL
// has elapsed since the last build.
func (c *Cache) refreshIfStale() error {
	c.mu.RLock()
	stale := !c.built || time.Since(c.lastBuild) >= c.ttl
	c.mu.RUnlock()

	if !stale {
		return nil
	}
	return c.Reload()
}

// Snapshot returns a copy of the current interface list, refreshing first
// if the TTL has expired. The primary interface, if any, is first.
func (c *Cache) Snapshot() ([]Interface, error) {
	if err := c.refreshIfStale(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Interface, len(c.ifaces))
	copy(out, c.ifaces)
	return out, nil
}

// Count returns the number of interfaces currently cached, refreshing
// first if the TTL has expired.
func (c *Cache) Count() (int, error) {
	ifaces, err := c.Snapshot()
	if err != nil {
		return 0, err
	}
	return len(ifaces), nil
}

// ByAddr returns the interface whose net/node exactly matches.
func (c *Cache) ByAddr(net ipxaddr.Net, node ipxaddr.Node) (Interface, bool, error) {
	ifaces, err := c.Snapshot()
	if err != nil {
		return Interface{}, false, err
	}
	for _, i := range ifaces {
		if i.Net == net && i.Node == node {
			return i, true, nil
		}
	}
	return Interface{}, false, nil
}

// BySubnet returns the first interface with a binding whose (addr & mask)
// matches ip's.
func (c *Cache) BySubnet(ip netip.Addr) (Interface, bool, error) {
	ifaces, err := c.Snapshot()
	if err != nil {
		return Interface{}, false, err
	}
	for _, i := range ifaces {
		for _, b := range i.Bindings {
			if b.Contains(ip) {
				return i, true, nil
			}
		}
	}
	return Interface{}, false, nil
}

// ByIndex returns the interface at position idx in cache order.
func (c *Cache) ByIndex(idx int) (Interface, bool, error) {
	ifaces, err := c.Snapshot()
	if err != nil {
		return Interface{}, false, err
	}
	if idx < 0 || idx >= len(ifaces) {
		return Interface{}, false, nil
	}
	return ifaces[idx], true, nil
}
