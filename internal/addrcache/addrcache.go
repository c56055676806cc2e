// Package addrcache implements the short-TTL destination-address learning
// cache: once a peer has replied to a broadcast, its last-observed IP
// endpoint is remembered so the send path can unicast instead of
// broadcasting again.
package addrcache

import (
	"net/netip"
	"sync"
	"time"

	"github.com/solemn-relay/goipx/internal/ipxaddr"
)

// DefaultTTL is how long a learned endpoint stays valid after its last
// update.
const DefaultTTL = 30 * time.Second

// key identifies one cache entry. Socket is retained for future per-socket
// learning but is not presently part of lookup: Get compares only Net and
// Node, matching the keyed-hash-table behavior of the table this cache is
// modeled on.
type key struct {
	Net    ipxaddr.Net
	Node   ipxaddr.Node
	Socket uint16
}

type entry struct {
	addr netip.AddrPort
	set  time.Time
}

// Cache maps an IPX destination to the IP endpoint it was last observed
// sending from.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[key]entry
}

// New creates an address cache with the given TTL. A zero TTL selects
// DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[key]entry),
	}
}

// Set records addr as the last-observed endpoint for (net, node, socket),
// overwriting any existing entry unconditionally.
func (c *Cache) Set(net ipxaddr.Net, node ipxaddr.Node, socket uint16, addr netip.AddrPort) {
	k := key{Net: net, Node: node, Socket: socket}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = entry{addr: addr, set: time.Now()}
}

// Get returns the last-observed endpoint for (net, node), if one was set
// within the TTL. Socket is accepted to match the learning call shape but
// is not compared.
func (c *Cache) Get(net ipxaddr.Net, node ipxaddr.Node, socket uint16) (netip.AddrPort, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best entry
	found := false
	for k, e := range c.entries {
		if k.Net != net || k.Node != node {
			continue
		}
		if time.Since(e.set) > c.ttl {
			continue
		}
		if !found || e.set.After(best.set) {
			best, found = e, true
		}
	}
	return best.addr, found
}

// Len reports the number of entries currently stored, including any that
// have expired but not yet been overwritten. No background eviction runs;
// entries may accumulate until overwritten by a later Set for the same key.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
