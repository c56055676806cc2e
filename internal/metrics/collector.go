// Package metrics exposes Prometheus counters and gauges for the router,
// socket layer, and coalescer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "goipx"

// Label names shared across the collector's vectors.
const (
	labelCarrier = "carrier"
	labelReason  = "reason"
)

// Collector holds every Prometheus metric this daemon exposes.
//
// Metrics are grouped by subsystem:
//   - router_* tracks packets handled by the dispatch loop.
//   - socket_* tracks live AF_IPX socket and interface counts.
//   - coalescer_* tracks the DOSBox carrier's adaptive batching.
type Collector struct {
	// RouterPacketsRouted counts packets successfully fanned out to at
	// least one socket, labeled by carrier.
	RouterPacketsRouted *prometheus.CounterVec

	// RouterPacketsDropped counts packets rejected before dispatch
	// (source validation, malformed magic packet, no matching socket),
	// labeled by carrier and reason.
	RouterPacketsDropped *prometheus.CounterVec

	// SocketsActive tracks the number of currently open AF_IPX sockets.
	SocketsActive prometheus.Gauge

	// InterfacesActive tracks the number of IPX interfaces currently
	// cached, labeled by carrier.
	InterfacesActive *prometheus.GaugeVec

	// CoalescerPacketsCoalesced counts outgoing packets folded into a
	// pending buffer instead of sent immediately.
	CoalescerPacketsCoalesced prometheus.Counter

	// CoalescerFlushesTotal counts buffer flushes to the relay peer.
	CoalescerFlushesTotal prometheus.Counter

	// CoalescerActiveDestinations tracks how many destinations are
	// currently in the coalescing-active state.
	CoalescerActiveDestinations prometheus.Gauge
}

// NewCollector creates a Collector with every metric registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.RouterPacketsRouted,
		c.RouterPacketsDropped,
		c.SocketsActive,
		c.InterfacesActive,
		c.CoalescerPacketsCoalesced,
		c.CoalescerFlushesTotal,
		c.CoalescerActiveDestinations,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		RouterPacketsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "packets_routed_total",
			Help:      "Total packets successfully dispatched to at least one socket.",
		}, []string{labelCarrier}),

		RouterPacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped before or during dispatch.",
		}, []string{labelCarrier, labelReason}),

		SocketsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "active",
			Help:      "Number of currently open AF_IPX sockets.",
		}),

		InterfacesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "interfaces_active",
			Help:      "Number of IPX interfaces currently cached.",
		}, []string{labelCarrier}),

		CoalescerPacketsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coalescer",
			Name:      "packets_coalesced_total",
			Help:      "Total outgoing packets folded into a pending buffer.",
		}),

		CoalescerFlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coalescer",
			Name:      "flushes_total",
			Help:      "Total coalesced buffer flushes to the relay peer.",
		}),

		CoalescerActiveDestinations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coalescer",
			Name:      "active_destinations",
			Help:      "Number of destinations currently in the coalescing-active state.",
		}),
	}
}

// IncRouted increments the routed-packets counter for carrier.
func (c *Collector) IncRouted(carrier string) {
	c.RouterPacketsRouted.WithLabelValues(carrier).Inc()
}

// IncDropped increments the dropped-packets counter for carrier, labeled
// with why the packet was dropped.
func (c *Collector) IncDropped(carrier, reason string) {
	c.RouterPacketsDropped.WithLabelValues(carrier, reason).Inc()
}

// SetSocketsActive sets the live socket gauge to n.
func (c *Collector) SetSocketsActive(n int) {
	c.SocketsActive.Set(float64(n))
}

// SetInterfacesActive sets the cached interface count gauge for carrier.
func (c *Collector) SetInterfacesActive(carrier string, n int) {
	c.InterfacesActive.WithLabelValues(carrier).Set(float64(n))
}

// IncCoalesced increments the coalesced-packets counter.
func (c *Collector) IncCoalesced() {
	c.CoalescerPacketsCoalesced.Inc()
}

// IncFlushes increments the flush counter.
func (c *Collector) IncFlushes() {
	c.CoalescerFlushesTotal.Inc()
}

// SetActiveDestinations sets the active-destination-count gauge.
func (c *Collector) SetActiveDestinations(n int) {
	c.CoalescerActiveDestinations.Set(float64(n))
}
