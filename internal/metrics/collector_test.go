package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/solemn-relay/goipx/internal/metrics"
)

func TestNewCollectorRegistersEverything(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.RouterPacketsRouted == nil || c.RouterPacketsDropped == nil {
		t.Error("router metrics are nil")
	}
	if c.SocketsActive == nil || c.InterfacesActive == nil {
		t.Error("socket metrics are nil")
	}
	if c.CoalescerPacketsCoalesced == nil || c.CoalescerFlushesTotal == nil || c.CoalescerActiveDestinations == nil {
		t.Error("coalescer metrics are nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRouterCounters(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(prometheus.NewRegistry())

	c.IncRouted("udp")
	c.IncRouted("udp")
	c.IncDropped("udp", "bad_source")

	if got := counterValue(t, c.RouterPacketsRouted.WithLabelValues("udp")); got != 2 {
		t.Errorf("RouterPacketsRouted = %v, want 2", got)
	}
	if got := counterValue(t, c.RouterPacketsDropped.WithLabelValues("udp", "bad_source")); got != 1 {
		t.Errorf("RouterPacketsDropped = %v, want 1", got)
	}
}

func TestSocketAndInterfaceGauges(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(prometheus.NewRegistry())

	c.SetSocketsActive(4)
	c.SetInterfacesActive("ethernet", 2)

	if got := gaugeValue(t, c.SocketsActive); got != 4 {
		t.Errorf("SocketsActive = %v, want 4", got)
	}
	if got := gaugeValue(t, c.InterfacesActive.WithLabelValues("ethernet")); got != 2 {
		t.Errorf("InterfacesActive = %v, want 2", got)
	}
}

func TestCoalescerMetrics(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(prometheus.NewRegistry())

	c.IncCoalesced()
	c.IncCoalesced()
	c.IncFlushes()
	c.SetActiveDestinations(3)

	if got := counterValue(t, c.CoalescerPacketsCoalesced); got != 2 {
		t.Errorf("CoalescerPacketsCoalesced = %v, want 2", got)
	}
	if got := counterValue(t, c.CoalescerFlushesTotal); got != 1 {
		t.Errorf("CoalescerFlushesTotal = %v, want 1", got)
	}
	if got := gaugeValue(t, c.CoalescerActiveDestinations); got != 3 {
		t.Errorf("CoalescerActiveDestinations = %v, want 3", got)
	}
}
