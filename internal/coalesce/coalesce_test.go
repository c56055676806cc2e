package coalesce

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/ipxpacket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTable(enabled bool) (*Table, chan []byte) {
	flushed := make(chan []byte, 64)
	t := New(Config{
		Enabled: enabled,
		Flush:   func(payload []byte) error { flushed <- payload; return nil },
		Logger:  discardLogger(),
	})
	return t, flushed
}

func packet(payload string) []byte {
	buf := make([]byte, ipxpacket.HeaderLen+len(payload))
	_, _ = ipxpacket.Marshal(buf, ipxpacket.Header{
		Type: 4, DestNet: 1, DestNode: 1, DestSock: 5000,
		SrcNet: 2, SrcNode: 2, SrcSock: 9,
	}, []byte(payload))
	return buf
}

func TestSendDisabledAlwaysReportsImmediate(t *testing.T) {
	tbl, _ := newTestTable(false)
	queued := tbl.Send(time.Now(), 2, 2, 1, 1, 5000, packet("x"))
	if queued {
		t.Error("disabled table must never queue")
	}
}

func TestSendStaysInactiveBelowTrackCount(t *testing.T) {
	tbl, flushed := newTestTable(true)
	now := time.Now()

	for i := 0; i < TrackCount-1; i++ {
		if tbl.Send(now, 2, 2, 1, 1, 5000, packet("x")) {
			t.Fatalf("send %d: queued before reaching TrackCount sends", i)
		}
		now = now.Add(time.Microsecond)
	}

	select {
	case <-flushed:
		t.Error("unexpected flush while inactive")
	default:
	}
}

func TestSendBecomesActiveOnBurst(t *testing.T) {
	tbl, _ := newTestTable(true)
	now := time.Now()

	var lastQueued bool
	for i := 0; i < TrackCount; i++ {
		lastQueued = tbl.Send(now, 2, 2, 1, 1, 5000, packet("x"))
		now = now.Add(time.Microsecond)
	}

	if !lastQueued {
		t.Error("expected coalescing to be active after a TrackCount burst within StartThreshold")
	}
}

func TestSendFlushesOnMaxDelay(t *testing.T) {
	tbl, flushed := newTestTable(true)
	now := time.Now()

	for i := 0; i < TrackCount; i++ {
		tbl.Send(now, 2, 2, 1, 1, 5000, packet("x"))
		now = now.Add(time.Microsecond)
	}

	now = now.Add(MaxDelay)
	tbl.Send(now, 2, 2, 1, 1, 5000, packet("y"))

	select {
	case buf := <-flushed:
		if len(buf) == 0 {
			t.Error("flushed empty buffer")
		}
	default:
		t.Error("expected a flush once MaxDelay elapsed")
	}
}

func TestSweepFlushesAgedBuffer(t *testing.T) {
	tbl, flushed := newTestTable(true)
	now := time.Now()

	for i := 0; i < TrackCount; i++ {
		tbl.Send(now, 2, 2, 1, 1, 5000, packet("x"))
		now = now.Add(time.Microsecond)
	}

	tbl.Sweep(now.Add(MaxDelay))

	select {
	case <-flushed:
	default:
		t.Error("expected Sweep to flush the aged buffer")
	}
}

func TestCloseFlushesPendingBuffers(t *testing.T) {
	tbl, flushed := newTestTable(true)
	now := time.Now()

	for i := 0; i < TrackCount; i++ {
		tbl.Send(now, 2, 2, 1, 1, 5000, packet("x"))
		now = now.Add(time.Microsecond)
	}

	tbl.Close()

	select {
	case <-flushed:
	default:
		t.Error("expected Close to flush pending buffers")
	}
}

func TestBecomesInactiveAfterStopThreshold(t *testing.T) {
	tbl, _ := newTestTable(true)
	now := time.Now()

	var d *destination
	for i := 0; i < TrackCount; i++ {
		tbl.Send(now, 2, 2, 1, 1, 5000, packet("x"))
		now = now.Add(time.Microsecond)
	}
	d = tbl.dests[key{Net: 1, Node: 1, Socket: 5000}]
	if !d.active {
		t.Fatal("expected active after burst")
	}

	now = now.Add(StopThreshold + time.Second)
	tbl.Send(now, 2, 2, 1, 1, 5000, packet("z"))
	if d.active {
		t.Error("expected coalescing to stop once the rate drops for StopThreshold")
	}
}

func TestPacketTooLargeToShareForcesFlushFirst(t *testing.T) {
	tbl, flushed := newTestTable(true)
	now := time.Now()

	for i := 0; i < TrackCount; i++ {
		tbl.Send(now, 2, 2, 1, 1, 5000, packet("x"))
		now = now.Add(time.Microsecond)
	}

	big := make([]byte, MaxSize)
	if tbl.Send(now, 2, 2, 1, 1, 5000, big) {
		t.Error("an oversized packet must never be queued")
	}

	select {
	case <-flushed:
	default:
		t.Error("expected prior buffer to flush before the oversized packet")
	}
}

func TestIPXAddrTypesAccepted(t *testing.T) {
	tbl, _ := newTestTable(true)
	var net ipxaddr.Net = 1
	var node ipxaddr.Node = 1
	tbl.Send(time.Now(), 2, 2, net, node, 5000, packet("x"))
}

type fakeMetrics struct {
	coalesced int
	flushes   int
	activeSet []int
}

func (f *fakeMetrics) IncCoalesced()               { f.coalesced++ }
func (f *fakeMetrics) IncFlushes()                 { f.flushes++ }
func (f *fakeMetrics) SetActiveDestinations(n int) { f.activeSet = append(f.activeSet, n) }

func TestMetricsRecordActivationCoalescingAndFlushes(t *testing.T) {
	m := &fakeMetrics{}
	tbl := New(Config{
		Enabled: true,
		Flush:   func([]byte) error { return nil },
		Metrics: m,
		Logger:  discardLogger(),
	})
	now := time.Now()

	for i := 0; i < TrackCount; i++ {
		tbl.Send(now, 2, 2, 1, 1, 5000, packet("x"))
		now = now.Add(time.Microsecond)
	}

	if m.coalesced == 0 {
		t.Error("expected IncCoalesced to be called once active")
	}
	if len(m.activeSet) == 0 || m.activeSet[len(m.activeSet)-1] != 1 {
		t.Errorf("activeSet = %v, want last value 1", m.activeSet)
	}

	now = now.Add(MaxDelay)
	tbl.Send(now, 2, 2, 1, 1, 5000, packet("y"))

	if m.flushes == 0 {
		t.Error("expected IncFlushes to be called on MaxDelay flush")
	}

	now = now.Add(StopThreshold + time.Second)
	tbl.Send(now, 2, 2, 1, 1, 5000, packet("z"))

	if m.activeSet[len(m.activeSet)-1] != 0 {
		t.Errorf("expected active count to drop to 0 after stop threshold, activeSet = %v", m.activeSet)
	}
}
