// Package coalesce implements the adaptive send batcher used by the DOSBox
// relay carrier. When an application hammers a single destination with a
// high rate of small sends, the coalescer starts folding successive packets
// into one IPX_MAGIC_COALESCED envelope so the relay carries fewer, larger
// UDP datagrams; the receiving instance recognizes the magic type and
// inflates the envelope back into its constituent packets.
package coalesce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/ipxpacket"
)

// Tunables, carried over unchanged from the original coalescer.
const (
	// TrackCount is the length of the per-destination send timestamp ring.
	TrackCount = 512

	// StartThreshold is the window over which TrackCount sends must occur
	// to switch a destination into the active (coalescing) state.
	StartThreshold = 2500 * time.Millisecond

	// StopThreshold is the window after which a destination drops back to
	// inactive once its send rate falls below TrackCount per StopThreshold.
	StopThreshold = 10 * time.Second

	// MaxDelay bounds how long a packet may sit in a pending buffer before
	// a flush is forced, coalesced or not.
	MaxDelay = 20 * time.Millisecond

	// MaxSize is the largest a coalesced buffer is allowed to grow,
	// including the envelope's own IPX header.
	MaxSize = 1384
)

type key struct {
	Net    ipxaddr.Net
	Node   ipxaddr.Node
	Socket uint16
}

// destination tracks the send-rate history and pending buffer for one
// remote IPX address.
type destination struct {
	mu sync.Mutex

	dest key

	// timestamps is a ring of the last TrackCount send times; ts[0] is the
	// oldest. A send shifts the ring left and appends at the end, mirroring
	// the original's memmove-based implementation. Unset slots stay at the
	// zero time, so the oldest-send check naturally stays "inactive" until
	// TrackCount real sends have been recorded.
	timestamps [TrackCount]time.Time
	active     bool

	buf       []byte
	bufTime   time.Time
	localNet  ipxaddr.Net
	localNode ipxaddr.Node
}

// registerSend records a send and returns whether the destination should be
// considered active afterward. The logic has three branches, evaluated in
// order: a just-finished burst always turns coalescing on; an established
// burst that has gone quiet always turns it off; otherwise the state holds.
func (d *destination) registerSend(now time.Time) bool {
	copy(d.timestamps[:TrackCount-1], d.timestamps[1:])
	d.timestamps[TrackCount-1] = now

	oldest := d.timestamps[0]

	switch {
	case now.Sub(oldest) <= StartThreshold:
		return true
	case now.Sub(oldest) > StopThreshold:
		return false
	default:
		return d.active
	}
}

// Flusher sends one already-framed coalesced (or passthrough) buffer to the
// relay peer for a destination. Implemented by the DOSBox carrier's UDP
// connection.
type Flusher func(payload []byte) error

// Metrics receives coalescer-level counters. nil is a valid Config value
// and disables metrics entirely.
type Metrics interface {
	IncCoalesced()
	IncFlushes()
	SetActiveDestinations(n int)
}

// Table tracks coalescing state per destination for one DOSBox carrier
// instance and runs the background sweep that bounds buffering delay.
type Table struct {
	mu    sync.Mutex
	dests map[key]*destination

	activeCount int

	enabled bool
	flush   Flusher
	metrics Metrics
	logger  *slog.Logger
}

// Config configures a Table.
type Config struct {
	// Enabled mirrors dosbox_coalesce: when false, Offer always reports
	// the packet should be sent immediately and no state is kept.
	Enabled bool
	Flush   Flusher
	Metrics Metrics
	Logger  *slog.Logger
}

func New(cfg Config) *Table {
	return &Table{
		dests:   make(map[key]*destination),
		enabled: cfg.Enabled,
		flush:   cfg.Flush,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With(slog.String("component", "coalesce")),
	}
}

// adjustActiveCount updates the active-destination count by delta and
// reports the new total to metrics, if configured. Callers must not hold
// t.mu; it locks internally.
func (t *Table) adjustActiveCount(delta int) {
	t.mu.Lock()
	t.activeCount += delta
	n := t.activeCount
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SetActiveDestinations(n)
	}
}

// Send offers one fully-framed outgoing IPX packet (header+payload) to the
// coalescer for the given destination. If the packet is queued into a
// pending buffer, Send returns true and the caller must not also transmit
// it; the caller remains responsible for sending immediately whenever Send
// returns false.
func (t *Table) Send(now time.Time, localNet ipxaddr.Net, localNode ipxaddr.Node, destNet ipxaddr.Net, destNode ipxaddr.Node, destSocket uint16, packet []byte) bool {
	if !t.enabled {
		return false
	}

	d := t.getOrCreate(key{Net: destNet, Node: destNode, Socket: destSocket}, localNet, localNode)

	d.mu.Lock()
	defer d.mu.Unlock()

	wasActive := d.active
	d.active = d.registerSend(now)

	if wasActive != d.active {
		if d.active {
			t.logger.Warn("high send rate detected, coalescing future packets",
				slog.Any("dest_net", destNet), slog.Any("dest_node", destNode), slog.Int("dest_socket", int(destSocket)))
			t.adjustActiveCount(1)
		} else {
			t.logger.Info("send rate has dropped, no longer coalescing packets",
				slog.Any("dest_net", destNet), slog.Any("dest_node", destNode), slog.Int("dest_socket", int(destSocket)))
			t.adjustActiveCount(-1)
		}
	}

	if !d.active {
		return false
	}

	// A packet that doesn't fit alongside what is pending forces a flush of
	// whatever's pending before it is offered to an empty buffer.
	if len(d.buf) > 0 && len(d.buf)+len(packet) > MaxSize {
		t.flushLocked(d)
	}

	queued := d.addData(now, packet)
	if queued && t.metrics != nil {
		t.metrics.IncCoalesced()
	}

	if len(d.buf) > 0 && now.Sub(d.bufTime) >= MaxDelay {
		t.flushLocked(d)
	}

	return queued
}

func (t *Table) getOrCreate(k key, localNet ipxaddr.Net, localNode ipxaddr.Node) *destination {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.dests[k]
	if !ok {
		d = &destination{dest: k, localNet: localNet, localNode: localNode}
		t.dests[k] = d
	}
	return d
}

// addData appends one IPX packet into the destination's pending buffer,
// creating a coalesced envelope header on the first byte written. It
// reports whether the packet was queued; callers must send immediately
// when it returns false because the buffer is already full.
func (d *destination) addData(now time.Time, packet []byte) bool {
	if len(d.buf) == 0 {
		hdr := make([]byte, ipxpacket.HeaderLen)
		_, _ = ipxpacket.Marshal(hdr, ipxpacket.Header{
			Type:     ipxpacket.MagicCoalesced,
			DestNet:  d.dest.Net,
			DestNode: d.dest.Node,
			DestSock: 0,
			SrcNet:   d.localNet,
			SrcNode:  d.localNode,
			SrcSock:  0,
		}, nil)
		d.buf = hdr
		d.bufTime = now
	}

	if len(d.buf)+len(packet) > MaxSize {
		return false
	}

	d.buf = append(d.buf, packet...)
	return true
}

// flushLocked sends whatever is pending for d and resets its buffer. d.mu
// must be held by the caller.
func (t *Table) flushLocked(d *destination) {
	if len(d.buf) == 0 {
		return
	}

	payload := d.buf
	d.buf = nil

	// The coalesced envelope's length field must reflect the final size,
	// not the size at the moment the header was stamped.
	patchLength(payload)

	t.logger.Debug("sending coalesced packet", slog.Int("bytes", len(payload)))
	if t.metrics != nil {
		t.metrics.IncFlushes()
	}
	if t.flush != nil {
		if err := t.flush(payload); err != nil {
			t.logger.Warn("failed to send coalesced packet", slog.Any("error", err))
		}
	}
}

func patchLength(buf []byte) {
	if len(buf) < 4 {
		return
	}
	buf[2] = byte(len(buf) >> 8)
	buf[3] = byte(len(buf))
}

// Sweep flushes any destination whose pending buffer has aged past
// MaxDelay. Callers run it periodically (see Run) so that a burst which
// stops short of filling a buffer doesn't sit there indefinitely.
func (t *Table) Sweep(now time.Time) {
	t.mu.Lock()
	dests := make([]*destination, 0, len(t.dests))
	for _, d := range t.dests {
		dests = append(dests, d)
	}
	t.mu.Unlock()

	for _, d := range dests {
		d.mu.Lock()
		if len(d.buf) > 0 && now.Sub(d.bufTime) >= MaxDelay {
			t.flushLocked(d)
		}
		d.mu.Unlock()
	}
}

// Run periodically sweeps the table until ctx is cancelled, bounding the
// maximum lifetime of any pending buffer. Carriers start it once alongside
// their send/receive loops.
func (t *Table) Run(ctx context.Context) {
	ticker := time.NewTicker(MaxDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

// Close flushes every destination with a non-empty pending buffer. Callers
// use it during shutdown so no buffered data is silently dropped.
func (t *Table) Close() {
	t.mu.Lock()
	dests := make([]*destination, 0, len(t.dests))
	for _, d := range t.dests {
		dests = append(dests, d)
	}
	t.mu.Unlock()

	for _, d := range dests {
		d.mu.Lock()
		t.flushLocked(d)
		d.mu.Unlock()
	}
}
