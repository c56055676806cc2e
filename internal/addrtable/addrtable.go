// Package addrtable implements the process-shared socket-number table that
// coordinates bound IPX socket numbers across co-resident instances of the
// router. Entries live in a memory-mapped file under the OS temp directory,
// guarded by an advisory flock so that every process sharing the table
// serializes its reads and writes.
//
// If the shared region cannot be opened (no filesystem, permission denied,
// unsupported platform), New returns an in-process-only Table: the caller
// keeps identical semantics minus cross-process uniqueness, matching the
// degrade-with-a-warning policy for shared-memory unavailability.
package addrtable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/solemn-relay/goipx/internal/ipxaddr"
)

// Version gates cross-version coexistence: a table built by an incompatible
// version is rejected rather than reinterpreted.
const Version = 2

// MaxEntries bounds the fixed-size table.
const MaxEntries = 512

// DefaultExpiry is how long an entry survives without a Refresh touch before
// Refresh purges it as presumed-crashed.
const DefaultExpiry = 10 * time.Second

const (
	headerLen = 4 // version, int32 big-endian
	// netnum(4) nodenum(6) socket(2) flags(1) pid(8) type(1) time(8)
	entryLen = 4 + 6 + 2 + 1 + 8 + 1 + 8
)

// EntryType distinguishes the socket kind an address-table entry was bound
// for.
type EntryType uint8

const (
	TypeIPX EntryType = iota
	TypeSPX
	TypeSPXII
)

const (
	flagValid = 1 << 0
	flagReuse = 1 << 1
)

// Entry is one occupied slot in the table.
type Entry struct {
	Net    ipxaddr.Net
	Node   ipxaddr.Node
	Socket uint16
	PID    int64
	Type   EntryType
	Reuse  bool
	Time   time.Time
}

// ErrVersionMismatch indicates an existing shared table was built by an
// incompatible version of this package.
var ErrVersionMismatch = errors.New("addrtable: incompatible table version present")

// ErrTableFull indicates Add found no free slot.
var ErrTableFull = errors.New("addrtable: out of slots")

// Table is the process-shared socket-number table. All methods are safe for
// concurrent use from multiple goroutines in this process; cross-process
// serialization is provided by an advisory flock when a shared region is
// backing the table.
type Table struct {
	mu     sync.Mutex
	logger *slog.Logger

	// shared is nil when running in degraded, in-process-only mode.
	shared *sharedRegion
	lockFD int // -1 when shared == nil

	// fallback is used when shared == nil.
	fallback []Entry
}

type sharedRegion struct {
	data []byte // mmap'd region, headerLen + MaxEntries*entryLen
	file *os.File
}

// DefaultPath is the shared-memory-backed file used when no explicit path is
// given to New.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), "goipx-addr-table")
}

// New opens or creates the shared address table at path. On any failure to
// establish the shared region it logs a warning and returns a Table that
// behaves identically but without cross-process uniqueness.
func New(path string, logger *slog.Logger) *Table {
	logger = logger.With(slog.String("component", "addrtable"))
	t := &Table{logger: logger, lockFD: -1}

	region, lockFD, err := openSharedRegion(path)
	if err != nil {
		logger.Warn("shared address table unavailable, falling back to in-process uniqueness", slog.Any("error", err))
		return t
	}

	t.shared = region
	t.lockFD = lockFD
	return t
}

func openSharedRegion(path string) (*sharedRegion, int, error) {
	size := headerLen + MaxEntries*entryLen

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, -1, fmt.Errorf("open %s: %w", path, err)
	}

	lockFD := int(f.Fd())
	if err := unix.Flock(lockFD, unix.LOCK_EX); err != nil {
		f.Close()
		return nil, -1, fmt.Errorf("flock %s: %w", path, err)
	}
	defer unix.Flock(lockFD, unix.LOCK_UN)

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, -1, fmt.Errorf("stat %s: %w", path, err)
	}

	isNew := info.Size() == 0
	if isNew {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, -1, fmt.Errorf("truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, -1, fmt.Errorf("mmap %s: %w", path, err)
	}

	region := &sharedRegion{data: data, file: f}

	if isNew {
		binary.BigEndian.PutUint32(region.data[0:4], uint32(Version))
	} else if v := binary.BigEndian.Uint32(region.data[0:4]); v != Version {
		unix.Munmap(data)
		f.Close()
		return nil, -1, fmt.Errorf("%w: table version %d, want %d", ErrVersionMismatch, v, Version)
	}

	return region, int(f.Fd()), nil
}

// Close releases the mmap'd region and backing file descriptor, if any.
func (t *Table) Close() error {
	if t.shared == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	err := unix.Munmap(t.shared.data)
	if cerr := t.shared.file.Close(); err == nil {
		err = cerr
	}
	t.shared = nil
	return err
}

func (t *Table) lock() {
	if t.shared != nil {
		unix.Flock(t.lockFD, unix.LOCK_EX)
	}
}

func (t *Table) unlock() {
	if t.shared != nil {
		unix.Flock(t.lockFD, unix.LOCK_UN)
	}
}

// entryOffset returns the byte offset of slot i within the shared region.
func entryOffset(i int) int {
	return headerLen + i*entryLen
}

func (t *Table) readEntry(i int) Entry {
	b := t.shared.data[entryOffset(i):]
	var e Entry
	e.Net = ipxaddr.Net(binary.BigEndian.Uint32(b[0:4]))

	var nodeBuf [8]byte
	copy(nodeBuf[2:], b[4:10])
	e.Node = ipxaddr.Node(binary.BigEndian.Uint64(nodeBuf[:]))

	e.Socket = binary.BigEndian.Uint16(b[10:12])
	flags := b[12]
	e.PID = int64(binary.BigEndian.Uint64(b[13:21]))
	e.Type = EntryType(b[21])
	e.Reuse = flags&flagReuse != 0
	e.Time = time.Unix(int64(binary.BigEndian.Uint64(b[22:30])), 0)
	return e
}

func (t *Table) writeEntry(i int, e Entry, valid bool) {
	b := t.shared.data[entryOffset(i):]
	binary.BigEndian.PutUint32(b[0:4], uint32(e.Net))

	var nodeBuf [8]byte
	binary.BigEndian.PutUint64(nodeBuf[:], uint64(e.Node))
	copy(b[4:10], nodeBuf[2:])

	binary.BigEndian.PutUint16(b[10:12], e.Socket)

	flags := byte(0)
	if valid {
		flags |= flagValid
	}
	if e.Reuse {
		flags |= flagReuse
	}
	b[12] = flags

	binary.BigEndian.PutUint64(b[13:21], uint64(e.PID))
	b[21] = byte(e.Type)
	binary.BigEndian.PutUint64(b[22:30], uint64(e.Time.Unix()))
}

func (t *Table) isValid(i int) bool {
	return t.shared.data[entryOffset(i)+12]&flagValid != 0
}

func (t *Table) invalidate(i int) {
	t.shared.data[entryOffset(i)+12] &^= flagValid
}

// validCount scans from slot 0 and returns the number of contiguous valid
// entries, matching the append-until-full convention the table is built on.
func (t *Table) validCount() int {
	n := 0
	for n < MaxEntries && t.isValid(n) {
		n++
	}
	return n
}

// Check reports whether socket can be bound without conflict. A conflict
// exists if an entry already holds socket and either side lacks the
// reuse flag.
func (t *Table) Check(socket uint16, reuse bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lock()
	defer t.unlock()

	if t.shared != nil {
		n := t.validCount()
		for i := 0; i < n; i++ {
			e := t.readEntry(i)
			if e.Socket == socket && (!e.Reuse || !reuse) {
				return false
			}
		}
		return true
	}

	for _, e := range t.fallback {
		if e.Socket == socket && (!e.Reuse || !reuse) {
			return false
		}
	}
	return true
}

// AutoSocket finds the lowest unused socket number starting at 1024,
// returning 0 if the entire space from 1024 to 65535 is exhausted.
func (t *Table) AutoSocket() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lock()
	defer t.unlock()

	used := make(map[uint16]bool)
	if t.shared != nil {
		n := t.validCount()
		for i := 0; i < n; i++ {
			used[t.readEntry(i).Socket] = true
		}
	} else {
		for _, e := range t.fallback {
			used[e.Socket] = true
		}
	}

	for sock := 1024; sock <= 65535; sock++ {
		if !used[uint16(sock)] {
			return uint16(sock)
		}
	}
	return 0
}

// Add appends a new entry at the first invalid slot. Callers must have
// already confirmed no conflict via Check.
func (t *Table) Add(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lock()
	defer t.unlock()

	e.Time = time.Now()

	if t.shared != nil {
		n := t.validCount()
		if n >= MaxEntries {
			return ErrTableFull
		}
		t.writeEntry(n, e, true)
		return nil
	}

	if len(t.fallback) >= MaxEntries {
		return ErrTableFull
	}
	t.fallback = append(t.fallback, e)
	return nil
}

// Remove deletes the entry bound to socket, if any, replacing it with the
// last valid slot to keep the valid run contiguous (compaction).
func (t *Table) Remove(socket uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lock()
	defer t.unlock()

	if t.shared != nil {
		n := t.validCount()
		idx := -1
		for i := 0; i < n; i++ {
			if t.readEntry(i).Socket == socket {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		last := n - 1
		if idx != last {
			t.writeEntry(idx, t.readEntry(last), true)
		}
		t.invalidate(last)
		return
	}

	for i, e := range t.fallback {
		if e.Socket == socket {
			t.fallback = append(t.fallback[:i], t.fallback[i+1:]...)
			return
		}
	}
}

// Refresh stamps the current time on every entry owned by pid, then purges
// entries of any process (including our own, if somehow missed) whose Time
// is older than expiry. A zero expiry selects DefaultExpiry.
//
// Implementation note: this takes a single forward pass over a freshly
// collected slice of current entries rather than mutating the table while
// iterating it, so a purge never perturbs the scan that decides what to
// purge next.
func (t *Table) Refresh(pid int64, expiry time.Duration) {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lock()
	defer t.unlock()

	now := time.Now()

	if t.shared != nil {
		n := t.validCount()
		current := make([]Entry, n)
		for i := 0; i < n; i++ {
			current[i] = t.readEntry(i)
			if current[i].PID == pid {
				current[i].Time = now
			}
		}

		kept := current[:0]
		for _, e := range current {
			if now.Sub(e.Time) < expiry {
				kept = append(kept, e)
			}
		}

		for i := 0; i < n; i++ {
			t.invalidate(i)
		}
		for i, e := range kept {
			t.writeEntry(i, e, true)
		}
		return
	}

	kept := t.fallback[:0]
	for _, e := range t.fallback {
		if e.PID == pid {
			e.Time = now
		}
		if now.Sub(e.Time) < expiry {
			kept = append(kept, e)
		}
	}
	t.fallback = kept
}

// Snapshot returns every currently occupied entry, for read-only
// inspection (e.g. a debug CLI listing bound sockets across every
// co-resident process). The returned slice is a copy; mutating it has no
// effect on the table.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lock()
	defer t.unlock()

	if t.shared != nil {
		n := t.validCount()
		out := make([]Entry, n)
		for i := 0; i < n; i++ {
			out[i] = t.readEntry(i)
		}
		return out
	}

	out := make([]Entry, len(t.fallback))
	copy(out, t.fallback)
	return out
}

// Degraded reports whether the table is running without a shared backing
// region (cross-process uniqueness is not available).
func (t *Table) Degraded() bool {
	return t.shared == nil
}
