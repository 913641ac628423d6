// Package vdev implements the virtual device tree of spec.md §4.3: a
// file-backed leaf device, and the mirror/raidz/draid interior compositions
// built on top of them, plus the per-vdev I/O queue.
//
// The leaf contract and the file backend are grounded directly on
// original_source/zfs/lib/libzpool/vdev_file.c: open validates an
// absolute path and rejects non-regular files, close releases the held
// handle, and io_start/io_done are asynchronous around a pread/pwrite.
package vdev

import (
	"context"

	"github.com/zpoold/zpoold/pkg/abd"
	"github.com/zpoold/zpoold/pkg/zfserrors"
)

// State is a vdev's operational state, the closed set original_source's
// vdev_state_t uses to drive fault handling and spare activation.
type State int

const (
	StateUnknown State = iota
	StateClosed
	StateOffline
	StateRemoved
	StateCantOpen
	StateFaulted
	StateDegraded
	StateHealthy
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOffline:
		return "OFFLINE"
	case StateRemoved:
		return "REMOVED"
	case StateCantOpen:
		return "CANT_OPEN"
	case StateFaulted:
		return "FAULTED"
	case StateDegraded:
		return "DEGRADED"
	case StateHealthy:
		return "HEALTHY"
	default:
		return "UNKNOWN"
	}
}

// Op is an I/O operation a leaf vdev must support (spec.md §4.3).
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpTrim
	OpProbe
)

// Request describes one I/O directed at a vdev. Offset/Length are in
// bytes at the vdev's own address space (post-label, pre-DVA-to-physical
// translation is the caller's job).
type Request struct {
	Op     Op
	Offset uint64
	Length uint64
	Data   *abd.ABD // nil for OpFlush/OpProbe, populated for Read (filled on completion) / Write
	Prio   Priority

	// Exclude names redundancy sources (mirror child index / raidz data
	// column index) this read must not trust, even if they answer
	// without an I/O error — how a caller whose own checksum
	// verification failed asks an interior vdev to serve the same
	// logical read from a different combination of sources.
	Exclude []int
}

// Result is what io_done delivers back.
type Result struct {
	Err error

	// Source names the specific redundant source (mirror child index)
	// that ultimately answered an OpRead, so a caller whose checksum
	// verification later fails knows exactly which source to name in
	// Request.Exclude next time rather than guessing at an attempt
	// count — load-balancing policies like Mirror's round-robin pick a
	// different starting child per call, so "the Nth attempt" does not
	// correspond to a fixed source index. -1 when not meaningful: raidz
	// combines many columns into one answer, so its Request.Exclude is
	// driven directly by the caller counting attempts instead.
	Source int
}

// Attr reports static properties discovered at open time.
type Attr struct {
	PSize         uint64
	LogicalAshift  uint
	PhysicalAshift uint
}

// Vdev is the contract every tree node (leaf or interior) satisfies.
// Interior nodes recurse Open/Close/Hold/Release across their Children
// and implement IOStart by fanning out/selecting among them; leaves talk
// to the underlying OS resource directly.
type Vdev interface {
	Name() string
	State() State
	Children() []Vdev

	Open(ctx context.Context) (Attr, error)
	Close() error
	Hold()
	Release()

	// IOStart issues req asynchronously, delivering the Result to done
	// once the operation (and any self-healing it triggers) completes.
	IOStart(ctx context.Context, req Request, done func(Result))

	GetAttr() Attr
	GetSize() uint64
	Sync() error
}

// base holds the fields every concrete vdev (leaf or interior) shares.
type base struct {
	name  string
	state State
	attr  Attr
	refs  int
}

func (b *base) Name() string  { return b.name }
func (b *base) State() State  { return b.state }
func (b *base) GetAttr() Attr { return b.attr }
func (b *base) GetSize() uint64 {
	return b.attr.PSize
}

func (b *base) Hold() { b.refs++ }

func (b *base) Release() {
	if b.refs == 0 {
		zfserrors.Fatal("vdev %s: release with zero outstanding holds", b.name)
	}
	b.refs--
}

// ErrCantOpen is returned by Open when the underlying resource cannot be
// used and the vdev must transition to StateCantOpen.
var ErrCantOpen = zfserrors.New(zfserrors.KindIO, "vdev: device cannot be opened")

// ChecksumRetrier is implemented by interior vdevs with internal
// redundancy (mirror children, raidz data+parity columns).
// RedundancyWidth reports how many alternate source combinations a
// caller whose checksum verification failed can force via successive
// Request.Exclude sets before this vdev's redundancy is exhausted —
// spec.md §4.3/§7's "attempt every available redundancy" for a BP whose
// DVA points directly at a mirror or raidz rather than at ditto copies.
type ChecksumRetrier interface {
	RedundancyWidth() int
}
