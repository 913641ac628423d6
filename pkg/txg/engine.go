// Package txg implements the transaction-group engine of spec.md §4.8:
// three in-flight groups (OPEN, QUIESCING, SYNCING) advanced by a single
// sync pass, each pass walking dirty datasets, dsl-dirs, and the MOS in
// the order original_source/zfs/lib/libzpool/dsl_pool.c's
// dsl_pool_sync uses, then rotating the uberblock.
package txg

import (
	"sync"

	"github.com/zpoold/zpoold/pkg/zfserrors"
)

// WriteLimiter is the write-throttle surface a *spa.Pool already
// implements (pkg/spa/throttle.go); the engine depends on this narrow
// interface instead of the concrete type, the same seam pkg/zio uses for
// its Allocator.
type WriteLimiter interface {
	TempReserveSpace(bytes uint64) error
	ClearReservation()
	WriteLimit() uint64
	ReduceWriteLimit(pct float64)
	SetWriteLimit(bytes uint64)
}

// DatasetSyncFunc writes one dirty dataset's pending changes, grounded on
// dsl_dataset_sync.
type DatasetSyncFunc func(txg uint64) error

// SyncTaskFunc runs a one-shot administrative action (rename, destroy,
// property set) queued against a specific txg, grounded on dsl_sync_task.
type SyncTaskFunc func(txg uint64) error

// DirSyncFunc updates one dirty dsl-dir's accounting (space used, quota),
// grounded on dsl_dir_sync.
type DirSyncFunc func(txg uint64) error

// MOSSyncFunc issues the meta-object-set's own dirty blocks and returns
// the resulting root block-pointer checksum/birth to embed in the
// uberblock, grounded on spa_sync's "if the MOS itself is dirty" step.
type MOSSyncFunc func(txg uint64) (dirty bool, rootChecksum [32]byte, rootBirth uint64, err error)

// ZILCleanFunc drops intent-log blocks superseded by what this sync pass
// committed to disk, grounded on dsl_pool_zil_clean.
type ZILCleanFunc func(txg uint64) error

// Hooks are the pluggable callbacks dsl_pool_sync drives each pass.
// Every slice is consulted in registration order; a nil slice is simply
// skipped, matching "nothing dirty this pass" rather than an error.
type Hooks struct {
	DirtyDatasets []DatasetSyncFunc
	SyncTasks     []SyncTaskFunc
	DirtyDirs     []DirSyncFunc
	SyncMOS       MOSSyncFunc
	CleanZIL      ZILCleanFunc

	// MemoryInUse, if set, reports current memory pressure in bytes so
	// Sync can scale the write limit toward writeLimitFloor; omitted it
	// leaves the write limit untouched.
	MemoryInUse func() uint64
}

// Engine drives the OPEN -> QUIESCING -> SYNCING pipeline. At most three
// txgs are ever live at once: the one accepting new holds (open), the one
// waiting for its holds to drain (quiescing, at most one), and the one
// being written out (syncing, at most one) — the "three slots" spec.md
// §4.8 names.
type Engine struct {
	mu sync.Mutex
	cv *sync.Cond

	openTxg      uint64
	quiescingTxg uint64 // 0 when no txg is quiescing
	syncingTxg   uint64 // 0 when no txg is syncing
	syncedTxg    uint64 // last txg fully written out

	holds map[uint64]int

	limiter         WriteLimiter
	writeLimitFloor uint64

	labels   *LabelStore
	guidSum  uint64
	ringSlot int
}

// NewEngine starts an engine with txg 1 open. limiter may be nil, in
// which case AssignTx never throttles (used by tests that don't care
// about the write limit). labels may be nil, in which case Sync skips
// uberblock rotation (used before a pool has any vdev labels attached).
func NewEngine(limiter WriteLimiter, writeLimitFloor uint64, labels *LabelStore, guidSum uint64) *Engine {
	e := &Engine{
		openTxg:         1,
		holds:           make(map[uint64]int),
		limiter:         limiter,
		writeLimitFloor: writeLimitFloor,
		labels:          labels,
		guidSum:         guidSum,
	}
	e.cv = sync.NewCond(&e.mu)
	return e
}

// OpenTxg returns the txg currently accepting new holds.
func (e *Engine) OpenTxg() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openTxg
}

// SyncedTxg returns the last txg whose sync pass completed.
func (e *Engine) SyncedTxg() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncedTxg
}

// AssignTx holds the currently open txg for the caller (dmu_tx_assign),
// reserving bytes against the write limit if a WriteLimiter was given.
// Restart-class errors (over the write limit) mean the caller should
// drop any partial work and retry against whatever txg is open by then.
func (e *Engine) AssignTx(bytes uint64) (uint64, error) {
	if e.limiter != nil && bytes > 0 {
		if err := e.limiter.TempReserveSpace(bytes); err != nil {
			return 0, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	txg := e.openTxg
	e.holds[txg]++
	return txg, nil
}

// ReleaseTx drops a hold taken by AssignTx, waking anyone waiting for
// txg's holds to drain to zero during Quiesce.
func (e *Engine) ReleaseTx(txg uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holds[txg] <= 0 {
		zfserrors.Fatal("txg: release with no outstanding hold on %d", txg)
	}
	e.holds[txg]--
	if e.holds[txg] == 0 {
		e.cv.Broadcast()
	}
}

// Quiesce closes the open txg to new assigns, opens the next one
// immediately so callers keep making forward progress, and blocks until
// every hold on the closing txg has released — collapsing the real
// engine's separate quiesce thread into this one synchronous call.
func (e *Engine) Quiesce() uint64 {
	e.mu.Lock()
	txg := e.openTxg
	e.quiescingTxg = txg
	e.openTxg = txg + 1
	for e.holds[txg] > 0 {
		e.cv.Wait()
	}
	e.quiescingTxg = 0
	e.syncingTxg = txg
	e.mu.Unlock()
	return txg
}

// Sync runs the seven-step dsl_pool_sync pass for txg (which must already
// have been returned by Quiesce): write every dirty dataset's tree and
// wait for it, run queued sync-tasks, update dirty dsl-dirs, sync the MOS
// if it's dirty and rotate the uberblock over it, then clean the ZIL.
func (e *Engine) Sync(txg uint64, hooks Hooks) error {
	for _, f := range hooks.DirtyDatasets {
		if err := f(txg); err != nil {
			return err
		}
	}
	// A real pass waits here for the ZIO write-tree issued per dataset
	// above to complete; each DatasetSyncFunc is expected to block on its
	// own zio.Execute/OnDone before returning, so there is nothing left
	// to separately wait on.

	for _, f := range hooks.SyncTasks {
		if err := f(txg); err != nil {
			return err
		}
	}

	for _, f := range hooks.DirtyDirs {
		if err := f(txg); err != nil {
			return err
		}
	}

	if hooks.SyncMOS != nil {
		dirty, rootChecksum, rootBirth, err := hooks.SyncMOS(txg)
		if err != nil {
			return err
		}
		if dirty && e.labels != nil {
			ub := Uberblock{
				Txg:            txg,
				GUIDSum:        e.guidSum,
				RootBPChecksum: rootChecksum,
				RootBPBirthTxg: rootBirth,
			}
			if err := e.rotate(ub); err != nil {
				return err
			}
		}
	}

	if hooks.CleanZIL != nil {
		if err := hooks.CleanZIL(txg); err != nil {
			return err
		}
	}

	if e.limiter != nil {
		e.limiter.ClearReservation()
		if hooks.MemoryInUse != nil {
			e.adjustWriteLimit(hooks.MemoryInUse())
		}
	}

	e.mu.Lock()
	e.syncingTxg = 0
	if txg > e.syncedTxg {
		e.syncedTxg = txg
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) rotate(ub Uberblock) error {
	e.mu.Lock()
	slot := e.ringSlot
	e.ringSlot = (e.ringSlot + 1) % UberblockRingSize
	e.mu.Unlock()
	return RotateUberblock(e.labels, slot, ub)
}

// adjustWriteLimit implements dp_write_limit = MAX(floor, MIN(current,
// inUse/4)), grounded on dsl_pool.c's dsl_pool_tempreserve_space
// memory-pressure hook: the limit only ever shrinks toward a quarter of
// reported memory-in-use, never below the configured floor, and never
// grows back up on its own (SetWriteLimit/ReduceWriteLimit are the
// operator-facing way to raise it again).
func (e *Engine) adjustWriteLimit(inUse uint64) {
	current := e.limiter.WriteLimit()
	if current == 0 {
		return
	}
	scaled := inUse / 4
	if scaled > current {
		scaled = current
	}
	if scaled < e.writeLimitFloor {
		scaled = e.writeLimitFloor
	}
	if scaled < current {
		e.limiter.SetWriteLimit(scaled)
	}
}
