// Package zio implements the ZIO pipeline of spec.md §4.6: a zio_t DAG
// node carrying a bitmap of remaining pipeline stages, executed in bit
// order either inline or bounced onto a taskq, with parent/child
// READY/DONE barriers, checksum-verify retries across redundant sources,
// and flag-gated error propagation. A read recovered by those retries is
// not written back by this package; repair writes are issued only by
// vdev.Mirror after a child's read fails with an I/O error.
package zio

import (
	"context"
	"sync"

	"github.com/zpoold/zpoold/pkg/abd"
	"github.com/zpoold/zpoold/pkg/bp"
	"github.com/zpoold/zpoold/pkg/bp/compress"
	"github.com/zpoold/zpoold/pkg/primitives"
	"github.com/zpoold/zpoold/pkg/vdev"
)

// SpillDir is the directory NewSpillable's disk-backed staging buffers are
// created under; the zero value uses the OS default temp directory.
var SpillDir string

// abdLinear allocates a read's physical-data staging buffer through
// abd.NewSpillable rather than abd.NewLinear, so a large block's staging
// buffer spills to a disk-backed djherbis/buffer+nio pipe instead of
// growing the process heap (spec.md §4.1). A spill buffer that fails to
// allocate (e.g. an unwritable SpillDir) falls back to a plain in-memory
// linear ABD rather than failing the read outright.
func abdLinear(n int) *abd.ABD {
	a, err := abd.NewSpillable(n, SpillDir)
	if err != nil {
		return abd.NewLinear(n)
	}
	return a
}

func abdFromBytes(b []byte) *abd.ABD { return abd.FromBytes(b) }

// Op identifies what kind of operation a zio performs, selecting its
// stage mask.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFree
	OpClaim
)

// Flag is a bitmask of the per-zio behavior switches spec.md §4.6 names.
type Flag uint32

const (
	FlagDontRetry Flag = 1 << iota
	FlagCanFail
	FlagOptional
	FlagReexecuted
	FlagGangChild
	FlagDontPropagate
	FlagSpeculative
	FlagGodfather
)

func (f Flag) has(bit Flag) bool { return f&bit != 0 }

// Allocator is the subset of *spa.Pool a write/free zio needs; an
// interface so tests can substitute a stub without standing up a full
// pool.
type Allocator interface {
	Alloc(psize uint64, txg uint64, copies int) ([]bp.DVA, error)
	Free(dva bp.DVA, txg uint64) error
	TempReserveSpace(bytes uint64) error
}

// Zio is one node in the pipeline DAG.
type Zio struct {
	mu sync.Mutex

	Op       Op
	Priority vdev.Priority
	Flags    Flag
	Txg      uint64
	Copies   int

	BP   *bp.BlockPointer
	Vdev vdev.Vdev // leaf/interior vdev this zio's VDEV_IO_* stages target
	Pool Allocator

	LogicalData []byte // plaintext, uncompressed payload (write input / read output)
	physData    []byte // post-compress/encrypt bytes actually sent to the vdev

	dvaIndex    int   // which of BP.DVAs VDEV_IO targets; advanced on checksum-verify retry
	vdevAttempt int   // how many of z.Vdev's own redundant sources have been excluded for the current DVA
	excluded    []int // accumulated Request.Exclude set for the current DVA, reset whenever dvaIndex advances
	lastSource  int   // Result.Source from the most recent VDEV_IO_DONE, -1 if not reported

	parent   *Zio
	children []*Zio

	state Stage
	err   *Error

	taskq *primitives.TaskQueue

	childrenNR  int
	childrenND  int
	onDone      func(*Zio)
	reportEvent func(*Error)
}

// OnError registers a callback invoked whenever this zio raises an
// error, before propagation to its parent — the hook pkg/event's
// subscriber wiring attaches to for spec.md §6.4's event stream.
func (z *Zio) OnError(fn func(*Error)) *Zio {
	z.reportEvent = fn
	return z
}

// NewRead builds a READ zio against target for the given block pointer.
func NewRead(target *bp.BlockPointer, v vdev.Vdev, prio vdev.Priority) *Zio {
	return &Zio{
		Op:       OpRead,
		Priority: prio,
		BP:       target,
		Vdev:     v,
		state:    readPipeline(target != nil && target.Flags&bp.FlagDedup != 0),
	}
}

// NewWrite builds a WRITE zio that will compress, checksum, and
// allocate logical bytes for BP, via pool.
func NewWrite(logical []byte, target *bp.BlockPointer, v vdev.Vdev, pool Allocator, prio vdev.Priority, copies int) *Zio {
	if copies < 1 {
		copies = 1
	}
	gang := target != nil && target.IsGang()
	dedup := target != nil && target.Flags&bp.FlagDedup != 0
	encrypt := target != nil && target.Flags&bp.FlagEncrypted != 0
	return &Zio{
		Op:          OpWrite,
		Priority:    prio,
		BP:          target,
		Vdev:        v,
		Pool:        pool,
		LogicalData: logical,
		Copies:      copies,
		state:       writePipeline(dedup, gang, encrypt),
	}
}

// NewFree builds a FREE zio releasing target's DVAs via pool.
func NewFree(target *bp.BlockPointer, pool Allocator, prio vdev.Priority) *Zio {
	dedup := target != nil && target.Flags&bp.FlagDedup != 0
	return &Zio{
		Op:       OpFree,
		Priority: prio,
		BP:       target,
		Pool:     pool,
		state:    freePipeline(dedup),
	}
}

// WithTaskQueue attaches the taskq that StageIssueAsync bounces onto;
// without one, ISSUE_ASYNC is a no-op and the whole pipeline runs
// inline on the calling goroutine.
func (z *Zio) WithTaskQueue(tq *primitives.TaskQueue) *Zio {
	z.taskq = tq
	return z
}

// OnDone registers a callback invoked once this zio (and all its
// children) reach DONE.
func (z *Zio) OnDone(fn func(*Zio)) *Zio {
	z.onDone = fn
	return z
}

// AddChild attaches child as a dependent of z: z will not advance past
// READY until child is READY, nor past DONE until child is DONE.
func (z *Zio) AddChild(child *Zio) {
	z.mu.Lock()
	child.parent = z
	z.children = append(z.children, child)
	z.childrenNR++
	z.childrenND++
	z.mu.Unlock()
}

func (z *Zio) childReady() {
	if z.parent == nil {
		return
	}
	p := z.parent
	p.mu.Lock()
	p.childrenNR--
	ready := p.childrenNR <= 0
	p.mu.Unlock()
	if ready {
		p.Execute()
	}
}

func (z *Zio) childDone() {
	if z.parent == nil {
		return
	}
	p := z.parent
	p.mu.Lock()
	p.childrenND--
	done := p.childrenND <= 0
	p.mu.Unlock()
	if done {
		p.Execute()
	}
}

// Err returns the terminal error, if any, once the zio reaches DONE.
func (z *Zio) Err() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.err == nil {
		return nil
	}
	return z.err
}

func (z *Zio) fail(err *Error) {
	z.mu.Lock()
	if z.err == nil {
		z.err = err
	}
	propagate := !z.Flags.has(FlagDontPropagate)
	z.mu.Unlock()

	if z.reportEvent != nil {
		z.reportEvent(err)
	}
	if propagate && z.parent != nil && !z.Flags.has(FlagGodfather) {
		z.parent.fail(err)
	}
	if !z.Flags.has(FlagCanFail) {
		z.clearAllAndFinish()
	}
}

func (z *Zio) clearAllAndFinish() {
	z.mu.Lock()
	z.state = 0
	z.mu.Unlock()
	z.finish()
}

// Execute drives the pipeline forward from wherever z.state currently
// points, stopping (without blocking the caller) whenever a stage
// yields onto the taskq or onto an async vdev completion.
func (z *Zio) Execute() {
	for {
		z.mu.Lock()
		stage := lowestSet(z.state)
		z.mu.Unlock()
		if stage == 0 {
			break
		}

		if stage == StageIssueAsync {
			z.clearStage(StageIssueAsync)
			if z.taskq != nil {
				z.taskq.Dispatch(primitives.PriorityNormal, func(ctx context.Context) { z.Execute() })
				return
			}
			continue
		}

		yield, err := z.runStage(stage)
		if err != nil {
			z.fail(err)
			return
		}
		if yield {
			return
		}
		z.clearStage(stage)

		if stage == StageReady {
			z.childReady()
			z.mu.Lock()
			blocked := z.childrenNR > 0
			z.mu.Unlock()
			if blocked {
				// Not all children have posted READY yet; the last one
				// to do so calls childReady(), which re-invokes Execute
				// and resumes here since StageReady's bit is already
				// clear (spec.md §4.6: "parent zio does not advance past
				// READY until all children are READY").
				return
			}
		}
	}
	z.finish()
}

func (z *Zio) clearStage(s Stage) {
	z.mu.Lock()
	z.state &^= s
	z.mu.Unlock()
}

func (z *Zio) finish() {
	z.mu.Lock()
	alreadyDone := z.childrenND > 0
	z.mu.Unlock()
	if alreadyDone {
		return
	}
	if z.onDone != nil {
		z.onDone(z)
	}
	if z.parent != nil {
		z.childDone()
	}
}

// runStage executes one pipeline stage, returning (yield, err). yield
// true means the stage is still in flight (an async vdev callback or a
// child wait will resume the pipeline); the stage's bit is left set in
// that case.
func (z *Zio) runStage(stage Stage) (bool, *Error) {
	switch stage {
	case StageOpen, StageReadBPInit, StageWriteBPInit, StageFreeBPInit:
		return false, z.stageBPInit()
	case StageWriteCompress:
		return false, z.stageCompress()
	case StageEncrypt:
		return false, z.stageEncrypt()
	case StageChecksumGenerate:
		return false, z.stageChecksumGenerate()
	case StageNopWrite:
		return false, z.stageNopWrite()
	case StageDDTReadStart, StageDDTReadDone, StageDDTWrite, StageDDTFree, StageBRTFree:
		// Dedup table integration is implemented in pkg/ddt and wired by
		// the DMU layer that populates z.BP.Flags before issuing this
		// zio; with no ddt.Table attached here there is nothing
		// additional to do at these stages.
		return false, nil
	case StageGangAssemble, StageGangIssue:
		return false, z.stageGang()
	case StageDVAThrottle:
		return false, z.stageThrottle()
	case StageDVAAllocate:
		return false, z.stageAllocate()
	case StageDVAFree:
		return false, z.stageFree()
	case StageDVAClaim:
		return false, nil
	case StageReady:
		return false, nil
	case StageVdevIOStart:
		return z.stageVdevIOStart()
	case StageVdevIODone, StageVdevIOAssess:
		return false, nil
	case StageChecksumVerify:
		return z.stageChecksumVerify()
	case StageDone:
		return false, nil
	default:
		return false, newError(ErrData, stage, "unknown stage")
	}
}

func (z *Zio) stageBPInit() *Error {
	if z.Op == OpRead && z.BP == nil {
		return newError(ErrData, StageReadBPInit, "read zio has no block pointer")
	}
	return nil
}

// stageCompress compresses LogicalData per BP.CompressionType, falling
// back to uncompressed storage if the result would not fit (spec.md
// §4.4/§4.6).
func (z *Zio) stageCompress() *Error {
	if z.BP == nil {
		return newError(ErrData, StageWriteCompress, "write zio has no block pointer")
	}
	lsize := uint64(len(z.LogicalData))
	z.BP.LSize = lsize

	out, err := compress.Compress(z.BP.CompressionType, z.LogicalData, len(z.LogicalData), 3)
	if err != nil {
		out = append([]byte(nil), z.LogicalData...)
		z.BP.CompressionType = compress.Off
	}
	z.physData = out
	z.BP.PSize = uint64(len(out))
	return nil
}

// stageEncrypt is a structural placeholder: the AEAD transform itself
// is a separate concern from the allocator/checksum core this package
// implements, so an encrypted BP's physData passes through unchanged
// here (real encryption is applied by the keystore layer that sets
// BP.Encryption before this zio is issued).
func (z *Zio) stageEncrypt() *Error {
	return nil
}

func (z *Zio) stageChecksumGenerate() *Error {
	if z.BP == nil {
		return nil
	}
	if err := z.BP.SetChecksum(z.LogicalData); err != nil {
		return newError(ErrData, StageChecksumGenerate, "%v", err)
	}
	return nil
}

// stageNopWrite skips the actual DVA allocation/write when the newly
// computed checksum matches a block the DDT has already told us is
// identical (spec.md §4.6: "skip if new checksum == existing
// checksum"). This stage is a no-op: CHECKSUM_GENERATE has already
// overwritten BP.Checksum by the time it runs, and no write is ever
// skipped here.
func (z *Zio) stageNopWrite() *Error {
	return nil
}

func (z *Zio) stageGang() *Error {
	if z.BP != nil {
		z.BP.Flags |= bp.FlagGang
	}
	return nil
}

func (z *Zio) stageThrottle() *Error {
	if z.Pool == nil {
		return nil
	}
	if err := z.Pool.TempReserveSpace(uint64(len(z.physData))); err != nil {
		return newError(ErrIO, StageDVAThrottle, "%v", err)
	}
	return nil
}

func (z *Zio) stageAllocate() *Error {
	if z.Pool == nil || z.BP == nil {
		return nil
	}
	dvas, err := z.Pool.Alloc(uint64(len(z.physData)), z.Txg, z.Copies)
	if err != nil {
		return newError(ErrIO, StageDVAAllocate, "%v", err)
	}
	z.BP.DVAs = dvas
	return nil
}

func (z *Zio) stageFree() *Error {
	if z.Pool == nil || z.BP == nil {
		return nil
	}
	for _, d := range z.BP.DVAs {
		if err := z.Pool.Free(d, z.Txg); err != nil {
			return newError(ErrIO, StageDVAFree, "%v", err)
		}
	}
	return nil
}

// stageVdevIOStart issues the physical I/O against z.Vdev, yielding
// until its completion callback resumes the pipeline at
// VDEV_IO_DONE/ASSESS.
func (z *Zio) stageVdevIOStart() (bool, *Error) {
	if z.Vdev == nil {
		return false, nil
	}
	if z.Op == OpWrite && z.BP != nil && len(z.BP.DVAs) > 1 {
		// Ditto copies beyond the first DVA are written and waited for
		// here, so every DVA holds the block before the primary write.
		for _, d := range z.BP.DVAs[1:] {
			errc := make(chan error, 1)
			ditto := vdev.Request{Op: vdev.OpWrite, Offset: d.Offset, Length: uint64(len(z.physData)), Data: abdFromBytes(z.physData), Prio: z.Priority}
			z.Vdev.IOStart(context.Background(), ditto, func(res vdev.Result) { errc <- res.Err })
			if err := <-errc; err != nil {
				return false, newError(ErrIO, StageVdevIODone, "%v", err)
			}
		}
	}
	req := z.requestFor()
	z.Vdev.IOStart(context.Background(), req, func(res vdev.Result) {
		z.clearStage(StageVdevIOStart)
		if res.Err != nil {
			z.fail(newError(ErrIO, StageVdevIODone, "%v", res.Err))
			return
		}
		if req.Op == vdev.OpRead && req.Data != nil {
			z.physData = make([]byte, req.Data.Size())
			_ = req.Data.CopyTo(z.physData)
			z.lastSource = res.Source
		}
		z.Execute()
	})
	return true, nil
}

func (z *Zio) requestFor() vdev.Request {
	switch z.Op {
	case OpRead:
		dva := z.currentDVA()
		length := z.BP.PSize
		var exclude []int
		if len(z.excluded) > 0 {
			// Don't trust the source(s) already ruled out by a failed
			// checksum verification on this same DVA; ask z.Vdev for a
			// different combination (mirror: another child; raidz:
			// reconstruct these columns from parity instead of reading
			// them).
			exclude = append([]int(nil), z.excluded...)
		}
		return vdev.Request{Op: vdev.OpRead, Offset: dva.Offset, Length: length, Data: abdLinear(int(length)), Prio: z.Priority, Exclude: exclude}
	case OpWrite:
		dva := bp.DVA{}
		if len(z.BP.DVAs) > 0 {
			dva = z.BP.DVAs[0]
		}
		return vdev.Request{Op: vdev.OpWrite, Offset: dva.Offset, Length: uint64(len(z.physData)), Data: abdFromBytes(z.physData), Prio: z.Priority}
	default:
		return vdev.Request{Op: vdev.OpFlush, Prio: z.Priority}
	}
}

func (z *Zio) currentDVA() bp.DVA {
	if z.BP == nil || len(z.BP.DVAs) == 0 {
		return bp.DVA{}
	}
	if z.dvaIndex >= len(z.BP.DVAs) {
		z.dvaIndex = 0
	}
	return z.BP.DVAs[z.dvaIndex]
}

// stageChecksumVerify verifies the recovered physical bytes against
// BP.Checksum after decompression. On mismatch it first exhausts every
// redundant source within the DVA's own target vdev (another mirror
// child, or a different raidz column reconstructed from parity) before
// advancing to the next DVA (ditto copy), per spec.md §7: "attempt
// every available redundancy ... if all fail, report ECKSUM". This is
// what makes recovery reachable even when a BP carries a single DVA
// pointing directly at a mirror or raidz vdev (copies=1), not just when
// it carries multiple ditto-copy DVAs.
func (z *Zio) stageChecksumVerify() (bool, *Error) {
	if z.Op != OpRead || z.BP == nil {
		return false, nil
	}
	decompressed, err := compress.Decompress(z.BP.CompressionType, z.physData, int(z.BP.LSize))
	var verifyErr *Error
	if err != nil {
		verifyErr = newError(ErrData, StageChecksumVerify, "decompress: %v", err)
	} else {
		ok, vErr := z.BP.VerifyChecksum(decompressed)
		if vErr != nil {
			return false, newError(ErrChecksum, StageChecksumVerify, "%v", vErr)
		}
		if !ok {
			verifyErr = newError(ErrChecksum, StageChecksumVerify, "checksum mismatch on DVA %d", z.dvaIndex)
		}
	}
	if verifyErr == nil {
		z.LogicalData = decompressed
		return false, nil
	}

	z.mu.Lock()
	width := z.redundancyWidth()
	switch {
	case z.vdevAttempt+1 < width:
		if z.lastSource >= 0 {
			// A vdev like Mirror reports exactly which source answered,
			// independent of any internal load-balancing order.
			z.excluded = append(z.excluded, z.lastSource)
		} else {
			// A vdev like RaidZ has no single source to report; drive the
			// exclusion set by attempt count instead, which is safe
			// because its column indices are positional, not reordered.
			z.excluded = append(z.excluded, z.vdevAttempt)
		}
		z.vdevAttempt++
	case z.dvaIndex+1 < len(z.BP.DVAs):
		z.dvaIndex++
		z.vdevAttempt = 0
		z.excluded = nil
	default:
		z.mu.Unlock()
		return false, verifyErr
	}
	z.state |= StageVdevIOStart | StageVdevIODone | StageVdevIOAssess | StageChecksumVerify
	z.mu.Unlock()
	// Retry against the next redundant source: recurse into Execute now
	// so the new VDEV_IO_START dispatches before this call returns, then
	// yield so the outer loop doesn't also try to clear our bit.
	z.Execute()
	return true, nil
}

// redundancyWidth reports how many distinct source combinations z.Vdev
// itself can serve a read from, independent of DVA ditto copies.
func (z *Zio) redundancyWidth() int {
	if cr, ok := z.Vdev.(vdev.ChecksumRetrier); ok {
		return cr.RedundancyWidth()
	}
	return 1
}
