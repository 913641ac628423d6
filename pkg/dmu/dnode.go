// Package dmu implements the object layer of spec.md §4.7: dnodes with
// their indirect-block tree, the dbuf cache sitting over them, an
// indirect-tree traversal helper shared by send/scrub/diff/resilver
// callers, and dmu_free_range's deferred-free bookkeeping.
package dmu

import (
	"sync"

	"github.com/zpoold/zpoold/pkg/bp"
	"github.com/zpoold/zpoold/pkg/zfserrors"
)

// ObjectType identifies what a dnode's bonus buffer and data blocks hold,
// the handful of types this engine itself needs to distinguish (spec.md
// §3.5/§3.10: MOS is "a distinguished objset").
type ObjectType uint8

const (
	ObjectTypeNone ObjectType = iota
	ObjectTypeMasterNode
	ObjectTypeObjectDirectory
	ObjectTypePlainFile
	ObjectTypeDirectory
	ObjectTypeDDT
	ObjectTypeZIL
	ObjectTypeBonus
)

// MaxDirectBPs is the number of block pointers a dnode carries directly,
// before an indirect tier is needed (spec.md §3.5: "up to 3 direct BPs").
const MaxDirectBPs = 3

// MaxBonusSize is the largest bonus buffer a dnode can carry inline.
const MaxBonusSize = 320

// IndirectFanout is the number of block pointers packed into one
// indirect block — this engine doesn't serialize indirect blocks to a
// fixed byte size, so the value is chosen to match a realistic
// 128-byte-BP-into-16KiB-block packing rather than measured from a wire
// format.
const IndirectFanout = 128

// DnodeSize is the fixed on-disk dnode size spec.md §3.5 names.
const DnodeSize = 512

// Dnode is one object within an object set: a bonus buffer, an
// indirect-block tree of block pointers addressed by block id, and the
// metadata needed to grow that tree as MaxBlkID increases.
type Dnode struct {
	mu sync.RWMutex

	Object        uint64
	Type          ObjectType
	Bonus         []byte
	DataBlockSize uint64
	MaxBlkID      uint64
	NLevels       int

	// levels[0] holds leaf (data) block pointers indexed by blkid;
	// levels[i>0] holds the i'th indirect tier, one BP per IndirectFanout^i
	// leaf blocks it covers. len(levels) == NLevels.
	levels [][]*bp.BlockPointer

	freeRanges []FreeRange // pending dmu_free_range entries, drained at sync
}

// NewDnode allocates a fresh, empty dnode of the given type and leaf
// block size.
func NewDnode(object uint64, typ ObjectType, dataBlockSize uint64) *Dnode {
	return &Dnode{
		Object:        object,
		Type:          typ,
		DataBlockSize: dataBlockSize,
		NLevels:       1,
		levels:        [][]*bp.BlockPointer{{}},
	}
}

// SetBonus replaces the dnode's bonus buffer, enforcing spec.md §3.5's
// 320-byte cap.
func (d *Dnode) SetBonus(b []byte) error {
	if len(b) > MaxBonusSize {
		return zfserrors.New(zfserrors.KindTooBig, "dmu: bonus buffer %d bytes exceeds %d-byte limit", len(b), MaxBonusSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Bonus = append([]byte(nil), b...)
	return nil
}

// capacity returns how many leaf blocks the dnode's current NLevels can
// address: MaxDirectBPs direct pointers, each covering
// IndirectFanout^(NLevels-1) leaf blocks.
func (d *Dnode) capacity() uint64 {
	cap := uint64(MaxDirectBPs)
	for i := 1; i < d.NLevels; i++ {
		cap *= IndirectFanout
	}
	return cap
}

// grow adds indirect tiers until blkid fits within the dnode's capacity,
// the Go analogue of dbuf_new_indirect growing a sparse object's tree as
// it's extended.
func (d *Dnode) grow(blkid uint64) {
	for blkid >= d.capacity() {
		d.levels = append(d.levels, nil)
		d.NLevels++
	}
}

// SetBlock installs bp as the leaf block pointer at blkid, growing the
// indirect tree if blkid exceeds the dnode's current addressable range,
// and advancing MaxBlkID.
func (d *Dnode) SetBlock(blkid uint64, target *bp.BlockPointer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grow(blkid)
	leaves := d.levels[0]
	for uint64(len(leaves)) <= blkid {
		leaves = append(leaves, nil)
	}
	leaves[blkid] = target
	d.levels[0] = leaves
	if blkid > d.MaxBlkID || (blkid == 0 && d.MaxBlkID == 0 && target != nil) {
		d.MaxBlkID = blkid
	}
}

// Block returns the leaf block pointer at blkid, or nil if it's a hole
// (never written, or beyond MaxBlkID).
func (d *Dnode) Block(blkid uint64) *bp.BlockPointer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.levels) == 0 || blkid >= uint64(len(d.levels[0])) {
		return nil
	}
	return d.levels[0][blkid]
}

// IndirectBlock returns the block pointer at (level, idx) within tier
// level (level 1 is the first indirect tier above the leaves), or nil if
// level is out of range or idx hasn't been populated.
func (d *Dnode) IndirectBlock(level int, idx uint64) *bp.BlockPointer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if level <= 0 || level >= len(d.levels) {
		return nil
	}
	tier := d.levels[level]
	if idx >= uint64(len(tier)) {
		return nil
	}
	return tier[idx]
}

// SetIndirectBlock installs bp at (level, idx) in an indirect tier,
// growing that tier's slice as needed. Used by the TXG sync pass as it
// writes newly-dirtied indirect blocks bottom-up.
func (d *Dnode) SetIndirectBlock(level int, idx uint64, target *bp.BlockPointer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for level >= len(d.levels) {
		d.levels = append(d.levels, nil)
	}
	if level > d.NLevels-1 {
		d.NLevels = level + 1
	}
	tier := d.levels[level]
	for uint64(len(tier)) <= idx {
		tier = append(tier, nil)
	}
	tier[idx] = target
	d.levels[level] = tier
}

// NumLevels reports the dnode's current indirect-tree height.
func (d *Dnode) NumLevels() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.NLevels
}
