package dmu

import (
	"github.com/zpoold/zpoold/pkg/bp"
	"github.com/zpoold/zpoold/pkg/zfserrors"
)

// FreeRange is one pending dmu_free_range entry: a byte-offset span
// within an object's data, queued until the sync pass deallocates the
// leaves (and shrinks any indirects left fully empty) it covers.
type FreeRange struct {
	Offset uint64
	Length uint64
	Txg    uint64
}

// FreeRange queues a dmu_free_range(object, offset, length, tx) request
// against object, to be drained by DrainFreeRanges in txg's sync pass
// (spec.md §4.7: "sync processes them, deallocating leaves and shrinking
// indirects").
func (os *ObjSet) FreeRange(object uint64, offset, length uint64, txg uint64) error {
	dn, ok := os.Lookup(object)
	if !ok {
		return zfserrors.New(zfserrors.KindNotFound, "dmu: free_range: object %d not found in objset %q", object, os.Name)
	}
	dn.mu.Lock()
	dn.freeRanges = append(dn.freeRanges, FreeRange{Offset: offset, Length: length, Txg: txg})
	dn.mu.Unlock()
	return nil
}

// PendingFreeRanges returns object's queued free-range entries whose Txg
// is at or before txg, without removing them.
func (os *ObjSet) PendingFreeRanges(object uint64, txg uint64) []FreeRange {
	dn, ok := os.Lookup(object)
	if !ok {
		return nil
	}
	dn.mu.RLock()
	defer dn.mu.RUnlock()
	var out []FreeRange
	for _, r := range dn.freeRanges {
		if r.Txg <= txg {
			out = append(out, r)
		}
	}
	return out
}

// DrainFreeRanges applies object's pending free-range entries up to and
// including txg: every leaf blkid the range covers is cleared (becoming
// a hole), and any indirect tier left with no live children afterward is
// truncated away, shrinking NLevels back down — the sync-time half of
// dmu_free_range.
func (os *ObjSet) DrainFreeRanges(object uint64, txg uint64) (int, error) {
	dn, ok := os.Lookup(object)
	if !ok {
		return 0, zfserrors.New(zfserrors.KindNotFound, "dmu: drain_free_ranges: object %d not found in objset %q", object, os.Name)
	}

	dn.mu.Lock()
	defer dn.mu.Unlock()

	var remaining []FreeRange
	freed := 0
	for _, r := range dn.freeRanges {
		if r.Txg > txg {
			remaining = append(remaining, r)
			continue
		}
		freed += clearLeafRangeLocked(dn, r)
	}
	dn.freeRanges = remaining

	shrinkLocked(dn)
	return freed, nil
}

func clearLeafRangeLocked(dn *Dnode, r FreeRange) int {
	if dn.DataBlockSize == 0 || len(dn.levels) == 0 {
		return 0
	}
	startBlk := r.Offset / dn.DataBlockSize
	endBlk := (r.Offset + r.Length + dn.DataBlockSize - 1) / dn.DataBlockSize
	leaves := dn.levels[0]
	cleared := 0
	for blkid := startBlk; blkid < endBlk && blkid < uint64(len(leaves)); blkid++ {
		if leaves[blkid] != nil {
			leaves[blkid] = nil
			cleared++
		}
	}
	return cleared
}

// shrinkLocked drops trailing indirect tiers that have become entirely
// empty after a free-range drain, the "shrinking indirects" spec.md
// §4.7 calls for. Caller holds dn.mu.
func shrinkLocked(dn *Dnode) {
	for dn.NLevels > 1 {
		top := dn.levels[dn.NLevels-1]
		if !allNil(top) {
			break
		}
		dn.levels = dn.levels[:dn.NLevels-1]
		dn.NLevels--
	}
}

func allNil(bps []*bp.BlockPointer) bool {
	for _, b := range bps {
		if b != nil {
			return false
		}
	}
	return true
}
