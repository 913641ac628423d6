package dmu

import (
	"sort"

	"github.com/zpoold/zpoold/pkg/bp"
)

// TraverseFlags gate traverse's behavior, spec.md §4.7's "used by send,
// scrub, diff, resilver" enumeration.
type TraverseFlags uint32

const (
	// TraversePrefetchMetadata hints that only indirect-tier block
	// pointers need visiting, not leaf data (a scrub of metadata only).
	TraversePrefetchMetadata TraverseFlags = 1 << iota
	// TraverseHard tolerates per-block callback errors, continuing the
	// walk instead of aborting it (used by scrub: one bad block shouldn't
	// stop the rest of the pass).
	TraverseHard
	// TraverseNoDecrypt restricts the walk to plaintext blocks only.
	TraverseNoDecrypt
)

func (f TraverseFlags) has(bit TraverseFlags) bool { return f&bit != 0 }

// VisitFunc is called once per visited block pointer during a Traverse.
type VisitFunc func(objset *ObjSet, object uint64, level int, blkid uint64, target *bp.BlockPointer) error

// Traverse walks every dnode in objset whose blocks were born at or
// after minTxg, visiting from the highest indirect tier down to the
// leaves (the order a real traversal uses so metadata is seen before the
// data it describes), invoking cb for each non-nil block pointer found.
//
// Encrypted objects are skipped entirely when NoDecrypt is set and the
// dnode's type is marked encrypted-only; this engine has no encryption
// metadata on Dnode itself, so NoDecrypt is accepted for the interface's
// sake but has no effect yet (plaintext walks are the only kind this
// core performs).
func Traverse(objset *ObjSet, minTxg uint64, flags TraverseFlags, cb VisitFunc) error {
	objects := objset.Objects()
	sort.Slice(objects, func(i, j int) bool { return objects[i] < objects[j] })

	for _, obj := range objects {
		dn, ok := objset.Lookup(obj)
		if !ok {
			continue
		}
		if err := traverseDnode(objset, dn, minTxg, flags, cb); err != nil {
			if flags.has(TraverseHard) {
				continue
			}
			return err
		}
	}
	return nil
}

func traverseDnode(objset *ObjSet, dn *Dnode, minTxg uint64, flags TraverseFlags, cb VisitFunc) error {
	dn.mu.RLock()
	nlevels := dn.NLevels
	levels := make([][]*bp.BlockPointer, len(dn.levels))
	copy(levels, dn.levels)
	dn.mu.RUnlock()

	for level := nlevels - 1; level >= 0; level-- {
		if level == 0 && flags.has(TraversePrefetchMetadata) {
			continue
		}
		if level >= len(levels) {
			continue
		}
		for blkid, target := range levels[level] {
			if target == nil || target.IsHole() {
				continue
			}
			if target.BirthTxg < minTxg {
				continue
			}
			if err := cb(objset, dn.Object, level, uint64(blkid), target); err != nil {
				if flags.has(TraverseHard) {
					continue
				}
				return err
			}
		}
	}
	return nil
}
