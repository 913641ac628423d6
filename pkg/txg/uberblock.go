package txg

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/zpoold/zpoold/pkg/abd"
	"github.com/zpoold/zpoold/pkg/vdev"
)

// Layout constants from spec.md §6.1's vdev label: four 256 KiB labels
// per leaf (two at the front, two at the back), each holding an 8 KiB
// blank region, an 8 KiB boot header, a 112 KiB nvpair config, and a
// 128 KiB uberblock ring of UberblockRingSize 1 KiB slots.
const (
	LabelSize         = 256 * 1024
	labelBlankSize    = 8 * 1024
	labelBootSize     = 8 * 1024
	labelConfigSize   = 112 * 1024
	labelRingOffset   = labelBlankSize + labelBootSize + labelConfigSize
	UberblockSize     = 1024
	UberblockRingSize = 128
	labelCount        = 4
)

// Uberblock is the 1 KiB root-of-trust record rotated into the next ring
// slot at the end of every sync pass (spec.md §4.8 step 6, §6.1).
type Uberblock struct {
	Txg            uint64
	Timestamp      int64
	GUIDSum        uint64 // sum of every vdev GUID in the pool's tree, split-brain detection
	RootBPChecksum [32]byte
	RootBPBirthTxg uint64
}

const uberblockMagic = 0x00bab10c

// Encode serializes u into a fixed UberblockSize-byte buffer, zero-padded,
// matching the real uberblock_t's fixed on-disk width.
func (u Uberblock) Encode() []byte {
	buf := make([]byte, UberblockSize)
	binary.BigEndian.PutUint64(buf[0:8], uberblockMagic)
	binary.BigEndian.PutUint64(buf[8:16], u.Txg)
	binary.BigEndian.PutUint64(buf[16:24], uint64(u.Timestamp))
	binary.BigEndian.PutUint64(buf[24:32], u.GUIDSum)
	copy(buf[32:64], u.RootBPChecksum[:])
	binary.BigEndian.PutUint64(buf[64:72], u.RootBPBirthTxg)
	return buf
}

// DecodeUberblock parses a slot previously written by Encode. A slot that
// has never been written (all zero) or carries a corrupt magic is
// reported as invalid rather than decoded, the check a real bootstrap
// uses to skip empty/torn ring entries.
func DecodeUberblock(buf []byte) (Uberblock, bool) {
	if len(buf) < UberblockSize {
		return Uberblock{}, false
	}
	if binary.BigEndian.Uint64(buf[0:8]) != uberblockMagic {
		return Uberblock{}, false
	}
	var u Uberblock
	u.Txg = binary.BigEndian.Uint64(buf[8:16])
	u.Timestamp = int64(binary.BigEndian.Uint64(buf[16:24]))
	u.GUIDSum = binary.BigEndian.Uint64(buf[24:32])
	copy(u.RootBPChecksum[:], buf[32:64])
	u.RootBPBirthTxg = binary.BigEndian.Uint64(buf[64:72])
	return u, true
}

// labelBase returns the byte offset of label index (0-3) within a leaf
// of the given total size, the same four-corner placement real_source's
// vdev_label.c uses: two labels anchored at the front, two at the back,
// surviving a torn write to either end of the device.
func labelBase(index int, vdevSize uint64) (uint64, error) {
	switch index {
	case 0:
		return 0, nil
	case 1:
		return LabelSize, nil
	case 2:
		if vdevSize < 2*LabelSize {
			return 0, fmt.Errorf("txg: vdev size %d too small for label %d", vdevSize, index)
		}
		return vdevSize - 2*LabelSize, nil
	case 3:
		if vdevSize < LabelSize {
			return 0, fmt.Errorf("txg: vdev size %d too small for label %d", vdevSize, index)
		}
		return vdevSize - LabelSize, nil
	default:
		return 0, fmt.Errorf("txg: invalid label index %d", index)
	}
}

// LabelStore writes and reads uberblock ring slots across every healthy
// leaf vdev of a pool, the surface RotateUberblock drives.
type LabelStore struct {
	Leaves []vdev.Vdev
}

// syncIO issues req against v and blocks for its completion, the
// synchronous wrapper every label read/write needs around vdev.Vdev's
// callback-based IOStart.
func syncIO(ctx context.Context, v vdev.Vdev, req vdev.Request) error {
	done := make(chan vdev.Result, 1)
	v.IOStart(ctx, req, func(r vdev.Result) { done <- r })
	select {
	case r := <-done:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteSlot writes ub into labelIndex's slot-th ring entry on every leaf,
// returning the first error encountered (a caller wanting best-effort
// across leaves should inspect each leaf's health before calling).
func (s *LabelStore) WriteSlot(ctx context.Context, labelIndex, slot int, ub Uberblock) error {
	payload := ub.Encode()
	for _, leaf := range s.Leaves {
		base, err := labelBase(labelIndex, leaf.GetSize())
		if err != nil {
			return err
		}
		offset := base + labelRingOffset + uint64(slot)*UberblockSize
		req := vdev.Request{
			Op:     vdev.OpWrite,
			Offset: offset,
			Length: UberblockSize,
			Data:   abd.FromBytes(payload),
			Prio:   vdev.PrioSyncWrite,
		}
		if err := syncIO(ctx, leaf, req); err != nil {
			return fmt.Errorf("txg: write label %d slot %d on %s: %w", labelIndex, slot, leaf.Name(), err)
		}
	}
	return nil
}

// ReadSlot reads labelIndex's slot-th entry from the first leaf that
// yields a validly-decoded uberblock, the scan real bootstrap code
// performs across every label of every leaf to find the active root.
func (s *LabelStore) ReadSlot(ctx context.Context, labelIndex, slot int) (Uberblock, bool) {
	for _, leaf := range s.Leaves {
		base, err := labelBase(labelIndex, leaf.GetSize())
		if err != nil {
			continue
		}
		offset := base + labelRingOffset + uint64(slot)*UberblockSize
		out := abd.NewLinear(UberblockSize)
		req := vdev.Request{
			Op:     vdev.OpRead,
			Offset: offset,
			Length: UberblockSize,
			Data:   out,
			Prio:   vdev.PrioSyncRead,
		}
		if err := syncIO(ctx, leaf, req); err != nil {
			continue
		}
		buf := make([]byte, UberblockSize)
		if err := out.CopyTo(buf); err != nil {
			continue
		}
		if ub, ok := DecodeUberblock(buf); ok {
			return ub, true
		}
	}
	return Uberblock{}, false
}

// Flush issues a cache flush to every leaf, the barrier RotateUberblock
// places between its two write passes.
func (s *LabelStore) Flush(ctx context.Context) error {
	for _, leaf := range s.Leaves {
		if err := syncIO(ctx, leaf, vdev.Request{Op: vdev.OpFlush, Prio: vdev.PrioSyncWrite}); err != nil {
			return fmt.Errorf("txg: flush %s: %w", leaf.Name(), err)
		}
	}
	return nil
}

// RotateUberblock writes ub into ring slot across every label in the
// split-brain-resistant order spec.md §4.8 step 6 calls for: labels 0
// and 1 first, flushed, then labels 2 and 3, flushed again — so a crash
// mid-rotation leaves at least one matched front/back pair pointing at a
// self-consistent prior state rather than a mix of old and new roots.
func RotateUberblock(s *LabelStore, slot int, ub Uberblock) error {
	ctx := context.Background()
	for _, idx := range []int{0, 1} {
		if err := s.WriteSlot(ctx, idx, slot, ub); err != nil {
			return err
		}
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	for _, idx := range []int{2, 3} {
		if err := s.WriteSlot(ctx, idx, slot, ub); err != nil {
			return err
		}
	}
	return s.Flush(ctx)
}
