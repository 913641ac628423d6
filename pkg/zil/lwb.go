package zil

import (
	"github.com/zpoold/zpoold/pkg/bp"
	"github.com/zpoold/zpoold/pkg/bp/checksum"
)

// MinLWBSize is the lower bound of the power-of-two log block sizes
// chooseSize picks between (spec.md §4.10 step 2: "power-of-two between
// 4 KiB and configured max"); the upper bound is the caller's maxSize.
const MinLWBSize = 4 * 1024

// Header is the physical lwb record header: a monotonic sequence number,
// the checksum covering the packed itx payload, and the block pointer of
// the next lwb in the chain (spec.md §3.7).
type Header struct {
	Sequence uint64
	Checksum checksum.Digest
	NextLWB  *bp.BlockPointer
}

// LWB is one log write block: a header plus the itx records it packs.
// Once written, BP holds where it landed on disk.
type LWB struct {
	Header Header
	Itxs   []Itx
	BP     *bp.BlockPointer
}

// chooseSize picks the smallest power of two in [MinLWBSize, maxSize]
// that holds payloadBytes, or maxSize if even that isn't enough (the
// itxs simply pack as tightly as the ceiling allows; a payload that still
// doesn't fit is the caller's problem to split across more than one lwb).
func chooseSize(payloadBytes int, maxSize uint64) uint64 {
	size := uint64(MinLWBSize)
	for size < maxSize && size < uint64(payloadBytes) {
		size *= 2
	}
	if size > maxSize {
		size = maxSize
	}
	return size
}

// packedBytes returns a deterministic byte representation of an lwb's
// itx records good enough to checksum and to size against an lwb's
// capacity; it is not meant to be a stable wire format beyond this
// engine's own verify/replay round trip.
func packedBytes(itxs []Itx) []byte {
	var buf []byte
	for _, itx := range itxs {
		buf = append(buf, byte(itx.TxType))
		buf = appendUint64(buf, itx.Txg)
		buf = appendUint64(buf, itx.Object)
		buf = appendUint64(buf, itx.Offset)
		buf = appendUint64(buf, itx.Length)
		if itx.Indirect != nil {
			buf = append(buf, 1)
			buf = appendUint64(buf, itx.Indirect.BirthTxg)
		} else {
			buf = append(buf, 0)
			buf = appendUint64(buf, uint64(len(itx.Inline)))
			buf = append(buf, itx.Inline...)
		}
	}
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	return append(buf, tmp[:]...)
}

// verify recomputes lwb's packed-payload checksum and compares it to the
// header, the check replay performs on every lwb before trusting it
// (spec.md §4.10: "if any lwb fails to verify ... replay stops").
func (lwb *LWB) verify() bool {
	got, err := checksum.Sum(checksum.SHA256, packedBytes(lwb.Itxs))
	if err != nil {
		return false
	}
	return got == lwb.Header.Checksum
}
