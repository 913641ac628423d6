// Package zil implements the intent log of spec.md §3.7/§4.10: a
// per-objset chain of log write blocks (lwb) that make a synchronous
// write durable ahead of the next TXG sync, replayed on mount to recover
// whatever committed after the last uberblock rotation.
package zil

import "github.com/zpoold/zpoold/pkg/bp"

// TxType enumerates the operations an itx can carry, spec.md §4.10's
// "CREATE, LINK, REMOVE, WRITE, TRUNCATE, SETATTR, ACL" replay dispatch.
type TxType int

const (
	TxCreate TxType = iota + 1
	TxLink
	TxRemove
	TxWrite
	TxTruncate
	TxSetAttr
	TxACL
)

func (t TxType) String() string {
	switch t {
	case TxCreate:
		return "CREATE"
	case TxLink:
		return "LINK"
	case TxRemove:
		return "REMOVE"
	case TxWrite:
		return "WRITE"
	case TxTruncate:
		return "TRUNCATE"
	case TxSetAttr:
		return "SETATTR"
	case TxACL:
		return "ACL"
	default:
		return "UNKNOWN"
	}
}

// Itx is one intent-transaction record: what happened, at what txg, and
// either the payload inline (small writes) or a WR_INDIRECT reference to
// a block already written through the regular COW path (spec.md §3.7).
type Itx struct {
	TxType TxType
	Txg    uint64
	Object uint64
	Offset uint64
	Length uint64

	// Inline carries the payload directly when small enough to fit in
	// the lwb without a separate block allocation.
	Inline []byte

	// Indirect points at a block already written via the normal ZIO
	// pipeline; set instead of Inline for writes too large to embed.
	Indirect *bp.BlockPointer
}

// size estimates the packed on-disk footprint of the record, used when
// choosing how large an lwb needs to be.
func (i Itx) size() int {
	const fixedOverhead = 64 // txtype/txg/object/offset/length/bp-or-inline-len header
	if i.Indirect != nil {
		return fixedOverhead + 128 // a full block pointer
	}
	return fixedOverhead + len(i.Inline)
}
