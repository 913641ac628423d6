// Package bp implements the block pointer abstraction of spec.md §3.1:
// the 128-byte on-disk structure carrying up to three DVAs, size/birth
// metadata, checksum/compression/encryption dispatch, and the hole/
// embedded/gang variants, plus the checksum and compression codec
// packages it dispatches through.
package bp

import (
	"encoding/binary"
	"fmt"

	"github.com/zpoold/zpoold/pkg/bp/checksum"
	"github.com/zpoold/zpoold/pkg/bp/compress"
	"github.com/zpoold/zpoold/pkg/zfserrors"
)

// EmbeddedThreshold is the largest post-compression payload that may be
// inlined directly into a block pointer instead of allocating a DVA
// (spec.md §4.4: "if post-compression size <= 112 bytes and non-dedup/
// non-encrypted, the payload is encoded inline").
const EmbeddedThreshold = 112

// MaxDVAs is the number of redundant data virtual addresses a BP can
// carry (spec.md §3.1: "Up to three DVAs ... Multiple DVAs = redundant
// copies").
const MaxDVAs = 3

// DVA is a data virtual address: which top-level vdev, what byte
// offset within it, the allocated size in sectors, and whether it
// points at a gang header rather than data directly.
type DVA struct {
	VdevID uint32
	Offset uint64 // 63 bits used; high bit reserved
	Asize  uint32 // 24 bits used, in sectors
	Gang   bool
}

func (d DVA) isZero() bool { return d == DVA{} }

// Flags is a bitmask of the non-structural BP properties spec.md §3.1
// lists alongside checksum_type/compression_type: encryption,
// dedup, endianness, and which of the hole/embedded/gang variants a BP
// represents.
type Flags uint32

const (
	FlagEncrypted Flags = 1 << iota
	FlagDedup
	FlagBigEndian
	FlagHole
	FlagEmbedded
	FlagGang
)

// EncryptionSidecar carries the fields spec.md §3.1 reserves for
// encrypted blocks: a 96-bit IV, 128-bit MAC, and a pointer to the wrapping
// key's salt.
type EncryptionSidecar struct {
	IV       [12]byte
	MAC      [16]byte
	SaltAddr uint32
}

// BlockPointer is the 128-byte (logical) on-disk block pointer.
// EmbeddedData is only valid when Flags&FlagEmbedded is set, and
// Encryption is only valid when Flags&FlagEncrypted is set; Go's zero
// value for both is the natural "absent" state, so no separate
// discriminant beyond Flags is needed.
type BlockPointer struct {
	DVAs []DVA // len 0..MaxDVAs; empty (or all-zero) + FlagHole means Hole BP

	LSize, PSize, ASize uint64 // sizes in bytes

	BirthTxg     uint64
	PhysBirthTxg uint64

	ChecksumType    checksum.Type
	CompressionType compress.Type
	ObjectType      uint8
	Flags           Flags

	Checksum checksum.Digest // of decompressed, decrypted contents

	Encryption   EncryptionSidecar
	EmbeddedData []byte // <= EmbeddedThreshold bytes, only if FlagEmbedded
}

// IsHole reports whether bp represents a sparse (never-written) region.
func (bp *BlockPointer) IsHole() bool {
	if bp.Flags&FlagHole != 0 {
		return true
	}
	for _, d := range bp.DVAs {
		if !d.isZero() {
			return false
		}
	}
	return true
}

// IsEmbedded reports whether bp's payload is stored inline.
func (bp *BlockPointer) IsEmbedded() bool { return bp.Flags&FlagEmbedded != 0 }

// IsGang reports whether bp's DVA(s) point at a gang header rather than
// data directly.
func (bp *BlockPointer) IsGang() bool {
	if bp.Flags&FlagGang != 0 {
		return true
	}
	for _, d := range bp.DVAs {
		if d.Gang {
			return true
		}
	}
	return false
}

// Copies returns the number of redundant DVAs this BP carries.
func (bp *BlockPointer) Copies() int { return len(bp.DVAs) }

// NewEmbedded builds an embedded BP around a small, already-compressed
// payload, enforcing the size threshold spec.md §4.4 names.
func NewEmbedded(payload []byte, lsize uint64, compType compress.Type) (*BlockPointer, error) {
	if len(payload) > EmbeddedThreshold {
		return nil, zfserrors.New(zfserrors.KindTooBig, "bp: embedded payload %d bytes exceeds %d-byte threshold", len(payload), EmbeddedThreshold)
	}
	return &BlockPointer{
		LSize:           lsize,
		PSize:           uint64(len(payload)),
		CompressionType: compType,
		Flags:           FlagEmbedded,
		EmbeddedData:    append([]byte(nil), payload...),
	}, nil
}

// NewHole builds a sparse-region BP of the given logical size.
func NewHole(lsize uint64) *BlockPointer {
	return &BlockPointer{LSize: lsize, Flags: FlagHole}
}

// VerifyChecksum recomputes bp's checksum over decompressed, decrypted
// data and reports whether it matches the stored value — the property
// every read ultimately rests on (spec.md §8: "BP checksum round-trip
// invariant").
func (bp *BlockPointer) VerifyChecksum(decompressed []byte) (bool, error) {
	if bp.ChecksumType == checksum.Off {
		return true, nil
	}
	got, err := checksum.Sum(bp.ChecksumType, decompressed)
	if err != nil {
		return false, err
	}
	return got.Equal(bp.Checksum), nil
}

// SetChecksum computes and stores bp's checksum over decompressed,
// decrypted data.
func (bp *BlockPointer) SetChecksum(decompressed []byte) error {
	if bp.ChecksumType == checksum.Off {
		return nil
	}
	got, err := checksum.Sum(bp.ChecksumType, decompressed)
	if err != nil {
		return err
	}
	bp.Checksum = got
	return nil
}

// GangHeaderSize is the fixed 512-byte size of a gang block header
// (spec.md §4.5 step 5).
const GangHeaderSize = 512

// MaxGangChildren is the number of child BPs a single gang header can
// hold (spec.md §3.1: "body contains up to three child BPs").
const MaxGangChildren = 3

// GangHeader is the decoded body of a gang block: up to three child
// BlockPointers, each allocated independently when no single contiguous
// extent was large enough for the whole logical block.
type GangHeader struct {
	Children [MaxGangChildren]*BlockPointer
}

// EncodeDVA packs a DVA into its 16-byte on-disk form: 32-bit vdev id,
// 63-bit offset + 1 gang bit, 24-bit asize padded into a 32-bit word (the
// remaining 8 bits are reserved/zero).
func EncodeDVA(d DVA) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], d.VdevID)
	offsetWord := d.Offset & ((1 << 63) - 1)
	if d.Gang {
		offsetWord |= 1 << 63
	}
	binary.LittleEndian.PutUint64(buf[4:12], offsetWord)
	binary.LittleEndian.PutUint32(buf[12:16], d.Asize&0xFFFFFF)
	return buf
}

// DecodeDVA reverses EncodeDVA.
func DecodeDVA(b []byte) (DVA, error) {
	if len(b) < 16 {
		return DVA{}, fmt.Errorf("bp: DVA truncated: got %d bytes, need 16", len(b))
	}
	vdevID := binary.LittleEndian.Uint32(b[0:4])
	offsetWord := binary.LittleEndian.Uint64(b[4:12])
	asize := binary.LittleEndian.Uint32(b[12:16]) & 0xFFFFFF
	return DVA{
		VdevID: vdevID,
		Offset: offsetWord & ((1 << 63) - 1),
		Gang:   offsetWord&(1<<63) != 0,
		Asize:  asize,
	}, nil
}
