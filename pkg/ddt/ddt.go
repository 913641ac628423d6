// Package ddt implements the dedup table of spec.md §3.6/§4.9: a
// checksum-keyed on-disk map from content hash to the DVAs already
// holding that content, refcounted so a block is only freed once its
// last referrer is gone, plus the refcount-bucketed histogram used to
// report a pool's dedup ratio.
//
// The on-disk ZAP-by-reference this engine's dedup table would otherwise
// need is stood up on github.com/syndtr/goleveldb instead: a DDT is
// itself just a checksum -> entry map with no ordering requirement, and
// goleveldb gives durable, crash-safe key/value storage without this
// core having to reimplement the ZAP itself.
package ddt

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/zpoold/zpoold/pkg/bp"
	"github.com/zpoold/zpoold/pkg/bp/checksum"
	"github.com/zpoold/zpoold/pkg/bp/compress"
	"github.com/zpoold/zpoold/pkg/zfserrors"
)

// Key identifies a DDT row: spec.md §3.6's "(checksum, compression_type,
// psize)".
type Key struct {
	Checksum    checksum.Digest
	Compression compress.Type
	LSize       uint64
	PSize       uint64
}

func (k Key) encode() []byte {
	buf := make([]byte, 0, 32+1+8+8)
	var d [32]byte
	for i, word := range k.Checksum {
		binary.BigEndian.PutUint64(d[i*8:i*8+8], word)
	}
	buf = append(buf, d[:]...)
	buf = append(buf, byte(k.Compression))
	var sizes [16]byte
	binary.BigEndian.PutUint64(sizes[0:8], k.LSize)
	binary.BigEndian.PutUint64(sizes[8:16], k.PSize)
	buf = append(buf, sizes[:]...)
	return buf
}

// Entry is a DDT row's value: refcount, the DVAs it owns, and the
// physical birth TXG those DVAs were allocated at (spec.md §3.6: "Value
// = refcount + up to copies DVAs + phys_birth").
type Entry struct {
	Refcount  uint64
	DVAs      []bp.DVA
	PhysBirth uint64
}

func (e Entry) encode() []byte {
	buf := make([]byte, 8, 8+2+len(e.DVAs)*16+8)
	binary.BigEndian.PutUint64(buf[0:8], e.Refcount)
	buf = append(buf, byte(len(e.DVAs)))
	for _, d := range e.DVAs {
		buf = append(buf, bp.EncodeDVA(d)...)
	}
	var birth [8]byte
	binary.BigEndian.PutUint64(birth[:], e.PhysBirth)
	buf = append(buf, birth[:]...)
	return buf
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) < 9 {
		return Entry{}, fmt.Errorf("ddt: entry too short: %d bytes", len(b))
	}
	var e Entry
	e.Refcount = binary.BigEndian.Uint64(b[0:8])
	n := int(b[8])
	off := 9
	for i := 0; i < n; i++ {
		if off+16 > len(b) {
			return Entry{}, fmt.Errorf("ddt: truncated dva list")
		}
		d, err := bp.DecodeDVA(b[off : off+16])
		if err != nil {
			return Entry{}, err
		}
		e.DVAs = append(e.DVAs, d)
		off += 16
	}
	if off+8 > len(b) {
		return Entry{}, fmt.Errorf("ddt: truncated phys_birth")
	}
	e.PhysBirth = binary.BigEndian.Uint64(b[off : off+8])
	return e, nil
}

// Stat is one entry's (or a histogram bucket's) accounting, grounded on
// original_source/module/zfs/ddt_stats.c's ddt_stat_t: counts both "one
// copy on disk" (dds_*) and "as referenced by every duplicate" (dds_ref_*)
// totals.
type Stat struct {
	Blocks, LSize, PSize, DSize             uint64
	RefBlocks, RefLSize, RefPSize, RefDSize uint64
}

func (s *Stat) add(o Stat) {
	s.Blocks += o.Blocks
	s.LSize += o.LSize
	s.PSize += o.PSize
	s.DSize += o.DSize
	s.RefBlocks += o.RefBlocks
	s.RefLSize += o.RefLSize
	s.RefPSize += o.RefPSize
	s.RefDSize += o.RefDSize
}

func (s *Stat) sub(o Stat) {
	s.Blocks -= o.Blocks
	s.LSize -= o.LSize
	s.PSize -= o.PSize
	s.DSize -= o.DSize
	s.RefBlocks -= o.RefBlocks
	s.RefLSize -= o.RefLSize
	s.RefPSize -= o.RefPSize
	s.RefDSize -= o.RefDSize
}

func dsize(dvas []bp.DVA) uint64 {
	var total uint64
	for _, d := range dvas {
		total += uint64(d.Asize)
	}
	return total
}

func entryStat(k Key, e Entry) Stat {
	ds := dsize(e.DVAs)
	return Stat{
		Blocks:    1,
		LSize:     k.LSize,
		PSize:     k.PSize,
		DSize:     ds,
		RefBlocks: e.Refcount,
		RefLSize:  k.LSize * e.Refcount,
		RefPSize:  k.PSize * e.Refcount,
		RefDSize:  ds * e.Refcount,
	}
}

// bucket returns the histogram bucket a ref-block count falls into:
// floor(log2(refBlocks)), original_source's "highbit64(dds_ref_blocks) - 1".
func bucket(refBlocks uint64) int {
	if refBlocks == 0 {
		return -1
	}
	return bits.Len64(refBlocks) - 1
}

const histogramBuckets = 64

// Store is an on-disk dedup table for a single checksum function, one of
// up to ZIO_CHECKSUM_FUNCTIONS such tables a pool may keep (spec.md
// §4.9: "for each enabled checksum type, up to 4 ZAP objects").
type Store struct {
	mu   sync.Mutex
	db   *leveldb.DB
	hist [histogramBuckets]Stat
}

// Open opens (creating if absent) the leveldb-backed table at path and
// replays every existing row into the in-memory histogram, so stats
// reflect on-disk state immediately after a restart.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("ddt: open %s: %w", path, err)
	}
	s := &Store{db: db}
	iter := db.NewIterator(nil, nil)
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		val := append([]byte(nil), iter.Value()...)
		k, err := decodeKeyBytes(key)
		if err != nil {
			continue
		}
		e, err := decodeEntry(val)
		if err != nil {
			continue
		}
		s.histogramAdd(k, e)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ddt: replay %s: %w", path, err)
	}
	return s, nil
}

func decodeKeyBytes(b []byte) (Key, error) {
	if len(b) != 32+1+16 {
		return Key{}, fmt.Errorf("ddt: malformed key length %d", len(b))
	}
	var k Key
	for i := range k.Checksum {
		k.Checksum[i] = binary.BigEndian.Uint64(b[i*8 : i*8+8])
	}
	k.Compression = compress.Type(b[32])
	k.LSize = binary.BigEndian.Uint64(b[33:41])
	k.PSize = binary.BigEndian.Uint64(b[41:49])
	return k, nil
}

// Close releases the underlying leveldb handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ComputeKeyChecksum computes the checksum half of a lookup key over
// plaintext: a plain digest normally, or, when the object is encrypted,
// a digest of hmacKey followed by the plaintext, so identical plaintext
// still dedups within the same encryption root without leaking content
// across roots (spec.md §4.9 step 1). The keyed form is a key-prefixed
// hash, not an RFC 2104 HMAC construction.
func ComputeKeyChecksum(ctype checksum.Type, plaintext []byte, hmacKey []byte) (checksum.Digest, error) {
	if len(hmacKey) == 0 {
		return checksum.Sum(ctype, plaintext)
	}
	return checksum.Sum(ctype, append(append([]byte(nil), hmacKey...), plaintext...))
}

// Lookup returns key's current entry, if any.
func (s *Store) Lookup(key Key) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, err := s.db.Get(key.encode(), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e, err := decodeEntry(val)
	return e, err == nil, err
}

// InsertOrRef performs spec.md §4.9 step 2 in one call: if key already
// has an entry, its refcount is incremented and its existing DVAs are
// returned (so the caller can skip DVA allocation and reuse them
// instead); if absent, a fresh entry is created from dvas with
// refcount 1.
func (s *Store) InsertOrRef(key Key, newDVAs []bp.DVA, physBirth uint64) (entry Entry, existed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.db.Get(key.encode(), nil)
	if err != nil && err != leveldb.ErrNotFound {
		return Entry{}, false, err
	}
	if err == nil {
		e, derr := decodeEntry(raw)
		if derr != nil {
			return Entry{}, false, derr
		}
		s.histogramSub(key, e)
		e.Refcount++
		s.histogramAdd(key, e)
		if err := s.db.Put(key.encode(), e.encode(), nil); err != nil {
			return Entry{}, false, err
		}
		return e, true, nil
	}

	e := Entry{Refcount: 1, DVAs: newDVAs, PhysBirth: physBirth}
	if err := s.db.Put(key.encode(), e.encode(), nil); err != nil {
		return Entry{}, false, err
	}
	s.histogramAdd(key, e)
	return e, false, nil
}

// DecRef performs spec.md §4.9's free path: decrement key's refcount;
// once it reaches zero the row is deleted and the DVAs it owned are
// returned for the caller to free. A refcount underflow (decrementing a
// row that doesn't exist) indicates on-disk corruption, which spec.md
// §7 calls out as a fatal condition rather than a recoverable error.
func (s *Store) DecRef(key Key) (freedDVAs []bp.DVA, removed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.db.Get(key.encode(), nil)
	if err == leveldb.ErrNotFound {
		zfserrors.Fatal("ddt: decref on missing entry: on-disk dedup table is inconsistent")
	}
	if err != nil {
		return nil, false, err
	}
	e, derr := decodeEntry(raw)
	if derr != nil {
		return nil, false, derr
	}
	if e.Refcount == 0 {
		zfserrors.Fatal("ddt: decref on zero-refcount entry: on-disk dedup table is inconsistent")
	}

	s.histogramSub(key, e)
	e.Refcount--
	if e.Refcount == 0 {
		if err := s.db.Delete(key.encode(), nil); err != nil {
			return nil, false, err
		}
		return e.DVAs, true, nil
	}
	s.histogramAdd(key, e)
	if err := s.db.Put(key.encode(), e.encode(), nil); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func (s *Store) histogramAdd(k Key, e Entry) {
	b := bucket(e.Refcount)
	if b < 0 {
		return
	}
	s.hist[b].add(entryStat(k, e))
}

func (s *Store) histogramSub(k Key, e Entry) {
	b := bucket(e.Refcount)
	if b < 0 {
		return
	}
	s.hist[b].sub(entryStat(k, e))
}

// Histogram returns a copy of the per-bucket dedup statistics.
func (s *Store) Histogram() [histogramBuckets]Stat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist
}

// Totals sums the histogram into one Stat, the "pool-wide dedup ratio"
// input spec.md §4.9 calls for: DSize/RefDSize gives the bytes-on-disk
// to bytes-referenced dedup ratio.
func (s *Store) Totals() Stat {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total Stat
	for _, b := range s.hist {
		total.add(b)
	}
	return total
}

// DedupRatio returns the pool-wide dedup ratio: how many bytes were
// logically referenced for every byte actually written to disk.
func (s *Store) DedupRatio() float64 {
	t := s.Totals()
	if t.DSize == 0 {
		return 1.0
	}
	return float64(t.RefDSize) / float64(t.DSize)
}
