package btree

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/zpoold/zpoold/pkg/zfserrors"
)

// EntryType distinguishes an allocation record from a free record in a
// space-map log, per spec.md §6.1's "1 bit type" field.
type EntryType uint8

const (
	EntryAlloc EntryType = 0
	EntryFree  EntryType = 1
)

// entryLengthBits/entryOffsetBits split the 48-bit packed record of
// spec.md §6.1 ("48-bit packed (1 bit type, 15 bit length in sectors,
// 32 bit offset-from-metaslab-start)"): 1 + 15 + 32 = 48.
const (
	entryLengthBits = 15
	entryOffsetBits = 32
	maxLengthSectors = 1<<entryLengthBits - 1
	maxOffsetSectors = 1<<entryOffsetBits - 1
)

// Entry is one decoded space-map log record.
type Entry struct {
	Type   EntryType
	Offset uint64 // sectors from the metaslab's start
	Length uint64 // sectors
}

// EncodeEntry packs e into the 6-byte (48-bit) on-disk representation.
func EncodeEntry(e Entry) ([]byte, error) {
	if e.Length > maxLengthSectors {
		return nil, zfserrors.New(zfserrors.KindInvalid, "space-map entry length %d exceeds %d sectors; split into a gang/multi-record run", e.Length, maxLengthSectors)
	}
	if e.Offset > maxOffsetSectors {
		return nil, zfserrors.New(zfserrors.KindInvalid, "space-map entry offset %d exceeds metaslab addressable range", e.Offset)
	}
	var packed uint64
	packed |= uint64(e.Type) << 47
	packed |= (e.Length & maxLengthSectors) << entryOffsetBits
	packed |= e.Offset & maxOffsetSectors

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, packed)
	return buf[:6], nil
}

// DecodeEntry unpacks a 6-byte record produced by EncodeEntry.
func DecodeEntry(b []byte) (Entry, error) {
	if len(b) < 6 {
		return Entry{}, zfserrors.New(zfserrors.KindInvalid, "space-map entry truncated: got %d bytes, need 6", len(b))
	}
	var padded [8]byte
	copy(padded[:6], b[:6])
	packed := binary.LittleEndian.Uint64(padded[:])

	return Entry{
		Type:   EntryType((packed >> 47) & 1),
		Length: (packed >> entryOffsetBits) & maxLengthSectors,
		Offset: packed & maxOffsetSectors,
	}, nil
}

// extent is one [start, end) run of sectors in the in-memory range tree.
type extent struct {
	start, end uint64
}

func extentCmp(a, b extent) int {
	if a.start != b.start {
		if a.start < b.start {
			return -1
		}
		return 1
	}
	return 0
}

// SpaceMap tracks a metaslab's free-space bookkeeping: an append-only
// log of ALLOC/FREE records (the durable representation, spec.md §3.4/
// §4.2) plus an in-memory range tree of currently-free extents rebuilt
// by replaying that log (spec.md: "an in-memory range tree ... of
// extents reconstructed on load").
//
// ShouldCompact's ratio bounds log growth: once the log holds more than
// that many records per extent it would take to describe the current
// free space, Compact rewrites the log from scratch as one ALLOC record
// covering the whole metaslab followed by one FREE record per free
// extent, matching "compacted by
// periodic rewrite when occupancy exceeds a threshold" (spec.md §4.2).
type SpaceMap struct {
	sectorShift uint // ashift: bytes per sector = 1<<sectorShift
	size        uint64 // metaslab size in sectors

	log []Entry

	free *BTree[extent] // currently-free extents, ordered by start
}

// NewSpaceMap creates a space map for a metaslab of the given size (in
// bytes) with the given sector size (1<<ashift), initially entirely
// free.
func NewSpaceMap(sizeBytes uint64, ashift uint) *SpaceMap {
	sm := &SpaceMap{
		sectorShift: ashift,
		size:        sizeBytes >> ashift,
		free:        New[extent](extentCmp),
	}
	sm.free.Add(extent{start: 0, end: sm.size})
	return sm
}

func (sm *SpaceMap) toSectors(bytes uint64) uint64 {
	return (bytes + (1 << sm.sectorShift) - 1) >> sm.sectorShift
}

// Alloc removes a [offset, offset+length) byte range from the free
// range tree and appends an ALLOC record to the log. It returns an
// error (not a panic) if any part of the range is not currently free,
// since callers in the allocator hot path use failure to pick a
// different metaslab rather than crash.
func (sm *SpaceMap) Alloc(offsetBytes, lengthBytes uint64) error {
	off := offsetBytes >> sm.sectorShift
	length := sm.toSectors(lengthBytes)
	if err := sm.removeFree(off, off+length); err != nil {
		return err
	}
	sm.log = append(sm.log, Entry{Type: EntryAlloc, Offset: off, Length: length})
	return nil
}

// Free adds a [offset, offset+length) byte range back to the free range
// tree and appends a FREE record to the log. Per spec.md §4.4
// ("Deallocation logs a FREE record ... actual range-tree merge happens
// in syncing context"), callers that need syncing-context batching
// should buffer Free calls themselves and invoke this once per TXG;
// SpaceMap itself merges adjacent extents immediately since there is no
// correctness reason to defer the merge within this package.
func (sm *SpaceMap) Free(offsetBytes, lengthBytes uint64) error {
	off := offsetBytes >> sm.sectorShift
	length := sm.toSectors(lengthBytes)
	if off+length > sm.size {
		return zfserrors.New(zfserrors.KindInvalid, "space-map free range [%d,%d) exceeds metaslab size %d sectors", off, off+length, sm.size)
	}
	sm.addFree(off, off+length)
	sm.log = append(sm.log, Entry{Type: EntryFree, Offset: off, Length: length})
	return nil
}

// removeFree carves [start,end) out of the free tree, splitting or
// shrinking the extent(s) that cover it. It fails if any sector in the
// range is not free.
func (sm *SpaceMap) removeFree(start, end uint64) error {
	covering, ok := sm.findCovering(start, end)
	if !ok {
		return zfserrors.New(zfserrors.KindNoSpace, "space-map: range [%d,%d) is not entirely free", start, end)
	}
	sm.free.Remove(covering)
	if covering.start < start {
		sm.free.Add(extent{start: covering.start, end: start})
	}
	if covering.end > end {
		sm.free.Add(extent{start: end, end: covering.end})
	}
	return nil
}

// findCovering returns the single free extent that entirely contains
// [start,end), since metaslab allocation is always first-fit within one
// free run (spec.md §4.4 step 4: "First-fit inside the range tree").
func (sm *SpaceMap) findCovering(start, end uint64) (extent, bool) {
	probe := extent{start: start, end: start}
	if e, ok := sm.free.Find(probe); ok && e.end >= end {
		return e, true
	}
	if e, ok := sm.free.Prev(probe); ok && e.start <= start && e.end >= end {
		return e, true
	}
	return extent{}, false
}

// addFree inserts [start,end) into the free tree, merging with
// immediately-adjacent extents so the tree stays a minimal partition.
func (sm *SpaceMap) addFree(start, end uint64) {
	newStart, newEnd := start, end

	if prev, ok := sm.free.Prev(extent{start: start, end: start}); ok && prev.end >= start {
		sm.free.Remove(prev)
		if prev.start < newStart {
			newStart = prev.start
		}
		if prev.end > newEnd {
			newEnd = prev.end
		}
	}
	if next, ok := sm.free.Find(extent{start: newEnd, end: newEnd}); ok {
		sm.free.Remove(next)
		if next.end > newEnd {
			newEnd = next.end
		}
	}

	sm.free.Add(extent{start: newStart, end: newEnd})
}

// FreeExtents returns the current free extents in ascending order, in
// bytes.
func (sm *SpaceMap) FreeExtents() []Entry {
	var out []Entry
	sm.free.Ascend(func(e extent) bool {
		out = append(out, Entry{
			Offset: e.start << sm.sectorShift,
			Length: (e.end - e.start) << sm.sectorShift,
		})
		return true
	})
	return out
}

// FreeSpace returns the total free space in bytes.
func (sm *SpaceMap) FreeSpace() uint64 {
	var total uint64
	sm.free.Ascend(func(e extent) bool {
		total += e.end - e.start
		return true
	})
	return total << sm.sectorShift
}

// LogLen returns the number of records in the append-only log.
func (sm *SpaceMap) LogLen() int { return len(sm.log) }

// ShouldCompact reports whether the log has grown disproportionately to
// the number of free extents it would take to describe the map's
// current state directly — the "occupancy exceeds a threshold" trigger
// of spec.md §4.2.
func (sm *SpaceMap) ShouldCompact(ratio int) bool {
	if ratio <= 0 {
		ratio = 4
	}
	return len(sm.log) > ratio*(sm.free.NumNodes()+1)
}

// Compact rewrites the log as one ALLOC record covering the whole
// metaslab followed by a FREE record for each current free extent,
// discarding history. This is safe
// because only the final free/allocated partition matters to a reader
// replaying the log from scratch; no consumer depends on the order or
// count of individual alloc/free events once they're behind the
// synced-to-disk space map.
func (sm *SpaceMap) Compact() {
	var entries []Entry
	sm.free.Ascend(func(e extent) bool {
		entries = append(entries, Entry{Type: EntryFree, Offset: e.start, Length: e.end - e.start})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	sm.log = append([]Entry{{Type: EntryAlloc, Offset: 0, Length: sm.size}}, entries...)
}

// Replay rebuilds a SpaceMap's free range tree from a raw log, the path
// taken when a metaslab is loaded cold (spec.md §4.4 step 3: "Load the
// metaslab if cold: read its space-map log and rebuild the in-memory
// range tree").
func Replay(sizeBytes uint64, ashift uint, log []Entry) (*SpaceMap, error) {
	sm := NewSpaceMap(sizeBytes, ashift)
	sm.log = nil
	for _, e := range log {
		switch e.Type {
		case EntryAlloc:
			if err := sm.removeFree(e.Offset, e.Offset+e.Length); err != nil {
				return nil, fmt.Errorf("space-map replay: %w", err)
			}
		case EntryFree:
			sm.addFree(e.Offset, e.Offset+e.Length)
		default:
			return nil, zfserrors.New(zfserrors.KindInvalid, "space-map replay: unknown entry type %d", e.Type)
		}
		sm.log = append(sm.log, e)
	}
	return sm, nil
}
