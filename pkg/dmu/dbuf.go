package dmu

import (
	"sync"

	"github.com/zpoold/zpoold/pkg/bp"
	"github.com/zpoold/zpoold/pkg/primitives"
)

// DbufState is one of the five states a cached block can be in (spec.md
// §4.7): UNCACHED → READ (I/O in flight) → CACHED; CACHED → FILL while a
// writer holds it dirty; any state → EVICTING when the cache reclaims it.
type DbufState int

const (
	DbufUncached DbufState = iota
	DbufRead
	DbufCached
	DbufFill
	DbufEvicting
)

func (s DbufState) String() string {
	switch s {
	case DbufUncached:
		return "UNCACHED"
	case DbufRead:
		return "READ"
	case DbufCached:
		return "CACHED"
	case DbufFill:
		return "FILL"
	case DbufEvicting:
		return "EVICTING"
	default:
		return "UNKNOWN"
	}
}

// dbufKey identifies a cached block uniquely within an object set: at
// most one dbuf exists per (object, level, blkid) tuple (spec.md §3.10).
type dbufKey struct {
	Object uint64
	Level  int
	BlkID  uint64
}

// DirtyRecord is a writer's pending change to a dbuf, queued by TXG
// until the sync pass drains it and writes a new block pointer.
type DirtyRecord struct {
	Txg  uint64
	Data []byte
	BP   *bp.BlockPointer
}

// Dbuf is the cached in-memory copy of one (object, level, blkid) block.
type Dbuf struct {
	mu sync.Mutex

	key   dbufKey
	State DbufState
	Data  []byte

	rc    *primitives.Refcount
	dirty map[uint64]*DirtyRecord // keyed by txg
}

func newDbuf(object uint64, level int, blkid uint64) *Dbuf {
	return &Dbuf{
		key:   dbufKey{Object: object, Level: level, BlkID: blkid},
		rc:    primitives.NewRefcount(),
		dirty: make(map[uint64]*DirtyRecord),
	}
}

// Hold takes a reference on the dbuf on behalf of holder, preventing
// eviction while outstanding.
func (b *Dbuf) Hold(holder string) int64 { return b.rc.Add(holder) }

// Release drops holder's reference.
func (b *Dbuf) Release(holder string) int64 { return b.rc.Remove(holder) }

// BeginFill transitions a CACHED dbuf to FILL, the state a writer holds
// it in while mutating Data before attaching a DirtyRecord.
func (b *Dbuf) BeginFill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.State = DbufFill
}

// Dirty attaches (or replaces) this dbuf's dirty record for txg, and
// returns to CACHED (the data is considered consistent again once a
// dirty record captures the pending write).
func (b *Dbuf) Dirty(txg uint64, data []byte) *DirtyRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := &DirtyRecord{Txg: txg, Data: append([]byte(nil), data...)}
	b.dirty[txg] = rec
	b.Data = rec.Data
	b.State = DbufCached
	return rec
}

// DirtyRecordFor returns the pending dirty record for txg, if any.
func (b *Dbuf) DirtyRecordFor(txg uint64) (*DirtyRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.dirty[txg]
	return rec, ok
}

// ClearDirty drops the dirty record for txg once the sync pass has
// written it out and recorded the resulting block pointer.
func (b *Dbuf) ClearDirty(txg uint64, written *bp.BlockPointer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.dirty[txg]; ok {
		rec.BP = written
		delete(b.dirty, txg)
	}
}

// SetState transitions the dbuf's cache state directly — used for
// UNCACHED→READ on a cache-miss fetch and READ→CACHED/EVICTING on its
// completion.
func (b *Dbuf) SetState(s DbufState) {
	b.mu.Lock()
	b.State = s
	b.mu.Unlock()
}

// Cache is the dbuf cache for one object set: at most one Dbuf per
// (object, level, blkid), refcounted so eviction never reclaims a held
// entry.
type Cache struct {
	mu   sync.Mutex
	bufs map[dbufKey]*Dbuf
}

// NewCache constructs an empty dbuf cache.
func NewCache() *Cache {
	return &Cache{bufs: make(map[dbufKey]*Dbuf)}
}

// GetOrCreate returns the existing dbuf for (object, level, blkid),
// creating a fresh UNCACHED one if none exists yet.
func (c *Cache) GetOrCreate(object uint64, level int, blkid uint64) *Dbuf {
	key := dbufKey{Object: object, Level: level, BlkID: blkid}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bufs[key]; ok {
		return b
	}
	b := newDbuf(object, level, blkid)
	c.bufs[key] = b
	return b
}

// Lookup returns the dbuf for (object, level, blkid) without creating
// one, reporting whether it was found.
func (c *Cache) Lookup(object uint64, level int, blkid uint64) (*Dbuf, bool) {
	key := dbufKey{Object: object, Level: level, BlkID: blkid}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bufs[key]
	return b, ok
}

// Evict removes a dbuf that has no outstanding holders, transitioning it
// to EVICTING first; held dbufs are left untouched.
func (c *Cache) Evict(object uint64, level int, blkid uint64) bool {
	key := dbufKey{Object: object, Level: level, BlkID: blkid}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bufs[key]
	if !ok {
		return false
	}
	b.mu.Lock()
	held := b.rc.Count() > 0
	if !held {
		b.State = DbufEvicting
	}
	b.mu.Unlock()
	if held {
		return false
	}
	delete(c.bufs, key)
	return true
}

// Len reports the number of dbufs currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bufs)
}
