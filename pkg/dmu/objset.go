package dmu

import (
	"sync"

	"github.com/zpoold/zpoold/pkg/zfserrors"
)

// ObjSet owns a flat table of dnodes plus the dbuf cache backing them
// (spec.md §3.10: "Each objset_t owns its dnodes; MOS is a distinguished
// objset").
type ObjSet struct {
	mu         sync.RWMutex
	Name       string
	IsMOS      bool
	dnodes     map[uint64]*Dnode
	nextObject uint64
	cache      *Cache
}

// NewObjSet constructs an empty object set. Object 0 is reserved (the
// meta-dnode slot in a real objset); allocation starts at 1.
func NewObjSet(name string, isMOS bool) *ObjSet {
	return &ObjSet{
		Name:       name,
		IsMOS:      isMOS,
		dnodes:     make(map[uint64]*Dnode),
		nextObject: 1,
		cache:      NewCache(),
	}
}

// Cache returns the object set's dbuf cache.
func (os *ObjSet) Cache() *Cache { return os.cache }

// Allocate creates a new dnode of the given type and leaf block size,
// assigning it the next free object number.
func (os *ObjSet) Allocate(typ ObjectType, dataBlockSize uint64) *Dnode {
	os.mu.Lock()
	defer os.mu.Unlock()
	obj := os.nextObject
	os.nextObject++
	d := NewDnode(obj, typ, dataBlockSize)
	os.dnodes[obj] = d
	return d
}

// Lookup returns the dnode for object, if it exists.
func (os *ObjSet) Lookup(object uint64) (*Dnode, bool) {
	os.mu.RLock()
	defer os.mu.RUnlock()
	d, ok := os.dnodes[object]
	return d, ok
}

// Free removes object's dnode entirely. Real dmu_object_free defers
// actual block reclamation to the next sync pass via each dbuf's
// dirty-record drain; this engine has no separate "pending free dnode"
// list, so the dnode (and whatever block pointers it still holds) is
// simply dropped from the table — any metaslab frees its blocks implied
// must be issued by the caller before calling Free.
func (os *ObjSet) Free(object uint64) error {
	os.mu.Lock()
	defer os.mu.Unlock()
	if _, ok := os.dnodes[object]; !ok {
		return zfserrors.New(zfserrors.KindNotFound, "dmu: object %d not found in objset %q", object, os.Name)
	}
	delete(os.dnodes, object)
	return nil
}

// Objects returns every allocated object number, for traversal.
func (os *ObjSet) Objects() []uint64 {
	os.mu.RLock()
	defer os.mu.RUnlock()
	out := make([]uint64, 0, len(os.dnodes))
	for obj := range os.dnodes {
		out = append(out, obj)
	}
	return out
}
