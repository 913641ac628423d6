// Package spa implements the storage pool allocator of spec.md §4.5: pool
// lifecycle state, per-top-level-vdev metaslab groups, the weighted
// first-fit/gang allocation algorithm, aggregate space accounting, and
// the write throttle that backs dmu_tx_assign.
package spa

import (
	"sync"

	"github.com/zpoold/zpoold/pkg/vdev"
	"github.com/zpoold/zpoold/pkg/zfserrors"
)

var errNoSpace = zfserrors.New(zfserrors.KindNoSpace, "spa: no metaslab in group has a contiguous free extent large enough")

// DefaultAshift is the pool's block alignment shift (1<<ashift bytes per
// sector) used when a vdev doesn't report its own after Open.
const DefaultAshift = 9

// Pool is spa_t: the lifecycle state machine, vdev tree, metaslab
// groups, and space-accounting scalars for one storage pool.
type Pool struct {
	mu    sync.RWMutex
	Name  string
	state State

	ashift   uint
	topLevel []vdev.Vdev
	groups   []*MetaslabGroup
	rr       int

	allocated    *aggsum
	deferredFree *aggsum
	reservedTxg  *aggsum

	writeLimit uint64 // bytes; dsl_pool_tempreserve_space's dynamic budget

	// reserveMu serializes TempReserveSpace's check-then-commit sequence
	// against itself, independent of mu (which guards writeLimit) to
	// avoid the non-reentrant RWMutex deadlocking when TempReserveSpace
	// calls WriteLimit() while holding this lock.
	reserveMu sync.Mutex
}

// NewPool constructs a pool over the given top-level vdevs (already
// Open'd) in UNINIT state; call Create or Open to bring it ACTIVE.
func NewPool(name string, topLevel []vdev.Vdev, writeLimit uint64) *Pool {
	return &Pool{
		Name:         name,
		state:        StateUninit,
		ashift:       DefaultAshift,
		topLevel:     topLevel,
		allocated:    newAggsum(0),
		deferredFree: newAggsum(0),
		reservedTxg:  newAggsum(0),
		writeLimit:   writeLimit,
	}
}

// initGroups (re)builds one MetaslabGroup per top-level vdev, called
// when the pool transitions into LOADING.
func (p *Pool) initGroups() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups = p.groups[:0]
	for i, v := range p.topLevel {
		p.groups = append(p.groups, newMetaslabGroup(v, i, p.ashift))
	}
}

// Allocated returns the pool's exact currently-allocated byte count.
func (p *Pool) Allocated() uint64 {
	v := p.allocated.Value()
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// Leaf returns the top-level vdev a DVA's VdevID refers to, so a caller
// building a zio around an allocated DVA knows which vdev to target.
func (p *Pool) Leaf(vdevID int) (vdev.Vdev, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if vdevID < 0 || vdevID >= len(p.topLevel) {
		return nil, false
	}
	return p.topLevel[vdevID], true
}

// DeferredFree returns bytes logged FREE but not yet merged into the
// live range trees (spec.md §4.5: "Space accounting updates three
// scalars: allocated, deferred-free, space-to-write").
func (p *Pool) DeferredFree() uint64 {
	v := p.deferredFree.Value()
	if v < 0 {
		return 0
	}
	return uint64(v)
}
