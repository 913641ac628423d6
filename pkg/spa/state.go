package spa

import (
	"github.com/zpoold/zpoold/pkg/zfserrors"
)

// State is the pool-wide lifecycle state. Transitions only occur via
// Open/Create/Export/Destroy/Import, matching spec.md's
// "UNINIT → LOADING → ACTIVE → EXPORTING → EXPORTED" pool lifecycle.
type State int

const (
	StateUninit State = iota
	StateLoading
	StateActive
	StateExporting
	StateExported
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "UNINIT"
	case StateLoading:
		return "LOADING"
	case StateActive:
		return "ACTIVE"
	case StateExporting:
		return "EXPORTING"
	case StateExported:
		return "EXPORTED"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// transitions enumerates the legal state graph; anything not listed here
// is rejected by setState.
var transitions = map[State][]State{
	StateUninit:    {StateLoading},
	StateLoading:   {StateActive, StateUninit},
	StateActive:    {StateExporting, StateDestroyed},
	StateExporting: {StateExported},
	StateExported:  {StateLoading},
}

func (p *Pool) setState(next State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ok := range transitions[p.state] {
		if ok == next {
			p.state = next
			return nil
		}
	}
	return zfserrors.New(zfserrors.KindInvalid, "spa: illegal pool state transition %s -> %s", p.state, next)
}

// State returns the pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Create transitions a brand-new pool UNINIT -> LOADING -> ACTIVE,
// initializing its metaslab groups from the already-attached vdev tree.
func (p *Pool) Create() error {
	if err := p.setState(StateLoading); err != nil {
		return err
	}
	p.initGroups()
	return p.setState(StateActive)
}

// Open imports and activates an existing pool the same way Create does,
// but is named separately because real callers distinguish "make a new
// pool" from "attach to one that already exists on disk" even though
// both paths share the in-memory bring-up sequence here. A pool already
// in LOADING (after Import) goes straight on to ACTIVE.
func (p *Pool) Open() error {
	if p.State() != StateLoading {
		if err := p.setState(StateLoading); err != nil {
			return err
		}
	}
	p.initGroups()
	return p.setState(StateActive)
}

// Export quiesces the pool (ACTIVE -> EXPORTING -> EXPORTED); no further
// allocations are accepted once exporting begins.
func (p *Pool) Export() error {
	if err := p.setState(StateExporting); err != nil {
		return err
	}
	return p.setState(StateExported)
}

// Import resumes an exported pool back into LOADING so a subsequent
// Open can bring it ACTIVE.
func (p *Pool) Import() error {
	return p.setState(StateLoading)
}

// Destroy permanently retires an active pool.
func (p *Pool) Destroy() error {
	return p.setState(StateDestroyed)
}
