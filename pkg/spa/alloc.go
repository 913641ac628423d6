package spa

import (
	"github.com/zpoold/zpoold/pkg/bp"
)

// fullnessSkipThreshold is the fraction-full above which a group is
// passed over in favor of a less-full one, unless every group is over
// it (spec.md §4.5 step 1: "round-robin + fullness-biased policy").
const fullnessSkipThreshold = 0.90

func roundUp(size uint64, ashift uint) uint64 {
	sector := uint64(1) << ashift
	return (size + sector - 1) &^ (sector - 1)
}

// Alloc implements spec.md §4.5's allocation algorithm: pick a group,
// pick a metaslab by weight within it, first-fit the asize extent,
// falling back to gang allocation on exhaustion, and repeating across
// distinct top-level vdevs for copies > 1.
func (p *Pool) Alloc(psize uint64, txg uint64, copies int) ([]bp.DVA, error) {
	if copies < 1 {
		copies = 1
	}
	asize := roundUp(psize, p.ashift)

	p.mu.Lock()
	groups := append([]*MetaslabGroup(nil), p.groups...)
	p.mu.Unlock()
	if len(groups) == 0 {
		return nil, errNoSpace
	}

	used := map[int]bool{}
	var dvas []bp.DVA
	for c := 0; c < copies; c++ {
		dva, err := p.allocOne(groups, asize, used)
		if err != nil {
			if c == 0 {
				return nil, err
			}
			// Couldn't find copies distinct vdevs; fewer redundant
			// copies than requested is acceptable (spec.md: "repeat ...
			// where possible"), so stop rather than fail the whole
			// allocation.
			break
		}
		used[dva.VdevID] = true
		dvas = append(dvas, dva)
	}
	if len(dvas) == 0 {
		return nil, errNoSpace
	}
	p.allocated.Add(int64(asize) * int64(len(dvas)))
	return dvas, nil
}

// allocOne performs the group-pick / metaslab-pick / first-fit
// sequence, preferring a group whose vdev id isn't already in used
// (steps 1-4 of spec.md §4.5), then falls back to gang allocation on
// exhaustion (step 5).
func (p *Pool) allocOne(groups []*MetaslabGroup, asize uint64, used map[int]bool) (bp.DVA, error) {
	order := p.groupOrder(groups, used)
	for _, g := range order {
		if dva, err := p.allocFromGroup(g, asize); err == nil {
			return dva, nil
		}
	}
	// Every group failed a direct first-fit; fall back to a gang
	// allocation on the first group with any free space at all.
	for _, g := range order {
		if dva, err := p.allocGang(g, asize); err == nil {
			return dva, nil
		}
	}
	return bp.DVA{}, errNoSpace
}

// groupOrder returns groups starting from the round-robin cursor,
// skipping over-full groups unless every candidate is over the
// threshold, and de-prioritizing groups already used by an earlier copy
// of the same allocation.
func (p *Pool) groupOrder(groups []*MetaslabGroup, used map[int]bool) []*MetaslabGroup {
	p.mu.Lock()
	start := p.rr % len(groups)
	p.rr++
	p.mu.Unlock()

	rotated := append(append([]*MetaslabGroup(nil), groups[start:]...), groups[:start]...)

	var fresh, stale, full []*MetaslabGroup
	for _, g := range rotated {
		switch {
		case used[g.VdevID]:
			stale = append(stale, g)
		case g.fullness() >= fullnessSkipThreshold:
			full = append(full, g)
		default:
			fresh = append(fresh, g)
		}
	}
	out := append(fresh, full...)
	return append(out, stale...)
}

func (p *Pool) allocFromGroup(g *MetaslabGroup, asize uint64) (bp.DVA, error) {
	m, err := g.pickMetaslab(asize)
	if err != nil {
		return bp.DVA{}, err
	}
	offset, err := m.allocate(asize)
	if err != nil {
		return bp.DVA{}, err
	}
	return bp.DVA{
		VdevID: uint32(g.VdevID),
		Offset: m.Offset + offset,
		Asize:  uint32(asize >> p.ashift),
	}, nil
}

// allocGang allocates a gang header (spec.md §4.5 step 5) by reserving
// bp.GangHeaderSize bytes plus recursively allocating children whose
// combined size covers the request. Children are allocated in
// decreasing chunk sizes, halving on each failure, down to a single
// sector, matching the original's "keep trying smaller pieces" spirit.
func (p *Pool) allocGang(g *MetaslabGroup, asize uint64) (bp.DVA, error) {
	headerDVA, err := p.allocFromGroup(g, bp.GangHeaderSize)
	if err != nil {
		return bp.DVA{}, err
	}
	headerDVA.Gang = true

	remaining := asize
	chunk := asize / 2
	if chunk < uint64(1)<<p.ashift {
		chunk = uint64(1) << p.ashift
	}
	childCount := 0
	for remaining > 0 && childCount < bp.MaxGangChildren {
		want := chunk
		if want > remaining {
			want = remaining
		}
		want = roundUp(want, p.ashift)
		if _, err := p.allocFromGroup(g, want); err != nil {
			chunk /= 2
			if chunk < uint64(1)<<p.ashift {
				return bp.DVA{}, errNoSpace
			}
			continue
		}
		remaining -= want
		childCount++
	}
	if remaining > 0 {
		return bp.DVA{}, errNoSpace
	}
	return headerDVA, nil
}

// Free logs a FREE record in the metaslab owning dva's offset (spec.md
// §4.5: "Deallocation: logs a FREE record in the metaslab's space map").
func (p *Pool) Free(dva bp.DVA, txg uint64) error {
	p.mu.RLock()
	groups := p.groups
	p.mu.RUnlock()

	for _, g := range groups {
		if int(dva.VdevID) != g.VdevID {
			continue
		}
		for _, m := range g.Metaslabs {
			if dva.Offset < m.Offset || dva.Offset >= m.Offset+m.Size {
				continue
			}
			asize := uint64(dva.Asize) << p.ashift
			if err := m.free(dva.Offset-m.Offset, asize); err != nil {
				return err
			}
			p.deferredFree.Add(int64(asize))
			p.allocated.Add(-int64(asize))
			return nil
		}
	}
	return errNoSpace
}
