package vdev

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zpoold/zpoold/pkg/abd"
	"github.com/zpoold/zpoold/pkg/zfserrors"
)

// Mirror is an interior vdev fanning reads round-robin across healthy
// children and writes to every child, repairing any child whose read
// failed once a healthy copy is found — spec.md §4.3's mirror contract.
type Mirror struct {
	base
	children []Vdev
	next     uint64 // round-robin cursor, advanced atomically
}

// NewMirror builds a mirror over the given children.
func NewMirror(name string, children ...Vdev) *Mirror {
	return &Mirror{base: base{name: name, state: StateClosed}, children: children}
}

func (m *Mirror) Children() []Vdev { return m.children }

// RedundancyWidth reports how many children a read can be served from,
// satisfying vdev.ChecksumRetrier.
func (m *Mirror) RedundancyWidth() int { return len(m.children) }

// Open opens every child, succeeding if at least one comes up healthy
// (the mirror degrades rather than fails outright when some children
// can't open).
func (m *Mirror) Open(ctx context.Context) (Attr, error) {
	var healthy int
	var attr Attr
	for _, c := range m.children {
		a, err := c.Open(ctx)
		if err != nil {
			continue
		}
		healthy++
		if a.PSize < attr.PSize || attr.PSize == 0 {
			attr = a
		}
	}
	if healthy == 0 {
		m.state = StateCantOpen
		return Attr{}, zfserrors.New(zfserrors.KindIO, "mirror %s: no children opened", m.name)
	}
	m.attr = attr
	if healthy < len(m.children) {
		m.state = StateDegraded
	} else {
		m.state = StateHealthy
	}
	return m.attr, nil
}

func (m *Mirror) Close() error {
	var firstErr error
	for _, c := range m.children {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.state = StateClosed
	return firstErr
}

func (m *Mirror) Sync() error {
	var firstErr error
	for _, c := range m.children {
		if c.State() != StateHealthy && c.State() != StateDegraded {
			continue
		}
		if err := c.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IOStart implements the mirror's read/write fan policy: writes go to
// every live child in parallel and succeed if any one does (matching
// the "writes fan out" contract — the caller's copies-aware DVA policy
// decides overall durability, not this layer); reads try children in
// round-robin order starting from a live one, and on success after a
// prior failure issue a repair write back to the children that failed.
func (m *Mirror) IOStart(ctx context.Context, req Request, done func(Result)) {
	switch req.Op {
	case OpWrite, OpFlush, OpTrim:
		m.fanOut(ctx, req, done)
	case OpRead, OpProbe:
		m.readWithFailover(ctx, req, done)
	default:
		done(Result{Err: zfserrors.New(zfserrors.KindInvalid, "mirror %s: unsupported op %v", m.name, req.Op)})
	}
}

func (m *Mirror) fanOut(ctx context.Context, req Request, done func(Result)) {
	live := m.liveChildren()
	if len(live) == 0 {
		done(Result{Err: zfserrors.New(zfserrors.KindIO, "mirror %s: no live children", m.name)})
		return
	}
	var wg sync.WaitGroup
	var succeeded int32
	var lastErr error
	var mu sync.Mutex
	for _, c := range live {
		wg.Add(1)
		c := c
		c.IOStart(ctx, req, func(r Result) {
			defer wg.Done()
			if r.Err == nil {
				atomic.AddInt32(&succeeded, 1)
			} else {
				mu.Lock()
				lastErr = r.Err
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if succeeded == 0 {
		done(Result{Err: lastErr})
		return
	}
	done(Result{})
}

func (m *Mirror) readWithFailover(ctx context.Context, req Request, done func(Result)) {
	idxs := m.liveChildrenExcluding(req.Exclude)
	if len(idxs) == 0 {
		done(Result{Err: zfserrors.New(zfserrors.KindIO, "mirror %s: no live children available (excluded %v)", m.name, req.Exclude)})
		return
	}
	start := int(atomic.AddUint64(&m.next, 1)) % len(idxs)

	var failed []Vdev
	var attempt func(i int)
	attempt = func(i int) {
		if i >= len(idxs) {
			done(Result{Err: zfserrors.New(zfserrors.KindIO, "mirror %s: all children failed read", m.name)})
			return
		}
		childIdx := idxs[(start+i)%len(idxs)]
		child := m.children[childIdx]
		var data *abd.ABD
		if req.Data != nil {
			data = abd.NewLinear(int(req.Length))
		}
		childReq := req
		childReq.Data = data
		childReq.Exclude = nil
		child.IOStart(ctx, childReq, func(r Result) {
			if r.Err != nil {
				failed = append(failed, child)
				attempt(i + 1)
				return
			}
			if data != nil {
				buf := data.Borrow()
				if cerr := req.Data.CopyFrom(buf); cerr != nil {
					done(Result{Err: cerr})
					return
				}
			}
			for _, f := range failed {
				m.repair(ctx, f, req, data)
			}
			done(Result{Source: childIdx})
		})
	}
	attempt(0)
}

// repair issues a self-healing write of the recovered data back to the
// child whose read originally failed, per spec.md §4.6's "Self-healing:
// a failed READ with io_repair flag automatically issues a WRITE with
// the recovered data to the failing DVA."
func (m *Mirror) repair(ctx context.Context, failing Vdev, original Request, data *abd.ABD) {
	if data == nil {
		return
	}
	repairReq := Request{Op: OpWrite, Offset: original.Offset, Length: original.Length, Data: data, Prio: PrioSyncWrite}
	failing.IOStart(ctx, repairReq, func(Result) {})
}

func (m *Mirror) liveChildren() []Vdev {
	var out []Vdev
	for _, c := range m.children {
		switch c.State() {
		case StateHealthy, StateDegraded:
			out = append(out, c)
		}
	}
	return out
}

// liveChildrenExcluding returns the original m.children indices of every
// live child not named in exclude, the candidate set a checksum-retried
// read is allowed to pick from.
func (m *Mirror) liveChildrenExcluding(exclude []int) []int {
	excluded := make(map[int]bool, len(exclude))
	for _, i := range exclude {
		excluded[i] = true
	}
	var idxs []int
	for i, c := range m.children {
		if excluded[i] {
			continue
		}
		switch c.State() {
		case StateHealthy, StateDegraded:
			idxs = append(idxs, i)
		}
	}
	return idxs
}
