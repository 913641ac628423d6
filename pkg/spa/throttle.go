package spa

import "github.com/zpoold/zpoold/pkg/zfserrors"

// TempReserveSpace implements dsl_pool_tempreserve_space (spec.md §4.5):
// reserves bytes against the current TXG's write budget, returning
// zfserrors.Restart when the reservation would exceed writeLimit so the
// caller sleeps until the TXG advances and reservedTxg is cleared by
// ClearReservation.
//
// reservedTxg.Value() and .Add() each take and release the aggsum's own
// lock independently (see aggsum.go), so checking the current total and
// then conditionally adding to it are not atomic with respect to each
// other on their own: two concurrent callers can both read the same
// pre-reservation total, both see room under the limit, and both add,
// over-committing the budget. reserveMu turns the whole
// check-then-commit sequence into one atomic step.
func (p *Pool) TempReserveSpace(bytes uint64) error {
	p.reserveMu.Lock()
	defer p.reserveMu.Unlock()

	reserved := p.reservedTxg.Value()
	if reserved < 0 {
		reserved = 0
	}
	if uint64(reserved)+bytes > p.WriteLimit() {
		return zfserrors.Restart
	}
	p.reservedTxg.Add(int64(bytes))
	return nil
}

// ClearReservation resets the per-TXG reservation counter, called once a
// TXG finishes syncing and a fresh OPEN slot begins accepting writes.
func (p *Pool) ClearReservation() {
	cur := p.reservedTxg.Value()
	if cur != 0 {
		p.reservedTxg.Add(-cur)
	}
}

// WriteLimit returns the pool's current write-throttle budget.
func (p *Pool) WriteLimit() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.writeLimit
}

// ReduceWriteLimit scales the write limit down under memory pressure
// (spec.md §4.5: "adaptively reduced under memory pressure"); pct is the
// fraction of the current limit to keep, e.g. 0.5 halves it.
func (p *Pool) ReduceWriteLimit(pct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLimit = uint64(float64(p.writeLimit) * pct)
}

// SetWriteLimit directly sets the write-throttle budget, used at pool
// creation (initially 1/8 of physical memory per spec.md §4.5) and by
// tests.
func (p *Pool) SetWriteLimit(bytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLimit = bytes
}
