package primitives

import "sync/atomic"

// Atomic64 wraps sync/atomic for an int64 counter with the add/sub/or/and
// /cas/swap vocabulary spec.md §4.1 asks for. Go's memory model makes
// membar_producer/membar_consumer unnecessary (every atomic op here is
// already a full barrier); MembarProducer/MembarConsumer are kept as
// named no-ops so call sites written against the SPL vocabulary compile
// unchanged and remain self-documenting about ordering intent.
type Atomic64 struct {
	v int64
}

func (a *Atomic64) Load() int64           { return atomic.LoadInt64(&a.v) }
func (a *Atomic64) Store(x int64)         { atomic.StoreInt64(&a.v, x) }
func (a *Atomic64) Add(delta int64) int64 { return atomic.AddInt64(&a.v, delta) }
func (a *Atomic64) Sub(delta int64) int64 { return atomic.AddInt64(&a.v, -delta) }
func (a *Atomic64) Swap(new int64) int64  { return atomic.SwapInt64(&a.v, new) }
func (a *Atomic64) CAS(old, new int64) bool {
	return atomic.CompareAndSwapInt64(&a.v, old, new)
}

// Or atomically ORs mask into the value and returns the previous value.
func (a *Atomic64) Or(mask int64) int64 {
	for {
		old := a.Load()
		if a.CAS(old, old|mask) {
			return old
		}
	}
}

// And atomically ANDs mask into the value and returns the previous value.
func (a *Atomic64) And(mask int64) int64 {
	for {
		old := a.Load()
		if a.CAS(old, old&mask) {
			return old
		}
	}
}

// MembarProducer documents a release barrier at the call site. Go's
// atomics already provide sequential consistency, so this is a no-op.
func MembarProducer() {}

// MembarConsumer documents an acquire barrier at the call site. Go's
// atomics already provide sequential consistency, so this is a no-op.
func MembarConsumer() {}
