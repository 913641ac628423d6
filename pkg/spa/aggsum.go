package spa

import "sync"

// aggsumBorrowShift controls how aggressively a bucket over-borrows from
// the core counter to avoid re-taking the global lock on every add
// (original_source/module/zfs/aggsum.c: "we will borrow 2^aggsum_borrow_shift
// times the current request").
const aggsumBorrowShift = 4

// numBuckets is fixed rather than scaled off a detected CPU count (the
// original scales `boot_ncpus` into a bucket count); a small fixed fanout
// still demonstrates the borrow/clear policy without needing to probe
// runtime.NumCPU() at a package this deep in the allocator.
const numBuckets = 8

type aggsumBucket struct {
	mu       sync.Mutex
	delta    int64
	borrowed int64
}

// aggsum is a fanned-out counter for the allocator's hot scalars
// (allocated space, deferred-free space, space reserved to write this
// TXG): writers hit a per-bucket lock instead of a single global one,
// trading exact reads (which must clear every bucket) for cheap writes.
// Grounded on original_source/module/zfs/aggsum.c, simplified from
// per-CPU bucket assignment to a fixed, round-robin bucket fanout since
// Go does not expose a stable "current CPU" primitive the way the
// original's CPU_SEQID_UNSTABLE does.
type aggsum struct {
	mu         sync.Mutex
	lowerBound int64
	upperBound int64

	buckets [numBuckets]aggsumBucket
	next    uint32
}

func newAggsum(value int64) *aggsum {
	return &aggsum{lowerBound: value, upperBound: value}
}

func (as *aggsum) pickBucket() *aggsumBucket {
	as.mu.Lock()
	idx := as.next % numBuckets
	as.next++
	as.mu.Unlock()
	return &as.buckets[idx]
}

// Add adjusts the counter by delta, taking the fast per-bucket path when
// the bucket has already borrowed enough headroom, and falling back to
// the global lock to borrow more otherwise.
func (as *aggsum) Add(delta int64) {
	asb := as.pickBucket()

	asb.mu.Lock()
	if asb.delta+delta <= asb.borrowed && asb.delta+delta >= -asb.borrowed {
		asb.delta += delta
		asb.mu.Unlock()
		return
	}
	asb.mu.Unlock()

	borrow := delta
	if borrow < 0 {
		borrow = -borrow
	}
	borrow <<= aggsumBorrowShift

	as.mu.Lock()
	asb.mu.Lock()
	if borrow >= asb.borrowed {
		borrow -= asb.borrowed
	} else {
		borrow = (borrow - asb.borrowed) / 4
	}
	delta += asb.delta
	asb.delta = 0
	asb.borrowed += borrow
	asb.mu.Unlock()

	as.lowerBound += delta - borrow
	as.upperBound += delta + borrow
	as.mu.Unlock()
}

// Value returns the exact counter value, clearing every bucket's
// borrowed headroom to do so — the expensive, read-rarely path.
func (as *aggsum) Value() int64 {
	as.mu.Lock()
	defer as.mu.Unlock()

	lb, ub := as.lowerBound, as.upperBound
	if lb == ub {
		return lb
	}
	for i := range as.buckets {
		asb := &as.buckets[i]
		asb.mu.Lock()
		if asb.borrowed != 0 {
			lb += asb.delta + asb.borrowed
			ub += asb.delta - asb.borrowed
			asb.delta = 0
			asb.borrowed = 0
		}
		asb.mu.Unlock()
	}
	as.lowerBound, as.upperBound = lb, lb
	return lb
}

// UpperBound is a cheap, lock-free-ish approximation sufficient for
// threshold checks that can tolerate slight over-estimation.
func (as *aggsum) UpperBound() int64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.upperBound
}
