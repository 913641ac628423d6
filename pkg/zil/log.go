package zil

import (
	"fmt"
	"strings"
	"sync"

	"github.com/beeker1121/goque"

	"github.com/zpoold/zpoold/pkg/bp"
	"github.com/zpoold/zpoold/pkg/bp/checksum"
)

// WriteFunc issues lwb through the regular ZIO pipeline and blocks until
// it is durable, returning the block pointer it landed at. A real
// binding drives pkg/zio's Execute/OnDone around the packed payload;
// tests can supply a synchronous stub.
type WriteFunc func(lwb *LWB) (*bp.BlockPointer, error)

// commitWaiter is zil_commit's itx_commit_waiter (zcw): one goroutine's
// rendezvous with the lwb write that will make its itxs durable.
type commitWaiter struct {
	done chan struct{}
	err  error
}

// Log is one objset's intent-log chain: a disk-backed queue of pending
// itx records (spec.md §4.10's "itx queue"), the currently-open lwb
// accumulating them, and the chain of already-written lwbs still waiting
// to be claimed and freed at the next TXG sync.
type Log struct {
	mu sync.Mutex

	objset     string
	maxLWBSize uint64
	write      WriteFunc

	queue   *goque.Queue
	seq     uint64
	pending []Itx
	waiters []*commitWaiter
	closing bool // one goroutine is already packing+writing the open lwb

	chain []*LWB // written, not yet claimed by a TXG sync
}

// Open opens (creating if absent) the log's on-disk itx queue at dir.
// maxLWBSize is stored on the Log, rounded up to MinLWBSize if smaller;
// Commit does not consult it: each Commit packs every pending itx into a
// single lwb, whatever its size.
func Open(dir, objset string, maxLWBSize uint64, write WriteFunc) (*Log, error) {
	if maxLWBSize < MinLWBSize {
		maxLWBSize = MinLWBSize
	}
	q, err := goque.OpenQueue(dir)
	if err != nil {
		return nil, fmt.Errorf("zil: open queue at %s: %w", dir, err)
	}
	l := &Log{objset: objset, maxLWBSize: maxLWBSize, write: write, queue: q}
	// Recover any itxs enqueued but never packed into an lwb before a
	// prior process exit — they become the first pending batch again.
	// Peek rather than Dequeue: the queue stays the durable record until
	// Commit actually writes this batch and drains it for real.
	for i := uint64(0); i < q.Length(); i++ {
		item, derr := q.PeekByOffset(i)
		if derr != nil {
			break
		}
		var itx Itx
		if err := item.ToObject(&itx); err == nil {
			l.pending = append(l.pending, itx)
		}
	}
	return l, nil
}

// Close releases the underlying queue handle.
func (l *Log) Close() error {
	return l.queue.Close()
}

// Append enqueues itx for the next Commit to pack into an lwb (the
// synchronous-write shortcut of spec.md's pipeline diagram: "G -> J
// (append ITX, wait for lwb I/O completion) returns").
func (l *Log) Append(itx Itx) error {
	if _, err := l.queue.EnqueueObject(itx); err != nil {
		return fmt.Errorf("zil: enqueue itx: %w", err)
	}
	l.mu.Lock()
	l.pending = append(l.pending, itx)
	l.mu.Unlock()
	return nil
}

// isEmpty reports whether err is goque's empty-queue sentinel, matching
// the string check the example codebase's own goque caller already uses
// (this version of goque does not export a comparable error value).
func isEmpty(err error) bool {
	return err != nil && strings.Contains(err.Error(), "empty")
}

// Commit implements zil_commit: attach a waiter to whatever lwb is
// currently accumulating, have exactly one caller (the "closer") pack
// and write it, and block every attached waiter — including the closer,
// and including anyone who attaches while the closer's write is already
// in flight — until their batch's write completes. Everything appended
// before a given Commit call returns is durable once it returns nil
// (spec.md §4.10 steps 1-3, and §7's "after zil_commit returns, all itxs
// submitted before it are durable").
func (l *Log) Commit() error {
	l.mu.Lock()
	if len(l.pending) == 0 && !l.closing {
		l.mu.Unlock()
		return nil
	}
	waiter := &commitWaiter{done: make(chan struct{})}
	l.waiters = append(l.waiters, waiter)

	if l.closing {
		// Another goroutine is already packing+writing the current
		// batch; ride its result instead of starting a second write.
		l.mu.Unlock()
		<-waiter.done
		return waiter.err
	}
	l.closing = true
	l.mu.Unlock()

	// This goroutine is the closer: keep packing+writing batches until
	// no pending itxs or newly-attached waiters remain, so anyone who
	// attached while an earlier batch from this same tenure was already
	// in flight still gets covered rather than left waiting forever.
	for {
		l.mu.Lock()
		itxs := l.pending
		l.pending = nil
		waiters := l.waiters
		l.waiters = nil
		l.mu.Unlock()

		if len(itxs) == 0 && len(waiters) == 0 {
			break
		}

		var werr error
		if len(itxs) > 0 {
			l.mu.Lock()
			l.seq++
			seq := l.seq
			l.mu.Unlock()

			payload := packedBytes(itxs)
			sum, err := checksum.Sum(checksum.SHA256, payload)
			if err != nil {
				werr = fmt.Errorf("zil: checksum lwb payload: %w", err)
			} else {
				lwb := &LWB{Header: Header{Sequence: seq, Checksum: sum}, Itxs: itxs}
				writtenBP, err := l.write(lwb)
				werr = err
				if werr == nil {
					lwb.BP = writtenBP
					l.mu.Lock()
					l.chain = append(l.chain, lwb)
					l.mu.Unlock()
					for range itxs {
						if _, derr := l.queue.Dequeue(); derr != nil && !isEmpty(derr) {
							break
						}
					}
				}
			}
		}

		for _, w := range waiters {
			w.err = werr
			close(w.done)
		}
	}

	l.mu.Lock()
	l.closing = false
	l.mu.Unlock()

	<-waiter.done
	return waiter.err
}

// Clean drops every lwb in the chain whose sequence is at or before
// upToSeq: the TXG-sync-time step spec.md §4.8 step 7 and §4.10 step 4
// call "old lwbs are claimed and freed" once the regular COW tree has
// subsumed whatever they recorded.
func (l *Log) Clean(upToSeq uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.chain[:0]
	cleaned := 0
	for _, lwb := range l.chain {
		if lwb.Header.Sequence <= upToSeq {
			cleaned++
			continue
		}
		kept = append(kept, lwb)
	}
	l.chain = kept
	return cleaned
}

// Chain returns the currently-uncleaned lwb chain, oldest first — what
// Replay walks on mount.
func (l *Log) Chain() []*LWB {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*LWB, len(l.chain))
	copy(out, l.chain)
	return out
}
