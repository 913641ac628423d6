package primitives

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Priority is a taskq dispatch priority class. spec.md §4.1 calls for
// three levels with FIFO ordering preserved within a class.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// TaskID identifies a dispatched (possibly still-pending) task so it can
// be cancelled or waited on.
type TaskID uint64

// TaskQueue is a dynamic-worker-pool task queue with three FIFO priority
// classes, delayed dispatch, and per-task cancellation, implementing the
// "taskq" primitive of spec.md §4.1. Every ZIO stage that needs to bounce
// off the caller's stack (the ISSUE_ASYNC step of §4.6) dispatches itself
// here instead of blocking a calling goroutine.
//
// Concurrency is capped with golang.org/x/sync/semaphore rather than a
// fixed-size worker goroutine pool so the queue can grow its "dynamic
// worker pool" by simply allowing more concurrent acquires, and so
// dispatch_delayed tasks don't have to occupy a worker slot while they
// sleep.
type TaskQueue struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	nextID   TaskID
	pending  map[TaskID]*task
	queues   [3][]*task // indexed by Priority
	notEmpty *sync.Cond
	closed   bool
	wg       sync.WaitGroup
}

type task struct {
	id        TaskID
	fn        func(ctx context.Context)
	cancelled bool
	timer     *time.Timer
	done      chan struct{}
}

// NewTaskQueue creates a queue allowing up to maxConcurrent tasks to run
// at once (0 means unbounded, i.e. a worker is spawned per dispatch).
func NewTaskQueue(maxConcurrent int64) *TaskQueue {
	q := &TaskQueue{
		pending: make(map[TaskID]*task),
	}
	if maxConcurrent > 0 {
		q.sem = semaphore.NewWeighted(maxConcurrent)
	}
	q.notEmpty = sync.NewCond(&q.mu)
	go q.dispatchLoop()
	return q
}

func (q *TaskQueue) dispatchLoop() {
	for {
		q.mu.Lock()
		for q.allEmptyLocked() && !q.closed {
			q.notEmpty.Wait()
		}
		if q.closed && q.allEmptyLocked() {
			q.mu.Unlock()
			return
		}
		t := q.popHighestLocked()
		q.mu.Unlock()
		if t == nil {
			continue
		}
		q.run(t)
	}
}

func (q *TaskQueue) allEmptyLocked() bool {
	for _, bucket := range q.queues {
		if len(bucket) > 0 {
			return false
		}
	}
	return true
}

func (q *TaskQueue) popHighestLocked() *task {
	for p := len(q.queues) - 1; p >= 0; p-- {
		bucket := q.queues[p]
		if len(bucket) > 0 {
			t := bucket[0]
			q.queues[p] = bucket[1:]
			return t
		}
	}
	return nil
}

func (q *TaskQueue) run(t *task) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if q.sem != nil {
			_ = q.sem.Acquire(context.Background(), 1)
			defer q.sem.Release(1)
		}
		q.mu.Lock()
		cancelled := t.cancelled
		q.mu.Unlock()
		if !cancelled {
			t.fn(context.Background())
		}
		q.mu.Lock()
		delete(q.pending, t.id)
		q.mu.Unlock()
		close(t.done)
	}()
}

// Dispatch enqueues fn at the given priority, returning a TaskID usable
// with Cancel and WaitOutstanding.
func (q *TaskQueue) Dispatch(prio Priority, fn func(ctx context.Context)) TaskID {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := q.nextID
	t := &task{id: id, fn: fn, done: make(chan struct{})}
	q.pending[id] = t
	q.queues[prio] = append(q.queues[prio], t)
	q.notEmpty.Signal()
	return id
}

// DispatchDelayed enqueues fn at the given priority after delay elapses.
func (q *TaskQueue) DispatchDelayed(prio Priority, delay time.Duration, fn func(ctx context.Context)) TaskID {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	t := &task{id: id, fn: fn, done: make(chan struct{})}
	q.pending[id] = t
	q.mu.Unlock()

	t.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if t.cancelled {
			q.mu.Unlock()
			close(t.done)
			return
		}
		q.queues[prio] = append(q.queues[prio], t)
		q.notEmpty.Signal()
		q.mu.Unlock()
	})
	return id
}

// Cancel prevents a pending (not yet started) task from running. Returns
// true if cancellation took effect before the task began executing,
// matching taskq_cancel_id's "only pending tasks can be cancelled"
// contract (spec.md §5).
func (q *TaskQueue) Cancel(id TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.pending[id]
	if !ok {
		return false
	}
	t.cancelled = true
	if t.timer != nil && t.timer.Stop() {
		// The delay timer never fired, so nothing else will close done.
		delete(q.pending, id)
		close(t.done)
	}
	return true
}

// WaitOutstanding blocks until the task identified by id has finished
// running (or been cancelled before running).
func (q *TaskQueue) WaitOutstanding(id TaskID) {
	q.mu.Lock()
	t, ok := q.pending[id]
	q.mu.Unlock()
	if !ok {
		return
	}
	<-t.done
}

// Close stops accepting new work once all currently queued tasks drain,
// and blocks until every in-flight goroutine has returned.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}
