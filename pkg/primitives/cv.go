package primitives

import (
	"sync"
	"time"
)

// CondVar is a condition variable supporting both relative and absolute
// timed waits (spec.md §4.1), used across TXG state transitions, ZIL
// commit-waiter signalling, dbuf READ completion, metaslab load, vdev
// probe, and the write throttle (§5's "suspension points").
type CondVar struct {
	mu   *sync.Mutex
	cond *sync.Cond
}

// NewCondVar binds a new CondVar to mu, matching cv_init semantics.
func NewCondVar(mu *sync.Mutex) *CondVar {
	return &CondVar{mu: mu, cond: sync.NewCond(mu)}
}

// Wait blocks until Broadcast or Signal is called. The caller must hold mu.
func (c *CondVar) Wait() {
	c.cond.Wait()
}

// WaitTimeout blocks until signalled or until d elapses, whichever comes
// first, returning false on timeout (cv_timedwait's relative form). Like
// the underlying cv_timedwait, a single call can wake spuriously before
// the deadline; callers loop on their own predicate the same way they
// would around a bare Wait.
func (c *CondVar) WaitTimeout(d time.Duration) bool {
	return c.WaitUntil(time.Now().Add(d))
}

// WaitUntil blocks until signalled or until the absolute time deadline
// passes, returning false if the deadline was reached (cv_timedwait's
// absolute form, cv_timedwait_hires with CALLOUT_FLAG_ABSOLUTE).
func (c *CondVar) WaitUntil(deadline time.Time) bool {
	if !time.Now().Before(deadline) {
		return false
	}
	timer := time.AfterFunc(time.Until(deadline), func() {
		c.cond.Broadcast()
	})
	defer timer.Stop()
	c.cond.Wait()
	return time.Now().Before(deadline)
}

// Signal wakes one waiter.
func (c *CondVar) Signal() { c.cond.Signal() }

// Broadcast wakes every waiter, matching cv_broadcast.
func (c *CondVar) Broadcast() { c.cond.Broadcast() }
