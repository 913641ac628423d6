package vdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueThrottleScalesLinearly(t *testing.T) {
	q := NewQueue()
	q.SetThrottle(0.0)
	assert.Equal(t, q.asyncWriteMinActive, q.AsyncWriteMaxActive())

	q.SetThrottle(1.0)
	assert.Equal(t, q.asyncWriteMaxActive, q.AsyncWriteMaxActive())

	q.SetThrottle((q.activeMinDirtyPct + q.activeMaxDirtyPct) / 2)
	mid := q.AsyncWriteMaxActive()
	assert.Greater(t, mid, q.asyncWriteMinActive)
	assert.Less(t, mid, q.asyncWriteMaxActive)
}

func TestQueueEnqueueDequeueRespectsWindow(t *testing.T) {
	q := NewQueue()
	q.limits[PrioSyncRead] = classLimits{Min: 1, Max: 2}
	for i := 0; i < 5; i++ {
		q.Enqueue(Request{Op: OpRead, Offset: uint64(i), Prio: PrioSyncRead}, func(Result) {})
	}
	batch := q.Dequeue()
	assert.Len(t, batch, 2)
	assert.Equal(t, 3, q.Len())
}

func TestQueueAggregateSortsByOffset(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Request{Op: OpRead, Offset: 300, Prio: PrioSyncRead}, func(Result) {})
	q.Enqueue(Request{Op: OpRead, Offset: 100, Prio: PrioSyncRead}, func(Result) {})
	q.Enqueue(Request{Op: OpRead, Offset: 200, Prio: PrioSyncRead}, func(Result) {})
	batch := q.Dequeue()
	assert.Len(t, batch, 3)
	assert.Equal(t, uint64(100), batch[0].req.Offset)
	assert.Equal(t, uint64(200), batch[1].req.Offset)
	assert.Equal(t, uint64(300), batch[2].req.Offset)
}
