package spa

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpoold/zpoold/pkg/vdev"
	"github.com/zpoold/zpoold/pkg/zfserrors"
)

func testVdev(t *testing.T, size int64) *vdev.FileVdev {
	t.Helper()
	f, err := os.CreateTemp("", "spa-test-vdev-")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	path := f.Name()
	require.NoError(t, f.Close())
	t.Cleanup(func() { os.Remove(path) })

	v := vdev.NewFileVdev(path)
	_, err = v.Open(context.Background())
	require.NoError(t, err)
	return v
}

func TestPoolLifecycleStateMachine(t *testing.T) {
	v := testVdev(t, 8*MetaslabSize)
	p := NewPool("tank", []vdev.Vdev{v}, 1<<20)
	assert.Equal(t, StateUninit, p.State())
	require.NoError(t, p.Create())
	assert.Equal(t, StateActive, p.State())
	require.NoError(t, p.Export())
	assert.Equal(t, StateExported, p.State())
	require.NoError(t, p.Import())
	assert.Equal(t, StateLoading, p.State())
}

func TestPoolRejectsIllegalTransition(t *testing.T) {
	v := testVdev(t, 8*MetaslabSize)
	p := NewPool("tank", []vdev.Vdev{v}, 1<<20)
	err := p.Export()
	assert.Error(t, err)
}

func TestPoolAllocFreeRoundTrip(t *testing.T) {
	v := testVdev(t, 8*MetaslabSize)
	p := NewPool("tank", []vdev.Vdev{v}, 1<<20)
	require.NoError(t, p.Create())

	dvas, err := p.Alloc(65536, 1, 1)
	require.NoError(t, err)
	require.Len(t, dvas, 1)
	assert.Equal(t, uint64(65536), p.Allocated())

	require.NoError(t, p.Free(dvas[0], 1))
	assert.Equal(t, uint64(0), p.Allocated())
	assert.Equal(t, uint64(65536), p.DeferredFree())
}

func TestPoolAllocMultipleCopiesDistinctVdevs(t *testing.T) {
	v1 := testVdev(t, 8*MetaslabSize)
	v2 := testVdev(t, 8*MetaslabSize)
	p := NewPool("tank", []vdev.Vdev{v1, v2}, 1<<20)
	require.NoError(t, p.Create())

	dvas, err := p.Alloc(4096, 1, 2)
	require.NoError(t, err)
	require.Len(t, dvas, 2)
	assert.NotEqual(t, dvas[0].VdevID, dvas[1].VdevID)
}

func TestPoolAllocFailsWhenExhausted(t *testing.T) {
	v := testVdev(t, MetaslabSize)
	p := NewPool("tank", []vdev.Vdev{v}, 1<<30)
	require.NoError(t, p.Create())

	_, err := p.Alloc(MetaslabSize, 1, 1)
	require.NoError(t, err)

	_, err = p.Alloc(4096, 1, 1)
	assert.Error(t, err)
}

func TestTempReserveSpaceRestartsOverBudget(t *testing.T) {
	v := testVdev(t, 8*MetaslabSize)
	p := NewPool("tank", []vdev.Vdev{v}, 1024)
	require.NoError(t, p.TempReserveSpace(512))
	err := p.TempReserveSpace(1024)
	assert.Error(t, err)
}

func TestTempReserveSpaceClearedOnTxgAdvance(t *testing.T) {
	v := testVdev(t, 8*MetaslabSize)
	p := NewPool("tank", []vdev.Vdev{v}, 1024)
	require.NoError(t, p.TempReserveSpace(1024))
	p.ClearReservation()
	require.NoError(t, p.TempReserveSpace(1024))
}

// TestTempReserveSpaceConcurrentOverBudgetMostlyRestarts drives 8
// concurrent 1 MiB reservations against a 1 MiB budget: the
// check-then-commit sequence must be atomic, so only the single
// goroutine that actually lands first may succeed and every other must
// observe zfserrors.Restart, never over-committing the shared budget.
func TestTempReserveSpaceConcurrentOverBudgetMostlyRestarts(t *testing.T) {
	v := testVdev(t, 8*MetaslabSize)
	const limit = 1 << 20
	p := NewPool("tank", []vdev.Vdev{v}, limit)

	const goroutines = 8
	errs := make([]error, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		i := i
		go func() {
			defer wg.Done()
			errs[i] = p.TempReserveSpace(limit)
		}()
	}
	wg.Wait()

	var restarted, succeeded int
	for _, err := range errs {
		switch err {
		case nil:
			succeeded++
		case zfserrors.Restart:
			restarted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one reservation should fit the budget")
	assert.GreaterOrEqual(t, restarted, 7, "every other concurrent reservation must restart")
}

func TestReduceWriteLimitScalesDown(t *testing.T) {
	v := testVdev(t, 8*MetaslabSize)
	p := NewPool("tank", []vdev.Vdev{v}, 1000)
	p.ReduceWriteLimit(0.5)
	assert.Equal(t, uint64(500), p.WriteLimit())
}
