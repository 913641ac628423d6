package txg

import (
	"context"
	"os"
	"runtime"
	"sync"
	"testing"

	"github.com/zpoold/zpoold/pkg/vdev"
)

func tempFileVdev(t *testing.T, size int64) *vdev.FileVdev {
	t.Helper()
	f, err := os.CreateTemp("", "txg-test-*.img")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(path) })

	v := vdev.NewFileVdev(path)
	if _, err := v.Open(context.Background()); err != nil {
		t.Fatalf("open file vdev: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

type stubLimiter struct {
	mu       sync.Mutex
	limit    uint64
	reserved uint64
	failOver bool
}

func (s *stubLimiter) TempReserveSpace(bytes uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOver && s.reserved+bytes > s.limit {
		return errTxgStub
	}
	s.reserved += bytes
	return nil
}

func (s *stubLimiter) ClearReservation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = 0
}

func (s *stubLimiter) WriteLimit() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

func (s *stubLimiter) ReduceWriteLimit(pct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = uint64(float64(s.limit) * pct)
}

func (s *stubLimiter) SetWriteLimit(bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = bytes
}

type stubErrTxg string

func (e stubErrTxg) Error() string { return string(e) }

const errTxgStub = stubErrTxg("txg test: stub error")

func TestAssignTxHoldsOpenTxgAndReleaseUnblocksQuiesce(t *testing.T) {
	e := NewEngine(nil, 0, nil, 0)
	txg, err := e.AssignTx(0)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if txg != 1 {
		t.Fatalf("expected first open txg to be 1, got %d", txg)
	}

	quiesced := make(chan uint64, 1)
	go func() { quiesced <- e.Quiesce() }()

	// Give Quiesce a chance to close txg 1 and open txg 2 before we
	// release the hold; the open txg must already have advanced.
	for e.OpenTxg() == txg {
		runtime.Gosched()
	}
	if got := e.OpenTxg(); got != txg+1 {
		t.Fatalf("expected open txg to advance to %d before release, got %d", txg+1, got)
	}

	e.ReleaseTx(txg)
	got := <-quiesced
	if got != txg {
		t.Fatalf("expected Quiesce to return %d, got %d", txg, got)
	}
}

func TestAssignTxRejectsOverBudget(t *testing.T) {
	lim := &stubLimiter{limit: 100, failOver: true}
	e := NewEngine(lim, 0, nil, 0)
	if _, err := e.AssignTx(50); err != nil {
		t.Fatalf("expected under-budget reserve to succeed: %v", err)
	}
	if _, err := e.AssignTx(60); err == nil {
		t.Fatal("expected over-budget reserve to fail")
	}
}

func TestSyncRunsHooksInOrderAndClearsReservation(t *testing.T) {
	lim := &stubLimiter{limit: 1000}
	e := NewEngine(lim, 0, nil, 0)
	txg, _ := e.AssignTx(10)
	e.ReleaseTx(txg)
	e.Quiesce()

	var order []string
	hooks := Hooks{
		DirtyDatasets: []DatasetSyncFunc{func(uint64) error { order = append(order, "dataset"); return nil }},
		SyncTasks:     []SyncTaskFunc{func(uint64) error { order = append(order, "synctask"); return nil }},
		DirtyDirs:     []DirSyncFunc{func(uint64) error { order = append(order, "dir"); return nil }},
		SyncMOS: func(uint64) (bool, [32]byte, uint64, error) {
			order = append(order, "mos")
			return false, [32]byte{}, 0, nil
		},
		CleanZIL: func(uint64) error { order = append(order, "zil"); return nil },
	}
	if err := e.Sync(txg, hooks); err != nil {
		t.Fatalf("sync: %v", err)
	}
	want := []string{"dataset", "synctask", "dir", "mos", "zil"}
	if len(order) != len(want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
	if e.SyncedTxg() != txg {
		t.Fatalf("expected synced txg %d, got %d", txg, e.SyncedTxg())
	}
	lim.mu.Lock()
	reserved := lim.reserved
	lim.mu.Unlock()
	if reserved != 0 {
		t.Fatalf("expected reservation cleared after sync, got %d", reserved)
	}
}

func TestSyncStopsAtFirstFailingHook(t *testing.T) {
	e := NewEngine(nil, 0, nil, 0)
	txg, _ := e.AssignTx(0)
	e.ReleaseTx(txg)
	e.Quiesce()

	called := false
	hooks := Hooks{
		DirtyDatasets: []DatasetSyncFunc{func(uint64) error { return errTxgStub }},
		SyncTasks:     []SyncTaskFunc{func(uint64) error { called = true; return nil }},
	}
	if err := e.Sync(txg, hooks); err == nil {
		t.Fatal("expected sync to surface the dataset-sync error")
	}
	if called {
		t.Fatal("expected later hooks to be skipped after an earlier one fails")
	}
}

func TestAdjustWriteLimitScalesTowardFloorNotBelowIt(t *testing.T) {
	lim := &stubLimiter{limit: 1000}
	e := NewEngine(lim, 100, nil, 0)
	txg, _ := e.AssignTx(0)
	e.ReleaseTx(txg)
	e.Quiesce()

	hooks := Hooks{MemoryInUse: func() uint64 { return 40 }} // inUse/4 = 10, below floor
	if err := e.Sync(txg, hooks); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := lim.WriteLimit(); got != 100 {
		t.Fatalf("expected write limit clamped to floor 100, got %d", got)
	}
}

func TestUberblockEncodeDecodeRoundTrip(t *testing.T) {
	ub := Uberblock{Txg: 42, Timestamp: 123, GUIDSum: 0xdeadbeef, RootBPBirthTxg: 42}
	ub.RootBPChecksum[0] = 0xaa
	buf := ub.Encode()
	if len(buf) != UberblockSize {
		t.Fatalf("expected encoded length %d, got %d", UberblockSize, len(buf))
	}
	got, ok := DecodeUberblock(buf)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if got.Txg != ub.Txg || got.GUIDSum != ub.GUIDSum || got.RootBPBirthTxg != ub.RootBPBirthTxg {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, ub)
	}
	if got.RootBPChecksum != ub.RootBPChecksum {
		t.Fatal("checksum mismatch after round trip")
	}
}

func TestDecodeUberblockRejectsEmptySlot(t *testing.T) {
	if _, ok := DecodeUberblock(make([]byte, UberblockSize)); ok {
		t.Fatal("expected an all-zero slot to decode as invalid")
	}
}

func TestLabelBaseMatchesFourCornerLayout(t *testing.T) {
	const size = 10 * 1024 * 1024
	cases := []struct {
		idx  int
		want uint64
	}{
		{0, 0},
		{1, LabelSize},
		{2, size - 2*LabelSize},
		{3, size - LabelSize},
	}
	for _, c := range cases {
		got, err := labelBase(c.idx, size)
		if err != nil {
			t.Fatalf("label %d: %v", c.idx, err)
		}
		if got != c.want {
			t.Fatalf("label %d: expected offset %d, got %d", c.idx, c.want, got)
		}
	}
}

func TestRotateUberblockWriteReadRoundTripAcrossLeaves(t *testing.T) {
	const vdevSize = 4 * 1024 * 1024
	leaves := []vdev.Vdev{tempFileVdev(t, vdevSize), tempFileVdev(t, vdevSize)}
	store := &LabelStore{Leaves: leaves}

	ub := Uberblock{Txg: 7, GUIDSum: 99, RootBPBirthTxg: 7}
	if err := RotateUberblock(store, 3, ub); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	for idx := 0; idx < labelCount; idx++ {
		got, ok := store.ReadSlot(context.Background(), idx, 3)
		if !ok {
			t.Fatalf("label %d: expected a valid uberblock in slot 3", idx)
		}
		if got.Txg != ub.Txg || got.GUIDSum != ub.GUIDSum {
			t.Fatalf("label %d: round trip mismatch: got %+v", idx, got)
		}
	}
}

func TestEngineSyncRotatesUberblockWhenMOSDirty(t *testing.T) {
	const vdevSize = 4 * 1024 * 1024
	leaves := []vdev.Vdev{tempFileVdev(t, vdevSize)}
	store := &LabelStore{Leaves: leaves}
	e := NewEngine(nil, 0, store, 55)

	txg, _ := e.AssignTx(0)
	e.ReleaseTx(txg)
	e.Quiesce()

	hooks := Hooks{
		SyncMOS: func(uint64) (bool, [32]byte, uint64, error) {
			var sum [32]byte
			sum[0] = 0x7
			return true, sum, txg, nil
		},
	}
	if err := e.Sync(txg, hooks); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, ok := store.ReadSlot(context.Background(), 0, 0)
	if !ok {
		t.Fatal("expected Sync to have rotated an uberblock into ring slot 0")
	}
	if got.Txg != txg || got.GUIDSum != 55 {
		t.Fatalf("expected rotated uberblock for txg %d with guid sum 55, got %+v", txg, got)
	}
}
