package zil

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/zpoold/zpoold/pkg/bp"
	"github.com/zpoold/zpoold/pkg/bp/checksum"
)

func openTemp(t *testing.T, write WriteFunc) *Log {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "zil")
	l, err := Open(dir, "tank/fs", MinLWBSize, write)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func stubWrite(seq *uint64) WriteFunc {
	return func(lwb *LWB) (*bp.BlockPointer, error) {
		n := atomic.AddUint64(seq, 1)
		return &bp.BlockPointer{BirthTxg: n}, nil
	}
}

func TestCommitWithNothingPendingIsNoop(t *testing.T) {
	var seq uint64
	l := openTemp(t, stubWrite(&seq))
	if err := l.Commit(); err != nil {
		t.Fatalf("expected no-op commit to succeed, got %v", err)
	}
	if len(l.Chain()) != 0 {
		t.Fatal("expected no lwb written for an empty commit")
	}
}

func TestAppendThenCommitWritesOneLWB(t *testing.T) {
	var seq uint64
	l := openTemp(t, stubWrite(&seq))

	if err := l.Append(Itx{TxType: TxWrite, Txg: 5, Object: 1, Length: 100, Inline: []byte("hello")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	chain := l.Chain()
	if len(chain) != 1 {
		t.Fatalf("expected 1 lwb in chain, got %d", len(chain))
	}
	if len(chain[0].Itxs) != 1 {
		t.Fatalf("expected 1 itx packed, got %d", len(chain[0].Itxs))
	}
	if !chain[0].verify() {
		t.Fatal("expected the written lwb to verify")
	}
}

func TestConcurrentCommitsShareOrSerializeCleanly(t *testing.T) {
	var seq uint64
	var writes int64
	write := func(lwb *LWB) (*bp.BlockPointer, error) {
		atomic.AddInt64(&writes, 1)
		n := atomic.AddUint64(&seq, 1)
		return &bp.BlockPointer{BirthTxg: n}, nil
	}
	l := openTemp(t, write)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Append(Itx{TxType: TxWrite, Txg: 1, Object: uint64(n), Length: 10})
			if err := l.Commit(); err != nil {
				t.Errorf("commit %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, lwb := range l.Chain() {
		total += len(lwb.Itxs)
	}
	if total != 10 {
		t.Fatalf("expected all 10 itxs to land in some lwb across the chain, got %d", total)
	}
}

func TestCommitSurfacesWriteFailure(t *testing.T) {
	failErr := fmt.Errorf("zil test: simulated write failure")
	l := openTemp(t, func(lwb *LWB) (*bp.BlockPointer, error) { return nil, failErr })
	l.Append(Itx{TxType: TxWrite, Txg: 1, Object: 1})
	if err := l.Commit(); err == nil {
		t.Fatal("expected commit to surface the write failure")
	}
	if len(l.Chain()) != 0 {
		t.Fatal("expected a failed write to not land in the chain")
	}
}

func TestCleanDropsLWBsAtOrBelowSequence(t *testing.T) {
	var seq uint64
	l := openTemp(t, stubWrite(&seq))
	for i := 0; i < 3; i++ {
		l.Append(Itx{TxType: TxWrite, Txg: uint64(i), Object: 1})
		if err := l.Commit(); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	if len(l.Chain()) != 3 {
		t.Fatalf("expected 3 lwbs, got %d", len(l.Chain()))
	}
	cleaned := l.Clean(2)
	if cleaned != 2 {
		t.Fatalf("expected 2 lwbs cleaned (sequences 1 and 2), got %d", cleaned)
	}
	if len(l.Chain()) != 1 {
		t.Fatalf("expected 1 lwb remaining, got %d", len(l.Chain()))
	}
}

func TestReplayAppliesInOrderAndStopsAtFirstBadChecksum(t *testing.T) {
	var applied []uint64
	dispatch := ReplayDispatch{
		TxWrite: func(itx Itx) error {
			applied = append(applied, itx.Object)
			return nil
		},
	}

	good1 := &LWB{Itxs: []Itx{{TxType: TxWrite, Object: 1}}}
	good1.Header.Checksum = mustChecksum(t, good1)
	good2 := &LWB{Itxs: []Itx{{TxType: TxWrite, Object: 2}}}
	good2.Header.Checksum = mustChecksum(t, good2)
	bad := &LWB{Itxs: []Itx{{TxType: TxWrite, Object: 3}}} // checksum left zero: invalid
	trailing := &LWB{Itxs: []Itx{{TxType: TxWrite, Object: 4}}}
	trailing.Header.Checksum = mustChecksum(t, trailing)

	n, err := Replay([]*LWB{good1, good2, bad, trailing}, dispatch)
	if err == nil {
		t.Fatal("expected replay to stop at the unverifiable lwb")
	}
	if n != 2 {
		t.Fatalf("expected 2 itxs applied before truncation, got %d", n)
	}
	if len(applied) != 2 || applied[0] != 1 || applied[1] != 2 {
		t.Fatalf("expected objects [1 2] applied in order, got %v", applied)
	}
}

func TestReplaySkipsUnregisteredTxTypes(t *testing.T) {
	lwb := &LWB{Itxs: []Itx{{TxType: TxCreate, Object: 1}, {TxType: TxWrite, Object: 2}}}
	lwb.Header.Checksum = mustChecksum(t, lwb)

	var applied []uint64
	dispatch := ReplayDispatch{
		TxWrite: func(itx Itx) error { applied = append(applied, itx.Object); return nil },
	}
	n, err := Replay([]*LWB{lwb}, dispatch)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 1 || len(applied) != 1 || applied[0] != 2 {
		t.Fatalf("expected only the WRITE itx applied, got n=%d applied=%v", n, applied)
	}
}

func mustChecksum(t *testing.T, lwb *LWB) checksum.Digest {
	t.Helper()
	sum, err := checksum.Sum(checksum.SHA256, packedBytes(lwb.Itxs))
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	return sum
}
