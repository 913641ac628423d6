package ddt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zpoold/zpoold/pkg/bp"
	"github.com/zpoold/zpoold/pkg/bp/checksum"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "ddt")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleKey(n uint64) Key {
	var d checksum.Digest
	d[0] = n
	return Key{Checksum: d, LSize: 4096, PSize: 4096}
}

func TestInsertOrRefCreatesThenIncrementsRefcount(t *testing.T) {
	s := openTemp(t)
	key := sampleKey(1)
	dvas := []bp.DVA{{VdevID: 0, Offset: 0, Asize: 8}}

	e, existed, err := s.InsertOrRef(key, dvas, 1)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if existed {
		t.Fatal("expected the first insert to report existed=false")
	}
	if e.Refcount != 1 {
		t.Fatalf("expected refcount 1, got %d", e.Refcount)
	}

	e2, existed2, err := s.InsertOrRef(key, nil, 1)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if !existed2 {
		t.Fatal("expected the second insert to report existed=true")
	}
	if e2.Refcount != 2 {
		t.Fatalf("expected refcount 2, got %d", e2.Refcount)
	}
	if len(e2.DVAs) != 1 || e2.DVAs[0] != dvas[0] {
		t.Fatalf("expected the original DVAs to be reused, got %v", e2.DVAs)
	}
}

func TestDecRefFreesOnlyAtZero(t *testing.T) {
	s := openTemp(t)
	key := sampleKey(2)
	dvas := []bp.DVA{{VdevID: 0, Offset: 4096, Asize: 8}}

	s.InsertOrRef(key, dvas, 1)
	s.InsertOrRef(key, nil, 1)

	freed, removed, err := s.DecRef(key)
	if err != nil {
		t.Fatalf("decref: %v", err)
	}
	if removed {
		t.Fatal("expected entry to survive a decref from refcount 2")
	}
	if freed != nil {
		t.Fatal("expected no freed DVAs while refcount is still positive")
	}

	freed, removed, err = s.DecRef(key)
	if err != nil {
		t.Fatalf("decref: %v", err)
	}
	if !removed {
		t.Fatal("expected entry to be removed at refcount 0")
	}
	if len(freed) != 1 || freed[0] != dvas[0] {
		t.Fatalf("expected the original DVAs back, got %v", freed)
	}

	if _, ok, _ := s.Lookup(key); ok {
		t.Fatal("expected the row to be gone after the final decref")
	}
}

func TestDecRefOnMissingEntryPanics(t *testing.T) {
	s := openTemp(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected decref on a nonexistent key to panic")
		}
	}()
	s.DecRef(sampleKey(99))
}

func TestHistogramTracksRefcountBuckets(t *testing.T) {
	s := openTemp(t)
	key := sampleKey(3)
	dvas := []bp.DVA{{VdevID: 0, Offset: 0, Asize: 8}}

	s.InsertOrRef(key, dvas, 1) // refcount 1 -> bucket 0
	hist := s.Histogram()
	if hist[0].Blocks != 1 || hist[0].RefBlocks != 1 {
		t.Fatalf("expected bucket 0 to hold the single-ref entry, got %+v", hist[0])
	}

	s.InsertOrRef(key, nil, 1) // refcount 2 -> bucket 1
	hist = s.Histogram()
	if hist[0].Blocks != 0 {
		t.Fatalf("expected bucket 0 cleared after the refcount moved, got %+v", hist[0])
	}
	if hist[1].Blocks != 1 || hist[1].RefBlocks != 2 {
		t.Fatalf("expected bucket 1 to hold the double-ref entry, got %+v", hist[1])
	}
}

func TestDedupRatioReflectsSharedBlocks(t *testing.T) {
	s := openTemp(t)
	key := sampleKey(4)
	dvas := []bp.DVA{{VdevID: 0, Offset: 0, Asize: 8}}

	s.InsertOrRef(key, dvas, 1)
	s.InsertOrRef(key, nil, 1)

	if got := s.DedupRatio(); got != 2.0 {
		t.Fatalf("expected a 2x dedup ratio for one block referenced twice, got %v", got)
	}
}

func TestComputeKeyChecksumDiffersWithHMACKey(t *testing.T) {
	plain := []byte("identical plaintext")
	a, err := ComputeKeyChecksum(checksum.SHA256, plain, nil)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	b, err := ComputeKeyChecksum(checksum.SHA256, plain, []byte("root-key"))
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if a == b {
		t.Fatal("expected HMAC-keyed checksum to differ from the plain checksum")
	}
}

func TestOpenReplaysExistingRowsIntoHistogram(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "ddt-replay-test")
	os.RemoveAll(dir)
	t.Cleanup(func() { os.RemoveAll(dir) })

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	key := sampleKey(5)
	s1.InsertOrRef(key, []bp.DVA{{VdevID: 0, Offset: 0, Asize: 8}}, 1)
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if s2.Totals().Blocks != 1 {
		t.Fatalf("expected replay to recover 1 block, got %d", s2.Totals().Blocks)
	}
}
