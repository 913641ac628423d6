package rrdb

import (
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timeline.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestQueryReturnsNearestRecordedTxg(t *testing.T) {
	d := openTemp(t)
	const base = int64(1_700_000_000)
	if err := d.Record(base, 10); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := d.Record(base+120, 20); err != nil {
		t.Fatalf("record: %v", err)
	}

	txg, found, err := d.Query(base + 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !found {
		t.Fatal("expected a match")
	}
	if txg != 10 {
		t.Fatalf("expected nearest txg 10, got %d", txg)
	}

	txg, found, err = d.Query(base + 100)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !found || txg != 20 {
		t.Fatalf("expected nearest txg 20, got txg=%d found=%v", txg, found)
	}
}

func TestQueryOnEmptyDBReportsNotFound(t *testing.T) {
	d := openTemp(t)
	_, found, err := d.Query(1_700_000_000)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if found {
		t.Fatal("expected no match on an empty timeline")
	}
}

func TestRecordOverwritesSameSlotAcrossResolutions(t *testing.T) {
	d := openTemp(t)
	const base = int64(1_700_000_000)

	// Two samples 60 * RingLength seconds apart land on the same minute
	// slot and overwrite each other there, while still coexisting in the
	// day and month rings (their granularity hasn't wrapped yet).
	if err := d.Record(base, 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := d.Record(base+60*RingLength, 2); err != nil {
		t.Fatalf("record: %v", err)
	}

	var count int
	if err := d.conn.QueryRow("SELECT COUNT(*) FROM ring_minute").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the minute ring to hold exactly 1 row after a same-slot overwrite, got %d", count)
	}
}

func TestRecordPopulatesAllThreeRings(t *testing.T) {
	d := openTemp(t)
	if err := d.Record(1_700_000_000, 5); err != nil {
		t.Fatalf("record: %v", err)
	}
	for _, table := range []string{"ring_minute", "ring_day", "ring_month"} {
		var count int
		if err := d.conn.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected %s to hold 1 row, got %d", table, count)
		}
	}
}
