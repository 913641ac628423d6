package main

import (
	"testing"

	"github.com/zpoold/zpoold/pkg/rrdb"
)

func TestRecordTimelineSampleThenHistoryQueryFindsIt(t *testing.T) {
	withTempHome(t)

	if err := recordTimelineSample("tank", 1_700_000_000, 42); err != nil {
		t.Fatalf("recordTimelineSample: %v", err)
	}

	path, err := timelinePath("tank")
	if err != nil {
		t.Fatalf("timelinePath: %v", err)
	}

	db, err := rrdb.Open(path)
	if err != nil {
		t.Fatalf("open timeline db: %v", err)
	}
	defer db.Close()

	txg, found, err := db.Query(1_700_000_000)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !found {
		t.Fatalf("expected a recorded sample")
	}
	if txg != 42 {
		t.Fatalf("expected txg 42, got %d", txg)
	}
}
