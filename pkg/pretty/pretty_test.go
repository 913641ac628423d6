package pretty

import (
	"sort"
	"strings"
	"testing"
)

func sortedFields(s string) []string {
	f := strings.Fields(s)
	sort.Strings(f)
	return f
}

func equalFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestZioFlagStrRoundTripsThroughParse(t *testing.T) {
	const bits = uint64(1<<0 | 1<<3 | 1<<6)
	str := ZioFlagStr(bits)
	if got := ParseZioFlagStr(str); got != bits {
		t.Fatalf("round trip mismatch: rendered %q, parsed back %#x, want %#x", str, got, bits)
	}
}

func TestAbdFlagStrRoundTripsThroughParse(t *testing.T) {
	const bits = uint64(1<<1 | 1<<4)
	str := AbdFlagStr(bits)
	if got := ParseAbdFlagStr(str); got != bits {
		t.Fatalf("round trip mismatch: rendered %q, parsed back %#x, want %#x", str, got, bits)
	}
}

func TestZioFlagStrNamesAreOrderIndependent(t *testing.T) {
	const bits = uint64(1<<2 | 1<<5 | 1<<7)
	str := ZioFlagStr(bits)
	wantNames := []string{"OPTIONAL", "DONT_PROPAGATE", "GODFATHER"}
	if !equalFields(sortedFields(str), sortedFields(strings.Join(wantNames, " "))) {
		t.Fatalf("expected flag names %v (any order), got %q", wantNames, str)
	}
}

func TestZeroBitsRenderEmptyStrAndBlankColumns(t *testing.T) {
	if s := ZioFlagStr(0); s != "" {
		t.Fatalf("expected empty str for zero bits, got %q", s)
	}
	bits := ZioFlagBits(0)
	if strings.TrimSpace(bits) != "" {
		t.Fatalf("expected an all-blank bits column for zero bits, got %q", bits)
	}
}

func TestFlagBitsColumnMarksExactlyTheSetBits(t *testing.T) {
	const bits = uint64(1<<0 | 1<<7) // DONT_RETRY and GODFATHER
	col := ZioFlagBits(bits)
	if len(col) != len(zioFlagTable) {
		t.Fatalf("expected column width %d, got %d", len(zioFlagTable), len(col))
	}
	// GODFATHER is the highest bit, so it renders in the first (leftmost) column.
	if col[0] == ' ' {
		t.Fatalf("expected the highest set bit's letter in the leftmost column, got %q", col)
	}
	if col[len(col)-1] == ' ' {
		t.Fatalf("expected the lowest set bit's letter in the rightmost column, got %q", col)
	}
}

func TestFlagPairsJoinsWithPipe(t *testing.T) {
	const bits = uint64(1<<1 | 1<<2) // CANFAIL, OPTIONAL
	pairs := ZioFlagPairs(bits)
	if !strings.Contains(pairs, "|") {
		t.Fatalf("expected multiple set bits joined with '|', got %q", pairs)
	}
}

func TestParseStrIgnoresUnknownNames(t *testing.T) {
	got := ParseZioFlagStr("CANFAIL BOGUS_NAME OPTIONAL")
	want := uint64(1<<1 | 1<<2)
	if got != want {
		t.Fatalf("expected unknown names to be skipped: got %#x, want %#x", got, want)
	}
}
