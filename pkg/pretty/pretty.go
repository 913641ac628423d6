// Package pretty renders zio/abd flag bitmasks as human-readable text in
// the three formats zfs_pretty.c offers: a fixed-width column of one
// letter per bit (bits), a "|"-joined column of two-letter pairs
// (pairs), and a space-separated list of full flag names (str). All three
// show only the bits that are set; the Parse*FlagStr functions are the
// inverse of str.
package pretty

import "strings"

// bitEntry is one row of a flag table: the single letter bits() prints
// when the bit is set, the two-letter code pairs() prints, and the full
// name str() prints.
type bitEntry struct {
	letter byte
	pair   string
	name   string
}

func renderBits(table []bitEntry, bits uint64) string {
	out := make([]byte, len(table))
	for i := range table {
		b := uint(len(table) - 1 - i)
		if bits&(1<<b) != 0 {
			out[i] = table[b].letter
		} else {
			out[i] = ' '
		}
	}
	return string(out)
}

func renderPairs(table []bitEntry, bits uint64) string {
	var parts []string
	for i := len(table) - 1; i >= 0; i-- {
		b := uint(i)
		if bits&(1<<b) != 0 {
			parts = append(parts, table[i].pair)
		}
	}
	return strings.Join(parts, "|")
}

func renderStr(table []bitEntry, bits uint64) string {
	var names []string
	for i, e := range table {
		b := uint(i)
		if bits&(1<<b) != 0 {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, " ")
}

// parseStr is the inverse of renderStr: it turns a space-separated list
// of flag names back into a bitmask, ignoring names not present in the
// table. Round-tripping zfs_pretty_*_str(zfs_pretty_*_bits(x)) back
// through this reconstructs x's set of enabled flags.
func parseStr(table []bitEntry, s string) uint64 {
	var bits uint64
	if s == "" {
		return 0
	}
	byName := make(map[string]uint, len(table))
	for i, e := range table {
		byName[e.name] = uint(i)
	}
	for _, name := range strings.Fields(s) {
		if b, ok := byName[name]; ok {
			bits |= 1 << b
		}
	}
	return bits
}

// zioFlagTable mirrors pkg/zio.Flag's bit layout (lowest bit first, the
// same order the Flag constants are declared in).
var zioFlagTable = []bitEntry{
	{'.', "DR", "DONT_RETRY"},
	{'.', "CF", "CANFAIL"},
	{'.', "OP", "OPTIONAL"},
	{'.', "EX", "REEXECUTED"},
	{'.', "GG", "GANG_CHILD"},
	{'.', "DP", "DONT_PROPAGATE"},
	{'.', "SP", "SPECULATIVE"},
	{'.', "GF", "GODFATHER"},
}

// ZioFlagBits renders a pkg/zio.Flag bitmask as a fixed-width column of
// per-bit letters, most significant bit first.
func ZioFlagBits(bits uint64) string { return renderBits(zioFlagTable, bits) }

// ZioFlagPairs renders bits as a "|"-joined column of two-letter codes.
func ZioFlagPairs(bits uint64) string { return renderPairs(zioFlagTable, bits) }

// ZioFlagStr renders bits as a space-separated list of the enabled
// flags' full names.
func ZioFlagStr(bits uint64) string { return renderStr(zioFlagTable, bits) }

// ParseZioFlagStr is the inverse of ZioFlagStr.
func ParseZioFlagStr(s string) uint64 { return parseStr(zioFlagTable, s) }

// abdFlagTable mirrors pkg/abd.Flag's bit layout.
var abdFlagTable = []bitEntry{
	{'O', "OW", "OWNER"},
	{'L', "LN", "LINEAR"},
	{'M', "MT", "META"},
	{'C', "MC", "MULTI_CHUNK"},
	{'G', "GG", "GANG"},
	{'Z', "ZR", "ZEROS"},
	{'A', "AL", "ALLOCD"},
}

// AbdFlagBits renders a pkg/abd.Flag bitmask as a fixed-width column of
// per-bit letters, most significant bit first.
func AbdFlagBits(bits uint64) string { return renderBits(abdFlagTable, bits) }

// AbdFlagPairs renders bits as a "|"-joined column of two-letter codes.
func AbdFlagPairs(bits uint64) string { return renderPairs(abdFlagTable, bits) }

// AbdFlagStr renders bits as a space-separated list of the enabled
// flags' full names.
func AbdFlagStr(bits uint64) string { return renderStr(abdFlagTable, bits) }

// ParseAbdFlagStr is the inverse of AbdFlagStr.
func ParseAbdFlagStr(s string) uint64 { return parseStr(abdFlagTable, s) }
