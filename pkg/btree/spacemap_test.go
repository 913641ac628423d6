package btree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpaceMapEncodeDecodeRoundTrip(t *testing.T) {
	e := Entry{Type: EntryFree, Offset: 12345, Length: 900}
	b, err := EncodeEntry(e)
	require.NoError(t, err)
	assert.Len(t, b, 6)

	got, err := DecodeEntry(b)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestSpaceMapEncodeRejectsOverflow(t *testing.T) {
	_, err := EncodeEntry(Entry{Length: maxLengthSectors + 1})
	assert.Error(t, err)
	_, err = EncodeEntry(Entry{Offset: maxOffsetSectors + 1})
	assert.Error(t, err)
}

func TestSpaceMapAllocFreePartition(t *testing.T) {
	sm := NewSpaceMap(1<<20, 9) // 1 MiB metaslab, 512-byte sectors
	total := sm.FreeSpace()
	assert.EqualValues(t, 1<<20, total)

	require.NoError(t, sm.Alloc(0, 4096))
	require.NoError(t, sm.Alloc(8192, 4096))
	assert.EqualValues(t, total-8192, sm.FreeSpace())

	// Overlapping allocation must fail: the space isn't free.
	err := sm.Alloc(2048, 4096)
	assert.Error(t, err)

	require.NoError(t, sm.Free(0, 4096))
	assert.EqualValues(t, total-4096, sm.FreeSpace())
}

func TestSpaceMapFreeMergesAdjacentExtents(t *testing.T) {
	sm := NewSpaceMap(1<<16, 9)
	require.NoError(t, sm.Alloc(0, 512))
	require.NoError(t, sm.Alloc(512, 512))
	require.NoError(t, sm.Free(0, 512))
	require.NoError(t, sm.Free(512, 512))

	extents := sm.FreeExtents()
	require.Len(t, extents, 1)
	assert.EqualValues(t, 1<<16, extents[0].Length)
}

func TestSpaceMapCompactPreservesFreeSpace(t *testing.T) {
	sm := NewSpaceMap(1<<20, 9)
	for i := 0; i < 50; i++ {
		off := uint64(i * 8192)
		require.NoError(t, sm.Alloc(off, 4096))
		require.NoError(t, sm.Free(off, 4096))
	}
	before := sm.FreeSpace()
	assert.True(t, sm.ShouldCompact(1))
	sm.Compact()
	assert.Equal(t, before, sm.FreeSpace())
	assert.Less(t, sm.LogLen(), 100)
}

func TestSpaceMapReplayReconstructsRangeTree(t *testing.T) {
	sm := NewSpaceMap(1<<20, 9)
	require.NoError(t, sm.Alloc(0, 8192))
	require.NoError(t, sm.Alloc(16384, 8192))
	require.NoError(t, sm.Free(0, 8192))

	replayed, err := Replay(1<<20, 9, sm.log)
	require.NoError(t, err)
	assert.Equal(t, sm.FreeSpace(), replayed.FreeSpace())
	assert.Equal(t, sm.FreeExtents(), replayed.FreeExtents())
}
