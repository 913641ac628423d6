package abd

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpillableInMemoryRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte{0x5A}, 1024)
	a, err := NewSpillable(len(src), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, a.CopyFrom(src))

	dst := make([]byte, len(src))
	require.NoError(t, a.CopyTo(dst))
	assert.Equal(t, src, dst)
	assert.Nil(t, a.spill.file, "small spill buffers stay in memory")

	a.Free()
}

func TestSpillableDiskBackedRoundTrip(t *testing.T) {
	n := spillMemLimit + 1
	dir := t.TempDir()
	a, err := NewSpillable(n, dir)
	require.NoError(t, err)
	require.NotNil(t, a.spill.file, "spill buffers above spillMemLimit back onto disk")

	src := bytes.Repeat([]byte{0xC3}, n)
	require.NoError(t, a.CopyFrom(src))

	dst := make([]byte, n)
	require.NoError(t, a.CopyTo(dst))
	assert.Equal(t, src, dst)

	name := a.spill.file.Name()
	a.Free()
	_, err = os.Stat(name)
	assert.True(t, os.IsNotExist(err), "Free must remove the backing temp file")
}

func TestSpillableDrainIsCachedAfterFirstRead(t *testing.T) {
	src := []byte("drain once, cache the rest")
	a, err := NewSpillable(len(src), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, a.CopyFrom(src))

	first := a.Borrow()
	second := a.Borrow()
	assert.Equal(t, src, first)
	assert.Equal(t, first, second)
}

func TestSpillableBadDirReturnsError(t *testing.T) {
	// Only allocations above spillMemLimit touch the filesystem at all;
	// a small one has nothing to fail on.
	_, err := NewSpillable(spillMemLimit+1, string([]byte{0}))
	require.Error(t, err, "an unwritable spillDir must surface as an error, not silently succeed")
}
