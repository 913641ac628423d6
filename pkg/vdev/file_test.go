package vdev

import (
	"context"
	"os"
	"testing"

	"github.com/zpoold/zpoold/pkg/abd"
	"github.com/stretchr/testify/require"
)

func tempFileVdev(t *testing.T, size int64) *FileVdev {
	t.Helper()
	f, err := os.CreateTemp("", "vdev-file-*")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	path := f.Name()
	require.NoError(t, f.Close())
	t.Cleanup(func() { os.Remove(path) })
	return NewFileVdev(path)
}

func TestFileVdevOpenRejectsRelativePath(t *testing.T) {
	v := NewFileVdev("relative/path")
	_, err := v.Open(context.Background())
	require.Error(t, err)
	require.Equal(t, StateCantOpen, v.State())
}

func TestFileVdevReadWriteRoundTrip(t *testing.T) {
	v := tempFileVdev(t, 4096)
	ctx := context.Background()
	_, err := v.Open(ctx)
	require.NoError(t, err)
	defer v.Close()

	wdata := abd.FromBytes([]byte("hello-raidz-world"))
	done := make(chan Result, 1)
	v.IOStart(ctx, Request{Op: OpWrite, Offset: 0, Length: uint64(wdata.Size()), Data: wdata}, func(r Result) { done <- r })
	require.NoError(t, (<-done).Err)

	rbuf := abd.NewLinear(wdata.Size())
	v.IOStart(ctx, Request{Op: OpRead, Offset: 0, Length: uint64(wdata.Size()), Data: rbuf}, func(r Result) { done <- r })
	require.NoError(t, (<-done).Err)
	require.Equal(t, "hello-raidz-world", string(rbuf.Borrow()))
}
