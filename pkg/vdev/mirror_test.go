package vdev

import (
	"context"
	"testing"

	"github.com/zpoold/zpoold/pkg/abd"
	"github.com/stretchr/testify/require"
)

// failingVdev always fails reads, to exercise mirror failover/repair.
type failingVdev struct {
	base
}

func (f *failingVdev) Children() []Vdev                               { return nil }
func (f *failingVdev) Open(ctx context.Context) (Attr, error)          { f.state = StateHealthy; return Attr{}, nil }
func (f *failingVdev) Close() error                                    { return nil }
func (f *failingVdev) Sync() error                                     { return nil }
func (f *failingVdev) IOStart(ctx context.Context, req Request, done func(Result)) {
	done(Result{Err: ErrCantOpen})
}

// staleVdev answers reads without error but with stale bytes, modeling
// silent on-disk corruption a checksum verify (not an I/O error) catches.
type staleVdev struct {
	base
	payload []byte
}

func (s *staleVdev) Children() []Vdev                      { return nil }
func (s *staleVdev) Open(ctx context.Context) (Attr, error) { s.state = StateHealthy; return Attr{}, nil }
func (s *staleVdev) Close() error                           { return nil }
func (s *staleVdev) Sync() error                            { return nil }
func (s *staleVdev) IOStart(ctx context.Context, req Request, done func(Result)) {
	if req.Op == OpRead && req.Data != nil {
		if err := req.Data.CopyFrom(s.payload); err != nil {
			done(Result{Err: err})
			return
		}
	}
	done(Result{})
}

// TestMirrorReadWithExcludeSkipsNamedChild exercises the
// Request.Exclude/ChecksumRetrier path pkg/zio's checksum-verify retry
// drives: a caller who already distrusted child 0's bytes (even though
// child 0 answered without an I/O error) must be served by a different
// child.
func TestMirrorReadWithExcludeSkipsNamedChild(t *testing.T) {
	ctx := context.Background()
	stale := &staleVdev{base: base{name: "stale", state: StateHealthy}, payload: []byte("wrong-bytes-here")}
	good := &staleVdev{base: base{name: "good", state: StateHealthy}, payload: []byte("correct-bytes!!!")}
	m := NewMirror("mirror-excl", stale, good)
	require.Equal(t, 2, m.RedundancyWidth())

	rbuf := abd.NewLinear(len("correct-bytes!!!"))
	done := make(chan Result, 1)
	m.IOStart(ctx, Request{Op: OpRead, Offset: 0, Length: uint64(rbuf.Size()), Data: rbuf, Exclude: []int{0}}, func(r Result) { done <- r })
	require.NoError(t, (<-done).Err)
	require.Equal(t, "correct-bytes!!!", string(rbuf.Borrow()))
}

func TestMirrorWriteFanOutAndReadBack(t *testing.T) {
	ctx := context.Background()
	a := tempFileVdev(t, 4096)
	b := tempFileVdev(t, 4096)
	m := NewMirror("mirror-0", a, b)
	_, err := m.Open(ctx)
	require.NoError(t, err)

	wdata := abd.FromBytes([]byte("mirrored-payload"))
	done := make(chan Result, 1)
	m.IOStart(ctx, Request{Op: OpWrite, Offset: 0, Length: uint64(wdata.Size()), Data: wdata}, func(r Result) { done <- r })
	require.NoError(t, (<-done).Err)

	rbuf := abd.NewLinear(wdata.Size())
	m.IOStart(ctx, Request{Op: OpRead, Offset: 0, Length: uint64(wdata.Size()), Data: rbuf}, func(r Result) { done <- r })
	require.NoError(t, (<-done).Err)
	require.Equal(t, "mirrored-payload", string(rbuf.Borrow()))
}

func TestMirrorReadFailoverToHealthyChild(t *testing.T) {
	ctx := context.Background()
	good := tempFileVdev(t, 4096)
	_, err := good.Open(ctx)
	require.NoError(t, err)
	wdata := abd.FromBytes([]byte("recovered-data"))
	done := make(chan Result, 1)
	good.IOStart(ctx, Request{Op: OpWrite, Offset: 0, Length: uint64(wdata.Size()), Data: wdata}, func(r Result) { done <- r })
	require.NoError(t, (<-done).Err)

	bad := &failingVdev{base: base{name: "bad", state: StateHealthy}}

	m := NewMirror("mirror-1", bad, good)
	m.state = StateDegraded
	// The read advances the round-robin cursor to 2, so it tries child 0
	// (bad) first and must fail over to child 1 (good).
	m.next = 1

	rbuf := abd.NewLinear(wdata.Size())
	m.IOStart(ctx, Request{Op: OpRead, Offset: 0, Length: uint64(wdata.Size()), Data: rbuf}, func(r Result) { done <- r })
	require.NoError(t, (<-done).Err)
	require.Equal(t, "recovered-data", string(rbuf.Borrow()))
}
