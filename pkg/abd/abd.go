// Package abd implements the "arc-buffer-data" scatter/gather buffer
// abstraction (spec.md §4.1): a zero-copy vector of memory chunks that
// the ZIO pipeline (pkg/zio) reads and writes without ever requiring a
// single contiguous allocation the size of the block.
package abd

import (
	"errors"
	"io"
)

// Flag is a bitmask describing an ABD's provenance and shape, mirroring
// the OWNER/LINEAR/META/MULTI_CHUNK/GANG/ZEROS/ALLOCD flags of spec.md §4.1.
type Flag uint32

const (
	FlagOwner Flag = 1 << iota
	FlagLinear
	FlagMeta
	FlagMultiChunk
	FlagGang
	FlagZeros
	FlagAllocd
)

// DefaultChunkSize is the page size new multi-chunk ABDs are split into.
const DefaultChunkSize = 4096

// ABD is a scatter/gather buffer: either one contiguous chunk (linear),
// several (multi-chunk), or a spill-capable streaming buffer (see
// spill.go), addressed uniformly through Iterate/Borrow/Copy regardless
// of which.
type ABD struct {
	flags  Flag
	size   int
	chunks [][]byte // one entry if linear

	spill *spillBuffer // set only when flags&FlagSpill != 0
}

// NewLinear allocates a single contiguous chunk of size n.
func NewLinear(n int) *ABD {
	return &ABD{
		flags:  FlagLinear | FlagOwner | FlagAllocd,
		size:   n,
		chunks: [][]byte{make([]byte, n)},
	}
}

// NewMultiChunk allocates n bytes split across DefaultChunkSize pages,
// the shape the real allocator uses above a single-page block so no
// single kernel allocation needs to be larger than a page.
func NewMultiChunk(n int) *ABD {
	if n <= DefaultChunkSize {
		a := NewLinear(n)
		return a
	}
	a := &ABD{flags: FlagMultiChunk | FlagOwner | FlagAllocd, size: n}
	remaining := n
	for remaining > 0 {
		cs := DefaultChunkSize
		if remaining < cs {
			cs = remaining
		}
		a.chunks = append(a.chunks, make([]byte, cs))
		remaining -= cs
	}
	return a
}

// NewZeros returns a read-only ABD of n zero bytes. Per spec.md §4.1 this
// is flagged FlagZeros and shares a single backing page regardless of n,
// since its contents never change.
func NewZeros(n int) *ABD {
	return &ABD{flags: FlagZeros | FlagLinear, size: n, chunks: [][]byte{make([]byte, minInt(n, DefaultChunkSize))}}
}

// FromBytes wraps an existing, non-owned buffer as a linear ABD. The ABD
// does not own b: Free is a no-op and mutations to b are visible through
// the ABD (and vice versa).
func FromBytes(b []byte) *ABD {
	return &ABD{flags: FlagLinear, size: len(b), chunks: [][]byte{b}}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Size returns the logical size of the buffer.
func (a *ABD) Size() int { return a.size }

// Flags returns the ABD's flag bitmask.
func (a *ABD) Flags() Flag { return a.flags }

// IsLinear reports whether the ABD is backed by a single contiguous chunk.
func (a *ABD) IsLinear() bool { return a.flags&FlagLinear != 0 }

// Iterate calls fn once per backing chunk, in order, stopping early (and
// propagating the error) if fn returns one. It is the only way to touch
// the contents of a multi-chunk ABD without forcing a full copy.
func (a *ABD) Iterate(fn func(chunk []byte) error) error {
	if a.flags&FlagZeros != 0 {
		remaining := a.size
		zero := a.chunks[0]
		for remaining > 0 {
			n := minInt(remaining, len(zero))
			if err := fn(zero[:n]); err != nil {
				return err
			}
			remaining -= n
		}
		return nil
	}
	if a.flags&FlagSpill != 0 {
		return fn(a.spill.drain())
	}
	for _, c := range a.chunks {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// Borrow returns a single contiguous []byte view of the ABD's contents.
// For a linear ABD this is zero-copy; for a multi-chunk or zero-filled
// ABD the chunks are copied into a freshly allocated buffer, which the
// caller must pass back through Return (or simply discard) once done.
func (a *ABD) Borrow() []byte {
	if a.IsLinear() && a.flags&FlagZeros == 0 {
		return a.chunks[0][:a.size]
	}
	buf := make([]byte, a.size)
	_ = a.CopyTo(buf)
	return buf
}

// Return is the counterpart to Borrow. It exists so call sites that
// don't know statically whether their ABD was linear still round-trip
// through a symmetrical borrow/return pair, matching the real ABD API;
// for a linear ABD the data underlying buf already IS the ABD so there's
// nothing to write back, and for everything else Borrow already returned
// a disposable copy.
func (a *ABD) Return(buf []byte) {}

// CopyTo copies the ABD's full contents into dst, which must be at least
// a.Size() bytes.
func (a *ABD) CopyTo(dst []byte) error {
	if len(dst) < a.size {
		return errors.New("abd: destination buffer too small")
	}
	off := 0
	return a.Iterate(func(chunk []byte) error {
		copy(dst[off:], chunk)
		off += len(chunk)
		return nil
	})
}

// CopyFrom overwrites the ABD's contents from src, which must be at
// least a.Size() bytes. It is an error to call this on a FlagZeros ABD.
func (a *ABD) CopyFrom(src []byte) error {
	if a.flags&FlagZeros != 0 {
		return errors.New("abd: cannot write into a zero-filled abd")
	}
	if len(src) < a.size {
		return errors.New("abd: source buffer too small")
	}
	if a.flags&FlagSpill != 0 {
		return a.spill.fill(src[:a.size])
	}
	off := 0
	for _, c := range a.chunks {
		n := copy(c, src[off:])
		off += n
	}
	return nil
}

// Reader returns an io.Reader over the ABD's full contents.
func (a *ABD) Reader() io.Reader {
	return &abdReader{a: a}
}

type abdReader struct {
	a      *ABD
	chunk  int
	offset int
}

func (r *abdReader) Read(p []byte) (int, error) {
	if r.a.flags&FlagSpill != 0 {
		data := r.a.spill.drain()
		if r.offset >= len(data) {
			return 0, io.EOF
		}
		n := copy(p, data[r.offset:])
		r.offset += n
		return n, nil
	}
	if r.a.flags&FlagZeros != 0 {
		total := r.a.size - r.offset
		if total <= 0 {
			return 0, io.EOF
		}
		n := len(p)
		if n > total {
			n = total
		}
		for i := 0; i < n; i++ {
			p[i] = 0
		}
		r.offset += n
		return n, nil
	}
	for r.chunk < len(r.a.chunks) {
		c := r.a.chunks[r.chunk]
		if r.offset >= len(c) {
			r.chunk++
			r.offset = 0
			continue
		}
		n := copy(p, c[r.offset:])
		r.offset += n
		return n, nil
	}
	return 0, io.EOF
}

// Free releases the ABD's backing storage. A no-op for ABDs that don't
// own their chunks (FromBytes, NewZeros).
func (a *ABD) Free() {
	if a.flags&FlagOwner == 0 {
		return
	}
	if a.flags&FlagSpill != 0 {
		a.spill.close()
		a.flags &^= FlagAllocd
		return
	}
	a.chunks = nil
	a.flags &^= FlagAllocd
}
