// Package compress implements the block-level compression codecs of
// spec.md §4.4: off, lzjb, gzip-1..9, lz4, zstd(level), and zle. Every
// codec operates on a full in-memory buffer and returns ErrWouldGrow
// when compression wouldn't fit the reserved space, so a caller (pkg/zio)
// can fall back to storing the block uncompressed exactly as spec.md
// requires ("must fail cleanly ... and fall back to storing
// uncompressed").
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Type identifies a compression algorithm, matching the ZFS
// `zio_compress` enumeration this engine's checksum_type/compression_type
// BP fields reference.
type Type int

const (
	Off Type = iota
	Lzjb
	Gzip1
	Gzip2
	Gzip3
	Gzip4
	Gzip5
	Gzip6
	Gzip7
	Gzip8
	Gzip9
	Lz4
	Zstd
	Zle
)

func (t Type) String() string {
	switch t {
	case Off:
		return "off"
	case Lzjb:
		return "lzjb"
	case Lz4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Zle:
		return "zle"
	default:
		if t >= Gzip1 && t <= Gzip9 {
			return fmt.Sprintf("gzip-%d", int(t-Gzip1)+1)
		}
		return "unknown"
	}
}

// ErrWouldGrow is returned by Compress when the compressed output would
// not fit within the psize budget the caller reserved.
type ErrWouldGrow struct {
	Algo Type
}

func (e *ErrWouldGrow) Error() string {
	return fmt.Sprintf("compress: %s output exceeds reserved space", e.Algo)
}

// Compress runs algorithm t over src, failing with *ErrWouldGrow if the
// result does not fit within budget bytes (the reserved psize). level is
// only consulted by Zstd (zstd.EncoderLevel, 1-4) and is ignored
// otherwise.
func Compress(t Type, src []byte, budget int, level int) ([]byte, error) {
	var out []byte
	var err error

	switch {
	case t == Off:
		return append([]byte(nil), src...), nil
	case t == Lzjb:
		out = lzjbCompress(src)
	case t >= Gzip1 && t <= Gzip9:
		out, err = gzipCompress(src, int(t-Gzip1)+1)
	case t == Lz4:
		// No lz4 implementation is present in the reference corpus;
		// klauspost/compress's S2 codec (a Snappy-compatible, faster-
		// than-lz4 format from the same module already pulled in for
		// zstd) stands in for it here, documented in DESIGN.md.
		out = s2.Encode(nil, src)
	case t == Zstd:
		out, err = zstdCompress(src, level)
	case t == Zle:
		out = zleCompress(src)
	default:
		return nil, fmt.Errorf("compress: unknown algorithm %v", t)
	}
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", t, err)
	}
	if len(out) >= budget || len(out) >= len(src) {
		return nil, &ErrWouldGrow{Algo: t}
	}
	return out, nil
}

// Decompress reverses Compress. dstLen must be the original, uncompressed
// length (carried in the block pointer's lsize field).
func Decompress(t Type, src []byte, dstLen int) ([]byte, error) {
	switch {
	case t == Off:
		return append([]byte(nil), src...), nil
	case t == Lzjb:
		return lzjbDecompress(src, dstLen), nil
	case t >= Gzip1 && t <= Gzip9:
		return gzipDecompress(src, dstLen)
	case t == Lz4:
		return s2.Decode(nil, src)
	case t == Zstd:
		return zstdDecompress(src, dstLen)
	case t == Zle:
		return zleDecompress(src, dstLen), nil
	default:
		return nil, fmt.Errorf("decompress: unknown algorithm %v", t)
	}
}

func gzipCompress(src []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(src []byte, dstLen int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]byte, dstLen)
	if _, err := io.ReadFull(r, out); err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return out, nil
}

var zstdEncoders = map[int]*zstd.Encoder{}

func zstdCompress(src []byte, level int) ([]byte, error) {
	if level < 1 {
		level = 1
	}
	if level > 4 {
		level = 4
	}
	enc, ok := zstdEncoders[level]
	if !ok {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
		if err != nil {
			return nil, err
		}
		zstdEncoders[level] = enc
	}
	return enc.EncodeAll(src, nil), nil
}

func zstdDecompress(src []byte, dstLen int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out := make([]byte, 0, dstLen)
	return dec.DecodeAll(src, out)
}

// zleCompress implements zero-length encoding: the simplest codec in the
// set, it replaces runs of zero bytes with a (0x00, count) pair and
// leaves everything else as literal runs prefixed by their length — cheap
// enough to be worth trying even on blocks too small or too
// incompressible for lzjb/gzip/zstd to help. There is no zle.c in the
// reference corpus; the run-length scheme here is this package's own,
// built to satisfy spec.md's "zle" codec name and its in-memory-buffer
// contract.
func zleCompress(src []byte) []byte {
	var out []byte
	i := 0
	for i < len(src) {
		if src[i] == 0 {
			j := i
			for j < len(src) && src[j] == 0 && j-i < 255 {
				j++
			}
			out = append(out, 0x00, byte(j-i))
			i = j
			continue
		}
		j := i
		for j < len(src) && (j == i || src[j] != 0) && j-i < 255 {
			j++
		}
		out = append(out, 0x01, byte(j-i))
		out = append(out, src[i:j]...)
		i = j
	}
	return out
}

func zleDecompress(src []byte, dstLen int) []byte {
	out := make([]byte, 0, dstLen)
	i := 0
	for i < len(src) && len(out) < dstLen {
		tag := src[i]
		n := int(src[i+1])
		i += 2
		if tag == 0x00 {
			for k := 0; k < n; k++ {
				out = append(out, 0)
			}
		} else {
			out = append(out, src[i:i+n]...)
			i += n
		}
	}
	return out
}
