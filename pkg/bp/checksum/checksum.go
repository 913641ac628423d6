// Package checksum implements the block-pointer checksum algorithms of
// spec.md §4.4: fletcher2/fletcher4 (non-crypto, fast) and
// sha256/sha512/skein/edonr/blake3 (cryptographic, used for dedup and
// encrypted-data authentication), behind a common Algorithm interface
// with init/update/final streaming and a runtime "fastest"/"cycle"
// backend-selection tunable in place of the SIMD-probe original_source
// describes (no vector backends are available to a portable Go build,
// so "fastest" here means "fastest of the pure-Go candidates measured
// once at startup", the same policy applied to a different instruction
// set).
package checksum

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Type identifies a checksum algorithm.
type Type int

const (
	Off Type = iota
	On       // resolves to the pool's default, Fletcher4
	Fletcher2
	Fletcher4
	SHA256
	SHA512
	Skein
	EdonR
	Blake3
)

func (t Type) String() string {
	switch t {
	case Off:
		return "off"
	case On:
		return "on"
	case Fletcher2:
		return "fletcher2"
	case Fletcher4:
		return "fletcher4"
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	case Skein:
		return "skein"
	case EdonR:
		return "edonr"
	case Blake3:
		return "blake3"
	default:
		return "unknown"
	}
}

// IsCryptographic reports whether t is suitable for dedup verification
// and encrypted-data authentication (spec.md §4.4).
func (t Type) IsCryptographic() bool {
	switch t {
	case SHA256, SHA512, Skein, EdonR, Blake3:
		return true
	default:
		return false
	}
}

// Digest is a 256-bit (4x uint64) checksum value, byte-order-neutral:
// Bytes() always emits little-endian regardless of host order, matching
// an on-disk block pointer's checksum field.
type Digest [4]uint64

func (d Digest) Bytes() []byte {
	buf := make([]byte, 32)
	for i, w := range d {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	return buf
}

func (d Digest) Equal(o Digest) bool { return d == o }

// Algorithm is a streaming checksum: Write repeatedly, then Sum once.
// The hash-backed implementations below do not allocate per Write call.
// fletcher2 and fletcher4 append each Write's input to an internal carry
// buffer before consuming whole words, so their Write calls can allocate.
type Algorithm interface {
	Write(p []byte)
	Sum() Digest
	Reset()
}

// New constructs a fresh streaming Algorithm for t. Off and On are not
// constructible directly — callers resolve On to the pool's configured
// default (Fletcher4) before calling New.
func New(t Type) (Algorithm, error) {
	switch t {
	case Fletcher2:
		return &fletcher2{}, nil
	case Fletcher4:
		return &fletcher4{}, nil
	case SHA256:
		return &sha256Algo{h: sha256.New()}, nil
	case SHA512:
		return &sha512Algo{h: sha512.New()}, nil
	case Skein:
		// No Skein implementation exists in the reference corpus or its
		// dependency pack; golang.org/x/crypto's BLAKE2b-256 (the same
		// package backs the Blake3 slot below) stands in, documented in
		// DESIGN.md.
		h, _ := blake2b.New256(nil)
		return &hashAlgo{h: h}, nil
	case EdonR:
		// Likewise: no EdonR implementation is available; SHA3-256
		// (golang.org/x/crypto/sha3) stands in as a distinct
		// cryptographic hash so EdonR and Skein remain distinguishable
		// checksum identities on disk even though both are stand-ins.
		return &hashAlgo{h: sha3.New256()}, nil
	case Blake3:
		// BLAKE2b-512 truncated to 256 bits stands in for BLAKE3 (no
		// BLAKE3 implementation is present in the pack); spec.md
		// declares these cryptographic primitives out of scope beyond
		// their input/output contract, which this satisfies.
		h, _ := blake2b.New512(nil)
		return &hashAlgo{h: h, truncate: true}, nil
	default:
		return nil, fmt.Errorf("checksum: unsupported algorithm %v", t)
	}
}

// hasher is the minimal subset of hash.Hash New needs to wrap a stdlib
// or x/crypto hash behind the streaming Algorithm interface.
type hasher interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
	Reset()
}

type hashAlgo struct {
	h        hasher
	truncate bool
}

func (a *hashAlgo) Write(p []byte) { a.h.Write(p) }
func (a *hashAlgo) Reset()         { a.h.Reset() }
func (a *hashAlgo) Sum() Digest {
	sum := a.h.Sum(nil)
	if a.truncate {
		sum = sum[:32]
	}
	var d Digest
	for i := range d {
		d[i] = binary.BigEndian.Uint64(sum[i*8:])
	}
	return d
}

type sha256Algo struct{ h hasher }

func (a *sha256Algo) Write(p []byte) { a.h.Write(p) }
func (a *sha256Algo) Reset()         { a.h.Reset() }
func (a *sha256Algo) Sum() Digest {
	sum := a.h.Sum(nil) // 32 bytes
	var d Digest
	d[0] = binary.BigEndian.Uint64(sum[0:8])
	d[1] = binary.BigEndian.Uint64(sum[8:16])
	d[2] = binary.BigEndian.Uint64(sum[16:24])
	d[3] = binary.BigEndian.Uint64(sum[24:32])
	return d
}

type sha512Algo struct{ h hasher }

func (a *sha512Algo) Write(p []byte) { a.h.Write(p) }
func (a *sha512Algo) Reset()         { a.h.Reset() }
func (a *sha512Algo) Sum() Digest {
	sum := a.h.Sum(nil) // 64 bytes, folded to 256 bits by XOR-halving
	var d Digest
	for i := 0; i < 4; i++ {
		lo := binary.BigEndian.Uint64(sum[i*8 : i*8+8])
		hi := binary.BigEndian.Uint64(sum[32+i*8 : 32+i*8+8])
		d[i] = lo ^ hi
	}
	return d
}

// fletcher2 is a non-cryptographic running-sum checksum over 64-bit
// words: two independent (a,b) accumulator pairs advanced on alternating
// words, the traditional ZFS fletcher2 construction. No fletcher.c was
// present in the reference corpus, so this is an original implementation
// of the textually-documented algorithm rather than a port.
type fletcher2 struct {
	a0, b0, a1, b1 uint64
	buf            []byte
}

func (f *fletcher2) Write(p []byte) {
	f.buf = append(f.buf, p...)
	for len(f.buf) >= 16 {
		w0 := binary.LittleEndian.Uint64(f.buf[0:8])
		w1 := binary.LittleEndian.Uint64(f.buf[8:16])
		f.a0 += w0
		f.b0 += f.a0
		f.a1 += w1
		f.b1 += f.a1
		f.buf = f.buf[16:]
	}
}

func (f *fletcher2) Reset() { *f = fletcher2{} }
func (f *fletcher2) Sum() Digest {
	return Digest{f.a0, f.b0, f.a1, f.b1}
}

// fletcher4 maintains four running sums (a,b,c,d) over the buffer's
// 32-bit little-endian words: a accumulates each word, b accumulates the
// running sum of a, c accumulates the running sum of b, and d
// accumulates the running sum of c — the standard ZFS fletcher4
// construction.
type fletcher4 struct {
	a, b, c, d uint64
	buf        []byte
}

func (f *fletcher4) Write(p []byte) {
	f.buf = append(f.buf, p...)
	for len(f.buf) >= 4 {
		w := uint64(binary.LittleEndian.Uint32(f.buf[0:4]))
		f.a += w
		f.b += f.a
		f.c += f.b
		f.d += f.c
		f.buf = f.buf[4:]
	}
}

func (f *fletcher4) Reset() { *f = fletcher4{} }
func (f *fletcher4) Sum() Digest {
	return Digest{f.a, f.b, f.c, f.d}
}

// Sum is a convenience one-shot helper: init/write/final in one call.
func Sum(t Type, data []byte) (Digest, error) {
	algo, err := New(t)
	if err != nil {
		return Digest{}, err
	}
	algo.Write(data)
	return algo.Sum(), nil
}

// Backend identifies which implementation satisfies a runtime-selected
// algorithm alias.
type Backend int

const (
	BackendGeneric Backend = iota
)

// Selector implements the init-time "probe and benchmark, install the
// fastest as the fastest alias; also allow cycle / a named backend"
// tunable of spec.md §4.4. A portable build has exactly one candidate
// backend per algorithm (BackendGeneric), so "fastest" always resolves
// to it — the benchmarking loop is kept so the selection policy (and its
// 2ms-per-candidate budget) is exercised and testable even though there
// is nothing to choose between yet.
type Selector struct {
	cycleIdx int
}

// SelectFastest benchmarks each candidate backend for t over a fixed
// 4 KiB buffer for up to budget per candidate, and returns the fastest:
// the one that completed the most Write calls within its budget.
func (s *Selector) SelectFastest(t Type, budget time.Duration) (Backend, error) {
	candidates := []Backend{BackendGeneric}
	buf := make([]byte, 4096)

	best := candidates[0]
	bestIters := -1
	for _, b := range candidates {
		algo, err := New(t)
		if err != nil {
			return 0, err
		}
		deadline := time.Now().Add(budget)
		iterations := 0
		for time.Now().Before(deadline) {
			algo.Write(buf)
			algo.Reset()
			iterations++
		}
		if iterations > bestIters {
			best = b
			bestIters = iterations
		}
	}
	return best, nil
}

// SelectCycle round-robins across every candidate backend for t on each
// call, the "cycle" tunable.
func (s *Selector) SelectCycle(t Type) Backend {
	candidates := []Backend{BackendGeneric}
	b := candidates[s.cycleIdx%len(candidates)]
	s.cycleIdx++
	return b
}
