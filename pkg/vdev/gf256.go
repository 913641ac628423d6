package vdev

// gf256 implements GF(2^8) arithmetic over the RAID6 reducing
// polynomial x^8+x^4+x^3+x^2+1 (0x11d), giving raidz's parity columns a
// real Reed-Solomon construction: parity column j is the weighted sum
// of data columns using distinct generator coefficients, which is
// invertible under Gaussian elimination for up to len(parity) missing
// columns of any kind (data or parity) — the classic P/Q/R RAID6+
// scheme raidz's combinatorial-reconstruction language (spec.md §4.3)
// implies without naming a specific finite field.

var gfExp [512]byte
var gfLog [256]byte

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		gfExp[i] = x
		gfLog[x] = byte(i)
		hi := x & 0x80
		x <<= 1
		if hi != 0 {
			x ^= 0x1d // x^8 = x^4+x^3+x^2+1, reduced mod 2 into the low byte
		}
	}
	for i := 255; i < 512; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfInv(a byte) byte {
	if a == 0 {
		return 0
	}
	return gfExp[255-int(gfLog[a])]
}

// gfCoefficient returns the generator element used for column index i
// (i=0 is the first data column); coefficients are just i+1, distinct
// non-zero field elements, which is all a Vandermonde-style construction
// requires.
func gfCoefficient(i int) byte { return byte(i + 1) }

// gfMatrixSolve solves A x = b over GF(256) for a square matrix A given
// as rows, in place, via Gaussian elimination with partial pivoting
// (any non-zero pivot works in a finite field, there's no "numerical
// stability" concern). Returns false if A is singular.
func gfMatrixSolve(a [][]byte, b [][]byte) bool {
	n := len(a)
	for col := 0; col < n; col++ {
		pivot := -1
		for row := col; row < n; row++ {
			if a[row][col] != 0 {
				pivot = row
				break
			}
		}
		if pivot == -1 {
			return false
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		inv := gfInv(a[col][col])
		for k := col; k < n; k++ {
			a[col][k] = gfMul(a[col][k], inv)
		}
		for k := range b[col] {
			b[col][k] = gfMul(b[col][k], inv)
		}

		for row := 0; row < n; row++ {
			if row == col || a[row][col] == 0 {
				continue
			}
			factor := a[row][col]
			for k := col; k < n; k++ {
				a[row][k] ^= gfMul(factor, a[col][k])
			}
			for k := range b[row] {
				b[row][k] ^= gfMul(factor, b[col][k])
			}
		}
	}
	return true
}
