package vdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGF256MulInverse(t *testing.T) {
	for a := 1; a < 256; a++ {
		inv := gfInv(byte(a))
		assert.Equal(t, byte(1), gfMul(byte(a), inv), "a=%d", a)
	}
}

func TestGF256MulZero(t *testing.T) {
	assert.Equal(t, byte(0), gfMul(0, 42))
	assert.Equal(t, byte(0), gfMul(42, 0))
}

func TestGFMatrixSolveIdentity(t *testing.T) {
	a := [][]byte{{1, 0}, {0, 1}}
	b := [][]byte{{7}, {9}}
	ok := gfMatrixSolve(a, b)
	assert.True(t, ok)
	assert.Equal(t, byte(7), b[0][0])
	assert.Equal(t, byte(9), b[1][0])
}
