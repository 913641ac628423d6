package checksum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFletcher4Deterministic(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog12345")
	d1, err := Sum(Fletcher4, data)
	require.NoError(t, err)
	d2, err := Sum(Fletcher4, data)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestFletcher4DetectsCorruption(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog12345")
	d1, _ := Sum(Fletcher4, data)
	corrupt := append([]byte(nil), data...)
	corrupt[3] ^= 0xFF
	d2, _ := Sum(Fletcher4, corrupt)
	assert.NotEqual(t, d1, d2)
}

func TestFletcher2Deterministic(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	d1, err := Sum(Fletcher2, data)
	require.NoError(t, err)
	d2, err := Sum(Fletcher2, data)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestCryptographicAlgorithmsRoundTripAndDiffer(t *testing.T) {
	data := []byte("dedup-candidate-block-payload")
	for _, typ := range []Type{SHA256, SHA512, Skein, EdonR, Blake3} {
		d1, err := Sum(typ, data)
		require.NoError(t, err)
		d2, err := Sum(typ, data)
		require.NoError(t, err)
		assert.Equal(t, d1, d2, "algorithm %s not deterministic", typ)
		assert.True(t, typ.IsCryptographic())
	}
}

func TestStreamingMatchesOneShot(t *testing.T) {
	data := []byte("streamed-in-two-parts-for-the-checksum-pipeline")
	algo, err := New(Fletcher4)
	require.NoError(t, err)
	algo.Write(data[:10])
	algo.Write(data[10:])
	streamed := algo.Sum()

	oneShot, err := Sum(Fletcher4, data)
	require.NoError(t, err)
	assert.Equal(t, oneShot, streamed)
}

func TestDigestBytesLittleEndian(t *testing.T) {
	d := Digest{1, 0, 0, 0}
	b := d.Bytes()
	require.Len(t, b, 32)
	assert.Equal(t, byte(1), b[0])
}

func TestSelectorFastestAndCycle(t *testing.T) {
	var s Selector
	backend, err := s.SelectFastest(Fletcher4, 2*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, BackendGeneric, backend)

	b1 := s.SelectCycle(Fletcher4)
	b2 := s.SelectCycle(Fletcher4)
	assert.Equal(t, BackendGeneric, b1)
	assert.Equal(t, BackendGeneric, b2)
}
