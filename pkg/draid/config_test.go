package draid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// validConfig builds a minimal valid configuration: 6 children, 1
// parity, 1 group, 1 spare, data[0]=4 (so data+parity == n-s == 5,
// satisfying the LAYOUT constraint for a single group), base 1, and an
// identity permutation over all 6 children.
func validConfig() Config {
	n, p, g, s, b := uint64(6), uint64(1), uint64(1), uint64(1), uint64(1)
	return Config{
		Children: U64(n),
		Parity:   U64(p),
		Groups:   U64(g),
		Spares:   U64(s),
		Data:     []uint8{4},
		Base:     U64(b),
		Perm:     []uint8{0, 1, 2, 3, 4, 5},
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := validConfig()
	got := Validate(cfg, nil, nil)
	assert.Equal(t, OK, got, "expected OK, got %s", got)
}

func TestValidateMissingFields(t *testing.T) {
	cfg := validConfig()
	cfg.Children = nil
	assert.Equal(t, ErrChildrenMissing, Validate(cfg, nil, nil))

	cfg = validConfig()
	cfg.Parity = nil
	assert.Equal(t, ErrParityMissing, Validate(cfg, nil, nil))

	cfg = validConfig()
	cfg.Groups = nil
	assert.Equal(t, ErrGroupsMissing, Validate(cfg, nil, nil))

	cfg = validConfig()
	cfg.Spares = nil
	assert.Equal(t, ErrSparesMissing, Validate(cfg, nil, nil))

	cfg = validConfig()
	cfg.Data = nil
	assert.Equal(t, ErrDataMissing, Validate(cfg, nil, nil))

	cfg = validConfig()
	cfg.Base = nil
	assert.Equal(t, ErrBaseMissing, Validate(cfg, nil, nil))

	cfg = validConfig()
	cfg.Perm = nil
	assert.Equal(t, ErrPermMissing, Validate(cfg, nil, nil))
}

func TestValidateChildrenMismatch(t *testing.T) {
	cfg := validConfig()
	got := Validate(cfg, U64(99), nil)
	assert.Equal(t, ErrChildrenMismatch, got)
}

func TestValidateParityInvalidAboveMax(t *testing.T) {
	cfg := validConfig()
	cfg.Parity = U64(4)
	assert.Equal(t, ErrParityInvalid, Validate(cfg, nil, nil))
}

func TestValidateDataMismatchWrongLength(t *testing.T) {
	cfg := validConfig()
	cfg.Data = []uint8{1, 2}
	assert.Equal(t, ErrDataMismatch, Validate(cfg, nil, nil))
}

func TestValidatePermMismatchWrongLength(t *testing.T) {
	cfg := validConfig()
	cfg.Perm = []uint8{0, 1, 2}
	assert.Equal(t, ErrPermMismatch, Validate(cfg, nil, nil))
}

func TestValidatePermInvalidOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Perm = []uint8{0, 1, 2, 3, 4, 9}
	assert.Equal(t, ErrPermInvalid, Validate(cfg, nil, nil))
}

func TestValidatePermDuplicateRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Perm = []uint8{0, 1, 2, 3, 4, 4}
	assert.Equal(t, ErrPermDuplicate, Validate(cfg, nil, nil))
}

func TestValidateDataInvalidAboveMax(t *testing.T) {
	cfg := validConfig()
	cfg.Data = []uint8{10} // 10+1 exceeds the per-group max (n-s)/g+1 = 6
	assert.Equal(t, ErrDataInvalid, Validate(cfg, nil, nil))
}
