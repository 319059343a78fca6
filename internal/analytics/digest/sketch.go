package digest

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// DefaultSketchBits is the bitmap size used for unique-visitor counting.
// 16 KiB per path-hour gives usable estimates well past 10k uniques.
const DefaultSketchBits = 1 << 17

// UniqueSketch estimates set cardinality with linear counting over an
// xxhash-addressed bitmap. Merging two sketches is a bitwise OR, so the
// estimate over a union of streams is order-independent.
type UniqueSketch struct {
	bitmap []byte
}

// NewUniqueSketch creates a sketch with the given bitmap size in bits.
// Sizes <= 0 or not a multiple of 8 fall back to DefaultSketchBits.
func NewUniqueSketch(sizeBits int) *UniqueSketch {
	if sizeBits <= 0 || sizeBits%8 != 0 {
		sizeBits = DefaultSketchBits
	}
	return &UniqueSketch{bitmap: make([]byte, sizeBits/8)}
}

// Observe records one element.
func (s *UniqueSketch) Observe(v string) {
	h := xxhash.Sum64String(v)
	idx := h % uint64(len(s.bitmap)*8)
	s.bitmap[idx/8] |= 1 << (idx % 8)
}

// Estimate returns the linear-counting cardinality estimate.
func (s *UniqueSketch) Estimate() uint64 {
	m := float64(len(s.bitmap) * 8)
	var set int
	for _, b := range s.bitmap {
		set += bits.OnesCount8(b)
	}
	zeros := m - float64(set)
	if zeros <= 0 {
		// Saturated bitmap; the estimate is a lower bound at best.
		return uint64(m)
	}
	return uint64(m*math.Log(m/zeros) + 0.5)
}

// Merge ORs other into s. Both sketches must have the same bitmap size.
func (s *UniqueSketch) Merge(other *UniqueSketch) error {
	if other == nil {
		return nil
	}
	if len(other.bitmap) != len(s.bitmap) {
		return fmt.Errorf("digest: sketch size mismatch (%d vs %d bits)",
			len(s.bitmap)*8, len(other.bitmap)*8)
	}
	for i, b := range other.bitmap {
		s.bitmap[i] |= b
	}
	return nil
}

// MarshalBinary returns the raw bitmap.
func (s *UniqueSketch) MarshalBinary() ([]byte, error) {
	out := make([]byte, len(s.bitmap))
	copy(out, s.bitmap)
	return out, nil
}

// SketchFromBytes restores a sketch from its raw bitmap. A nil or empty
// payload yields an empty sketch of the default size.
func SketchFromBytes(data []byte) (*UniqueSketch, error) {
	if len(data) == 0 {
		return NewUniqueSketch(0), nil
	}
	bm := make([]byte, len(data))
	copy(bm, data)
	return &UniqueSketch{bitmap: bm}, nil
}
