// Package digest provides a small mergeable quantile sketch used for
// latency aggregation. Samples are held as weighted centroids; when the
// centroid list grows past a fixed cap, adjacent centroids are merged
// pairwise by weighted mean. Memory stays bounded no matter how many
// samples are added, and two digests built from disjoint streams can be
// merged to answer quantile queries over the union.
package digest

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// DefaultCapacity bounds the number of centroids a digest retains.
const DefaultCapacity = 512

type centroid struct {
	mean   float64
	weight uint64
}

// Digest is a bounded-memory quantile sketch over float64 samples.
// It is not safe for concurrent use.
type Digest struct {
	capacity  int
	centroids []centroid
	count     uint64
	min       float64
	max       float64
	sorted    bool
}

// New creates an empty digest with the given centroid capacity.
// A capacity <= 0 uses DefaultCapacity.
func New(capacity int) *Digest {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Digest{
		capacity: capacity,
		min:      math.Inf(1),
		max:      math.Inf(-1),
	}
}

// Add records one sample.
func (d *Digest) Add(v float64) {
	d.AddWeighted(v, 1)
}

// AddWeighted records a sample with the given weight.
func (d *Digest) AddWeighted(v float64, w uint64) {
	if w == 0 || math.IsNaN(v) {
		return
	}
	d.centroids = append(d.centroids, centroid{mean: v, weight: w})
	d.count += w
	if v < d.min {
		d.min = v
	}
	if v > d.max {
		d.max = v
	}
	d.sorted = false
	if len(d.centroids) > d.capacity*2 {
		d.compact()
	}
}

// Merge folds other into d. The other digest is not modified. Merge is
// commutative and associative up to compaction error, so shard-local
// digests can be combined in any order.
func (d *Digest) Merge(other *Digest) {
	if other == nil || other.count == 0 {
		return
	}
	d.centroids = append(d.centroids, other.centroids...)
	d.count += other.count
	if other.min < d.min {
		d.min = other.min
	}
	if other.max > d.max {
		d.max = other.max
	}
	d.sorted = false
	if len(d.centroids) > d.capacity*2 {
		d.compact()
	}
}

// Count returns the total weight of all samples added.
func (d *Digest) Count() uint64 {
	return d.count
}

// Min returns the smallest sample seen, or 0 for an empty digest.
func (d *Digest) Min() float64 {
	if d.count == 0 {
		return 0
	}
	return d.min
}

// Max returns the largest sample seen, or 0 for an empty digest.
func (d *Digest) Max() float64 {
	if d.count == 0 {
		return 0
	}
	return d.max
}

// Mean returns the weighted mean of all samples, or 0 for an empty digest.
func (d *Digest) Mean() float64 {
	if d.count == 0 {
		return 0
	}
	var sum float64
	for _, c := range d.centroids {
		sum += c.mean * float64(c.weight)
	}
	return sum / float64(d.count)
}

// Quantile returns an estimate of the q-th quantile, with q in [0, 1].
// Returns 0 for an empty digest.
func (d *Digest) Quantile(q float64) float64 {
	if d.count == 0 {
		return 0
	}
	if q <= 0 {
		return d.min
	}
	if q >= 1 {
		return d.max
	}
	d.ensureSorted()

	rank := q * float64(d.count)
	var seen float64
	for i, c := range d.centroids {
		w := float64(c.weight)
		if seen+w >= rank {
			// Interpolate toward the next centroid for smoother
			// estimates on low-weight centroids.
			if i+1 < len(d.centroids) && w > 0 {
				frac := (rank - seen) / w
				next := d.centroids[i+1].mean
				return c.mean + (next-c.mean)*frac*0.5
			}
			return c.mean
		}
		seen += w
	}
	return d.max
}

func (d *Digest) ensureSorted() {
	if d.sorted {
		return
	}
	sort.Slice(d.centroids, func(i, j int) bool {
		return d.centroids[i].mean < d.centroids[j].mean
	})
	d.sorted = true
}

// compact merges adjacent centroids by weighted mean until the list fits
// within capacity.
func (d *Digest) compact() {
	d.ensureSorted()
	for len(d.centroids) > d.capacity {
		merged := make([]centroid, 0, (len(d.centroids)+1)/2)
		for i := 0; i < len(d.centroids); i += 2 {
			if i+1 >= len(d.centroids) {
				merged = append(merged, d.centroids[i])
				break
			}
			a, b := d.centroids[i], d.centroids[i+1]
			w := a.weight + b.weight
			m := (a.mean*float64(a.weight) + b.mean*float64(b.weight)) / float64(w)
			merged = append(merged, centroid{mean: m, weight: w})
		}
		d.centroids = merged
	}
}

const (
	wireMagic   = 0x4c44 // "LD"
	wireVersion = 1
)

// MarshalBinary serializes the digest for storage.
func (d *Digest) MarshalBinary() ([]byte, error) {
	d.compactTo(d.capacity)
	d.ensureSorted()

	buf := make([]byte, 0, 2+1+4+8+8+8+len(d.centroids)*16)
	buf = binary.BigEndian.AppendUint16(buf, wireMagic)
	buf = append(buf, wireVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(d.capacity))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(d.min))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(d.max))
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(d.centroids)))
	for _, c := range d.centroids {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(c.mean))
		buf = binary.BigEndian.AppendUint64(buf, c.weight)
	}
	return buf, nil
}

func (d *Digest) compactTo(capacity int) {
	if len(d.centroids) > capacity {
		d.compact()
	}
}

// UnmarshalBinary restores a digest serialized with MarshalBinary.
func (d *Digest) UnmarshalBinary(data []byte) error {
	if len(data) < 31 {
		return fmt.Errorf("digest: truncated payload (%d bytes)", len(data))
	}
	if binary.BigEndian.Uint16(data[0:2]) != wireMagic {
		return fmt.Errorf("digest: bad magic")
	}
	if data[2] != wireVersion {
		return fmt.Errorf("digest: unsupported version %d", data[2])
	}
	capacity := int(binary.BigEndian.Uint32(data[3:7]))
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	min := math.Float64frombits(binary.BigEndian.Uint64(data[7:15]))
	max := math.Float64frombits(binary.BigEndian.Uint64(data[15:23]))
	n := binary.BigEndian.Uint64(data[23:31])
	if n > uint64(len(data)-31)/16 {
		return fmt.Errorf("digest: truncated centroid list")
	}

	centroids := make([]centroid, 0, n)
	var count uint64
	off := 31
	for i := uint64(0); i < n; i++ {
		mean := math.Float64frombits(binary.BigEndian.Uint64(data[off : off+8]))
		weight := binary.BigEndian.Uint64(data[off+8 : off+16])
		centroids = append(centroids, centroid{mean: mean, weight: weight})
		count += weight
		off += 16
	}

	d.capacity = capacity
	d.centroids = centroids
	d.count = count
	d.min = min
	d.max = max
	d.sorted = true
	if count == 0 {
		d.min = math.Inf(1)
		d.max = math.Inf(-1)
	}
	return nil
}

// FromBytes deserializes a digest, returning an empty digest for a nil
// or empty payload.
func FromBytes(data []byte) (*Digest, error) {
	if len(data) == 0 {
		return New(0), nil
	}
	d := &Digest{}
	if err := d.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return d, nil
}
