package digest

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
)

func TestQuantileUniform(t *testing.T) {
	d := New(0)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		d.Add(rng.Float64() * 100)
	}

	p50 := d.Quantile(0.5)
	if p50 < 45 || p50 > 55 {
		t.Errorf("p50 = %.2f, want ~50", p50)
	}
	p95 := d.Quantile(0.95)
	if p95 < 90 || p95 > 100 {
		t.Errorf("p95 = %.2f, want ~95", p95)
	}
	p99 := d.Quantile(0.99)
	if p99 < 94 || p99 > 100 {
		t.Errorf("p99 = %.2f, want ~99", p99)
	}
}

func TestEmptyDigest(t *testing.T) {
	d := New(0)
	if d.Quantile(0.5) != 0 || d.Count() != 0 || d.Mean() != 0 {
		t.Error("empty digest must report zeros")
	}
	if d.Min() != 0 || d.Max() != 0 {
		t.Error("empty digest min/max must be 0")
	}
}

func TestBoundedMemory(t *testing.T) {
	d := New(64)
	for i := 0; i < 100000; i++ {
		d.Add(float64(i % 1000))
	}
	if len(d.centroids) > 128 {
		t.Errorf("centroid list grew to %d, cap is 64", len(d.centroids))
	}
	if d.Count() != 100000 {
		t.Errorf("count = %d, want 100000", d.Count())
	}
}

func TestMinMaxExact(t *testing.T) {
	d := New(32)
	for i := 0; i < 10000; i++ {
		d.Add(float64(i))
	}
	if d.Min() != 0 {
		t.Errorf("min = %.1f, want 0", d.Min())
	}
	if d.Max() != 9999 {
		t.Errorf("max = %.1f, want 9999", d.Max())
	}
}

func TestMergeMatchesUnion(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	union := New(0)
	a := New(0)
	b := New(0)
	for i := 0; i < 2000; i++ {
		v := rng.NormFloat64()*20 + 100
		union.Add(v)
		if i%2 == 0 {
			a.Add(v)
		} else {
			b.Add(v)
		}
	}
	a.Merge(b)

	if a.Count() != union.Count() {
		t.Fatalf("merged count = %d, want %d", a.Count(), union.Count())
	}
	for _, q := range []float64{0.5, 0.9, 0.99} {
		got, want := a.Quantile(q), union.Quantile(q)
		if math.Abs(got-want) > 5 {
			t.Errorf("q%.2f: merged %.2f vs union %.2f", q, got, want)
		}
	}
}

func TestMergeOrderIndependent(t *testing.T) {
	mk := func(base float64) *Digest {
		d := New(0)
		for i := 0; i < 500; i++ {
			d.Add(base + float64(i))
		}
		return d
	}
	ab := mk(0)
	ab.Merge(mk(500))
	ba := mk(500)
	ba.Merge(mk(0))

	if math.Abs(ab.Quantile(0.5)-ba.Quantile(0.5)) > 10 {
		t.Errorf("merge order changed p50: %.2f vs %.2f",
			ab.Quantile(0.5), ba.Quantile(0.5))
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	d := New(128)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		d.Add(rng.Float64() * 200)
	}

	raw, err := d.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	back, err := FromBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if back.Count() != d.Count() {
		t.Errorf("count = %d, want %d", back.Count(), d.Count())
	}
	if math.Abs(back.Quantile(0.95)-d.Quantile(0.95)) > 1 {
		t.Errorf("p95 drifted after round trip: %.2f vs %.2f",
			back.Quantile(0.95), d.Quantile(0.95))
	}
	if back.Min() != d.Min() || back.Max() != d.Max() {
		t.Error("min/max must survive serialization")
	}
}

func TestFromBytesEmpty(t *testing.T) {
	d, err := FromBytes(nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Count() != 0 {
		t.Error("nil payload must yield an empty digest")
	}
	d.Add(5)
	if d.Quantile(0.5) != 5 {
		t.Error("empty-restored digest must accept samples")
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var d Digest
	if err := d.UnmarshalBinary([]byte{1, 2, 3}); err == nil {
		t.Error("truncated payload must error")
	}
	bad := make([]byte, 40)
	if err := d.UnmarshalBinary(bad); err == nil {
		t.Error("bad magic must error")
	}
}

func TestUnmarshalRejectsOversizedCentroidCount(t *testing.T) {
	src := New(8)
	src.Add(1)
	raw, err := src.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	// A centroid count near the uint64 ceiling cannot fit any payload
	// and must be rejected before the centroid loop runs.
	for i := 23; i < 31; i++ {
		raw[i] = 0xff
	}
	var d Digest
	if err := d.UnmarshalBinary(raw); err == nil {
		t.Error("huge centroid count must error, not panic")
	}
}

func TestUniqueSketchEstimate(t *testing.T) {
	s := NewUniqueSketch(0)
	for i := 0; i < 5000; i++ {
		s.Observe(ipLike(i))
	}
	// Repeats must not inflate the estimate.
	for i := 0; i < 5000; i++ {
		s.Observe(ipLike(i))
	}

	est := float64(s.Estimate())
	if est < 4500 || est > 5500 {
		t.Errorf("estimate = %.0f, want ~5000", est)
	}
}

func TestUniqueSketchMerge(t *testing.T) {
	a := NewUniqueSketch(0)
	b := NewUniqueSketch(0)
	for i := 0; i < 3000; i++ {
		a.Observe(ipLike(i))
	}
	for i := 2000; i < 5000; i++ {
		b.Observe(ipLike(i))
	}
	if err := a.Merge(b); err != nil {
		t.Fatal(err)
	}

	est := float64(a.Estimate())
	if est < 4500 || est > 5500 {
		t.Errorf("merged estimate = %.0f, want ~5000", est)
	}
}

func TestUniqueSketchSizeMismatch(t *testing.T) {
	a := NewUniqueSketch(1024)
	b := NewUniqueSketch(2048)
	if err := a.Merge(b); err == nil {
		t.Error("size mismatch must error")
	}
}

func TestUniqueSketchRoundTrip(t *testing.T) {
	s := NewUniqueSketch(0)
	for i := 0; i < 1000; i++ {
		s.Observe(ipLike(i))
	}
	raw, _ := s.MarshalBinary()
	back, err := SketchFromBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if back.Estimate() != s.Estimate() {
		t.Errorf("estimate changed after round trip: %d vs %d",
			back.Estimate(), s.Estimate())
	}
}

func ipLike(i int) string {
	return fmt.Sprintf("10.%d.%d.%d", i/65536%256, i/256%256, i%256)
}
