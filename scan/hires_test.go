package scan

import (
	"math"
	"testing"
	"time"

	"datacatcher/bundle"
	"datacatcher/enrich"
)

func hiresBundle(crate, count, position int, re, im []float32) *bundle.Bundle {
	return &bundle.Bundle{
		Crate:    crate,
		Block:    2,
		Time:     baseTime,
		Duration: 30 * time.Second,
		Chain:    bundle.HiResChained(count, position),
		Visibilities: []bundle.Visibility{
			{Ant1: 1, Ant2: 2, Sideband: bundle.LSB, Pol: bundle.PolRR, Chunk: 3, Real: re, Imag: im},
			// a chunk no other crate in the chain produces
			{Ant1: 1, Ant2: 2, Sideband: bundle.LSB, Pol: bundle.PolRR, Chunk: 4 + crate, Real: []float32{1}, Imag: []float32{1}},
		},
	}
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append([]int(nil), p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func mergedChunk(t *testing.T, sc *Scan, crate, chunk int) *bundle.Visibility {
	t.Helper()
	frag, ok := sc.Fragment(crate)
	if !ok {
		t.Fatalf("crate %d missing", crate)
	}
	var found *bundle.Visibility
	for i := range frag.Visibilities {
		if frag.Visibilities[i].Chunk == chunk {
			if found != nil {
				t.Fatalf("chunk %d stored twice in crate %d", chunk, crate)
			}
			found = &frag.Visibilities[i]
		}
	}
	return found
}

func TestHiResMergeIsOrderIndependent(t *testing.T) {
	values := [][]float32{
		{0.1, 1e3, -7.25, 3.3},
		{0.2, -2e3, 1.5, 1e-3},
		{0.7, 5e2, 2.75, -9.9},
	}
	crates := []int{10, 11, 12}
	want := make([]float64, len(values[0]))
	for _, v := range values {
		for i, x := range v {
			want[i] += float64(x) / float64(len(values))
		}
	}

	for _, order := range permutations(len(values)) {
		reg, _ := newTestRegistry(t, Options{}, crates...)
		for _, pos := range order {
			re := append([]float32(nil), values[pos]...)
			im := make([]float32, len(re))
			for i := range re {
				im[i] = 2 * re[i]
			}
			mustIngest(t, reg, hiresBundle(crates[pos], len(values), pos, re, im), Accepted)
		}
		reg.AttachMetadata(1, &enrich.Metadata{})
		sc, ok := reg.Handoff().TryPop()
		if !ok {
			t.Fatalf("order %v: scan not ready", order)
		}
		target := mergedChunk(t, sc, crates[0], 3)
		if target == nil {
			t.Fatalf("order %v: merged chunk missing from position 0 crate", order)
		}
		if !target.ContinuumExcluded {
			t.Fatalf("order %v: merged chunk should be excluded from continuum", order)
		}
		for i := range want {
			if math.Abs(float64(target.Real[i])-want[i]) > 1e-3*math.Max(1, math.Abs(want[i])) {
				t.Fatalf("order %v: real[%d]=%v want %v", order, i, target.Real[i], want[i])
			}
			if math.Abs(float64(target.Imag[i])-2*want[i]) > 2e-3*math.Max(1, math.Abs(want[i])) {
				t.Fatalf("order %v: imag[%d]=%v want %v", order, i, target.Imag[i], 2*want[i])
			}
		}
		for _, crate := range crates[1:] {
			if mergedChunk(t, sc, crate, 3) != nil {
				t.Fatalf("order %v: crate %d kept its partial chunk", order, crate)
			}
			if mergedChunk(t, sc, crate, 4+crate) == nil {
				t.Fatalf("order %v: crate %d lost its own chunk", order, crate)
			}
		}
	}
}

func TestHiResIncompleteChainAveragesArrivals(t *testing.T) {
	// the chain has three positions but only two crates are active
	reg, _ := newTestRegistry(t, Options{}, 10, 11)
	mustIngest(t, reg, hiresBundle(11, 3, 1, []float32{4}, []float32{8}), Accepted)
	mustIngest(t, reg, hiresBundle(10, 3, 0, []float32{2}, []float32{2}), Accepted)
	reg.AttachMetadata(1, &enrich.Metadata{})

	sc, ok := reg.Handoff().TryPop()
	if !ok {
		t.Fatal("scan not ready")
	}
	target := mergedChunk(t, sc, 10, 3)
	if target == nil || target.Real[0] != 3 || target.Imag[0] != 5 {
		t.Fatalf("expected average over arrived positions, got %+v", target)
	}
}

func TestHiResWithoutHeadPromotesLowestPosition(t *testing.T) {
	reg, _ := newTestRegistry(t, Options{}, 11, 12)
	mustIngest(t, reg, hiresBundle(12, 3, 2, []float32{6}, []float32{0}), Accepted)
	mustIngest(t, reg, hiresBundle(11, 3, 1, []float32{2}, []float32{0}), Accepted)
	reg.AttachMetadata(1, &enrich.Metadata{})

	sc, ok := reg.Handoff().TryPop()
	if !ok {
		t.Fatal("scan not ready")
	}
	target := mergedChunk(t, sc, 11, 3)
	if target == nil || target.Real[0] != 4 {
		t.Fatalf("expected merged chunk on crate 11, got %+v", target)
	}
	if mergedChunk(t, sc, 12, 3) != nil {
		t.Fatal("crate 12 kept its partial chunk")
	}
}

func TestInvalidChainStoredAsNormal(t *testing.T) {
	reg, _ := newTestRegistry(t, Options{}, 10)
	b := hiresBundle(10, 2, 5, []float32{1}, []float32{1})
	mustIngest(t, reg, b, Accepted)
	reg.AttachMetadata(1, &enrich.Metadata{})
	sc, ok := reg.Handoff().TryPop()
	if !ok {
		t.Fatal("scan not ready")
	}
	target := mergedChunk(t, sc, 10, 3)
	if target == nil || target.ContinuumExcluded {
		t.Fatalf("expected chunk stored unmerged, got %+v", target)
	}
}
