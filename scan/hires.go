package scan

import (
	"log"

	"datacatcher/bundle"

	"gonum.org/v1/gonum/floats"
)

// hiresAccumulator merges the daisy-chained partial contributions to one
// logical chunk. Sums are kept in float64 so the averaged result does not
// depend on arrival order beyond float32 rounding.
type hiresAccumulator struct {
	count    int
	channels int
	seen     []bool
	crates   []int // crate per position, -1 until seen
	arrived  int
	sumRe    []float64
	sumIm    []float64
	scratch  []float64
	done     bool
	template bundle.Visibility // identity fields only
}

func newHiresAccumulator(count int, v *bundle.Visibility) *hiresAccumulator {
	crates := make([]int, count)
	for i := range crates {
		crates[i] = -1
	}
	tmpl := *v
	tmpl.Real, tmpl.Imag = nil, nil
	return &hiresAccumulator{
		count:    count,
		channels: len(v.Real),
		seen:     make([]bool, count),
		crates:   crates,
		sumRe:    make([]float64, len(v.Real)),
		sumIm:    make([]float64, len(v.Real)),
		scratch:  make([]float64, len(v.Real)),
		template: tmpl,
	}
}

func (a *hiresAccumulator) add(position, crate int, v *bundle.Visibility) {
	for i, x := range v.Real {
		a.scratch[i] = float64(x)
	}
	floats.Add(a.sumRe, a.scratch)
	for i, x := range v.Imag {
		a.scratch[i] = float64(x)
	}
	floats.Add(a.sumIm, a.scratch)
	a.seen[position] = true
	a.crates[position] = crate
	a.arrived++
}

// owner returns the crate whose fragment holds the merged chunk: position 0
// when it arrived, otherwise the lowest position that did.
func (a *hiresAccumulator) owner() (int, bool) {
	for pos, ok := range a.seen {
		if ok {
			return a.crates[pos], pos == 0
		}
	}
	return -1, false
}

// storeLocked files a private bundle copy into the scan, routing Hi-Res
// chunks through their accumulators. Caller holds the registry lock.
func (s *Scan) storeLocked(b *bundle.Bundle) {
	s.received[b.Crate] = b
	if !b.Chain.IsHiRes() {
		return
	}
	chain := b.Chain
	if s.hires == nil {
		s.hires = make(map[bundle.VisKey]*hiresAccumulator)
	}
	kept := b.Visibilities[:0]
	var finished []bundle.VisKey
	for i := range b.Visibilities {
		v := b.Visibilities[i]
		key := v.Key()
		acc := s.hires[key]
		if acc == nil {
			acc = newHiresAccumulator(chain.Count, &v)
			s.hires[key] = acc
		}
		if acc.count != chain.Count || acc.channels != len(v.Real) || acc.done {
			log.Printf("Registry: scan %d crate %d chunk %d: hi-res chain mismatch (count %d/%d, channels %d/%d); storing unmerged",
				s.Number, b.Crate, key.Chunk, chain.Count, acc.count, len(v.Real), acc.channels)
			kept = append(kept, v)
			continue
		}
		if acc.seen[chain.Position] {
			log.Printf("Registry: scan %d crate %d chunk %d: hi-res position %d already merged from crate %d; dropping",
				s.Number, b.Crate, key.Chunk, chain.Position, acc.crates[chain.Position])
			continue
		}
		acc.add(chain.Position, b.Crate, &v)
		if chain.Position == 0 {
			v.ContinuumExcluded = true
			kept = append(kept, v)
		}
		if acc.arrived == acc.count {
			finished = append(finished, key)
		}
	}
	// clear the tail so dropped sample slices can be collected
	for i := len(kept); i < len(b.Visibilities); i++ {
		b.Visibilities[i] = bundle.Visibility{}
	}
	b.Visibilities = kept
	for _, key := range finished {
		s.finishHiresLocked(key, s.hires[key])
	}
}

// finishHiresLocked writes the averaged chunk into its owner fragment.
func (s *Scan) finishHiresLocked(key bundle.VisKey, acc *hiresAccumulator) {
	if acc.done || acc.arrived == 0 {
		return
	}
	acc.done = true
	inv := 1 / float64(acc.arrived)
	floats.Scale(inv, acc.sumRe)
	floats.Scale(inv, acc.sumIm)

	crate, isHead := acc.owner()
	owner := s.received[crate]
	if owner == nil {
		return
	}
	var target *bundle.Visibility
	if isHead {
		for i := range owner.Visibilities {
			if owner.Visibilities[i].Key() == key {
				target = &owner.Visibilities[i]
				break
			}
		}
	}
	if target == nil {
		v := acc.template
		v.Real = make([]float32, acc.channels)
		v.Imag = make([]float32, acc.channels)
		owner.Visibilities = append(owner.Visibilities, v)
		target = &owner.Visibilities[len(owner.Visibilities)-1]
	}
	for i := range acc.sumRe {
		target.Real[i] = float32(acc.sumRe[i])
		target.Imag[i] = float32(acc.sumIm[i])
	}
	target.ContinuumExcluded = true
	acc.sumRe, acc.sumIm, acc.scratch = nil, nil, nil
}

// finishIncompleteHiresLocked averages chains that never saw every
// position, over the positions that did arrive.
func (s *Scan) finishIncompleteHiresLocked() {
	for key, acc := range s.hires {
		if acc.done {
			continue
		}
		log.Printf("Registry: scan %d chunk %d: hi-res chain incomplete (%d/%d positions); averaging what arrived",
			s.Number, key.Chunk, acc.arrived, acc.count)
		s.finishHiresLocked(key, acc)
	}
}
