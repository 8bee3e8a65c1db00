// Package bundle defines the canonical fragment produced by one correlator crate
// for one integration: visibility spectra per baseline/chunk plus ancillary
// per-antenna samples. Bundles are immutable once accepted by the registry.
package bundle

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/xxh3"
)

// Sideband identifies the receiver sideband of a visibility spectrum.
type Sideband uint8

const (
	LSB Sideband = 0
	USB Sideband = 1
)

func (s Sideband) String() string {
	switch s {
	case LSB:
		return "LSB"
	case USB:
		return "USB"
	default:
		return fmt.Sprintf("SB(%d)", uint8(s))
	}
}

// Polarization identifies the receptor pair of a visibility spectrum.
type Polarization uint8

const (
	PolNone Polarization = iota
	PolRR
	PolLL
	PolRL
	PolLR
	PolHH
	PolVV
	PolHV
	PolVH
)

// ChainKind tags the Chaining variant.
type ChainKind uint8

const (
	ChainNormal ChainKind = iota
	ChainHiRes
)

// Chaining declares whether a bundle is one of Count daisy-chained partial
// contributors to the same logical chunks. Position is zero based; position 0
// owns the merged result.
type Chaining struct {
	Kind     ChainKind
	Count    int
	Position int
}

// Normal is the zero Chaining value.
var Normal = Chaining{Kind: ChainNormal}

// HiResChained builds a Hi-Res chaining tag.
func HiResChained(count, position int) Chaining {
	return Chaining{Kind: ChainHiRes, Count: count, Position: position}
}

// IsHiRes reports whether the bundle takes part in a daisy chain.
func (c Chaining) IsHiRes() bool {
	return c.Kind == ChainHiRes
}

// Valid reports whether the chaining tag is internally consistent.
func (c Chaining) Valid() bool {
	switch c.Kind {
	case ChainNormal:
		return true
	case ChainHiRes:
		return c.Count >= 2 && c.Position >= 0 && c.Position < c.Count && c.Count <= math.MaxUint8
	default:
		return false
	}
}

func (c Chaining) String() string {
	if c.Kind != ChainHiRes {
		return "normal"
	}
	return fmt.Sprintf("hires %d/%d", c.Position, c.Count)
}

// VisKey identifies one stored spectrum inside a scan.
type VisKey struct {
	Ant1     int
	Ant2     int
	Sideband Sideband
	Pol      Polarization
	Chunk    int
}

// BaselineKey identifies one physical baseline/sideband/polarization combination.
type BaselineKey struct {
	Ant1     int
	Ant2     int
	Sideband Sideband
	Pol      Polarization
}

// Less orders baseline keys by antennas, then sideband, then polarization.
func (k BaselineKey) Less(o BaselineKey) bool {
	if k.Ant1 != o.Ant1 {
		return k.Ant1 < o.Ant1
	}
	if k.Ant2 != o.Ant2 {
		return k.Ant2 < o.Ant2
	}
	if k.Sideband != o.Sideband {
		return k.Sideband < o.Sideband
	}
	return k.Pol < o.Pol
}

// Visibility is one complex spectrum for a baseline, sideband, polarization
// and correlator chunk. Real and Imag always have the same length.
type Visibility struct {
	Ant1     int
	Ant2     int
	Sideband Sideband
	Pol      Polarization
	Chunk    int
	Real     []float32
	Imag     []float32

	// ContinuumExcluded marks chunks that must not feed continuum averages
	// (set on Hi-Res merge targets).
	ContinuumExcluded bool
}

// Key returns the spectrum identity.
func (v *Visibility) Key() VisKey {
	return VisKey{Ant1: v.Ant1, Ant2: v.Ant2, Sideband: v.Sideband, Pol: v.Pol, Chunk: v.Chunk}
}

// Baseline returns the baseline identity.
func (v *Visibility) Baseline() BaselineKey {
	return BaselineKey{Ant1: v.Ant1, Ant2: v.Ant2, Sideband: v.Sideband, Pol: v.Pol}
}

// Channels returns the number of complex samples.
func (v *Visibility) Channels() int {
	return len(v.Real)
}

// AntennaSample is an ancillary per-antenna engineering sample.
type AntennaSample struct {
	Antenna int
	TsysLSB float32
	TsysUSB float32
}

// Bundle is one crate's contribution to a scan.
type Bundle struct {
	Crate        int
	Block        int
	Time         time.Time     // integration midpoint
	Duration     time.Duration // integration length
	Chain        Chaining
	Label        string // free-form source label, informational only
	Visibilities []Visibility
	Ancillary    []AntennaSample
}

// Validate checks structural invariants a bundle must satisfy before it can be
// matched.
func (b *Bundle) Validate() error {
	if b == nil {
		return ErrEmptyBundle
	}
	if b.Crate < 0 || b.Crate > math.MaxUint16 {
		return fmt.Errorf("%w: crate %d", ErrInvalidBundle, b.Crate)
	}
	if b.Time.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidBundle)
	}
	for i := range b.Visibilities {
		v := &b.Visibilities[i]
		if len(v.Real) != len(v.Imag) {
			return fmt.Errorf("%w: visibility %d has %d real and %d imaginary samples", ErrInvalidBundle, i, len(v.Real), len(v.Imag))
		}
		if len(v.Real) == 0 {
			return fmt.Errorf("%w: visibility %d is empty", ErrInvalidBundle, i)
		}
		if len(v.Real) > math.MaxInt16 {
			return fmt.Errorf("%w: visibility %d has %d channels", ErrInvalidBundle, i, len(v.Real))
		}
		if ch, ok := firstNonFinite(v.Real, v.Imag); ok {
			return fmt.Errorf("%w: visibility %d channel %d is not finite", ErrInvalidBundle, i, ch)
		}
	}
	return nil
}

// firstNonFinite returns the first channel whose real or imaginary part is
// NaN or infinite.
func firstNonFinite(re, im []float32) (int, bool) {
	for i := range re {
		r, q := float64(re[i]), float64(im[i])
		if math.IsNaN(r) || math.IsInf(r, 0) || math.IsNaN(q) || math.IsInf(q, 0) {
			return i, true
		}
	}
	return 0, false
}

// Clone returns a deep copy whose sample buffers are private to the caller.
// The registry takes exactly one clone on acceptance; the producer may reuse
// its buffers afterwards.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	out := *b
	if b.Visibilities != nil {
		out.Visibilities = make([]Visibility, len(b.Visibilities))
		for i := range b.Visibilities {
			v := b.Visibilities[i]
			v.Real = append([]float32(nil), v.Real...)
			v.Imag = append([]float32(nil), v.Imag...)
			out.Visibilities[i] = v
		}
	}
	if b.Ancillary != nil {
		out.Ancillary = append([]AntennaSample(nil), b.Ancillary...)
	}
	return &out
}

// Fingerprint returns a 64-bit digest of the bundle's identity and samples.
// Two byte-identical resends produce the same fingerprint.
func (b *Bundle) Fingerprint() uint64 {
	h := xxh3.New()
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(b.Crate))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(b.Block))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(b.Time.UnixNano()))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(b.Duration))
	_, _ = h.Write(hdr[:])
	var word [4]byte
	for i := range b.Visibilities {
		v := &b.Visibilities[i]
		k := v.Key()
		binary.LittleEndian.PutUint32(word[:], uint32(k.Ant1<<16|k.Ant2))
		_, _ = h.Write(word[:])
		binary.LittleEndian.PutUint32(word[:], uint32(k.Chunk<<16|int(k.Sideband)<<8|int(k.Pol)))
		_, _ = h.Write(word[:])
		for j := range v.Real {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(v.Real[j]))
			_, _ = h.Write(word[:])
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(v.Imag[j]))
			_, _ = h.Write(word[:])
		}
	}
	return h.Sum64()
}

// Samples returns the total number of complex samples carried by the bundle.
func (b *Bundle) Samples() int {
	n := 0
	for i := range b.Visibilities {
		n += len(b.Visibilities[i].Real)
	}
	return n
}
