// Package codec implements the block floating-point compression used for
// stored spectra: every spectrum shares one power-of-two scale and each real
// and imaginary sample is reduced to a signed 16-bit mantissa.
package codec

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// MaxMantissa is the largest magnitude a mantissa is scaled to.
	MaxMantissa = math.MaxInt16
	minMantissa = math.MinInt16
)

var (
	// ErrLengthMismatch is returned when real and imaginary inputs differ in length.
	ErrLengthMismatch = errors.New("codec: real and imaginary lengths differ")
	// ErrNonFinite is returned for spectra carrying NaN or infinite samples.
	ErrNonFinite = errors.New("codec: non-finite sample")
)

// Spectrum is one encoded spectrum. Mantissas interleave (re, im) pairs.
type Spectrum struct {
	Exponent  int16
	Mantissas []int16
	// Flat is set when every input sample was zero. It is informational.
	Flat bool
}

// Channels returns the number of complex samples carried.
func (s Spectrum) Channels() int {
	return len(s.Mantissas) / 2
}

// Scale returns the multiplier 2^exp applied to mantissas on decode.
func Scale(exp int16) float64 {
	return math.Ldexp(1, int(exp))
}

// Exponent returns the shared exponent chosen for a spectrum whose largest
// absolute sample is peak. A zero or NaN peak yields 0 and an infinite one
// the largest exponent.
func Exponent(peak float64) int16 {
	switch {
	case peak <= 0 || math.IsNaN(peak):
		return 0
	case math.IsInf(peak, 1):
		return math.MaxInt16
	}
	scale := peak / MaxMantissa
	exp := int(math.Ceil(math.Log2(scale)))
	if exp > 0 {
		// favor headroom over precision for large spectra
		exp++
	}
	// Log2 rounding can leave the exponent one step short near powers of two.
	for peak/math.Ldexp(1, exp) > MaxMantissa {
		exp++
	}
	if exp > math.MaxInt16 {
		exp = math.MaxInt16
	}
	if exp < math.MinInt16 {
		exp = math.MinInt16
	}
	return int16(exp)
}

// Encode quantizes one spectrum.
func Encode(re, im []float32) (Spectrum, error) {
	return EncodeInto(re, im, nil)
}

// EncodeInto is Encode with a caller-owned scratch buffer; when scratch has
// enough capacity it is reused for the float64 view of the samples.
func EncodeInto(re, im []float32, scratch []float64) (Spectrum, error) {
	if len(re) != len(im) {
		return Spectrum{}, ErrLengthMismatch
	}
	n := len(re)
	if cap(scratch) < 2*n {
		scratch = make([]float64, 2*n)
	}
	scratch = scratch[:2*n]
	for i := 0; i < n; i++ {
		scratch[2*i] = float64(re[i])
		scratch[2*i+1] = float64(im[i])
	}
	out := Spectrum{Mantissas: make([]int16, 2*n)}
	if n == 0 {
		out.Flat = true
		return out, nil
	}
	peak := floats.Norm(scratch, math.Inf(1))
	if math.IsNaN(peak) || math.IsInf(peak, 0) {
		return Spectrum{}, ErrNonFinite
	}
	if peak == 0 {
		out.Flat = true
		return out, nil
	}
	out.Exponent = Exponent(peak)
	inv := 1 / Scale(out.Exponent)
	for i, x := range scratch {
		out.Mantissas[i] = clamp(math.Round(x * inv))
	}
	return out, nil
}

// Decode expands a spectrum back to real and imaginary samples.
func Decode(s Spectrum) (re, im []float32) {
	n := s.Channels()
	re = make([]float32, n)
	im = make([]float32, n)
	scale := Scale(s.Exponent)
	for i := 0; i < n; i++ {
		re[i] = float32(float64(s.Mantissas[2*i]) * scale)
		im[i] = float32(float64(s.Mantissas[2*i+1]) * scale)
	}
	return re, im
}

func clamp(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > MaxMantissa:
		return MaxMantissa
	case v < minMantissa:
		return minMantissa
	default:
		return int16(v)
	}
}
