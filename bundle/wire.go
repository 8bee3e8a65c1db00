package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrEmptyBundle   = errors.New("bundle: nil bundle")
	ErrInvalidBundle = errors.New("bundle: invalid bundle")
	ErrShortBuffer   = errors.New("bundle: truncated encoding")
)

const (
	wireVersion        = 1
	wireHeaderSize     = 32
	wireVisHeaderSize  = 12
	wireAncillarySize  = 10
	maxWireLabelLength = 255
)

// MarshalBinary encodes the bundle in the big-endian layout carried by the
// ingest transport:
//
//	version u8, chain kind u8, chain count u8, chain position u8,
//	crate u16, label length u16, block u32,
//	time unix nanos i64, duration nanos i64,
//	visibility count u16, ancillary count u16,
//	label bytes,
//	per visibility: ant1 u16, ant2 u16, sideband u8, pol u8, chunk u16, nch u32,
//	                nch real f32, nch imag f32
//	per ancillary:  antenna u16, tsys lsb f32, tsys usb f32
func (b *Bundle) MarshalBinary() ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	label := b.Label
	if len(label) > maxWireLabelLength {
		label = label[:maxWireLabelLength]
	}
	if len(b.Visibilities) > math.MaxUint16 || len(b.Ancillary) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: too many entries", ErrInvalidBundle)
	}
	size := wireHeaderSize + len(label) + len(b.Ancillary)*wireAncillarySize
	for i := range b.Visibilities {
		size += wireVisHeaderSize + 8*len(b.Visibilities[i].Real)
	}
	buf := make([]byte, size)
	buf[0] = wireVersion
	buf[1] = byte(b.Chain.Kind)
	buf[2] = byte(b.Chain.Count)
	buf[3] = byte(b.Chain.Position)
	binary.BigEndian.PutUint16(buf[4:], uint16(b.Crate))
	binary.BigEndian.PutUint16(buf[6:], uint16(len(label)))
	binary.BigEndian.PutUint32(buf[8:], uint32(b.Block))
	binary.BigEndian.PutUint64(buf[12:], uint64(b.Time.UnixNano()))
	binary.BigEndian.PutUint64(buf[20:], uint64(b.Duration))
	binary.BigEndian.PutUint16(buf[28:], uint16(len(b.Visibilities)))
	binary.BigEndian.PutUint16(buf[30:], uint16(len(b.Ancillary)))
	off := wireHeaderSize
	off += copy(buf[off:], label)
	for i := range b.Visibilities {
		v := &b.Visibilities[i]
		binary.BigEndian.PutUint16(buf[off:], uint16(v.Ant1))
		binary.BigEndian.PutUint16(buf[off+2:], uint16(v.Ant2))
		buf[off+4] = byte(v.Sideband)
		buf[off+5] = byte(v.Pol)
		binary.BigEndian.PutUint16(buf[off+6:], uint16(v.Chunk))
		binary.BigEndian.PutUint32(buf[off+8:], uint32(len(v.Real)))
		off += wireVisHeaderSize
		for _, x := range v.Real {
			binary.BigEndian.PutUint32(buf[off:], math.Float32bits(x))
			off += 4
		}
		for _, x := range v.Imag {
			binary.BigEndian.PutUint32(buf[off:], math.Float32bits(x))
			off += 4
		}
	}
	for _, a := range b.Ancillary {
		binary.BigEndian.PutUint16(buf[off:], uint16(a.Antenna))
		binary.BigEndian.PutUint32(buf[off+2:], math.Float32bits(a.TsysLSB))
		binary.BigEndian.PutUint32(buf[off+6:], math.Float32bits(a.TsysUSB))
		off += wireAncillarySize
	}
	return buf, nil
}

// UnmarshalBinary decodes the layout written by MarshalBinary. The decoded
// bundle owns fresh sample slices.
func (b *Bundle) UnmarshalBinary(raw []byte) error {
	if len(raw) < wireHeaderSize {
		return ErrShortBuffer
	}
	if raw[0] != wireVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidBundle, raw[0])
	}
	out := Bundle{
		Chain: Chaining{
			Kind:     ChainKind(raw[1]),
			Count:    int(raw[2]),
			Position: int(raw[3]),
		},
		Crate:    int(binary.BigEndian.Uint16(raw[4:])),
		Block:    int(binary.BigEndian.Uint32(raw[8:])),
		Time:     time.Unix(0, int64(binary.BigEndian.Uint64(raw[12:]))).UTC(),
		Duration: time.Duration(binary.BigEndian.Uint64(raw[20:])),
	}
	labelLen := int(binary.BigEndian.Uint16(raw[6:]))
	nVis := int(binary.BigEndian.Uint16(raw[28:]))
	nAnc := int(binary.BigEndian.Uint16(raw[30:]))
	off := wireHeaderSize
	if len(raw) < off+labelLen {
		return ErrShortBuffer
	}
	out.Label = string(raw[off : off+labelLen])
	off += labelLen
	if nVis > 0 {
		out.Visibilities = make([]Visibility, nVis)
	}
	for i := 0; i < nVis; i++ {
		if len(raw) < off+wireVisHeaderSize {
			return ErrShortBuffer
		}
		v := &out.Visibilities[i]
		v.Ant1 = int(binary.BigEndian.Uint16(raw[off:]))
		v.Ant2 = int(binary.BigEndian.Uint16(raw[off+2:]))
		v.Sideband = Sideband(raw[off+4])
		v.Pol = Polarization(raw[off+5])
		v.Chunk = int(binary.BigEndian.Uint16(raw[off+6:]))
		nch := int(binary.BigEndian.Uint32(raw[off+8:]))
		off += wireVisHeaderSize
		if nch < 0 || nch > math.MaxInt16 || len(raw) < off+8*nch {
			return ErrShortBuffer
		}
		v.Real = make([]float32, nch)
		v.Imag = make([]float32, nch)
		for j := 0; j < nch; j++ {
			v.Real[j] = math.Float32frombits(binary.BigEndian.Uint32(raw[off:]))
			off += 4
		}
		for j := 0; j < nch; j++ {
			v.Imag[j] = math.Float32frombits(binary.BigEndian.Uint32(raw[off:]))
			off += 4
		}
	}
	if len(raw) < off+nAnc*wireAncillarySize {
		return ErrShortBuffer
	}
	if nAnc > 0 {
		out.Ancillary = make([]AntennaSample, nAnc)
	}
	for i := 0; i < nAnc; i++ {
		out.Ancillary[i] = AntennaSample{
			Antenna: int(binary.BigEndian.Uint16(raw[off:])),
			TsysLSB: math.Float32frombits(binary.BigEndian.Uint32(raw[off+2:])),
			TsysUSB: math.Float32frombits(binary.BigEndian.Uint32(raw[off+6:])),
		}
		off += wireAncillarySize
	}
	if off != len(raw) {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidBundle, len(raw)-off)
	}
	*b = out
	return nil
}
