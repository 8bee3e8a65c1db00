package mir

import (
	"encoding/binary"
	"errors"
	"math"
)

// Stream file names inside a session directory.
const (
	BaselineStream    = "bl_read"
	SpectrumStream    = "sp_read"
	PayloadStream     = "sch_read"
	IntegrationStream = "in_read"
	EngineeringStream = "eng_read"
)

// Fixed record sizes in bytes.
const (
	BaselineRecordSize    = 40
	SpectrumRecordSize    = 48
	IntegrationRecordSize = 56
	EngineeringRecordSize = 20
	payloadBlockHeader    = 8
)

// Baseline record flags.
const (
	BaselineNoPosition uint16 = 1 << 0
)

// Spectrum record flags.
const (
	SpectrumFlat      uint16 = 1 << 0
	SpectrumHiRes     uint16 = 1 << 1
	SpectrumContinuum uint16 = 1 << 2
	SpectrumDegraded  uint16 = 1 << 3
)

// Integration record flags.
const (
	IntegrationDegraded uint16 = 1 << 0
	IntegrationHiRes    uint16 = 1 << 1
)

var errShortRecord = errors.New("mir: short record")

// BaselineRecord is one bl_read entry.
type BaselineRecord struct {
	BaselineID    int32
	IntegrationID int32
	Ant1, Ant2    int16
	Sideband      uint8
	Pol           uint8
	Flags         uint16
	DX, DY, DZ    float64
}

// SpectrumRecord is one sp_read entry. PayloadOffset points at the spectrum's
// exponent in sch_read; PayloadLength covers exponent and mantissas.
type SpectrumRecord struct {
	SpectrumID    int32
	BaselineID    int32
	IntegrationID int32
	Chunk         int16
	Channels      int16
	Exponent      int16
	Flags         uint16
	SkyFreqGHz    float64
	ResolutionMHz float64
	PayloadOffset int64
	PayloadLength int32
}

// IntegrationRecord is one in_read entry. PayloadOffset points at the block
// header in sch_read; Checksum is the xxh3 of the whole block.
type IntegrationRecord struct {
	IntegrationID int32
	Scan          int32
	Block         int32
	Flags         uint16
	Baselines     int16
	Spectra       int32
	TimeUnixNano  int64
	DurationSec   float64
	PayloadOffset int64
	PayloadLength int32
	Checksum      uint64
}

// EngineeringRecord is one eng_read entry.
type EngineeringRecord struct {
	IntegrationID int32
	Antenna       int16
	Crate         int16
	TsysLSB       float32
	TsysUSB       float32
	CalFlags      uint32
}

func (r *BaselineRecord) append(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.BaselineID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.IntegrationID))
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Ant1))
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Ant2))
	buf = append(buf, r.Sideband, r.Pol)
	buf = binary.BigEndian.AppendUint16(buf, r.Flags)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(r.DX))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(r.DY))
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(r.DZ))
}

// DecodeBaseline parses one bl_read record.
func DecodeBaseline(p []byte) (BaselineRecord, error) {
	if len(p) < BaselineRecordSize {
		return BaselineRecord{}, errShortRecord
	}
	return BaselineRecord{
		BaselineID:    int32(binary.BigEndian.Uint32(p[0:])),
		IntegrationID: int32(binary.BigEndian.Uint32(p[4:])),
		Ant1:          int16(binary.BigEndian.Uint16(p[8:])),
		Ant2:          int16(binary.BigEndian.Uint16(p[10:])),
		Sideband:      p[12],
		Pol:           p[13],
		Flags:         binary.BigEndian.Uint16(p[14:]),
		DX:            math.Float64frombits(binary.BigEndian.Uint64(p[16:])),
		DY:            math.Float64frombits(binary.BigEndian.Uint64(p[24:])),
		DZ:            math.Float64frombits(binary.BigEndian.Uint64(p[32:])),
	}, nil
}

func (r *SpectrumRecord) append(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.SpectrumID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.BaselineID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.IntegrationID))
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Chunk))
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Channels))
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Exponent))
	buf = binary.BigEndian.AppendUint16(buf, r.Flags)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(r.SkyFreqGHz))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(r.ResolutionMHz))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.PayloadOffset))
	return binary.BigEndian.AppendUint32(buf, uint32(r.PayloadLength))
}

// DecodeSpectrum parses one sp_read record.
func DecodeSpectrum(p []byte) (SpectrumRecord, error) {
	if len(p) < SpectrumRecordSize {
		return SpectrumRecord{}, errShortRecord
	}
	return SpectrumRecord{
		SpectrumID:    int32(binary.BigEndian.Uint32(p[0:])),
		BaselineID:    int32(binary.BigEndian.Uint32(p[4:])),
		IntegrationID: int32(binary.BigEndian.Uint32(p[8:])),
		Chunk:         int16(binary.BigEndian.Uint16(p[12:])),
		Channels:      int16(binary.BigEndian.Uint16(p[14:])),
		Exponent:      int16(binary.BigEndian.Uint16(p[16:])),
		Flags:         binary.BigEndian.Uint16(p[18:]),
		SkyFreqGHz:    math.Float64frombits(binary.BigEndian.Uint64(p[20:])),
		ResolutionMHz: math.Float64frombits(binary.BigEndian.Uint64(p[28:])),
		PayloadOffset: int64(binary.BigEndian.Uint64(p[36:])),
		PayloadLength: int32(binary.BigEndian.Uint32(p[44:])),
	}, nil
}

func (r *IntegrationRecord) append(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.IntegrationID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.Scan))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.Block))
	buf = binary.BigEndian.AppendUint16(buf, r.Flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Baselines))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.Spectra))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.TimeUnixNano))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(r.DurationSec))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.PayloadOffset))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.PayloadLength))
	return binary.BigEndian.AppendUint64(buf, r.Checksum)
}

// DecodeIntegration parses one in_read record.
func DecodeIntegration(p []byte) (IntegrationRecord, error) {
	if len(p) < IntegrationRecordSize {
		return IntegrationRecord{}, errShortRecord
	}
	return IntegrationRecord{
		IntegrationID: int32(binary.BigEndian.Uint32(p[0:])),
		Scan:          int32(binary.BigEndian.Uint32(p[4:])),
		Block:         int32(binary.BigEndian.Uint32(p[8:])),
		Flags:         binary.BigEndian.Uint16(p[12:]),
		Baselines:     int16(binary.BigEndian.Uint16(p[14:])),
		Spectra:       int32(binary.BigEndian.Uint32(p[16:])),
		TimeUnixNano:  int64(binary.BigEndian.Uint64(p[20:])),
		DurationSec:   math.Float64frombits(binary.BigEndian.Uint64(p[28:])),
		PayloadOffset: int64(binary.BigEndian.Uint64(p[36:])),
		PayloadLength: int32(binary.BigEndian.Uint32(p[44:])),
		Checksum:      binary.BigEndian.Uint64(p[48:]),
	}, nil
}

func (r *EngineeringRecord) append(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.IntegrationID))
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Antenna))
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Crate))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(r.TsysLSB))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(r.TsysUSB))
	return binary.BigEndian.AppendUint32(buf, r.CalFlags)
}

// DecodeEngineering parses one eng_read record.
func DecodeEngineering(p []byte) (EngineeringRecord, error) {
	if len(p) < EngineeringRecordSize {
		return EngineeringRecord{}, errShortRecord
	}
	return EngineeringRecord{
		IntegrationID: int32(binary.BigEndian.Uint32(p[0:])),
		Antenna:       int16(binary.BigEndian.Uint16(p[4:])),
		Crate:         int16(binary.BigEndian.Uint16(p[6:])),
		TsysLSB:       math.Float32frombits(binary.BigEndian.Uint32(p[8:])),
		TsysUSB:       math.Float32frombits(binary.BigEndian.Uint32(p[12:])),
		CalFlags:      binary.BigEndian.Uint32(p[16:]),
	}, nil
}

// putBlockHeader fills the 8-byte header reserved at the start of an
// integration's sch_read block.
func putBlockHeader(block []byte, inhid int32, length int) {
	binary.BigEndian.PutUint32(block[0:], uint32(inhid))
	binary.BigEndian.PutUint32(block[4:], uint32(length))
}

// DecodeBlockHeader parses an sch_read block header.
func DecodeBlockHeader(p []byte) (inhid int32, length int32, err error) {
	if len(p) < payloadBlockHeader {
		return 0, 0, errShortRecord
	}
	return int32(binary.BigEndian.Uint32(p)), int32(binary.BigEndian.Uint32(p[4:])), nil
}

// appendSpectrumPayload writes exponent then interleaved mantissas.
func appendSpectrumPayload(buf []byte, exponent int16, mantissas []int16) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(exponent))
	for _, m := range mantissas {
		buf = binary.BigEndian.AppendUint16(buf, uint16(m))
	}
	return buf
}

// DecodeSpectrumPayload parses the sch_read bytes a SpectrumRecord points at.
func DecodeSpectrumPayload(p []byte, channels int) (int16, []int16, error) {
	if len(p) < 2+4*channels {
		return 0, nil, errShortRecord
	}
	exp := int16(binary.BigEndian.Uint16(p))
	out := make([]int16, 2*channels)
	for i := range out {
		out[i] = int16(binary.BigEndian.Uint16(p[2+2*i:]))
	}
	return exp, out, nil
}

func spectrumPayloadSize(channels int) int {
	return 2 + 4*channels
}
