// Package enrich fetches per-scan header metadata (antenna geometry, chunk
// frequency tables, calibration flags) from the external metadata service and
// attaches it to pending scans without ever stalling the registry.
package enrich

import (
	"time"

	"datacatcher/bundle"
)

// Position is an antenna position in the array's local frame, in meters.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ChunkKey identifies one correlator chunk on one sideband.
type ChunkKey struct {
	Chunk    int
	Sideband bundle.Sideband
}

// ChunkFreq describes the sky frequency setup of one chunk.
type ChunkFreq struct {
	SkyFreqGHz    float64 `json:"sky_freq_ghz"`
	ResolutionMHz float64 `json:"resolution_mhz"`
	VelocityKms   float64 `json:"velocity_kms"`
}

// Metadata is the header information attached to a scan.
type Metadata struct {
	FetchedAt time.Time
	Antennas  map[int]Position
	Chunks    map[ChunkKey]ChunkFreq
	CalFlags  map[int]uint32
	// Degraded is set when the service could not be reached and cached or
	// default values were substituted.
	Degraded bool
	// Source names where the values came from: "service", "cache" or "defaults".
	Source string
}

// Baseline returns the vector from ant1 to ant2, or zeros when either
// position is unknown.
func (m *Metadata) Baseline(ant1, ant2 int) (dx, dy, dz float64, ok bool) {
	if m == nil {
		return 0, 0, 0, false
	}
	p1, ok1 := m.Antennas[ant1]
	p2, ok2 := m.Antennas[ant2]
	if !ok1 || !ok2 {
		return 0, 0, 0, false
	}
	return p2.X - p1.X, p2.Y - p1.Y, p2.Z - p1.Z, true
}

// Chunk returns the frequency setup for a chunk, or the zero value.
func (m *Metadata) Chunk(chunk int, sb bundle.Sideband) ChunkFreq {
	if m == nil || m.Chunks == nil {
		return ChunkFreq{}
	}
	return m.Chunks[ChunkKey{Chunk: chunk, Sideband: sb}]
}

// CalFlag returns the calibration flag word for an antenna.
func (m *Metadata) CalFlag(antenna int) uint32 {
	if m == nil || m.CalFlags == nil {
		return 0
	}
	return m.CalFlags[antenna]
}

// Clone returns a deep copy. The degraded fallback path hands the same cached
// snapshot to many scans, so each gets its own maps.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	out.Antennas = make(map[int]Position, len(m.Antennas))
	for k, v := range m.Antennas {
		out.Antennas[k] = v
	}
	out.Chunks = make(map[ChunkKey]ChunkFreq, len(m.Chunks))
	for k, v := range m.Chunks {
		out.Chunks[k] = v
	}
	out.CalFlags = make(map[int]uint32, len(m.CalFlags))
	for k, v := range m.CalFlags {
		out.CalFlags[k] = v
	}
	return &out
}

// Defaults returns the metadata used when neither the service nor the cache
// can supply anything. Positions are unknown, so baseline vectors are zero.
func Defaults(now time.Time) *Metadata {
	return &Metadata{
		FetchedAt: now,
		Antennas:  map[int]Position{},
		Chunks:    map[ChunkKey]ChunkFreq{},
		CalFlags:  map[int]uint32{},
		Degraded:  true,
		Source:    "defaults",
	}
}

// Request asks the enrichment stage for one scan's metadata.
type Request struct {
	Scan     uint64
	Start    time.Time
	Duration time.Duration
}
