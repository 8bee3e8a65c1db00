// Package mir serializes reconciled scans into the per-session set of
// fixed-layout, append-only binary streams read by the offline reduction
// tools.
package mir

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"datacatcher/bundle"
	"datacatcher/codec"
	"datacatcher/enrich"
	"datacatcher/scan"

	"github.com/zeebo/xxh3"
	"gonum.org/v1/gonum/floats"
)

// Counters hold the next identifier of each kind.
type Counters struct {
	Integration int32 `json:"integration"`
	Baseline    int32 `json:"baseline"`
	Spectrum    int32 `json:"spectrum"`
}

// Written describes one scan after its records reached the streams.
type Written struct {
	Session        string    `json:"session"`
	Scan           uint64    `json:"scan"`
	Integration    int32     `json:"integration"`
	FirstBaseline  int32     `json:"first_baseline"`
	Baselines      int       `json:"baselines"`
	FirstSpectrum  int32     `json:"first_spectrum"`
	Spectra        int       `json:"spectra"`
	FlatSpectra    int       `json:"flat_spectra"`
	Crates         []int     `json:"crates"`
	Time           time.Time `json:"time"`
	PayloadOffset  int64     `json:"payload_offset"`
	PayloadLength  int32     `json:"payload_length"`
	Checksum       uint64    `json:"checksum"`
	Degraded       bool      `json:"degraded"`
	MetadataSource string    `json:"metadata_source"`
	WrittenAt      time.Time `json:"written_at"`
}

// Sink receives an event per written scan. Implementations must not block
// for long; they run on the writer goroutine.
type Sink interface {
	ScanWritten(w Written)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Written)

// ScanWritten calls f.
func (f SinkFunc) ScanWritten(w Written) { f(w) }

// Options configures a Writer.
type Options struct {
	Dir       string
	Start     Counters
	Continuum bool
	Now       func() time.Time
}

// Writer is the single consumer of the handoff. Identifier counters belong to
// it and only move forward, except on NewSession.
type Writer struct {
	opts Options

	// mu serializes scan writes against session rollover.
	mu      sync.Mutex
	session *Session
	next    Counters
	sinks   []Sink
	scratch []byte
	samples []float64

	written  atomic.Uint64
	flat     atomic.Uint64
	failures atomic.Uint64
}

// NewWriter opens the first session under opts.Dir.
func NewWriter(opts Options) (*Writer, error) {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Start.Integration < 0 || opts.Start.Baseline < 0 || opts.Start.Spectrum < 0 {
		return nil, errors.New("mir: starting identifiers must not be negative")
	}
	sess, err := OpenSession(opts.Dir, opts.Now())
	if err != nil {
		return nil, err
	}
	log.Printf("Writer: session %s opened (ids start at in=%d bl=%d sp=%d)",
		sess.ID, opts.Start.Integration, opts.Start.Baseline, opts.Start.Spectrum)
	return &Writer{opts: opts, session: sess, next: opts.Start}, nil
}

// AddSink registers an observer of written scans.
func (w *Writer) AddSink(s Sink) {
	if s == nil {
		return
	}
	w.mu.Lock()
	w.sinks = append(w.sinks, s)
	w.mu.Unlock()
}

// Run pops ready scans and writes them until ctx is done.
func (w *Writer) Run(ctx context.Context, h *scan.Handoff) error {
	for {
		sc, err := h.Pop(ctx)
		if err != nil {
			return err
		}
		if _, err := w.Write(sc); err != nil {
			log.Printf("Writer: scan %d: %v", sc.Number, err)
		}
	}
}

// Drain writes scans already queued on h without waiting for more. Used at
// shutdown after ingest has stopped.
func (w *Writer) Drain(h *scan.Handoff) int {
	n := 0
	for {
		sc, ok := h.TryPop()
		if !ok {
			return n
		}
		if _, err := w.Write(sc); err != nil {
			log.Printf("Writer: scan %d: %v", sc.Number, err)
			continue
		}
		n++
	}
}

// Write serializes one scan. Identifiers consumed by a failed write are not
// reused.
func (w *Writer) Write(sc *scan.Scan) (Written, error) {
	w.mu.Lock()
	ev, sinks, err := w.writeLocked(sc)
	w.mu.Unlock()
	if err != nil {
		w.failures.Add(1)
		return ev, err
	}
	w.written.Add(1)
	w.flat.Add(uint64(ev.FlatSpectra))
	for _, s := range sinks {
		s.ScanWritten(ev)
	}
	return ev, nil
}

type spectrumEntry struct {
	vis       *bundle.Visibility
	continuum bool
}

type baselineEntry struct {
	key     bundle.BaselineKey
	spectra []spectrumEntry
}

func (w *Writer) writeLocked(sc *scan.Scan) (Written, []Sink, error) {
	md := sc.Metadata()
	if md == nil {
		md = enrich.Defaults(w.opts.Now())
	}
	frags := sc.Fragments()
	baselines := groupBaselines(frags)
	if w.opts.Continuum {
		for i := range baselines {
			addContinuum(&baselines[i])
		}
	}

	sess := w.session
	inhid := w.next.Integration
	w.next.Integration++

	ev := Written{
		Session:        sess.ID,
		Scan:           sc.Number,
		Integration:    inhid,
		FirstBaseline:  w.next.Baseline,
		Baselines:      len(baselines),
		FirstSpectrum:  w.next.Spectrum,
		Crates:         sc.Received(),
		Time:           sc.FirstTime,
		Degraded:       md.Degraded,
		MetadataSource: md.Source,
	}

	var (
		blRecs []BaselineRecord
		spRecs []SpectrumRecord
		hires  bool
	)
	payloadStart := sess.offset(streamPayload)
	block := w.scratch[:0]
	block = append(block, make([]byte, payloadBlockHeader)...)

	for i := range baselines {
		bl := &baselines[i]
		blhid := w.next.Baseline
		w.next.Baseline++
		rec := BaselineRecord{
			BaselineID:    blhid,
			IntegrationID: inhid,
			Ant1:          int16(bl.key.Ant1),
			Ant2:          int16(bl.key.Ant2),
			Sideband:      uint8(bl.key.Sideband),
			Pol:           uint8(bl.key.Pol),
		}
		var ok bool
		rec.DX, rec.DY, rec.DZ, ok = md.Baseline(bl.key.Ant1, bl.key.Ant2)
		if !ok {
			rec.Flags |= BaselineNoPosition
		}
		blRecs = append(blRecs, rec)

		for _, sp := range bl.spectra {
			if need := 2 * sp.vis.Channels(); cap(w.samples) < need {
				w.samples = make([]float64, need)
			}
			enc, err := codec.EncodeInto(sp.vis.Real, sp.vis.Imag, w.samples)
			if err != nil {
				w.scratch = block[:0]
				return ev, nil, fmt.Errorf("encode chunk %d of baseline %d-%d: %w",
					sp.vis.Chunk, bl.key.Ant1, bl.key.Ant2, err)
			}
			freq := md.Chunk(sp.vis.Chunk, sp.vis.Sideband)
			srec := SpectrumRecord{
				SpectrumID:    w.next.Spectrum,
				BaselineID:    blhid,
				IntegrationID: inhid,
				Chunk:         int16(sp.vis.Chunk),
				Channels:      int16(sp.vis.Channels()),
				Exponent:      enc.Exponent,
				SkyFreqGHz:    freq.SkyFreqGHz,
				ResolutionMHz: freq.ResolutionMHz,
				PayloadOffset: payloadStart + int64(len(block)),
				PayloadLength: int32(spectrumPayloadSize(sp.vis.Channels())),
			}
			w.next.Spectrum++
			if enc.Flat {
				srec.Flags |= SpectrumFlat
				ev.FlatSpectra++
			}
			if sp.continuum {
				srec.Flags |= SpectrumContinuum
			} else if sp.vis.ContinuumExcluded {
				srec.Flags |= SpectrumHiRes
				hires = true
			}
			if md.Degraded {
				srec.Flags |= SpectrumDegraded
			}
			block = appendSpectrumPayload(block, enc.Exponent, enc.Mantissas)
			spRecs = append(spRecs, srec)
		}
	}
	if ev.FlatSpectra > 0 {
		log.Printf("Writer: scan %d: %d flat spectra", sc.Number, ev.FlatSpectra)
	}
	ev.Spectra = len(spRecs)

	putBlockHeader(block, inhid, len(block))
	ev.PayloadOffset = payloadStart
	ev.PayloadLength = int32(len(block))
	ev.Checksum = xxh3.Hash(block)

	inRec := IntegrationRecord{
		IntegrationID: inhid,
		Scan:          int32(sc.Number),
		Block:         int32(sc.Block()),
		Baselines:     int16(len(blRecs)),
		Spectra:       int32(len(spRecs)),
		TimeUnixNano:  sc.FirstTime.UnixNano(),
		DurationSec:   sc.Duration.Seconds(),
		PayloadOffset: payloadStart,
		PayloadLength: int32(len(block)),
		Checksum:      ev.Checksum,
	}
	if md.Degraded {
		inRec.Flags |= IntegrationDegraded
	}
	if hires {
		inRec.Flags |= IntegrationHiRes
	}

	var engRecs []EngineeringRecord
	for _, b := range frags {
		for _, a := range b.Ancillary {
			engRecs = append(engRecs, EngineeringRecord{
				IntegrationID: inhid,
				Antenna:       int16(a.Antenna),
				Crate:         int16(b.Crate),
				TsysLSB:       a.TsysLSB,
				TsysUSB:       a.TsysUSB,
				CalFlags:      md.CalFlag(a.Antenna),
			})
		}
	}

	if err := w.appendAll(sess, blRecs, spRecs, block, &inRec, engRecs); err != nil {
		w.scratch = block[:0]
		return ev, nil, err
	}
	w.scratch = block[:0]
	ev.WrittenAt = w.opts.Now()
	return ev, append([]Sink(nil), w.sinks...), nil
}

func (w *Writer) appendAll(sess *Session, bl []BaselineRecord, sp []SpectrumRecord, block []byte, in *IntegrationRecord, eng []EngineeringRecord) error {
	var parts [streamCount][]byte
	parts[streamBaseline] = make([]byte, 0, len(bl)*BaselineRecordSize)
	for i := range bl {
		parts[streamBaseline] = bl[i].append(parts[streamBaseline])
	}
	parts[streamSpectrum] = make([]byte, 0, len(sp)*SpectrumRecordSize)
	for i := range sp {
		parts[streamSpectrum] = sp[i].append(parts[streamSpectrum])
	}
	parts[streamPayload] = block
	parts[streamIntegration] = in.append(make([]byte, 0, IntegrationRecordSize))
	parts[streamEngineering] = make([]byte, 0, len(eng)*EngineeringRecordSize)
	for i := range eng {
		parts[streamEngineering] = eng[i].append(parts[streamEngineering])
	}
	return sess.commit(parts)
}

// groupBaselines collects every stored spectrum under its baseline, ordered by
// baseline key and then by chunk.
func groupBaselines(frags []*bundle.Bundle) []baselineEntry {
	index := make(map[bundle.BaselineKey]int)
	var out []baselineEntry
	for _, b := range frags {
		for i := range b.Visibilities {
			v := &b.Visibilities[i]
			key := v.Baseline()
			pos, ok := index[key]
			if !ok {
				pos = len(out)
				index[key] = pos
				out = append(out, baselineEntry{key: key})
			}
			out[pos].spectra = append(out[pos].spectra, spectrumEntry{vis: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.Less(out[j].key) })
	for i := range out {
		sp := out[i].spectra
		sort.SliceStable(sp, func(a, b int) bool { return sp[a].vis.Chunk < sp[b].vis.Chunk })
	}
	return out
}

// addContinuum prepends a one-channel chunk 0 holding the mean of every
// sample not excluded from continuum use.
func addContinuum(bl *baselineEntry) {
	var sumRe, sumIm float64
	n := 0
	var scratch []float64
	for _, sp := range bl.spectra {
		if sp.vis.ContinuumExcluded || sp.vis.Channels() == 0 {
			continue
		}
		scratch = widen(scratch, sp.vis.Real)
		sumRe += floats.Sum(scratch)
		scratch = widen(scratch, sp.vis.Imag)
		sumIm += floats.Sum(scratch)
		n += sp.vis.Channels()
	}
	if n == 0 {
		return
	}
	vis := &bundle.Visibility{
		Ant1:     bl.key.Ant1,
		Ant2:     bl.key.Ant2,
		Sideband: bl.key.Sideband,
		Pol:      bl.key.Pol,
		Chunk:    0,
		Real:     []float32{float32(sumRe / float64(n))},
		Imag:     []float32{float32(sumIm / float64(n))},
	}
	bl.spectra = append([]spectrumEntry{{vis: vis, continuum: true}}, bl.spectra...)
}

func widen(dst []float64, src []float32) []float64 {
	if cap(dst) < len(src) {
		dst = make([]float64, len(src))
	}
	dst = dst[:len(src)]
	for i, x := range src {
		dst[i] = float64(x)
	}
	return dst
}

// NewSession closes the current streams, opens a fresh set and resets the
// identifier counters to their configured starting values.
func (w *Writer) NewSession() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	next, err := OpenSession(w.opts.Dir, w.opts.Now())
	if err != nil {
		return "", err
	}
	old := w.session
	w.session = next
	w.next = w.opts.Start
	if err := old.Close(); err != nil {
		log.Printf("Writer: closing session %s: %v", old.ID, err)
	}
	log.Printf("Writer: session %s closed, session %s opened", old.ID, next.ID)
	return next.ID, nil
}

// Session returns the active session id and directory.
func (w *Writer) Session() (id, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session.ID, w.session.Dir
}

// Counters returns the next identifiers to be assigned.
func (w *Writer) Counters() Counters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

// WriterStats are cumulative writer counters.
type WriterStats struct {
	Written  uint64 `json:"written"`
	Flat     uint64 `json:"flat_spectra"`
	Failures uint64 `json:"failures"`
}

// Stats returns a snapshot of the counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{Written: w.written.Load(), Flat: w.flat.Load(), Failures: w.failures.Load()}
}

// Close flushes and closes the active session.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return nil
	}
	err := w.session.Close()
	if err != nil {
		return fmt.Errorf("mir: close session %s: %w", w.session.ID, err)
	}
	return nil
}
