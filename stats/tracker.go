// Package stats tracks per-crate ingest outcomes, evictions and writer
// throughput for the periodic console line and the Prometheus endpoint.
package stats

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"datacatcher/mir"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tracker tracks pipeline statistics.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-bundle increments don't fight over a mutex
	ingestCounts sync.Map // "crate|status" -> *atomic.Uint64
	evictCounts  sync.Map // reason -> *atomic.Uint64
	start        atomic.Int64

	scansWritten atomic.Uint64
	spectra      atomic.Uint64
	flatSpectra  atomic.Uint64
	degraded     atomic.Uint64
	payloadBytes atomic.Uint64
	lastScan     atomic.Uint64

	registry    *prometheus.Registry
	ingestTotal *prometheus.CounterVec
	evictTotal  *prometheus.CounterVec
	written     prometheus.Counter
	spectraOut  prometheus.Counter
	flatOut     prometheus.Counter
	degradedOut prometheus.Counter
	bytesOut    prometheus.Counter
	pending     prometheus.Gauge
	handoff     prometheus.Gauge
	enrichQueue prometheus.Gauge
	writeDelay  prometheus.Histogram
}

// NewTracker creates a tracker whose collectors are registered on reg. A nil
// reg gets a private registry.
func NewTracker(reg *prometheus.Registry) *Tracker {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	t := &Tracker{
		registry: reg,
		ingestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacatcher_bundles_total",
				Help: "Bundles received per crate and ingest status",
			},
			[]string{"crate", "status"},
		),
		evictTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datacatcher_scans_evicted_total",
				Help: "Scans dropped without being written, by reason",
			},
			[]string{"reason"},
		),
		written: factory.NewCounter(prometheus.CounterOpts{
			Name: "datacatcher_scans_written_total",
			Help: "Integrations appended to the output streams",
		}),
		spectraOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "datacatcher_spectra_written_total",
			Help: "Spectrum records written",
		}),
		flatOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "datacatcher_flat_spectra_total",
			Help: "Spectra written with zero scale (all samples equal)",
		}),
		degradedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "datacatcher_degraded_scans_total",
			Help: "Integrations written with fallback metadata",
		}),
		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "datacatcher_payload_bytes_total",
			Help: "Bytes appended to the payload stream",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datacatcher_pending_scans",
			Help: "Scans waiting for crates or metadata",
		}),
		handoff: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datacatcher_handoff_depth",
			Help: "Complete scans queued for the writer",
		}),
		enrichQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "datacatcher_enrichment_queue_depth",
			Help: "Metadata requests waiting for a worker",
		}),
		writeDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "datacatcher_write_delay_seconds",
			Help:    "Time from a scan's first bundle to its record being written",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	t.start.Store(time.Now().UnixNano())
	return t
}

// Registry returns the Prometheus registry the tracker publishes to.
func (t *Tracker) Registry() *prometheus.Registry {
	return t.registry
}

// ObserveIngest counts one bundle outcome for a crate.
func (t *Tracker) ObserveIngest(crate int, status string) {
	id := strconv.Itoa(crate)
	incrementCounter(&t.ingestCounts, id+"|"+status)
	t.ingestTotal.WithLabelValues(id, status).Inc()
}

// ObserveEviction counts one scan dropped for reason.
func (t *Tracker) ObserveEviction(reason string) {
	incrementCounter(&t.evictCounts, reason)
	t.evictTotal.WithLabelValues(reason).Inc()
}

// ScanWritten makes the tracker a writer sink.
func (t *Tracker) ScanWritten(w mir.Written) {
	t.scansWritten.Add(1)
	t.spectra.Add(uint64(w.Spectra))
	t.flatSpectra.Add(uint64(w.FlatSpectra))
	t.payloadBytes.Add(uint64(w.PayloadLength))
	t.lastScan.Store(w.Scan)
	t.written.Inc()
	t.spectraOut.Add(float64(w.Spectra))
	t.flatOut.Add(float64(w.FlatSpectra))
	t.bytesOut.Add(float64(w.PayloadLength))
	if w.Degraded {
		t.degraded.Add(1)
		t.degradedOut.Inc()
	}
	if !w.Time.IsZero() && w.WrittenAt.After(w.Time) {
		t.writeDelay.Observe(w.WrittenAt.Sub(w.Time).Seconds())
	}
}

// SetQueueDepths publishes the current pending, handoff and enrichment depths.
func (t *Tracker) SetQueueDepths(pending, handoff, enrich int) {
	t.pending.Set(float64(pending))
	t.handoff.Set(float64(handoff))
	t.enrichQueue.Set(float64(enrich))
}

// IngestCounts returns a copy of the per crate|status counts.
func (t *Tracker) IngestCounts() map[string]uint64 {
	return copyCounts(&t.ingestCounts)
}

// EvictionCounts returns a copy of the per-reason eviction counts.
func (t *Tracker) EvictionCounts() map[string]uint64 {
	return copyCounts(&t.evictCounts)
}

// ScansWritten returns the number of integrations written.
func (t *Tracker) ScansWritten() uint64 { return t.scansWritten.Load() }

// DegradedScans returns the number of integrations written with fallback metadata.
func (t *Tracker) DegradedScans() uint64 { return t.degraded.Load() }

// FlatSpectra returns the number of zero-scale spectra written.
func (t *Tracker) FlatSpectra() uint64 { return t.flatSpectra.Load() }

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	return time.Since(time.Unix(0, t.start.Load()))
}

// Reset clears the console counters. Prometheus counters stay monotonic.
func (t *Tracker) Reset() {
	for _, m := range []*sync.Map{&t.ingestCounts, &t.evictCounts} {
		m.Range(func(key, _ any) bool {
			m.Delete(key)
			return true
		})
	}
	t.scansWritten.Store(0)
	t.spectra.Store(0)
	t.flatSpectra.Store(0)
	t.degraded.Store(0)
	t.payloadBytes.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	return []string{
		fmt.Sprintf("Scans written: %s (last %d), spectra %s, flat %s, degraded %s, payload %s",
			humanize.Comma(int64(t.scansWritten.Load())),
			t.lastScan.Load(),
			humanize.Comma(int64(t.spectra.Load())),
			humanize.Comma(int64(t.flatSpectra.Load())),
			humanize.Comma(int64(t.degraded.Load())),
			humanize.Bytes(t.payloadBytes.Load())),
		formatMapCounts("Bundles by crate|status", &t.ingestCounts),
		formatMapCounts("Evictions", &t.evictCounts),
	}
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func formatMapCounts(label string, counts *sync.Map) string {
	snapshot := copyCounts(counts)
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(keys) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", k, humanize.Comma(int64(snapshot[k])))
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
