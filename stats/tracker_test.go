package stats

import (
	"strings"
	"testing"
	"time"

	"datacatcher/mir"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTrackerCountsIngestAndEvictions(t *testing.T) {
	tr := NewTracker(nil)
	tr.ObserveIngest(1, "accepted")
	tr.ObserveIngest(1, "accepted")
	tr.ObserveIngest(2, "redundant")
	tr.ObserveEviction("stale")

	counts := tr.IngestCounts()
	if counts["1|accepted"] != 2 || counts["2|redundant"] != 1 {
		t.Fatalf("unexpected ingest counts: %v", counts)
	}
	if tr.EvictionCounts()["stale"] != 1 {
		t.Fatalf("unexpected eviction counts: %v", tr.EvictionCounts())
	}
	if got := testutil.ToFloat64(tr.ingestTotal.WithLabelValues("1", "accepted")); got != 2 {
		t.Fatalf("expected prometheus counter 2, got %v", got)
	}
}

func TestTrackerScanWritten(t *testing.T) {
	tr := NewTracker(nil)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tr.ScanWritten(mir.Written{Scan: 41, Spectra: 6, FlatSpectra: 1, PayloadLength: 2048, Time: at, WrittenAt: at.Add(time.Second)})
	tr.ScanWritten(mir.Written{Scan: 42, Spectra: 6, Degraded: true, PayloadLength: 2048, Time: at, WrittenAt: at.Add(time.Second)})

	if tr.ScansWritten() != 2 || tr.DegradedScans() != 1 || tr.FlatSpectra() != 1 {
		t.Fatalf("unexpected totals: written=%d degraded=%d flat=%d", tr.ScansWritten(), tr.DegradedScans(), tr.FlatSpectra())
	}
	if got := testutil.ToFloat64(tr.spectraOut); got != 12 {
		t.Fatalf("expected 12 spectra, got %v", got)
	}
	lines := tr.SnapshotLines()
	if !strings.Contains(lines[0], "Scans written: 2 (last 42)") || !strings.Contains(lines[0], "4.1 kB") {
		t.Fatalf("unexpected snapshot line: %q", lines[0])
	}
}

func TestTrackerResetKeepsPrometheusMonotonic(t *testing.T) {
	tr := NewTracker(nil)
	tr.ObserveEviction("capacity")
	tr.Reset()
	if len(tr.EvictionCounts()) != 0 {
		t.Fatalf("expected console counts cleared")
	}
	if got := testutil.ToFloat64(tr.evictTotal.WithLabelValues("capacity")); got != 1 {
		t.Fatalf("expected prometheus counter to survive reset, got %v", got)
	}
	if !strings.HasSuffix(tr.SnapshotLines()[2], "(none)") {
		t.Fatalf("expected empty evictions line, got %q", tr.SnapshotLines()[2])
	}
}

func TestSeparateTrackersDoNotCollide(t *testing.T) {
	a := NewTracker(nil)
	b := NewTracker(nil)
	a.SetQueueDepths(3, 1, 0)
	b.SetQueueDepths(0, 0, 0)
	if got := testutil.ToFloat64(a.pending); got != 3 {
		t.Fatalf("expected pending gauge 3, got %v", got)
	}
}
