package main

import (
	"strings"
	"testing"
	"time"

	"datacatcher/ingest"
)

func TestCollectCrateHealth(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	conns := []ingest.ConnInfo{{Remote: "10.0.0.2:5000", Crate: 2}}
	lastSeen := map[int]time.Time{
		1: now.Add(-5 * time.Minute),
		2: now.Add(-3 * time.Second),
	}
	counts := map[string]uint64{"1|accepted": 7, "2|accepted": 9, "2|redundant": 1}

	snaps := collectCrateHealth([]int{3, 2, 1}, conns, lastSeen, counts, 2*time.Minute, now)
	if len(snaps) != 3 || snaps[0].Crate != 1 || snaps[2].Crate != 3 {
		t.Fatalf("expected crates sorted 1..3, got %+v", snaps)
	}
	if !snaps[0].Idle || snaps[0].Connected || snaps[0].Accepted != 7 {
		t.Fatalf("crate 1: %+v", snaps[0])
	}
	if snaps[1].Idle || !snaps[1].Connected || snaps[1].Redundant != 1 {
		t.Fatalf("crate 2: %+v", snaps[1])
	}
	if !snaps[2].Idle || !snaps[2].LastBundleAt.IsZero() {
		t.Fatalf("crate 3 should be idle and never seen: %+v", snaps[2])
	}
}

func TestCrateHealthTrackerReportsTransitionsOnly(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	tr := newCrateHealthTracker()
	snap := crateHealthSnapshot{Crate: 4, Connected: true, LastBundleAt: now.Add(-2 * time.Second), Accepted: 3}

	lines := tr.observe([]crateHealthSnapshot{snap}, now)
	if len(lines) != 1 || !strings.Contains(lines[0], "crate 4 connected active") {
		t.Fatalf("expected initial report, got %v", lines)
	}
	if lines := tr.observe([]crateHealthSnapshot{snap}, now); len(lines) != 0 {
		t.Fatalf("expected no report without a transition, got %v", lines)
	}
	snap.Idle = true
	lines = tr.observe([]crateHealthSnapshot{snap}, now)
	if len(lines) != 1 || !strings.Contains(lines[0], "idle") || !strings.Contains(lines[0], "last_bundle=2s") {
		t.Fatalf("expected idle transition, got %v", lines)
	}
}

func TestAgeString(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	if got := ageString(now, time.Time{}); got != "never" {
		t.Fatalf("expected never, got %q", got)
	}
	if got := ageString(now, now.Add(time.Second)); got != "0s" {
		t.Fatalf("expected future time to clamp to 0s, got %q", got)
	}
	if got := ageString(now, now.Add(-90*time.Second)); got != "1m30s" {
		t.Fatalf("expected 1m30s, got %q", got)
	}
}
