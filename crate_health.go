package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"datacatcher/ingest"
)

const (
	crateHealthInterval  = 30 * time.Second
	crateHealthLogPrefix = "Crate Health: "
)

type crateHealthSnapshot struct {
	Crate        int       `json:"crate"`
	Connected    bool      `json:"connected"`
	Remote       string    `json:"remote,omitempty"`
	LastBundleAt time.Time `json:"last_bundle_at"`
	Accepted     uint64    `json:"accepted"`
	Redundant    uint64    `json:"redundant"`
	Idle         bool      `json:"idle"`
}

type crateHealthState struct {
	connected bool
	idle      bool
}

// crateHealthTracker remembers the last reported state per crate so the
// monitor logs only transitions.
type crateHealthTracker struct {
	states map[int]crateHealthState
}

func newCrateHealthTracker() *crateHealthTracker {
	return &crateHealthTracker{states: make(map[int]crateHealthState)}
}

// Purpose: Return log lines for crates whose connected/idle state changed.
// Key aspects: The first observation of a crate always reports.
// Upstream: startCrateHealthMonitor.
// Downstream: formatCrateHealthLine.
func (t *crateHealthTracker) observe(snaps []crateHealthSnapshot, now time.Time) []string {
	var lines []string
	for _, snap := range snaps {
		next := crateHealthState{connected: snap.Connected, idle: snap.Idle}
		if prev, ok := t.states[snap.Crate]; ok && prev == next {
			continue
		}
		t.states[snap.Crate] = next
		lines = append(lines, formatCrateHealthLine(snap, now))
	}
	return lines
}

// Purpose: Merge ingest links, last-seen times and tracker counts per active crate.
// Key aspects: Crates that never connected still appear so their absence is visible.
// Upstream: pipeline.crateHealth.
// Downstream: None.
func collectCrateHealth(active []int, conns []ingest.ConnInfo, lastSeen map[int]time.Time, counts map[string]uint64, idleAfter time.Duration, now time.Time) []crateHealthSnapshot {
	out := make([]crateHealthSnapshot, 0, len(active))
	for _, id := range active {
		key := strconv.Itoa(id)
		snap := crateHealthSnapshot{
			Crate:        id,
			LastBundleAt: lastSeen[id],
			Accepted:     counts[key+"|accepted"],
			Redundant:    counts[key+"|redundant"],
		}
		for _, c := range conns {
			if c.Crate == id {
				snap.Connected = true
				snap.Remote = c.Remote
				break
			}
		}
		snap.Idle = snap.LastBundleAt.IsZero() || now.Sub(snap.LastBundleAt) > idleAfter
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Crate < out[j].Crate })
	return out
}

// Purpose: Periodically log crate link transitions with low noise.
// Key aspects: Reports only on connected/idle state changes.
// Upstream: main startup after the ingest server starts.
// Downstream: crateHealthTracker.observe and log.Printf.
func startCrateHealthMonitor(ctx context.Context, interval time.Duration, snapshot func(now time.Time) []crateHealthSnapshot) {
	if snapshot == nil {
		return
	}
	if interval <= 0 {
		interval = crateHealthInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		tracker := newCrateHealthTracker()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				for _, line := range tracker.observe(snapshot(now), now) {
					log.Printf("%s%s", crateHealthLogPrefix, line)
				}
			}
		}
	}()
}

func formatCrateHealthLine(snap crateHealthSnapshot, now time.Time) string {
	status := "connected"
	if !snap.Connected {
		status = "disconnected"
	}
	state := "active"
	if snap.Idle {
		state = "idle"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "crate %d %s %s", snap.Crate, status, state)
	if snap.Remote != "" {
		b.WriteString(" from=")
		b.WriteString(snap.Remote)
	}
	b.WriteString(" last_bundle=")
	b.WriteString(ageString(now, snap.LastBundleAt))
	fmt.Fprintf(&b, " accepted=%d", snap.Accepted)
	if snap.Redundant > 0 {
		fmt.Fprintf(&b, " redundant=%d", snap.Redundant)
	}
	return b.String()
}

func ageString(now time.Time, at time.Time) string {
	if at.IsZero() {
		return "never"
	}
	age := now.Sub(at)
	if age < time.Second {
		return "0s"
	}
	return age.Truncate(time.Second).String()
}
