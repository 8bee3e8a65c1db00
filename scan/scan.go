package scan

import (
	"container/list"
	"sort"
	"time"

	"datacatcher/bundle"
	"datacatcher/enrich"
)

// Scan is one pending reconciliation unit: all expected crates' bundles for a
// single time window. While pending it is owned by the Registry and only
// touched under the registry lock; once popped from the Handoff it belongs to
// the writer.
type Scan struct {
	Number    uint64
	FirstTime time.Time
	Duration  time.Duration
	Created   time.Time

	expected CrateSet
	received map[int]*bundle.Bundle

	headerReady bool
	meta        *enrich.Metadata
	queued      bool
	readyAt     time.Time

	hires map[bundle.VisKey]*hiresAccumulator
	elem  *list.Element
}

func newScan(number uint64, b *bundle.Bundle, expected CrateSet, now time.Time) *Scan {
	return &Scan{
		Number:    number,
		FirstTime: b.Time,
		Duration:  b.Duration,
		Created:   now,
		expected:  expected,
		received:  make(map[int]*bundle.Bundle, expected.Len()),
	}
}

// complete reports received == expected. received is always a subset of
// expected, so comparing sizes is enough.
func (s *Scan) complete() bool {
	return len(s.received) == s.expected.Len()
}

// missing returns expected crates that have not reported.
func (s *Scan) missing() []int {
	var out []int
	for _, id := range s.expected.Sorted() {
		if _, ok := s.received[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (s *Scan) release() {
	s.received = nil
	s.hires = nil
	s.meta = nil
	s.elem = nil
}

// Expected returns the crates this scan waits for.
func (s *Scan) Expected() []int {
	return s.expected.Sorted()
}

// Received returns the crates that have reported, ascending.
func (s *Scan) Received() []int {
	out := make([]int, 0, len(s.received))
	for id := range s.received {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Fragments returns the stored bundles ordered by crate. Only valid after
// the scan has been handed to the writer.
func (s *Scan) Fragments() []*bundle.Bundle {
	ids := s.Received()
	out := make([]*bundle.Bundle, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.received[id])
	}
	return out
}

// Fragment returns the stored bundle for a crate.
func (s *Scan) Fragment(crate int) (*bundle.Bundle, bool) {
	b, ok := s.received[crate]
	return b, ok
}

// Metadata returns the attached header metadata (nil before enrichment).
func (s *Scan) Metadata() *enrich.Metadata {
	return s.meta
}

// HeaderReady reports whether enrichment has finished.
func (s *Scan) HeaderReady() bool {
	return s.headerReady
}

// ReadyAt is when the scan was handed to the writer.
func (s *Scan) ReadyAt() time.Time {
	return s.readyAt
}

// Block returns the block id of the lowest-numbered crate's bundle.
func (s *Scan) Block() int {
	for _, b := range s.Fragments() {
		return b.Block
	}
	return 0
}

// Info is a read-only summary used by status endpoints and eviction logs.
type Info struct {
	Number      uint64    `json:"number"`
	FirstTime   time.Time `json:"first_time"`
	Expected    []int     `json:"expected"`
	Received    []int     `json:"received"`
	HeaderReady bool      `json:"header_ready"`
	Degraded    bool      `json:"degraded"`
	Queued      bool      `json:"queued"`
	Age         string    `json:"age"`
}

func (s *Scan) info(now time.Time) Info {
	return Info{
		Number:      s.Number,
		FirstTime:   s.FirstTime,
		Expected:    s.Expected(),
		Received:    s.Received(),
		HeaderReady: s.headerReady,
		Degraded:    s.meta != nil && s.meta.Degraded,
		Queued:      s.queued,
		Age:         now.Sub(s.Created).Truncate(time.Millisecond).String(),
	}
}
