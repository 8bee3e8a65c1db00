package scan

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"datacatcher/bundle"
	"datacatcher/enrich"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingEnricher struct {
	mu   sync.Mutex
	reqs []enrich.Request
}

func (e *recordingEnricher) Submit(req enrich.Request) bool {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()
	return true
}

func (e *recordingEnricher) requests() []enrich.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]enrich.Request(nil), e.reqs...)
}

func newTestRegistry(t *testing.T, opts Options, crates ...int) (*Registry, *recordingEnricher) {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return baseTime }
	}
	reg := NewRegistry(opts, NewActiveCrates(crates...), NewHandoff(), Hooks{})
	enr := &recordingEnricher{}
	reg.SetEnricher(enr)
	return reg, enr
}

func makeBundle(crate int, at time.Time, values ...float32) *bundle.Bundle {
	if len(values) == 0 {
		values = []float32{1, 2}
	}
	im := make([]float32, len(values))
	for i, v := range values {
		im[i] = -v
	}
	return &bundle.Bundle{
		Crate:    crate,
		Block:    1,
		Time:     at,
		Duration: 30 * time.Second,
		Visibilities: []bundle.Visibility{
			{Ant1: crate, Ant2: crate + 1, Sideband: bundle.USB, Pol: bundle.PolRR, Chunk: 1, Real: append([]float32(nil), values...), Imag: im},
		},
	}
}

func mustIngest(t *testing.T, reg *Registry, b *bundle.Bundle, want Status) {
	t.Helper()
	got, _ := reg.Ingest(b)
	if got != want {
		t.Fatalf("crate %d: expected %s, got %s", b.Crate, want, got)
	}
}

func TestUnexpectedProducerHasNoSideEffects(t *testing.T) {
	reg, enr := newTestRegistry(t, Options{}, 1, 2)
	status, err := reg.Ingest(makeBundle(9, baseTime))
	if status != UnexpectedProducer || !errors.Is(err, ErrUnexpectedProducer) {
		t.Fatalf("expected UnexpectedProducer, got %s (%v)", status, err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected no scans, got %d", reg.Len())
	}
	if len(enr.requests()) != 0 {
		t.Fatalf("expected no enrichment requests")
	}
}

func TestRedundantFragmentKeepsFirstCopy(t *testing.T) {
	reg, _ := newTestRegistry(t, Options{}, 1, 2)
	mustIngest(t, reg, makeBundle(1, baseTime, 5, 6), Accepted)

	for i := 0; i < 3; i++ {
		status, err := reg.Ingest(makeBundle(1, baseTime.Add(500*time.Millisecond), 7, 8))
		if status != RedundantFragment || !errors.Is(err, ErrRedundantFragment) {
			t.Fatalf("attempt %d: expected RedundantFragment, got %s (%v)", i, status, err)
		}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	sc := reg.pending.Front().Value.(*Scan)
	frag, ok := sc.Fragment(1)
	if !ok {
		t.Fatal("expected crate 1 fragment")
	}
	if got := frag.Visibilities[0].Real; got[0] != 5 || got[1] != 6 {
		t.Fatalf("stored fragment changed: %v", got)
	}
}

func TestIngestCopiesProducerBuffers(t *testing.T) {
	reg, _ := newTestRegistry(t, Options{}, 1, 2)
	b := makeBundle(1, baseTime, 3, 4)
	mustIngest(t, reg, b, Accepted)
	b.Visibilities[0].Real[0] = 100

	reg.mu.Lock()
	defer reg.mu.Unlock()
	frag, _ := reg.pending.Front().Value.(*Scan).Fragment(1)
	if frag.Visibilities[0].Real[0] != 3 {
		t.Fatalf("registry shares producer buffer")
	}
}

func TestMatchWindowSplitsScans(t *testing.T) {
	reg, enr := newTestRegistry(t, Options{MatchWindow: time.Second}, 1, 2)
	mustIngest(t, reg, makeBundle(1, baseTime), Accepted)
	mustIngest(t, reg, makeBundle(2, baseTime.Add(time.Second)), Accepted)
	mustIngest(t, reg, makeBundle(2, baseTime.Add(800*time.Millisecond)), RedundantFragment)
	mustIngest(t, reg, makeBundle(1, baseTime.Add(5*time.Second)), Accepted)

	if got := reg.Numbers(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected scans [1 2], got %v", got)
	}
	reqs := enr.requests()
	if len(reqs) != 2 || !reqs[1].Start.Equal(baseTime.Add(5*time.Second)) {
		t.Fatalf("unexpected enrichment requests: %+v", reqs)
	}
}

func TestWidebandCrateMatchesFirstScanUnconditionally(t *testing.T) {
	reg, _ := newTestRegistry(t, Options{MatchWindow: time.Second, WidebandEnabled: true, WidebandCrate: 7}, 1, 7)
	mustIngest(t, reg, makeBundle(1, baseTime), Accepted)
	mustIngest(t, reg, makeBundle(1, baseTime.Add(time.Minute)), Accepted)
	mustIngest(t, reg, makeBundle(7, baseTime.Add(time.Minute)), Accepted)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	first := reg.pending.Front().Value.(*Scan)
	if _, ok := first.Fragment(7); !ok {
		t.Fatal("expected wideband bundle in the first scan")
	}
	second := reg.pending.Back().Value.(*Scan)
	if _, ok := second.Fragment(7); ok {
		t.Fatal("wideband bundle should not land in the time-matching scan")
	}
}

func TestWidebandDisabledUsesWindow(t *testing.T) {
	reg, _ := newTestRegistry(t, Options{MatchWindow: time.Second, WidebandCrate: 7}, 1, 7)
	mustIngest(t, reg, makeBundle(1, baseTime), Accepted)
	mustIngest(t, reg, makeBundle(7, baseTime.Add(time.Minute)), Accepted)
	if reg.Len() != 2 {
		t.Fatalf("expected 2 scans, got %d", reg.Len())
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	const maxPending = 5
	var evicted []Info
	reg := NewRegistry(Options{MatchWindow: time.Second, MaxPending: maxPending, StaleScans: 100},
		NewActiveCrates(1, 2), NewHandoff(), Hooks{
			OnEvict: func(info Info, reason EvictReason) {
				if reason != CapacityEvicted {
					t.Errorf("expected capacity eviction, got %s", reason)
				}
				evicted = append(evicted, info)
			},
		})
	reg.SetEnricher(&recordingEnricher{})
	for i := 0; i < maxPending+1; i++ {
		mustIngest(t, reg, makeBundle(1, baseTime.Add(time.Duration(i)*time.Minute)), Accepted)
	}
	nums := reg.Numbers()
	if len(nums) != maxPending {
		t.Fatalf("expected %d scans, got %d", maxPending, len(nums))
	}
	if nums[0] != 2 {
		t.Fatalf("expected oldest scan 1 evicted, remaining %v", nums)
	}
	if len(evicted) != 1 || evicted[0].Number != 1 {
		t.Fatalf("unexpected evictions: %+v", evicted)
	}
}

func TestStaleScanEvictedAndNeverWritten(t *testing.T) {
	reg, enr := newTestRegistry(t, Options{MatchWindow: time.Second, MaxPending: 100, FirstScanNumber: 5}, 1, 2, 3)
	handoff := reg.Handoff()

	// scan 5: crate 3 never reports
	mustIngest(t, reg, makeBundle(1, baseTime), Accepted)
	mustIngest(t, reg, makeBundle(2, baseTime), Accepted)
	reg.AttachMetadata(5, &enrich.Metadata{})

	for n := 6; n <= 16; n++ {
		at := baseTime.Add(time.Duration(n) * time.Minute)
		for _, crate := range []int{1, 2, 3} {
			mustIngest(t, reg, makeBundle(crate, at), Accepted)
		}
		for _, req := range enr.requests() {
			if req.Scan == uint64(n) {
				reg.AttachMetadata(req.Scan, &enrich.Metadata{})
			}
		}
	}

	for _, num := range reg.Numbers() {
		if num == 5 {
			t.Fatal("stale scan 5 still pending")
		}
	}
	for {
		sc, ok := handoff.TryPop()
		if !ok {
			break
		}
		if sc.Number == 5 {
			t.Fatal("stale scan 5 reached the writer")
		}
	}
	if handoff.Enqueued() != 11 {
		t.Fatalf("expected scans 6..16 handed off, got %d", handoff.Enqueued())
	}
}

func TestReceivedSubsetOfExpected(t *testing.T) {
	active := NewActiveCrates(1, 2)
	reg := NewRegistry(Options{Now: func() time.Time { return baseTime }}, active, NewHandoff(), Hooks{})
	reg.SetEnricher(&recordingEnricher{})
	mustIngest(t, reg, makeBundle(1, baseTime), Accepted)
	active.Set(1, 2, 3)
	status, err := reg.Ingest(makeBundle(3, baseTime))
	if status != UnexpectedProducer || !errors.Is(err, ErrUnexpectedProducer) {
		t.Fatalf("expected crate 3 rejected for scan created before activation, got %s", status)
	}
	info := reg.Snapshot()[0]
	if len(info.Expected) != 2 || len(info.Received) != 1 {
		t.Fatalf("unexpected snapshot %+v", info)
	}
}

func TestCompletionWaitsForHeader(t *testing.T) {
	reg, _ := newTestRegistry(t, Options{}, 1, 2)
	mustIngest(t, reg, makeBundle(1, baseTime), Accepted)
	mustIngest(t, reg, makeBundle(2, baseTime), Accepted)
	if reg.Handoff().Enqueued() != 0 {
		t.Fatal("scan handed off before enrichment finished")
	}
	if !reg.AttachMetadata(1, &enrich.Metadata{Source: "service"}) {
		t.Fatal("expected metadata to attach")
	}
	if reg.AttachMetadata(1, &enrich.Metadata{}) {
		t.Fatal("metadata attached twice")
	}
	sc, ok := reg.Handoff().TryPop()
	if !ok || sc.Number != 1 {
		t.Fatalf("expected scan 1 ready, got %v %v", sc, ok)
	}
	if sc.Metadata().Source != "service" {
		t.Fatalf("expected service metadata, got %+v", sc.Metadata())
	}
	if reg.Len() != 0 {
		t.Fatalf("ready scan still eligible for matching")
	}
}

func TestNoEnricherUsesDefaults(t *testing.T) {
	reg := NewRegistry(Options{Now: func() time.Time { return baseTime }}, NewActiveCrates(1), NewHandoff(), Hooks{})
	mustIngest(t, reg, makeBundle(1, baseTime), Accepted)
	sc, ok := reg.Handoff().TryPop()
	if !ok {
		t.Fatal("expected single-crate scan to be ready")
	}
	if md := sc.Metadata(); md == nil || !md.Degraded {
		t.Fatalf("expected degraded default metadata, got %+v", md)
	}
}

func TestEnqueueExactlyOnceUnderRace(t *testing.T) {
	for round := 0; round < 200; round++ {
		reg, _ := newTestRegistry(t, Options{}, 1, 2)
		mustIngest(t, reg, makeBundle(1, baseTime), Accepted)

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, _ = reg.Ingest(makeBundle(2, baseTime))
		}()
		go func() {
			defer wg.Done()
			<-start
			reg.AttachMetadata(1, &enrich.Metadata{})
		}()
		close(start)
		wg.Wait()

		if got := reg.Handoff().Enqueued(); got != 1 {
			t.Fatalf("round %d: expected exactly one enqueue, got %d", round, got)
		}
	}
}

func TestStalledWriterKeepsRegistryBounded(t *testing.T) {
	const maxPending = 3
	var evicted []uint64
	reg := NewRegistry(Options{MatchWindow: time.Second, MaxPending: maxPending, StaleScans: 100, Now: func() time.Time { return baseTime }},
		NewActiveCrates(1, 2), NewHandoff(), Hooks{
			OnEvict: func(info Info, reason EvictReason) {
				if reason != CapacityEvicted {
					t.Errorf("expected capacity eviction, got %s", reason)
				}
				evicted = append(evicted, info.Number)
			},
		})
	at := func(n int) time.Time { return baseTime.Add(time.Duration(n) * time.Minute) }
	complete := func(n int) {
		mustIngest(t, reg, makeBundle(1, at(n)), Accepted)
		mustIngest(t, reg, makeBundle(2, at(n)), Accepted)
	}
	checkBounds := func(step string) {
		if reg.Len() > maxPending || reg.Handoff().Len() > 1 {
			t.Fatalf("%s: registry=%d handoff=%d exceeds bounds", step, reg.Len(), reg.Handoff().Len())
		}
	}

	// The writer never pops: scan 1 holds the slot, 2 and 3 wait.
	for n := 1; n <= 3; n++ {
		complete(n)
		checkBounds("complete scans")
	}
	if reg.Waiting() != 2 || reg.Handoff().Enqueued() != 1 {
		t.Fatalf("expected 2 waiting and 1 handed off, got %d and %d", reg.Waiting(), reg.Handoff().Enqueued())
	}

	mustIngest(t, reg, makeBundle(1, at(4)), Accepted)
	mustIngest(t, reg, makeBundle(1, at(5)), Accepted)
	checkBounds("partial scans")
	if len(evicted) != 1 || evicted[0] != 2 {
		t.Fatalf("expected only the oldest scan 2 evicted, got %v", evicted)
	}
	if nums := reg.Numbers(); len(nums) != 3 || nums[0] != 3 || nums[1] != 4 || nums[2] != 5 {
		t.Fatalf("expected scans [3 4 5] pending, got %v", nums)
	}

	for n := 6; n <= 10; n++ {
		before := len(evicted)
		complete(n)
		checkBounds("more complete scans")
		if len(evicted)-before > 1 {
			t.Fatalf("scan %d evicted %d scans in one insertion", n, len(evicted)-before)
		}
	}

	var last uint64
	for {
		sc, ok := reg.Handoff().TryPop()
		if !ok {
			break
		}
		if sc.Number <= last {
			t.Fatalf("scan %d popped after %d", sc.Number, last)
		}
		last = sc.Number
	}
	if last != 10 {
		t.Fatalf("expected the newest scan 10 written last, got %d", last)
	}
	if reg.Waiting() != 0 {
		t.Fatalf("expected no waiting scans after draining, got %d", reg.Waiting())
	}
}

func TestWaitingScansReachWriterInCompletionOrder(t *testing.T) {
	reg, enr := newTestRegistry(t, Options{MatchWindow: time.Second, MaxPending: 10}, 1)
	for n := 0; n < 3; n++ {
		mustIngest(t, reg, makeBundle(1, baseTime.Add(time.Duration(n)*time.Minute)), Accepted)
	}
	// metadata lands out of order: scan 3 completes before scan 2.
	for _, num := range []uint64{1, 3, 2} {
		reg.AttachMetadata(num, &enrich.Metadata{})
	}
	if len(enr.requests()) != 3 {
		t.Fatalf("expected 3 enrichment requests, got %d", len(enr.requests()))
	}
	for _, want := range []uint64{1, 3, 2} {
		sc, ok := reg.Handoff().TryPop()
		if !ok || sc.Number != want {
			t.Fatalf("expected scan %d, got %v %v", want, sc, ok)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("expected registry empty, got %d", reg.Len())
	}
}

func TestNonFiniteBundleRejectedBeforeMatching(t *testing.T) {
	reg, enr := newTestRegistry(t, Options{}, 1)
	b := makeBundle(1, baseTime, 1, float32(math.Inf(1)))
	status, err := reg.Ingest(b)
	if status != Rejected || !errors.Is(err, ErrRejected) {
		t.Fatalf("expected Rejected, got %s (%v)", status, err)
	}
	if reg.Len() != 0 || len(enr.requests()) != 0 {
		t.Fatalf("rejected bundle created a scan")
	}
}
