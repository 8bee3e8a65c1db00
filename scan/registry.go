// Package scan reconciles bundles from many concurrent crates into complete
// scans. The Registry matches each bundle to a pending scan by time window,
// merges Hi-Res daisy chains, evicts stale or excess scans, and hands each
// completed, enriched scan to the writer exactly once.
package scan

import (
	"container/list"
	"fmt"
	"log"
	"sync"
	"time"

	"datacatcher/bundle"
	"datacatcher/enrich"
)

const (
	defaultMatchWindow = 2 * time.Second
	defaultMaxPending  = 8
	defaultStaleScans  = 10
)

// Options controls matching and eviction. Zero values are replaced with
// defaults by sanitizeOptions.
type Options struct {
	MatchWindow time.Duration
	MaxPending  int
	// StaleScans is the scan-number horizon: a pending scan this many
	// numbers behind the newest one is evicted.
	StaleScans uint64
	// WidebandEnabled turns on the wideband producer exception: bundles from
	// WidebandCrate match the first pending scan regardless of time distance.
	WidebandEnabled bool
	WidebandCrate   int
	// FirstScanNumber is the number given to the first scan created.
	FirstScanNumber uint64
	Now             func() time.Time
}

func sanitizeOptions(opts Options) Options {
	if opts.MatchWindow <= 0 {
		opts.MatchWindow = defaultMatchWindow
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	if opts.StaleScans == 0 {
		opts.StaleScans = defaultStaleScans
	}
	if opts.FirstScanNumber == 0 {
		opts.FirstScanNumber = 1
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return opts
}

// Enricher receives one request per created scan. Submit must not block; it
// returns false when the request could not be queued.
type Enricher interface {
	Submit(req enrich.Request) bool
}

// Hooks are optional observers invoked outside the registry lock.
type Hooks struct {
	OnIngest func(crate int, status Status)
	OnEvict  func(info Info, reason EvictReason)
	OnReady  func(s *Scan)
}

// Registry is the in-memory collection of in-flight scans. Every field below
// mu is guarded by it; no PendingScan is read or mutated without it.
type Registry struct {
	opts     Options
	crates   CrateSource
	hooks    Hooks
	handoff  *Handoff
	enricher Enricher

	mu       sync.Mutex
	pending  *list.List // of *Scan, insertion order
	byNumber map[uint64]*Scan
	// waiting holds complete scans, in completion order, that are still in
	// pending because the handoff slot is occupied.
	waiting []*Scan
	next    uint64
}

// NewRegistry builds a registry that hands completed scans to handoff.
func NewRegistry(opts Options, crates CrateSource, handoff *Handoff, hooks Hooks) *Registry {
	opts = sanitizeOptions(opts)
	if handoff == nil {
		handoff = NewHandoff()
	}
	r := &Registry{
		opts:     opts,
		crates:   crates,
		hooks:    hooks,
		handoff:  handoff,
		pending:  list.New(),
		byNumber: make(map[uint64]*Scan),
		next:     opts.FirstScanNumber,
	}
	handoff.setRefill(r.promote)
	return r
}

// SetEnricher installs the enrichment stage. Without one, scans are marked
// header-ready with default metadata at creation.
func (r *Registry) SetEnricher(e Enricher) {
	r.mu.Lock()
	r.enricher = e
	r.mu.Unlock()
}

// Handoff returns the queue feeding the writer.
func (r *Registry) Handoff() *Handoff {
	return r.handoff
}

// Options returns the sanitized options in effect.
func (r *Registry) Options() Options {
	return r.opts
}

type eviction struct {
	info   Info
	reason EvictReason
}

// Ingest files one bundle. It never blocks on the enrichment or writer
// stages: it returns as soon as the bundle copy is stored.
func (r *Registry) Ingest(b *bundle.Bundle) (Status, error) {
	if err := b.Validate(); err != nil {
		log.Printf("Registry: rejecting bundle: %v", err)
		r.observe(-1, Rejected)
		return Rejected, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	active := r.crates.ActiveCrates()
	if !active.Has(b.Crate) {
		log.Printf("Registry: bundle from inactive crate %d discarded", b.Crate)
		r.observe(b.Crate, UnexpectedProducer)
		return UnexpectedProducer, ErrUnexpectedProducer
	}

	now := r.opts.Now()
	var (
		evicted  []eviction
		created  *Scan
		ready    *Scan
		enricher Enricher
	)

	r.mu.Lock()
	evicted = r.evictStaleLocked(now, evicted)
	sc, wideband := r.matchLocked(b)
	if sc != nil {
		if _, dup := sc.received[b.Crate]; dup {
			r.mu.Unlock()
			r.reportEvictions(evicted)
			log.Printf("Registry: redundant bundle from crate %d for scan %d discarded", b.Crate, sc.Number)
			r.observe(b.Crate, RedundantFragment)
			return RedundantFragment, ErrRedundantFragment
		}
		if !sc.expected.Has(b.Crate) {
			r.mu.Unlock()
			r.reportEvictions(evicted)
			log.Printf("Registry: crate %d was not active when scan %d was created; bundle discarded", b.Crate, sc.Number)
			r.observe(b.Crate, UnexpectedProducer)
			return UnexpectedProducer, ErrUnexpectedProducer
		}
		if wideband {
			log.Printf("Registry: wideband crate %d matched scan %d unconditionally (dt=%s)", b.Crate, sc.Number, b.Time.Sub(sc.FirstTime))
		}
	} else {
		evicted = r.makeRoomLocked(now, evicted)
		sc = newScan(r.next, b, active, now)
		r.next++
		sc.elem = r.pending.PushBack(sc)
		r.byNumber[sc.Number] = sc
		created = sc
		enricher = r.enricher
	}
	sc.storeLocked(normalizeChain(b.Clone()))
	if r.checkCompleteLocked(sc, now) {
		ready = sc
	}
	r.mu.Unlock()

	r.reportEvictions(evicted)
	r.observe(b.Crate, Accepted)
	if ready != nil && r.hooks.OnReady != nil {
		r.hooks.OnReady(ready)
	}
	if created != nil {
		r.requestEnrichment(enricher, created)
	}
	return Accepted, nil
}

func normalizeChain(b *bundle.Bundle) *bundle.Bundle {
	if !b.Chain.Valid() {
		log.Printf("Registry: crate %d sent invalid chaining %+v; treating as normal", b.Crate, b.Chain)
		b.Chain = bundle.Normal
	}
	return b
}

// matchLocked returns the first pending scan within the match window. The
// wideband crate matches the first pending scan unconditionally; the second
// result reports that the exception was used.
func (r *Registry) matchLocked(b *bundle.Bundle) (*Scan, bool) {
	if r.opts.WidebandEnabled && b.Crate == r.opts.WidebandCrate {
		if front := r.pending.Front(); front != nil {
			sc := front.Value.(*Scan)
			return sc, absDuration(b.Time.Sub(sc.FirstTime)) > r.opts.MatchWindow
		}
		return nil, false
	}
	for e := r.pending.Front(); e != nil; e = e.Next() {
		sc := e.Value.(*Scan)
		if absDuration(b.Time.Sub(sc.FirstTime)) <= r.opts.MatchWindow {
			return sc, false
		}
	}
	return nil, false
}

// evictStaleLocked drops scans that fell StaleScans numbers behind the most
// recently created scan.
func (r *Registry) evictStaleLocked(now time.Time, out []eviction) []eviction {
	if r.next == r.opts.FirstScanNumber {
		return out
	}
	latest := r.next - 1
	for e := r.pending.Front(); e != nil; {
		next := e.Next()
		sc := e.Value.(*Scan)
		if latest-sc.Number >= r.opts.StaleScans {
			out = append(out, r.evictLocked(sc, StaleScanEvicted, now))
		}
		e = next
	}
	return out
}

// makeRoomLocked evicts the single oldest pending scan when inserting one
// more would exceed MaxPending. Complete scans waiting for the handoff slot
// count toward the limit and are evicted like any other.
func (r *Registry) makeRoomLocked(now time.Time, out []eviction) []eviction {
	if r.pending.Len() < r.opts.MaxPending {
		return out
	}
	oldest := r.pending.Front().Value.(*Scan)
	return append(out, r.evictLocked(oldest, CapacityEvicted, now))
}

func (r *Registry) evictLocked(sc *Scan, reason EvictReason, now time.Time) eviction {
	ev := eviction{info: sc.info(now), reason: reason}
	if sc.queued {
		r.dropWaitingLocked(sc)
	}
	r.removeLocked(sc)
	sc.release()
	return ev
}

func (r *Registry) removeLocked(sc *Scan) {
	if sc.elem != nil {
		r.pending.Remove(sc.elem)
		sc.elem = nil
	}
	delete(r.byNumber, sc.Number)
}

func (r *Registry) dropWaitingLocked(sc *Scan) {
	for i, w := range r.waiting {
		if w == sc {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return
		}
	}
}

// checkCompleteLocked queues the scan for the writer on the first call where
// received == expected and the header is ready. queued makes the transition
// happen at most once regardless of which event arrives last. The scan stays
// in the registry until the handoff slot can take it.
func (r *Registry) checkCompleteLocked(sc *Scan, now time.Time) bool {
	if sc.queued || !sc.complete() || !sc.headerReady {
		return false
	}
	sc.queued = true
	sc.readyAt = now
	sc.finishIncompleteHiresLocked()
	r.waiting = append(r.waiting, sc)
	r.promoteLocked()
	return true
}

// promote runs after the writer empties the handoff slot.
func (r *Registry) promote() {
	r.mu.Lock()
	r.promoteLocked()
	r.mu.Unlock()
}

// promoteLocked moves the earliest completed scan into the handoff slot if
// it is free. Lock order is registry before handoff.
func (r *Registry) promoteLocked() {
	if len(r.waiting) == 0 {
		return
	}
	sc := r.waiting[0]
	if !r.handoff.offer(sc) {
		return
	}
	r.waiting[0] = nil
	r.waiting = r.waiting[1:]
	r.removeLocked(sc)
}

// AttachMetadata completes enrichment for a scan. Scans evicted in the
// meantime are ignored.
func (r *Registry) AttachMetadata(number uint64, md *enrich.Metadata) bool {
	if md == nil {
		md = enrich.Defaults(r.opts.Now())
	}
	now := r.opts.Now()
	r.mu.Lock()
	sc, ok := r.byNumber[number]
	if !ok {
		r.mu.Unlock()
		log.Printf("Registry: metadata for scan %d arrived after it left the registry", number)
		return false
	}
	if sc.headerReady {
		r.mu.Unlock()
		return false
	}
	sc.meta = md
	sc.headerReady = true
	readied := r.checkCompleteLocked(sc, now)
	r.mu.Unlock()
	if readied && r.hooks.OnReady != nil {
		r.hooks.OnReady(sc)
	}
	return true
}

func (r *Registry) requestEnrichment(e Enricher, sc *Scan) {
	req := enrich.Request{Scan: sc.Number, Start: sc.FirstTime, Duration: sc.Duration}
	if e != nil && e.Submit(req) {
		return
	}
	if e != nil {
		log.Printf("Registry: enrichment queue full; scan %d continues with default metadata", sc.Number)
	}
	r.AttachMetadata(sc.Number, enrich.Defaults(r.opts.Now()))
}

func (r *Registry) reportEvictions(evs []eviction) {
	for _, ev := range evs {
		log.Printf("Registry: scan %d evicted (%s) without being written; received %v of %v",
			ev.info.Number, ev.reason, ev.info.Received, ev.info.Expected)
		if r.hooks.OnEvict != nil {
			r.hooks.OnEvict(ev.info, ev.reason)
		}
	}
}

func (r *Registry) observe(crate int, st Status) {
	if r.hooks.OnIngest != nil {
		r.hooks.OnIngest(crate, st)
	}
}

// Len returns the number of scans in the registry, including complete scans
// waiting for the handoff slot.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Len()
}

// Waiting returns how many complete scans are waiting for the handoff slot.
func (r *Registry) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}

// Numbers returns pending scan numbers in insertion order.
func (r *Registry) Numbers() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, r.pending.Len())
	for e := r.pending.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Scan).Number)
	}
	return out
}

// Snapshot summarizes the pending scans for status output.
func (r *Registry) Snapshot() []Info {
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, r.pending.Len())
	for e := r.pending.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Scan).info(now))
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
