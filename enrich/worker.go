package enrich

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueDepth = 64
	defaultTimeout    = 2 * time.Second
	defaultRetryDelay = 250 * time.Millisecond
)

var errEmptyResponse = errors.New("enrich: empty metadata response")

// Cache keeps the last good metadata. metacache.Store satisfies it.
type Cache interface {
	Put(scan uint64, md *Metadata) error
	Latest() (*Metadata, error)
}

// Attacher receives the metadata for a scan. scan.Registry satisfies it.
type Attacher interface {
	AttachMetadata(number uint64, md *Metadata) bool
}

// Options tunes the worker. Zero values are replaced with defaults; Retries
// is taken as given (zero means a single attempt).
type Options struct {
	Workers    int
	QueueDepth int
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Now        func() time.Time
}

// Stats are cumulative worker counters.
type Stats struct {
	Fetched  uint64 `json:"fetched"`
	Degraded uint64 `json:"degraded"`
	Rejected uint64 `json:"rejected"`
}

// Worker drains enrichment requests on its own goroutines so the registry
// never waits on the metadata service.
type Worker struct {
	source   Source
	cache    Cache
	attacher Attacher
	opts     Options

	requests chan Request
	shutdown chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	lastGood atomic.Pointer[Metadata]
	fetched  atomic.Uint64
	degraded atomic.Uint64
	rejected atomic.Uint64
}

// NewWorker builds a worker. source may be nil, in which case every scan
// receives cached or default metadata. cache may be nil.
func NewWorker(source Source, cache Cache, opts Options) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Worker{
		source:   source,
		cache:    cache,
		opts:     opts,
		requests: make(chan Request, opts.QueueDepth),
		shutdown: make(chan struct{}),
	}
}

// Start launches the worker goroutines delivering results to a.
func (w *Worker) Start(a Attacher) {
	w.attacher = a
	log.Printf("Enrichment: starting %d worker(s), queue %d, timeout %s, retries %d",
		w.opts.Workers, w.opts.QueueDepth, w.opts.Timeout, w.opts.Retries)
	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Add(1)
		go w.process()
	}
}

// Stop signals the workers to exit and waits for in-flight fetches.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		log.Println("Enrichment: Stopping...")
		close(w.shutdown)
	})
	w.wg.Wait()
}

// Submit queues a request without blocking. It returns false when the queue
// is full or the worker is stopping.
func (w *Worker) Submit(req Request) bool {
	select {
	case <-w.shutdown:
		w.rejected.Add(1)
		return false
	default:
	}
	select {
	case w.requests <- req:
		return true
	default:
		w.rejected.Add(1)
		return false
	}
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Fetched:  w.fetched.Load(),
		Degraded: w.degraded.Load(),
		Rejected: w.rejected.Load(),
	}
}

// QueueLen returns the number of requests waiting for a worker.
func (w *Worker) QueueLen() int {
	return len(w.requests)
}

func (w *Worker) process() {
	defer w.wg.Done()
	for {
		select {
		case <-w.shutdown:
			return
		case req := <-w.requests:
			md := w.Resolve(req)
			if w.attacher != nil {
				w.attacher.AttachMetadata(req.Scan, md)
			}
		}
	}
}

// Resolve produces metadata for one request: the service result when a fetch
// succeeds within the retry budget, else the last good copy, else defaults.
func (w *Worker) Resolve(req Request) *Metadata {
	md, err := w.fetch(req)
	if err == nil {
		md.FetchedAt = w.opts.Now()
		md.Source = "service"
		md.Degraded = false
		w.fetched.Add(1)
		w.lastGood.Store(md)
		if w.cache != nil {
			if err := w.cache.Put(req.Scan, md); err != nil {
				log.Printf("Enrichment: caching metadata for scan %d failed: %v", req.Scan, err)
			}
		}
		return md
	}

	w.degraded.Add(1)
	fallback := w.fallback()
	log.Printf("Enrichment: scan %d metadata fetch failed after %d attempt(s): %v; using %s values",
		req.Scan, w.opts.Retries+1, err, fallback.Source)
	return fallback
}

func (w *Worker) fetch(req Request) (*Metadata, error) {
	if w.source == nil {
		return nil, ErrNoSource
	}
	var lastErr error
	for attempt := 0; attempt <= w.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-w.shutdown:
				return nil, lastErr
			case <-time.After(w.opts.RetryDelay):
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.Timeout)
		md, err := w.source.Fetch(ctx, req.Start, req.Duration)
		cancel()
		if err == nil && md == nil {
			err = errEmptyResponse
		}
		if err == nil {
			return md, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// fallback returns a private degraded copy of the last good metadata, checking
// memory first and then the persistent cache.
func (w *Worker) fallback() *Metadata {
	last := w.lastGood.Load()
	if last == nil && w.cache != nil {
		cached, err := w.cache.Latest()
		if err != nil {
			log.Printf("Enrichment: reading cached metadata failed: %v", err)
		}
		if cached != nil {
			w.lastGood.CompareAndSwap(nil, cached)
			last = cached
		}
	}
	if last == nil {
		return Defaults(w.opts.Now())
	}
	md := last.Clone()
	md.Degraded = true
	md.Source = "cache"
	return md
}
