package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"datacatcher/archive"
	"datacatcher/config"
	"datacatcher/enrich"
	"datacatcher/ingest"
	"datacatcher/metacache"
	"datacatcher/mir"
	"datacatcher/notify"
	"datacatcher/scan"
	"datacatcher/stats"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metaCachePurgeInterval = time.Hour

// pipeline owns every stage between the crate links and the output streams.
type pipeline struct {
	cfg *config.Config

	crates    *scan.ActiveCrates
	handoff   *scan.Handoff
	registry  *scan.Registry
	worker    *enrich.Worker
	metaCache *metacache.Store
	writer    *mir.Writer
	catalog   *archive.Catalog
	publisher *notify.Publisher
	server    *ingest.Server
	tracker   *stats.Tracker

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Purpose: Build every stage from config without starting goroutines.
// Key aspects: Optional stages (metadata cache, catalog, MQTT) stay nil when disabled.
// Upstream: main startup and pipeline tests.
// Downstream: package constructors for scan, enrich, metacache, mir, archive, notify, ingest.
func newPipeline(cfg *config.Config) (_ *pipeline, err error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &pipeline{
		cfg:     cfg,
		crates:  scan.NewActiveCrates(cfg.Crates.Active...),
		handoff: scan.NewHandoff(),
		tracker: stats.NewTracker(reg),
	}
	defer func() {
		if err != nil {
			p.closeStores()
		}
	}()

	p.registry = scan.NewRegistry(scan.Options{
		MatchWindow:     time.Duration(cfg.Registry.MatchWindowMS) * time.Millisecond,
		MaxPending:      cfg.Registry.MaxPending,
		StaleScans:      uint64(cfg.Registry.StaleScans),
		WidebandEnabled: cfg.Registry.WidebandEnabled,
		WidebandCrate:   cfg.Registry.WidebandCrate,
		FirstScanNumber: cfg.Registry.FirstScanNumber,
	}, p.crates, p.handoff, scan.Hooks{
		OnIngest: func(crate int, status scan.Status) {
			p.tracker.ObserveIngest(crate, status.String())
		},
		OnEvict: func(info scan.Info, reason scan.EvictReason) {
			p.tracker.ObserveEviction(reason.String())
		},
	})

	var source enrich.Source
	if url := strings.TrimSpace(cfg.Enrich.URL); url != "" {
		httpSource, err := enrich.NewHTTPSource(url, time.Duration(cfg.Enrich.TimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		source = httpSource
	}
	var cache enrich.Cache
	if cfg.MetaCache.Enabled {
		store, err := metacache.Open(cfg.MetaCache.Path, metacache.Options{
			CacheSizeBytes: int64(cfg.MetaCache.CacheSizeMB) << 20,
		})
		if err != nil {
			return nil, fmt.Errorf("metadata cache: %w", err)
		}
		p.metaCache = store
		cache = store
	}
	p.worker = enrich.NewWorker(source, cache, enrich.Options{
		Workers:    cfg.Enrich.Workers,
		QueueDepth: cfg.Enrich.QueueDepth,
		Timeout:    time.Duration(cfg.Enrich.TimeoutMS) * time.Millisecond,
		Retries:    cfg.EnrichRetries(),
		RetryDelay: time.Duration(cfg.Enrich.RetryDelayMS) * time.Millisecond,
	})

	p.writer, err = mir.NewWriter(mir.Options{
		Dir: cfg.Writer.OutputDir,
		Start: mir.Counters{
			Integration: cfg.Writer.StartIntegration,
			Baseline:    cfg.Writer.StartBaseline,
			Spectrum:    cfg.Writer.StartSpectrum,
		},
		Continuum: cfg.Writer.Continuum,
	})
	if err != nil {
		return nil, err
	}
	p.writer.AddSink(p.tracker)

	if cfg.Catalog.Enabled {
		p.catalog, err = archive.NewCatalog(cfg.Catalog)
		if err != nil {
			return nil, err
		}
		p.writer.AddSink(p.catalog)
	}
	if cfg.MQTT.Enabled {
		p.publisher, err = notify.NewPublisher(cfg.MQTT, cfg.Station.Name)
		if err != nil {
			log.Printf("Warning: MQTT notifications disabled: %v", err)
			p.publisher = nil
			err = nil
		} else {
			p.writer.AddSink(p.publisher)
		}
	}

	p.server = ingest.NewServer(ingest.Options{
		Listen:         cfg.Ingest.Listen,
		MaxConnections: cfg.Ingest.MaxConnections,
		MaxFrameBytes:  cfg.Ingest.MaxFrameBytes,
		ReadTimeout:    time.Duration(cfg.Ingest.ReadTimeoutSeconds) * time.Second,
	}, p.registry)
	return p, nil
}

// Purpose: Start stages downstream first so nothing is accepted before it can be written.
// Key aspects: The ingest listener starts last; a bind failure stops the rest.
// Upstream: main.
// Downstream: Worker.Start, Writer.Run, Catalog.Start, Server.Start.
func (p *pipeline) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	p.registry.SetEnricher(p.worker)
	p.worker.Start(p.registry)
	if p.catalog != nil {
		p.catalog.Start()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.writer.Run(ctx, p.handoff)
	}()

	if p.metaCache != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.purgeMetaCacheLoop(ctx)
		}()
	}

	if err := p.server.Start(); err != nil {
		p.Stop()
		return err
	}
	return nil
}

func (p *pipeline) purgeMetaCacheLoop(ctx context.Context) {
	retention := time.Duration(p.cfg.MetaCache.RetentionHours) * time.Hour
	ticker := time.NewTicker(metaCachePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.metaCache.PurgeOlderThan(time.Now().UTC().Add(-retention))
			if err != nil {
				log.Printf("Metadata cache: purge failed: %v", err)
			} else if n > 0 {
				log.Printf("Metadata cache: purged %d entries older than %s", n, retention)
			}
		}
	}
}

// Purpose: Stop ingest, drain ready scans, then close sinks and stores.
// Key aspects: Scans still pending (incomplete) at shutdown are not written.
// Upstream: main shutdown and pipeline tests.
// Downstream: Server.Stop, Writer.Drain, Catalog.Stop, Publisher.Stop, Store.Close.
func (p *pipeline) Stop() {
	p.stopOnce.Do(p.stop)
}

func (p *pipeline) stop() {
	p.server.Stop()
	p.worker.Stop()
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if n := p.writer.Drain(p.handoff); n > 0 {
		log.Printf("Writer: drained %d ready scans at shutdown", n)
	}
	if pending := p.registry.Len(); pending > 0 {
		log.Printf("Registry: %d incomplete scans discarded at shutdown", pending)
	}
	if err := p.writer.Close(); err != nil {
		log.Printf("Writer: close: %v", err)
	}
	p.closeStores()
}

func (p *pipeline) closeStores() {
	if p.catalog != nil {
		p.catalog.Stop()
	}
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.metaCache != nil {
		if err := p.metaCache.Close(); err != nil {
			log.Printf("Metadata cache: close: %v", err)
		}
	}
}

// reloadCrates re-reads the config source and swaps the active crate list.
// Scans already pending keep the crate set they were created with.
func (p *pipeline) reloadCrates() error {
	fresh, err := config.Load(p.cfg.LoadedFrom)
	if err != nil {
		return err
	}
	p.crates.Set(fresh.Crates.Active...)
	log.Printf("Registry: active crates now %v", fresh.Crates.Active)
	return nil
}

// rollSession starts a new output session.
func (p *pipeline) rollSession() (string, error) {
	return p.writer.NewSession()
}

func (p *pipeline) crateHealth(now time.Time) []crateHealthSnapshot {
	return collectCrateHealth(
		p.crates.ActiveCrates().Sorted(),
		p.server.Connections(),
		p.server.LastSeen(),
		p.tracker.IngestCounts(),
		time.Duration(p.cfg.Crates.IdleSeconds)*time.Second,
		now,
	)
}

func (p *pipeline) updateGauges() {
	p.tracker.SetQueueDepths(p.registry.Len(), p.handoff.Len(), p.worker.QueueLen())
}
