package archive

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"datacatcher/config"
	"datacatcher/mir"

	_ "modernc.org/sqlite"
)

// Catalog records every written integration in SQLite asynchronously.
// The writer goroutine never blocks on it: backpressure drops catalog rows
// and counts them.
type Catalog struct {
	cfg       config.CatalogConfig
	db        *sql.DB
	queue     chan mir.Written
	stop      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	dropCount atomic.Uint64
	inserted  atomic.Uint64
	now       func() time.Time
}

// NewCatalog preflights and opens the SQLite database; call Start to begin processing.
func NewCatalog(cfg config.CatalogConfig) (*Catalog, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("archive: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}
	if _, err := os.Stat(cfg.DBPath); err == nil {
		timeout := time.Duration(cfg.PreflightTimeoutMS) * time.Millisecond
		if _, err := Preflight(cfg.DBPath, timeout, nil); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 1000
	}
	if _, err := db.Exec(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=` + strconv.Itoa(busy)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.BatchIntervalMS <= 0 {
		cfg.BatchIntervalMS = 500
	}
	return &Catalog{
		cfg:   cfg,
		db:    db,
		queue: make(chan mir.Written, cfg.QueueSize),
		stop:  make(chan struct{}),
		now:   time.Now,
	}, nil
}

// Start launches the insert and cleanup loops.
func (c *Catalog) Start() {
	c.wg.Add(2)
	go c.insertLoop()
	go c.cleanupLoop()
}

// Stop drains queued rows, stops the loops and closes the database.
func (c *Catalog) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		_ = c.db.Close()
	})
}

// ScanWritten queues a row without blocking; drops on a full queue.
func (c *Catalog) ScanWritten(w mir.Written) {
	if c == nil {
		return
	}
	select {
	case c.queue <- w:
	default:
		if n := c.dropCount.Add(1); n == 1 || n%100 == 0 {
			log.Printf("Catalog: queue full, dropped %d rows so far", n)
		}
	}
}

// Dropped returns the number of rows lost to backpressure.
func (c *Catalog) Dropped() uint64 { return c.dropCount.Load() }

// Inserted returns the number of rows committed.
func (c *Catalog) Inserted() uint64 { return c.inserted.Load() }

func (c *Catalog) insertLoop() {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.BatchIntervalMS) * time.Millisecond
	batch := make([]mir.Written, 0, c.cfg.BatchSize)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-c.stop:
			for {
				select {
				case w := <-c.queue:
					batch = append(batch, w)
				default:
					c.flush(batch)
					return
				}
			}
		case w := <-c.queue:
			batch = append(batch, w)
			if len(batch) >= c.cfg.BatchSize {
				c.flush(batch)
				batch = batch[:0]
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(interval)
			}
		case <-timer.C:
			if len(batch) > 0 {
				c.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(interval)
		}
	}
}

func (c *Catalog) flush(batch []mir.Written) {
	if len(batch) == 0 {
		return
	}
	tx, err := c.db.Begin()
	if err != nil {
		log.Printf("Catalog: begin tx: %v", err)
		return
	}
	stmt, err := tx.Prepare(`insert or replace into integrations(session, integration, scan, ts, first_baseline, baselines, first_spectrum, spectra, flat_spectra, crates, payload_offset, payload_length, checksum, degraded, metadata_source, written_at) values(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		log.Printf("Catalog: prepare: %v", err)
		_ = tx.Rollback()
		return
	}
	var ok uint64
	for _, w := range batch {
		if _, err := stmt.Exec(
			w.Session,
			w.Integration,
			int64(w.Scan),
			w.Time.UTC().UnixNano(),
			w.FirstBaseline,
			w.Baselines,
			w.FirstSpectrum,
			w.Spectra,
			w.FlatSpectra,
			joinCrates(w.Crates),
			w.PayloadOffset,
			w.PayloadLength,
			int64(w.Checksum),
			boolToInt(w.Degraded),
			w.MetadataSource,
			w.WrittenAt.UTC().Unix(),
		); err != nil {
			log.Printf("Catalog: insert integration %d failed: %v", w.Integration, err)
			continue
		}
		ok++
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		log.Printf("Catalog: commit: %v", err)
		return
	}
	c.inserted.Add(ok)
}

func (c *Catalog) cleanupLoop() {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanupOnce()
		}
	}
}

// cleanupOnce deletes rows written before the retention cutoff.
func (c *Catalog) cleanupOnce() int64 {
	if c.cfg.RetentionDays <= 0 {
		return 0
	}
	cutoff := c.now().UTC().Add(-time.Duration(c.cfg.RetentionDays) * 24 * time.Hour).Unix()
	res, err := c.db.Exec(`delete from integrations where written_at < ?`, cutoff)
	if err != nil {
		log.Printf("Catalog: cleanup: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("Catalog: removed %d rows older than %d days", n, c.cfg.RetentionDays)
	}
	return n
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists integrations (
		session text not null,
		integration integer not null,
		scan integer,
		ts integer,
		first_baseline integer,
		baselines integer,
		first_spectrum integer,
		spectra integer,
		flat_spectra integer,
		crates text,
		payload_offset integer,
		payload_length integer,
		checksum integer,
		degraded integer,
		metadata_source text,
		written_at integer,
		primary key (session, integration)
	);
	create index if not exists idx_integrations_written on integrations(written_at);
	create index if not exists idx_integrations_scan on integrations(scan);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("archive: schema: %w", err)
	}
	return nil
}

// Recent returns the most recent N catalog rows, newest first.
func (c *Catalog) Recent(limit int) ([]mir.Written, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("archive: catalog is nil")
	}
	if limit <= 0 {
		return []mir.Written{}, nil
	}
	rows, err := c.db.Query(`select session, integration, scan, ts, first_baseline, baselines, first_spectrum, spectra, flat_spectra, crates, payload_offset, payload_length, checksum, degraded, metadata_source, written_at from integrations order by written_at desc, integration desc limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()

	results := make([]mir.Written, 0, limit)
	for rows.Next() {
		var (
			w         mir.Written
			scan      int64
			ts        int64
			crates    string
			checksum  int64
			degraded  int
			writtenAt int64
		)
		if err := rows.Scan(&w.Session, &w.Integration, &scan, &ts, &w.FirstBaseline, &w.Baselines, &w.FirstSpectrum,
			&w.Spectra, &w.FlatSpectra, &crates, &w.PayloadOffset, &w.PayloadLength, &checksum, &degraded,
			&w.MetadataSource, &writtenAt); err != nil {
			return nil, fmt.Errorf("archive: scan recent: %w", err)
		}
		w.Scan = uint64(scan)
		w.Time = time.Unix(0, ts).UTC()
		w.Crates = splitCrates(crates)
		w.Checksum = uint64(checksum)
		w.Degraded = degraded > 0
		w.WrittenAt = time.Unix(writtenAt, 0).UTC()
		results = append(results, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate recent: %w", err)
	}
	return results, nil
}

func joinCrates(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func splitCrates(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if id, err := strconv.Atoi(p); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
