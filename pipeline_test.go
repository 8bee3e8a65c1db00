package main

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"datacatcher/bundle"
	"datacatcher/config"
	"datacatcher/ingest"
	"datacatcher/mir"
)

var pipelineTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// newTestPipeline writes a config directory, builds and starts the pipeline on
// a loopback port and stops it at cleanup. extra lands in a second yaml file
// merged over the base one. The base file path is returned.
func newTestPipeline(t *testing.T, extra string) (*pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	body := `station:
  name: "test-catcher"
crates:
  active: [1, 2]
ingest:
  listen: "127.0.0.1:0"
writer:
  output_dir: "` + filepath.Join(dir, "mir") + `"
catalog:
  enabled: true
  db_path: "` + filepath.Join(dir, "catalog.db") + `"
  batch_size: 1
  batch_interval_ms: 20
metadata_cache:
  enabled: true
  path: "` + filepath.Join(dir, "metacache") + `"
`
	path := filepath.Join(cfgDir, "catcher.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if extra != "" {
		if err := os.WriteFile(filepath.Join(cfgDir, "zz-extra.yaml"), []byte(extra), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	cfg, err := config.Load(cfgDir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	p, err := newPipeline(cfg)
	if err != nil {
		t.Fatalf("newPipeline() error: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, path
}

func crateBundle(crate int, at time.Time) *bundle.Bundle {
	return &bundle.Bundle{
		Crate:    crate,
		Block:    1,
		Time:     at,
		Duration: 30 * time.Second,
		Visibilities: []bundle.Visibility{{
			Ant1: crate, Ant2: crate + 2, Sideband: bundle.LSB, Pol: bundle.PolRR, Chunk: crate,
			Real: []float32{0.5, 1, -0.25, 2},
			Imag: []float32{0, -1, 0.75, 1},
		}},
	}
}

type crateLink struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialCrate(t *testing.T, p *pipeline) *crateLink {
	t.Helper()
	conn, err := net.Dial("tcp", p.server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &crateLink{conn: conn, reader: bufio.NewReader(conn)}
}

func (l *crateLink) send(t *testing.T, b *bundle.Bundle) byte {
	t.Helper()
	if err := ingest.WriteFrame(l.conn, b, true); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	_ = l.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	code, err := ingest.ReadReply(l.reader)
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	return code
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipelineWritesCompleteScan(t *testing.T) {
	p, _ := newTestPipeline(t, "")
	link := dialCrate(t, p)

	if code := link.send(t, crateBundle(1, pipelineTime)); code != ingest.ReplyAccepted {
		t.Fatalf("crate 1: expected accepted, got %d", code)
	}
	if code := link.send(t, crateBundle(2, pipelineTime.Add(300*time.Millisecond))); code != ingest.ReplyAccepted {
		t.Fatalf("crate 2: expected accepted, got %d", code)
	}

	waitFor(t, "scan written", func() bool { return p.writer.Stats().Written == 1 })
	waitFor(t, "catalog insert", func() bool { return p.catalog.Inserted() == 1 })

	rows, err := p.catalog.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(rows) != 1 || rows[0].Scan != 1 || rows[0].Spectra != 2 || !rows[0].Degraded {
		t.Fatalf("unexpected catalog rows: %+v", rows)
	}
	if got := p.tracker.ScansWritten(); got != 1 {
		t.Fatalf("expected tracker to count 1 scan, got %d", got)
	}

	_, sessionDir := p.writer.Session()
	p.Stop()

	data, err := mir.ReadSession(sessionDir)
	if err != nil {
		t.Fatalf("ReadSession() error: %v", err)
	}
	if err := data.Verify(); err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if len(data.Integrations) != 1 || len(data.Baselines) != 2 || len(data.Spectra) != 2 {
		t.Fatalf("unexpected record counts: in=%d bl=%d sp=%d",
			len(data.Integrations), len(data.Baselines), len(data.Spectra))
	}
}

func TestPipelineRepliesRedundantAndUnexpected(t *testing.T) {
	p, _ := newTestPipeline(t, "")
	link := dialCrate(t, p)

	if code := link.send(t, crateBundle(1, pipelineTime)); code != ingest.ReplyAccepted {
		t.Fatalf("expected accepted, got %d", code)
	}
	if code := link.send(t, crateBundle(1, pipelineTime)); code != ingest.ReplyRedundant {
		t.Fatalf("expected redundant, got %d", code)
	}
	if code := link.send(t, crateBundle(7, pipelineTime)); code != ingest.ReplyUnexpected {
		t.Fatalf("expected unexpected producer, got %d", code)
	}
	if p.registry.Len() != 1 {
		t.Fatalf("expected one pending scan, got %d", p.registry.Len())
	}
	if p.writer.Stats().Written != 0 {
		t.Fatalf("incomplete scan must not be written")
	}
}

func TestPipelineStopDiscardsIncompleteScans(t *testing.T) {
	p, _ := newTestPipeline(t, "")
	link := dialCrate(t, p)
	link.send(t, crateBundle(1, pipelineTime))
	waitFor(t, "metadata attached", func() bool {
		snap := p.registry.Snapshot()
		return len(snap) == 1 && snap[0].HeaderReady
	})

	p.Stop()
	if got := p.writer.Stats().Written; got != 0 {
		t.Fatalf("expected no scans written at shutdown, got %d", got)
	}
}

func TestPipelineReloadCrates(t *testing.T) {
	p, path := newTestPipeline(t, "")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	updated := strings.Replace(string(raw), "active: [1, 2]", "active: [1, 2, 3]", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := p.reloadCrates(); err != nil {
		t.Fatalf("reloadCrates() error: %v", err)
	}
	if got := p.crates.ActiveCrates().Sorted(); len(got) != 3 || got[2] != 3 {
		t.Fatalf("expected crates [1 2 3], got %v", got)
	}

	link := dialCrate(t, p)
	if code := link.send(t, crateBundle(3, pipelineTime)); code != ingest.ReplyAccepted {
		t.Fatalf("expected crate 3 to be accepted after reload, got %d", code)
	}
}

func TestPipelineRollSessionResetsCounters(t *testing.T) {
	p, _ := newTestPipeline(t, "writer:\n  start_integration: 100\n")
	before, _ := p.writer.Session()
	link := dialCrate(t, p)
	link.send(t, crateBundle(1, pipelineTime))
	link.send(t, crateBundle(2, pipelineTime))
	waitFor(t, "scan written", func() bool { return p.writer.Stats().Written == 1 })
	if got := p.writer.Counters().Integration; got != 101 {
		t.Fatalf("expected next integration 101, got %d", got)
	}

	after, err := p.rollSession()
	if err != nil {
		t.Fatalf("rollSession() error: %v", err)
	}
	if after == before {
		t.Fatalf("expected a new session id, still %s", after)
	}
	if got := p.writer.Counters().Integration; got != 100 {
		t.Fatalf("expected counters reset to 100, got %d", got)
	}
}
