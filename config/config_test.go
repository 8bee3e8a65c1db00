package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.yaml", `station:
  name: "sma-catcher"
crates:
  active: [1, 2, 3]
registry:
  match_window_ms: 1500
`)
	writeFile(t, dir, "registry.yaml", `registry:
  max_pending: 4
  wideband_enabled: true
  wideband_crate: 3
`)
	writeFile(t, dir, "notes.txt", "not yaml: [")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := filepath.Clean(cfg.LoadedFrom); got != filepath.Clean(dir) {
		t.Fatalf("expected LoadedFrom=%s, got %s", dir, got)
	}
	if cfg.Station.Name != "sma-catcher" {
		t.Fatalf("expected station.name from app.yaml, got %q", cfg.Station.Name)
	}
	if cfg.Registry.MatchWindowMS != 1500 {
		t.Fatalf("expected match window to survive merge, got %d", cfg.Registry.MatchWindowMS)
	}
	if cfg.Registry.MaxPending != 4 || !cfg.Registry.WidebandEnabled || cfg.Registry.WidebandCrate != 3 {
		t.Fatalf("expected registry.yaml to merge, got %+v", cfg.Registry)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "catcher.yaml", "crates:\n  active: [1]\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Registry.MatchWindowMS != 2000 || cfg.Registry.MaxPending != 8 || cfg.Registry.StaleScans != 10 {
		t.Fatalf("unexpected registry defaults: %+v", cfg.Registry)
	}
	if cfg.Registry.FirstScanNumber != 1 {
		t.Fatalf("expected first scan number 1, got %d", cfg.Registry.FirstScanNumber)
	}
	if cfg.EnrichRetries() != 1 || cfg.Enrich.TimeoutMS != 2000 {
		t.Fatalf("unexpected enrichment defaults: retries=%d timeout=%d", cfg.EnrichRetries(), cfg.Enrich.TimeoutMS)
	}
	if cfg.Catalog.BatchSize != 32 || cfg.Catalog.RetentionDays != 90 {
		t.Fatalf("unexpected catalog defaults: %+v", cfg.Catalog)
	}
	if cfg.MQTT.ClientID != "datacatcher" || cfg.MQTT.Topic != "datacatcher/scans" {
		t.Fatalf("unexpected mqtt defaults: %+v", cfg.MQTT)
	}
}

func TestLoadKeepsExplicitZeroRetries(t *testing.T) {
	path := writeFile(t, t.TempDir(), "catcher.yaml", "crates:\n  active: [1]\nenrichment:\n  retries: 0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.EnrichRetries() != 0 {
		t.Fatalf("expected explicit retries=0 to be kept, got %d", cfg.EnrichRetries())
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"no crates":         "station:\n  name: x\n",
		"duplicate crate":   "crates:\n  active: [1, 1]\n",
		"wideband inactive": "crates:\n  active: [1, 2]\nregistry:\n  wideband_enabled: true\n  wideband_crate: 9\n",
		"mqtt no broker":    "crates:\n  active: [1]\nmqtt:\n  enabled: true\n",
		"bad qos":           "crates:\n  active: [1]\nmqtt:\n  qos: 3\n",
		"negative start":    "crates:\n  active: [1]\nwriter:\n  start_spectrum: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "catcher.yaml", body)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}

func TestLoadEmptyDirectory(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "no yaml files") {
		t.Fatalf("expected empty directory error, got %v", err)
	}
}
