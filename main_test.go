package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"datacatcher/mir"
	"datacatcher/scan"
)

func TestLoadCatcherConfigPrefersExplicitPath(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "explicit.yaml")
	if err := os.WriteFile(explicit, []byte("crates:\n  active: [4]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	envFile := filepath.Join(dir, "env.yaml")
	if err := os.WriteFile(envFile, []byte("crates:\n  active: [9]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(envConfigPath, envFile)

	cfg, source, err := loadCatcherConfig(explicit)
	if err != nil {
		t.Fatalf("loadCatcherConfig() error: %v", err)
	}
	if source != explicit || len(cfg.Crates.Active) != 1 || cfg.Crates.Active[0] != 4 {
		t.Fatalf("expected explicit config, got source=%s crates=%v", source, cfg.Crates.Active)
	}

	cfg, source, err = loadCatcherConfig("")
	if err != nil {
		t.Fatalf("loadCatcherConfig() error: %v", err)
	}
	if source != envFile || cfg.Crates.Active[0] != 9 {
		t.Fatalf("expected env config, got source=%s crates=%v", source, cfg.Crates.Active)
	}
}

func TestLoadCatcherConfigReportsMissing(t *testing.T) {
	wd, wdErr := os.Getwd()
	if wdErr != nil {
		t.Fatalf("getwd: %v", wdErr)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv(envConfigPath, "")
	_, _, err := loadCatcherConfig("")
	if err == nil || !strings.Contains(err.Error(), defaultConfigPath) {
		t.Fatalf("expected missing config error naming %s, got %v", defaultConfigPath, err)
	}
}

func TestFormatDurationShort(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{5*time.Minute + 10*time.Second, "5m"},
		{3*time.Hour + 7*time.Minute, "3h7m"},
		{50 * time.Hour, "2d2h"},
		{-90 * time.Second, "1m"},
	}
	for _, tc := range cases {
		if got := formatDurationShort(tc.in); got != tc.want {
			t.Fatalf("formatDurationShort(%s) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatUptimeLine(t *testing.T) {
	if got := formatUptimeLine(26*time.Hour + 5*time.Minute); got != "Uptime: 26:05" {
		t.Fatalf("unexpected uptime line %q", got)
	}
}

func TestFormatPendingLines(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 10, 0, time.UTC)
	if got := formatPendingLines(nil, now); len(got) != 1 || got[0] != "(none)" {
		t.Fatalf("expected placeholder, got %v", got)
	}
	lines := formatPendingLines([]scan.Info{{
		Number:      12,
		FirstTime:   now.Add(-4 * time.Second),
		Expected:    []int{1, 2, 3},
		Received:    []int{1},
		HeaderReady: true,
	}}, now)
	if len(lines) != 1 || lines[0] != "scan 12  crates 1/3  header  age 4s" {
		t.Fatalf("unexpected pending line %v", lines)
	}
}

func TestFormatWrittenLine(t *testing.T) {
	line := formatWrittenLine(mir.Written{Scan: 3, Integration: 40, Baselines: 6, Spectra: 24, FlatSpectra: 2, Degraded: true})
	for _, want := range []string{"scan 3 -> in 40", "6 baselines", "24 spectra", "2 flat", "degraded"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}
