// Program datacatcher accepts correlator bundles from the crates, assembles
// them into complete scans, enriches each scan with telescope metadata and
// writes the result into the per-session binary streams.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"datacatcher/config"
	"datacatcher/mir"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "DCATCH_CONFIG"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// Purpose: Report whether stdout is a TTY for UI gating.
// Key aspects: Uses term.IsTerminal on stdout fd.
// Upstream: main UI selection.
// Downstream: term.IsTerminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Load configuration from the flag, env or default locations.
// Key aspects: An explicit flag wins; otherwise env, then the default dir.
// Upstream: main startup.
// Downstream: config.Load.
func loadCatcherConfig(explicit string) (*config.Config, string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		cfg, err := config.Load(explicit)
		if err != nil {
			return nil, explicit, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	tried := []string{defaultConfigPath}
	if env := strings.TrimSpace(os.Getenv(envConfigPath)); env != "" {
		tried = []string{env, defaultConfigPath}
	}
	var missing error
	for _, source := range tried {
		cfg, err := config.Load(source)
		switch {
		case err == nil:
			return cfg, cfg.LoadedFrom, nil
		case errors.Is(err, os.ErrNotExist):
			missing = err
		default:
			return nil, source, err
		}
	}
	return nil, "", fmt.Errorf("no configuration found in %s: %w", strings.Join(tried, " or "), missing)
}

// Purpose: Program entrypoint; wires configuration, logging, UI and the pipeline.
// Key aspects: SIGHUP rolls the session, SIGUSR1 reloads crates, SIGINT/SIGTERM drain and exit.
// Upstream: OS process start.
// Downstream: newPipeline, startAdminServer, startCrateHealthMonitor, displayStats.
func main() {
	configPath := pflag.StringP("config", "c", "", "config file or directory (default $"+envConfigPath+" or "+defaultConfigPath+")")
	uiFlag := pflag.String("ui", "auto", "console UI: auto, tview or headless")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("datacatcher %s\n", Version)
		return
	}

	cfg, configSource, err := loadCatcherConfig(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	fanout, err := setupLogging(cfg.Logging, os.Stdout)
	if err != nil {
		log.Printf("Warning: file logging disabled: %v", err)
	}
	defer fanout.Close()
	log.SetFlags(0)
	log.SetOutput(fanout)
	log.Printf("Loaded configuration from %s", configSource)

	var dash *dashboard
	switch mode := strings.ToLower(strings.TrimSpace(*uiFlag)); mode {
	case "headless":
		log.Printf("UI disabled (mode=headless)")
	case "auto", "tview", "":
		if !isStdoutTTY() {
			if mode == "tview" {
				log.Printf("UI disabled (tview requires an interactive console)")
			}
			break
		}
		dash = newDashboard(true)
	default:
		log.Printf("UI mode %q not recognized; defaulting to headless", mode)
	}

	if dash != nil {
		dash.WaitReady()
		defer dash.Stop()
		fanout.SetConsoleSink(dash.SystemWriter(), true)
		dash.SetStats([]string{"Initializing..."})
	}

	fanout.SetRotateHook(func(prevDate time.Time, prevPath, newPath string) {
		log.Printf("Logging: rotated %s -> %s", prevPath, newPath)
	})

	log.Printf("datacatcher v%s starting for station %s", Version, cfg.Station.Name)
	if dash == nil {
		cfg.Print()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := newPipeline(cfg)
	if err != nil {
		dash.Stop()
		log.Fatalf("Error building pipeline: %v", err)
	}
	if dash != nil {
		p.writer.AddSink(dash)
	}
	p.writer.AddSink(mir.SinkFunc(func(w mir.Written) {
		if w.Degraded {
			log.Printf("Writer: scan %d written with default metadata (%s)", w.Scan, w.MetadataSource)
		}
	}))
	if err := p.Start(ctx); err != nil {
		dash.Stop()
		log.Fatalf("Error starting pipeline: %v", err)
	}

	if err := startAdminServer(ctx, cfg.Admin.BindAddress, cfg.Admin.HTTPPort, newAdminHandler(p)); err != nil {
		log.Printf("Warning: admin server disabled: %v", err)
	}
	startCrateHealthMonitor(ctx, 0, p.crateHealth)

	statsInterval := time.Duration(cfg.Stats.DisplayIntervalSeconds) * time.Second
	go displayStats(ctx, statsInterval, p, dash, fanout)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	log.Printf("Accepting crate bundles on %s for crates %v", p.server.Addr(), cfg.Crates.Active)
	log.Printf("Statistics will be displayed every %d seconds...", cfg.Stats.DisplayIntervalSeconds)
	log.Println("---")

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			if id, err := p.rollSession(); err != nil {
				log.Printf("Writer: session rollover failed: %v", err)
			} else {
				log.Printf("Writer: session rolled to %s", id)
			}
			continue
		case syscall.SIGUSR1:
			if err := p.reloadCrates(); err != nil {
				log.Printf("Registry: crate reload failed: %v", err)
			}
			continue
		}
		log.Printf("Received signal: %v", sig)
		break
	}
	signal.Stop(sigChan)

	log.Println("Shutting down gracefully...")
	cancel()
	p.Stop()
	counters := p.writer.Counters()
	log.Printf("datacatcher stopped after %s scans (next ids in=%d bl=%d sp=%d)",
		humanize.Comma(int64(p.writer.Stats().Written)), counters.Integration, counters.Baseline, counters.Spectrum)
}

// Purpose: Periodically emit stats to the dashboard or the log.
// Key aspects: The dashboard path also copies stats to the log file only.
// Upstream: main stats goroutine.
// Downstream: tracker.SnapshotLines, dashboard setters, logFanout.
func displayStats(ctx context.Context, interval time.Duration, p *pipeline, dash *dashboard, fanout *logFanout) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now().UTC()
		lines := statsLines(p)
		if dash != nil {
			dash.SetStats(lines)
			dash.SetPending(p.registry.Snapshot(), now)
			dash.SetCrates(p.crateHealth(now), now)
			for _, line := range lines {
				fanout.WriteFileOnlyLine(line, now)
			}
			continue
		}
		for _, line := range lines {
			log.Print(line)
		}
		log.Print("")
	}
}

func statsLines(p *pipeline) []string {
	p.updateGauges()
	id, _ := p.writer.Session()
	next := p.writer.Counters()
	es := p.worker.Stats()
	lines := []string{
		fmt.Sprintf("%s   Session: %s   Next: in=%d bl=%d sp=%d",
			formatUptimeLine(p.tracker.GetUptime()), id, next.Integration, next.Baseline, next.Spectrum),
	}
	lines = append(lines, p.tracker.SnapshotLines()...)
	lines = append(lines, fmt.Sprintf("Queues: %d pending / %d handoff / %d enrichment. Metadata: %s fetched / %s degraded",
		p.registry.Len(), p.handoff.Len(), p.worker.QueueLen(),
		humanize.Comma(int64(es.Fetched)), humanize.Comma(int64(es.Degraded))))
	return lines
}

// Purpose: Format uptime for the stats header.
// Key aspects: Hours and minutes only.
// Upstream: statsLines.
// Downstream: time.Duration math.
func formatUptimeLine(uptime time.Duration) string {
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	return fmt.Sprintf("Uptime: %02d:%02d", hours, minutes)
}

// Purpose: Format a short duration for status output.
// Key aspects: Uses d/h/m/s units with coarse granularity.
// Upstream: admin /status.
// Downstream: time.Duration math.
func formatDurationShort(d time.Duration) string {
	d = d.Abs().Truncate(time.Second)
	day := 24 * time.Hour
	switch {
	case d >= day:
		return fmt.Sprintf("%dd%dh", d/day, (d%day)/time.Hour)
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
	case d >= time.Minute:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}
