package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"datacatcher/mir"
	"datacatcher/scan"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const (
	writtenPaneLines = 6
	systemPaneLines  = 200
	paneEventBuffer  = 256
)

// logPane is a text view that keeps only its most recent lines.
type logPane struct {
	view  *tview.TextView
	limit int
	stamp bool

	mu    sync.Mutex
	lines []string
}

func newLogPane(title string, limit int, stamp bool) *logPane {
	view := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	view.SetTitle(title).SetTitleAlign(tview.AlignLeft)
	return &logPane{view: view, limit: limit, stamp: stamp}
}

// push appends line and returns the text the view should now show.
func (p *logPane) push(line string, now time.Time) string {
	if p.stamp {
		line = now.UTC().Format("15:04:05 ") + line
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	if over := len(p.lines) - p.limit; over > 0 {
		p.lines = append(p.lines[:0], p.lines[over:]...)
	}
	return strings.Join(p.lines, "\n")
}

type paneEvent struct {
	pane *logPane
	line string
}

// dashboard is the interactive console: a stats header, pending scans next to
// crate links, recently written scans and the system log.
type dashboard struct {
	app     *tview.Application
	stats   *tview.TextView
	pending *tview.TextView
	crates  *tview.TextView
	written *logPane
	system  *logPane

	events chan paneEvent
	done   chan struct{}
	closed atomic.Bool
	ready  chan struct{}
}

func newDashboard(enable bool) *dashboard {
	if !enable {
		return nil
	}
	d := &dashboard{
		stats:   tview.NewTextView().SetDynamicColors(true).SetWrap(false),
		pending: tview.NewTextView().SetDynamicColors(true).SetWrap(false),
		crates:  tview.NewTextView().SetDynamicColors(true).SetWrap(false),
		written: newLogPane("Written Scans", writtenPaneLines, true),
		system:  newLogPane("System", systemPaneLines, false),
		events:  make(chan paneEvent, paneEventBuffer),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
	}
	d.stats.SetTextColor(tcell.ColorYellow)
	d.pending.SetTitle("Pending Scans").SetTitleAlign(tview.AlignLeft)
	d.crates.SetTitle("Crates").SetTitleAlign(tview.AlignLeft)
	d.system.view.SetTextColor(tcell.ColorYellow)

	links := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(d.pending, 0, 1, false).
		AddItem(d.crates, 0, 1, false)
	spacer := func() tview.Primitive { return tview.NewBox() }
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.stats, 5, 0, false).
		AddItem(spacer(), 1, 0, false).
		AddItem(links, 9, 0, false).
		AddItem(spacer(), 1, 0, false).
		AddItem(d.written.view, writtenPaneLines+1, 0, false).
		AddItem(spacer(), 1, 0, false).
		AddItem(d.system.view, 0, 1, false)

	var drawn sync.Once
	d.app = tview.NewApplication().SetRoot(root, true).EnableMouse(false)
	d.app.SetBeforeDrawFunc(func(tcell.Screen) bool {
		drawn.Do(func() { close(d.ready) })
		return false
	})

	go d.drainEvents()
	go func() {
		if err := d.app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		}
	}()
	return d
}

// Stop tears the UI down; later calls and nil receivers are no-ops.
func (d *dashboard) Stop() {
	if d == nil || d.closed.Swap(true) {
		return
	}
	close(d.done)
	d.app.Stop()
}

// WaitReady blocks until the first frame has been drawn.
func (d *dashboard) WaitReady() {
	if d != nil {
		<-d.ready
	}
}

func (d *dashboard) SetStats(lines []string) {
	d.show(d.stats, strings.Join(lines, "\n"))
}

func (d *dashboard) SetPending(pending []scan.Info, now time.Time) {
	d.show(d.pending, strings.Join(formatPendingLines(pending, now), "\n"))
}

func (d *dashboard) SetCrates(snaps []crateHealthSnapshot, now time.Time) {
	var b strings.Builder
	for i, snap := range snaps {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s]%s[-]", crateColor(snap), formatCrateHealthLine(snap, now))
	}
	d.show(d.crates, b.String())
}

// ScanWritten lets the dashboard subscribe to the record writer.
func (d *dashboard) ScanWritten(w mir.Written) {
	d.post(d.written, formatWrittenLine(w))
}

// SystemWriter is the console destination for the log fanout while the
// dashboard is up. Each write is expected to carry one line.
func (d *dashboard) SystemWriter() io.Writer {
	return paneWriter{d: d}
}

type paneWriter struct{ d *dashboard }

func (w paneWriter) Write(p []byte) (int, error) {
	w.d.post(w.d.system, strings.TrimRight(string(p), "\r\n"))
	return len(p), nil
}

func (d *dashboard) show(view *tview.TextView, text string) {
	if d == nil || d.closed.Load() {
		return
	}
	d.app.QueueUpdateDraw(func() { view.SetText(text) })
}

// post never blocks; lines are dropped while the UI is behind.
func (d *dashboard) post(pane *logPane, line string) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.events <- paneEvent{pane: pane, line: line}:
	case <-d.done:
	default:
	}
}

func (d *dashboard) drainEvents() {
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.events:
			text := ev.pane.push(ev.line, time.Now())
			view := ev.pane.view
			d.app.QueueUpdateDraw(func() {
				view.SetText(text)
				view.ScrollToEnd()
			})
		}
	}
}

func crateColor(snap crateHealthSnapshot) string {
	switch {
	case !snap.Connected:
		return "red"
	case snap.Idle:
		return "yellow"
	default:
		return "green"
	}
}

func formatPendingLines(pending []scan.Info, now time.Time) []string {
	if len(pending) == 0 {
		return []string{"(none)"}
	}
	lines := make([]string, 0, len(pending))
	for _, info := range pending {
		state := "waiting"
		switch {
		case info.Queued:
			state = "queued"
		case info.HeaderReady:
			state = "header"
		}
		if info.Degraded {
			state += " degraded"
		}
		lines = append(lines, fmt.Sprintf("scan %d  crates %d/%d  %s  age %s",
			info.Number, len(info.Received), len(info.Expected), state, ageString(now, info.FirstTime)))
	}
	return lines
}

func formatWrittenLine(w mir.Written) string {
	line := fmt.Sprintf("scan %d -> in %d  %d baselines  %d spectra", w.Scan, w.Integration, w.Baselines, w.Spectra)
	if w.FlatSpectra > 0 {
		line += fmt.Sprintf("  [yellow]%d flat[-]", w.FlatSpectra)
	}
	if w.Degraded {
		line += "  [red]degraded[-]"
	}
	return line
}
