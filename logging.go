package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"datacatcher/config"
)

const (
	logStamp          = "2006/01/02 15:04:05"
	logDay            = "2006-01-02"
	logFilePrefix     = "datacatcher-"
	logFileSuffix     = ".log"
	maxPartialLogLine = 16 * 1024
	sinkErrorInterval = time.Minute
)

// lineSink receives complete log lines without trailing newlines.
type lineSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

type writerSink struct {
	w     io.Writer
	stamp bool
}

func (s *writerSink) WriteLine(line string, now time.Time) {
	if s.stamp {
		line = now.UTC().Format(logStamp) + " " + line
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

func (s *writerSink) Close() error { return nil }

type logRotateHook func(prevDate time.Time, prevPath, newPath string)

// rotation describes a day change observed by dailyFileSink.
type rotation struct {
	prevDay  time.Time
	prevPath string
	path     string
}

// dailyFileSink keeps one file per UTC day under dir. Opening a new day also
// prunes files that fell out of the retention window.
type dailyFileSink struct {
	dir       string
	retention int

	mu       sync.Mutex
	day      time.Time
	path     string
	file     *os.File
	hook     logRotateHook
	errShown time.Time
}

// Purpose: Create the daily file sink for the catcher's log directory.
// Key aspects: The directory is created immediately so a bad path fails at
// startup rather than on the first line.
// Upstream: setupLogging.
// Downstream: cleanupOldLogs.
func newDailyFileSink(dir string, retentionDays int) (*dailyFileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	if err := cleanupOldLogs(dir, time.Now(), retentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: pruning %s: %v\n", dir, err)
	}
	return &dailyFileSink{dir: dir, retention: retentionDays}, nil
}

// Purpose: Append one stamped line to the file for now's UTC day.
// Key aspects: The rotate hook is called with the lock released, so it may
// itself log through the fanout.
// Upstream: logFanout.Write, logFanout.WriteFileOnlyLine.
// Downstream: openDayLocked.
func (s *dailyFileSink) WriteLine(line string, now time.Time) {
	now = now.UTC()
	day := truncateDay(now)

	s.mu.Lock()
	var rot *rotation
	if s.file == nil || !s.day.Equal(day) {
		rot = s.openDayLocked(day, now)
	}
	if s.file != nil {
		if _, err := fmt.Fprintf(s.file, "%s %s\n", now.Format(logStamp), line); err != nil {
			s.complainLocked(now, fmt.Errorf("write %s: %w", s.path, err))
		}
	}
	hook := s.hook
	s.mu.Unlock()

	if rot != nil && hook != nil {
		hook(rot.prevDay, rot.prevPath, rot.path)
	}
}

// openDayLocked switches the sink to day. It reports a rotation only when a
// previous day's file was open.
func (s *dailyFileSink) openDayLocked(day, now time.Time) *rotation {
	var rot *rotation
	if s.file != nil && !s.day.IsZero() && !s.day.Equal(day) {
		rot = &rotation{prevDay: s.day, prevPath: s.path}
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, logFileNameForDate(now))
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.complainLocked(now, err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.complainLocked(now, err)
		return nil
	}
	s.file, s.day, s.path = f, day, path
	if err := cleanupOldLogs(s.dir, now, s.retention); err != nil {
		s.complainLocked(now, fmt.Errorf("pruning: %w", err))
	}
	if rot != nil {
		rot.path = path
	}
	return rot
}

// complainLocked reports sink failures on stderr, at most once per interval.
func (s *dailyFileSink) complainLocked(now time.Time, err error) {
	if !s.errShown.IsZero() && now.Sub(s.errShown) < sinkErrorInterval {
		return
	}
	s.errShown = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

func (s *dailyFileSink) SetRotateHook(hook logRotateHook) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

func (s *dailyFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.day, s.path = nil, time.Time{}, ""
	return err
}

// logFanout is installed as the log package output. It reassembles writes
// into lines and passes each to the console sink and the optional file sink.
type logFanout struct {
	mu      sync.Mutex
	partial strings.Builder
	console lineSink
	file    lineSink
}

func newLogFanout(console, file lineSink) *logFanout {
	return &logFanout{console: console, file: file}
}

// Purpose: Build the process log fanout from the logging config.
// Key aspects: A console-only fanout is always returned, even when the file
// sink cannot be created, so the caller can keep logging.
// Upstream: main.
// Downstream: newDailyFileSink.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logFanout, error) {
	fanout := newLogFanout(&writerSink{w: console, stamp: true}, nil)
	if !cfg.Enabled {
		return fanout, nil
	}
	sink, err := newDailyFileSink(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return fanout, err
	}
	fanout.mu.Lock()
	fanout.file = sink
	fanout.mu.Unlock()
	return fanout, nil
}

func (f *logFanout) sinks() (console, file lineSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.console, f.file
}

// SetConsoleSink redirects console output, e.g. to the dashboard system pane.
// A nil writer silences the console.
func (f *logFanout) SetConsoleSink(w io.Writer, stamp bool) {
	var sink lineSink
	if w != nil {
		sink = &writerSink{w: w, stamp: stamp}
	}
	f.mu.Lock()
	f.console = sink
	f.mu.Unlock()
}

// SetRotateHook forwards hook to the file sink, if there is one.
func (f *logFanout) SetRotateHook(hook logRotateHook) {
	_, file := f.sinks()
	if daily, ok := file.(*dailyFileSink); ok {
		daily.SetRotateHook(hook)
	}
}

func (f *logFanout) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.partial.Write(p)
	text := f.partial.String()
	f.partial.Reset()
	var lines []string
	for {
		line, rest, found := strings.Cut(text, "\n")
		if !found {
			break
		}
		lines = append(lines, strings.TrimSuffix(line, "\r"))
		text = rest
	}
	if len(text) > maxPartialLogLine {
		lines = append(lines, text)
		text = ""
	}
	f.partial.WriteString(text)
	console, file := f.console, f.file
	f.mu.Unlock()

	now := time.Now()
	for _, line := range lines {
		if console != nil {
			console.WriteLine(line, now)
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// WriteFileOnlyLine records line in the log file only. The stats loop uses it
// while the dashboard is already showing the same numbers.
func (f *logFanout) WriteFileOnlyLine(line string, now time.Time) {
	if _, file := f.sinks(); file != nil {
		file.WriteLine(line, now)
	}
}

func (f *logFanout) Close() error {
	console, file := f.sinks()
	if console != nil {
		_ = console.Close()
	}
	if file == nil {
		return nil
	}
	return file.Close()
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func logFileNameForDate(t time.Time) string {
	return logFilePrefix + t.UTC().Format(logDay) + logFileSuffix
}

func parseLogFileDate(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, logFilePrefix)
	if !ok {
		return time.Time{}, false
	}
	rest, ok = strings.CutSuffix(rest, logFileSuffix)
	if !ok {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(logDay, rest, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// cleanupOldLogs deletes catcher log files older than the retention window;
// today is the first retained day. Other files in dir are left alone.
func cleanupOldLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, logFilePrefix+"*"+logFileSuffix))
	if err != nil {
		return err
	}
	oldest := truncateDay(now).AddDate(0, 0, 1-retentionDays)
	for _, path := range matches {
		day, ok := parseLogFileDate(filepath.Base(path))
		if ok && day.Before(oldest) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
