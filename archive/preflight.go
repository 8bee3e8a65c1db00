package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// sqliteSidecars are the suffixes SQLite may leave next to a database file.
var sqliteSidecars = []string{"", "-wal", "-shm", "-journal"}

// PreflightResult reports what Preflight found and did.
type PreflightResult struct {
	Healthy        bool
	Quarantined    bool
	QuarantinePath string
	Elapsed        time.Duration
	CheckpointErr  error
	IntegrityErr   error
}

func (r PreflightResult) cause() error {
	if r.CheckpointErr != nil {
		return r.CheckpointErr
	}
	return r.IntegrityErr
}

// Preflight checks an existing catalog file before it is opened for writing:
// a truncating WAL checkpoint followed by quick_check, both within timeout.
// A file that fails is moved aside with its sidecars to "<path>.bad-<stamp>"
// and the catalog is recreated empty. A timeout is returned as an error
// because it says nothing about the file's health.
func Preflight(path string, timeout time.Duration, logf func(string, ...any)) (PreflightResult, error) {
	var res PreflightResult
	if strings.TrimSpace(path) == "" {
		return res, errors.New("archive: preflight: empty path")
	}
	if logf == nil {
		logf = log.Printf
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	present := presentFiles(path)
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := runChecks(ctx, path, timeout, &res); err != nil {
		return res, err
	}
	res.Elapsed = time.Since(start)
	if res.CheckpointErr == nil && res.IntegrityErr == nil {
		res.Healthy = true
		return res, nil
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("archive: preflight of %s timed out after %s", path, timeout)
	}

	stamp := ".bad-" + time.Now().UTC().Format("20060102T150405Z")
	for _, p := range present {
		if err := os.Rename(p, p+stamp); err != nil && !errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("archive: quarantine %s: %w (check: %v)", p, err, res.cause())
		}
	}
	res.Quarantined = true
	res.QuarantinePath = path + stamp
	logf("Catalog: %s failed preflight (%v); moved to %s after %s", path, res.cause(), res.QuarantinePath, res.Elapsed)
	return res, nil
}

// runChecks fills res with the checkpoint and integrity outcomes. The
// returned error is reserved for failures to run the checks at all; the
// connection is closed before returning so the files can be renamed.
func runChecks(ctx context.Context, path string, timeout time.Duration, res *PreflightResult) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("archive: preflight open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return fmt.Errorf("archive: preflight busy_timeout: %w", err)
	}
	_, res.CheckpointErr = db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)")
	res.IntegrityErr = quickCheck(ctx, db)
	return nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	var verdict string
	if err := db.QueryRowContext(ctx, "pragma quick_check(1)").Scan(&verdict); err != nil {
		return err
	}
	if verdict = strings.TrimSpace(verdict); verdict != "ok" {
		return fmt.Errorf("quick_check: %s", verdict)
	}
	return nil
}

func presentFiles(path string) []string {
	var out []string
	for _, suffix := range sqliteSidecars {
		if _, err := os.Stat(path + suffix); err == nil {
			out = append(out, path+suffix)
		}
	}
	return out
}
