package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"datacatcher/enrich"
	"datacatcher/ingest"
	"datacatcher/mir"
	"datacatcher/scan"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

type statusResponse struct {
	Station    string                `json:"station"`
	Version    string                `json:"version"`
	Uptime     string                `json:"uptime"`
	Session    string                `json:"session"`
	SessionDir string                `json:"session_dir"`
	Next       mir.Counters          `json:"next_ids"`
	Writer     mir.WriterStats       `json:"writer"`
	Pending    []scan.Info           `json:"pending"`
	Handoff    int                   `json:"handoff"`
	Enrichment enrich.Stats          `json:"enrichment"`
	EnrichQ    int                   `json:"enrichment_queue"`
	Crates     []crateHealthSnapshot `json:"crates"`
	Ingest     ingest.Stats          `json:"ingest"`
	Catalog    *catalogStatus        `json:"catalog,omitempty"`
}

type catalogStatus struct {
	Inserted uint64 `json:"inserted"`
	Dropped  uint64 `json:"dropped"`
}

// Purpose: Build the admin HTTP routes over a running pipeline.
// Key aspects: Read-only except POST /session and POST /crates/reload.
// Upstream: startAdminServer and admin tests.
// Downstream: pipeline accessors, promhttp.
func newAdminHandler(p *pipeline) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(p.tracker.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		p.updateGauges()
		now := time.Now().UTC()
		id, dir := p.writer.Session()
		resp := statusResponse{
			Station:    p.cfg.Station.Name,
			Version:    Version,
			Uptime:     formatDurationShort(p.tracker.GetUptime()),
			Session:    id,
			SessionDir: dir,
			Next:       p.writer.Counters(),
			Writer:     p.writer.Stats(),
			Pending:    p.registry.Snapshot(),
			Handoff:    p.handoff.Len(),
			Enrichment: p.worker.Stats(),
			EnrichQ:    p.worker.QueueLen(),
			Crates:     p.crateHealth(now),
			Ingest:     p.server.Stats(),
		}
		if p.catalog != nil {
			resp.Catalog = &catalogStatus{Inserted: p.catalog.Inserted(), Dropped: p.catalog.Dropped()}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /scans/recent", func(w http.ResponseWriter, r *http.Request) {
		if p.catalog == nil {
			writeError(w, http.StatusServiceUnavailable, "catalog disabled")
			return
		}
		limit := defaultRecentLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxRecentLimit)
		}
		rows, err := p.catalog.Recent(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rows)
	})

	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		id, err := p.rollSession()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Printf("Admin: session rolled to %s by %s", id, r.RemoteAddr)
		writeJSON(w, http.StatusOK, map[string]string{"session": id})
	})

	mux.HandleFunc("POST /crates/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := p.reloadCrates(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string][]int{"active": p.crates.ActiveCrates().Sorted()})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Admin: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// startAdminServer serves the admin routes until ctx is done. A zero port
// disables it.
func startAdminServer(ctx context.Context, bind string, port int, handler http.Handler) error {
	if port <= 0 {
		return nil
	}
	addr := net.JoinHostPort(bind, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Admin: server error: %v", err)
		}
	}()
	log.Printf("Admin: listening on http://%s", addr)
	return nil
}
