package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/shopwatch/connectivity"
	"github.com/hazyhaar/shopwatch/coordinator/internal/report"
	"github.com/hazyhaar/shopwatch/coordinator/internal/schedule"
	"github.com/hazyhaar/shopwatch/shield"
	"github.com/hazyhaar/shopwatch/shops"
)

// tailWindow is how much of the end of the log file /logs/tail reads.
const tailWindow = 1 << 20

// Handler returns the status API.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.Stack(s.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Stats())
	})
	r.Get("/api/snapshots", func(w http.ResponseWriter, r *http.Request) {
		all, err := s.store.All()
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, all)
	})
	r.Get("/api/report", func(w http.ResponseWriter, r *http.Request) {
		rep, err := s.Report()
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		if r.URL.Query().Get("format") == "text" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			io.WriteString(w, report.Format(rep))
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})
	r.Get("/api/shops", func(w http.ResponseWriter, _ *http.Request) {
		out := make(map[string][]shops.URLConfig)
		for _, sc := range s.shops.Scripts() {
			out[sc] = s.shops.URLConfigs(sc)
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Get("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		if s.runlog == nil {
			writeError(w, r, http.StatusServiceUnavailable, errors.New("run log disabled"))
			return
		}
		runs, err := s.runlog.Recent(r.Context(), r.URL.Query().Get("script"), queryInt(r, "limit", 50, 1000))
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})
	r.Get("/api/runs/summary", func(w http.ResponseWriter, r *http.Request) {
		if s.runlog == nil {
			writeError(w, r, http.StatusServiceUnavailable, errors.New("run log disabled"))
			return
		}
		hours := queryInt(r, "hours", 24, 24*7)
		since := s.now().Add(-time.Duration(hours) * time.Hour)
		counts, err := s.runlog.Summary(r.Context(), since)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Since    time.Time      `json:"since"`
			Outcomes map[string]int `json:"outcomes"`
		}{since, counts})
	})
	r.Get("/api/schedule", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Tier1    []schedule.SiteState       `json:"tier1"`
			Tier2    schedule.Sweep             `json:"tier2_last_sweep"`
			Breakers []connectivity.TargetState `json:"breakers"`
		}{s.tier1.States(), s.tier2.Last(), s.breakers.Snapshot()})
	})
	r.Get("/logs/tail", func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Log.File == "" {
			writeError(w, r, http.StatusNotFound, errors.New("no log file configured"))
			return
		}
		lines, err := tailFile(s.cfg.Log.File, queryInt(r, "n", 100, 5000))
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, l := range lines {
			w.Write(l)
			w.Write([]byte{'\n'})
		}
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	return r
}

// serve runs the status server until ctx is cancelled.
func (s *Service) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Status.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("status: shutdown", "error", err)
		}
	}()

	s.logger.Info("status: listening", "addr", s.cfg.Status.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("coordinator: status server: %w", err)
	}
	return nil
}

// tailFile returns the last n lines of path, reading at most tailWindow
// bytes from its end.
func tailFile(path string, n int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	off := max(0, st.Size()-tailWindow)
	buf := make([]byte, st.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	buf = bytes.TrimRight(buf, "\n")
	if len(buf) == 0 {
		return nil, nil
	}
	lines := bytes.Split(buf, []byte{'\n'})
	if off > 0 && len(lines) > 1 {
		// First line is probably cut.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		shield.GetLogger(r.Context()).Error("status: request failed", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error(), "trace_id": shield.GetTraceID(r.Context())})
}

func queryInt(r *http.Request, key string, def, limit int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return min(v, limit)
}
