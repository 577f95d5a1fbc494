// Package server exposes the HTTP surface: health and readiness probes, a
// status summary of the collection run, and Prometheus metrics. It injects
// correlation IDs into request contexts for consistent logging.
package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dbpkg "github.com/hamtaryo-san/twitch-chat-collector/db"
	"github.com/hamtaryo-san/twitch-chat-collector/session"
	"github.com/hamtaryo-san/twitch-chat-collector/telemetry"
)

// Handlers carries the dependencies of the HTTP endpoints.
type Handlers struct {
	db      *sql.DB
	store   *dbpkg.Store
	tracker *session.Tracker
}

// NewMux returns the HTTP handler with all routes, wrapped with the
// correlation and tracing middleware.
func NewMux(database *sql.DB, store *dbpkg.Store, tracker *session.Tracker) http.Handler {
	h := &Handlers{db: database, store: store, tracker: tracker}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)

	return withMiddleware(mux)
}

// withMiddleware wraps the mux with correlation id injection, request
// tracing and status capture.
func withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate.
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rec.statusCode >= 500 {
			telemetry.LoggerWithCorr(ctx).Warn("request failed",
				slog.String("method", r.Method), slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode), slog.String("component", "http"))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// HandleHealthz responds to liveness probes.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes: the database must answer a ping
// and hold a stored credential.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"credentials", func() error {
			var count int
			err := h.db.QueryRowContext(r.Context(),
				"SELECT COUNT(*) FROM oauth_tokens WHERE provider='twitch'").Scan(&count)
			if err != nil {
				return err
			}
			if count < 1 {
				return errNoCredentials
			}
			return nil
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

var errNoCredentials = errors.New("missing OAuth tokens")

type statusChannel struct {
	UserID    string `json:"user_id"`
	Login     string `json:"login"`
	SessionID string `json:"session_id,omitempty"`
	IsLive    bool   `json:"is_live"`
}

type statusResponse struct {
	Channels []statusChannel `json:"channels"`
	Totals   dbpkg.Stats     `json:"totals"`
}

// HandleStatus reports the tracked channels and stored event totals.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Statistics(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("status statistics failed", slog.Any("err", err))
		http.Error(w, "statistics unavailable", http.StatusInternalServerError)
		return
	}
	resp := statusResponse{Totals: stats, Channels: []statusChannel{}}
	for _, ch := range h.tracker.Snapshot() {
		sc := statusChannel{UserID: ch.UserID, Login: ch.Login, IsLive: ch.IsLive}
		if ch.IsLive {
			sc.SessionID = ch.SessionID
		}
		resp.Channels = append(resp.Channels, sc)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
