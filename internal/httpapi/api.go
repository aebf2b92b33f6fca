// Package httpapi is the operational HTTP surface: feed consumption control,
// progress streaming, trust administration and anonymization-gated bundle
// export. It is intentionally narrow; bulk CRUD over intelligence objects is
// not exposed here.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"crisp.org/internal/feed"
	"crisp.org/internal/intel"
	"crisp.org/internal/obs"
	"crisp.org/internal/progress"
	"crisp.org/internal/stix"
	"crisp.org/internal/trust"
	"crisp.org/internal/trust/eval"
)

// ReadyProbe reports readiness, typically by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config collects the API's collaborators. Feeds, Indicators, TTPs and
// Converter are required; the rest may be nil and the matching endpoints
// degrade or disable themselves.
type Config struct {
	Feeds      intel.FeedRepository
	Indicators intel.IndicatorRepository
	TTPs       intel.TTPRepository
	Orch       *feed.Orchestrator
	Tracker    *progress.Tracker
	Bus        *progress.Broadcaster
	Converter  *stix.Converter
	Trust      trust.Store
	Chain      eval.Evaluator

	ReadyProbe ReadyProbe
	Version    string

	// RequireAuth enables bearer-token authentication for everything except
	// the public paths. Leave false only in tests and local development.
	RequireAuth bool
}

// API is the HTTP layer.
type API struct {
	mux *http.ServeMux
	cfg Config
}

func New(cfg Config) *API {
	a := &API{
		mux: http.NewServeMux(),
		cfg: cfg,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/feeds", a.handleFeedsCollection)
	a.mux.HandleFunc("/v1/feeds/", a.handleFeedResource)
	a.mux.HandleFunc("/v1/export/bundle", a.handleExportBundle)
	a.mux.HandleFunc("/v1/intel/original", a.handleRevealOriginal)
	a.mux.HandleFunc("/v1/progress/stream", a.Stream)

	a.mux.HandleFunc("/v1/trust/levels", a.handleTrustLevels)
	a.mux.HandleFunc("/v1/trust/levels/", a.handleTrustLevelResource)
	a.mux.HandleFunc("/v1/trust/relationships", a.handleRelationships)
	a.mux.HandleFunc("/v1/trust/relationships/", a.handleRelationshipResource)
	a.mux.HandleFunc("/v1/trust/groups", a.handleGroups)
	a.mux.HandleFunc("/v1/trust/groups/", a.handleGroupResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(RequestID(a.withAuth(a.mux)))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "crisp-api",
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.ReadyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "crisp-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
