package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"crisp.org/internal/audit"
	"crisp.org/internal/auth"
	"crisp.org/internal/feed"
	"crisp.org/internal/ids"
	"crisp.org/internal/intel"
	"crisp.org/internal/obs"
	"crisp.org/internal/progress"
	"crisp.org/internal/trust/eval"
)

type createFeedRequest struct {
	Name         string `json:"name"`
	ServerURL    string `json:"server_url"`
	APIRoot      string `json:"api_root"`
	CollectionID string `json:"collection_id"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Organization string `json:"organization"`
}

type consumeRequest struct {
	Limit     int `json:"limit"`
	ForceDays int `json:"force_days"`
	BatchSize int `json:"batch_size"`
}

type feedStatusResponse struct {
	Feed     *intel.Feed        `json:"feed"`
	Progress *progress.Snapshot `json:"progress,omitempty"`
}

func (a *API) handleFeedsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listFeeds(w, r)
	case http.MethodPost:
		a.createFeed(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleFeedResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/feeds/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	feedID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getFeed(w, r, feedID)
		return
	}
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch parts[1] {
	case "status":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.feedStatus(w, r, feedID)
	case "consume":
		a.postFeedAction(w, r, feedID, a.startConsumption)
	case "resume":
		a.postFeedAction(w, r, feedID, a.resumeConsumption)
	case "pause":
		a.postFeedAction(w, r, feedID, a.pauseConsumption)
	case "cancel":
		a.postFeedAction(w, r, feedID, a.cancelConsumption)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) postFeedAction(w http.ResponseWriter, r *http.Request, feedID string, action func(http.ResponseWriter, *http.Request, *intel.Feed)) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermFeedControl); err != nil {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return
	}
	f, err := a.cfg.Feeds.Find(r.Context(), feedID)
	if err != nil {
		if errors.Is(err, intel.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "feed not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}
	action(w, r, f)
}

func (a *API) createFeed(w http.ResponseWriter, r *http.Request) {
	if err := a.requirePermission(r.Context(), auth.PermFeedControl); err != nil {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return
	}
	var req createFeedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	if strings.TrimSpace(req.ServerURL) == "" || strings.TrimSpace(req.CollectionID) == "" {
		writeError(w, r, http.StatusBadRequest, "server_url and collection_id are required")
		return
	}

	now := time.Now().UTC()
	f := &intel.Feed{
		ID:           ids.New(),
		Name:         strings.TrimSpace(req.Name),
		ServerURL:    strings.TrimSpace(req.ServerURL),
		APIRoot:      strings.TrimSpace(req.APIRoot),
		CollectionID: strings.TrimSpace(req.CollectionID),
		Username:     req.Username,
		Password:     req.Password,
		Organization: strings.TrimSpace(req.Organization),
		IsActive:     true,
		Status:       intel.StatusIdle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.cfg.Feeds.Create(r.Context(), f); err != nil {
		writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}
	_ = audit.LogEvent(r.Context(), "feed.created", map[string]any{
		"feed_id": f.ID,
		"name":    f.Name,
	})
	w.Header().Set("Location", "/v1/feeds/"+f.ID)
	writeJSON(w, http.StatusCreated, sanitizeFeed(f))
}

func (a *API) listFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := a.cfg.Feeds.List(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}
	out := make([]*intel.Feed, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, sanitizeFeed(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) getFeed(w http.ResponseWriter, r *http.Request, feedID string) {
	f, err := a.cfg.Feeds.Find(r.Context(), feedID)
	if err != nil {
		if errors.Is(err, intel.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "feed not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, sanitizeFeed(f))
}

func (a *API) feedStatus(w http.ResponseWriter, r *http.Request, feedID string) {
	f, err := a.cfg.Feeds.Find(r.Context(), feedID)
	if err != nil {
		if errors.Is(err, intel.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "feed not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}

	resp := feedStatusResponse{Feed: sanitizeFeed(f)}
	if a.cfg.Tracker != nil {
		if snap, ok, err := a.cfg.Tracker.Progress(r.Context(), feedID); err == nil && ok {
			resp.Progress = &snap
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) startConsumption(w http.ResponseWriter, r *http.Request, f *intel.Feed) {
	a.launchConsumption(w, r, f, false)
}

func (a *API) resumeConsumption(w http.ResponseWriter, r *http.Request, f *intel.Feed) {
	if f.Status != intel.StatusPaused {
		writeError(w, r, http.StatusConflict, "feed is not paused")
		return
	}
	a.launchConsumption(w, r, f, true)
}

func (a *API) launchConsumption(w http.ResponseWriter, r *http.Request, f *intel.Feed, isResume bool) {
	if a.cfg.Orch == nil {
		writeError(w, r, http.StatusServiceUnavailable, "consumption disabled")
		return
	}
	if !f.CanStart() {
		writeError(w, r, http.StatusConflict, "consumption already active")
		return
	}

	var req consumeRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Limit < 0 || req.ForceDays < 0 || req.BatchSize < 0 {
		writeError(w, r, http.StatusBadRequest, "limit, force_days and batch_size must be >= 0")
		return
	}

	opts := feed.Options{
		Limit:     req.Limit,
		ForceDays: req.ForceDays,
		BatchSize: req.BatchSize,
		IsResume:  isResume,
		Access:    a.accessRequest(r, f),
	}

	_ = audit.LogEvent(r.Context(), "feed.consume_requested", map[string]any{
		"feed_id": f.ID,
		"resume":  isResume,
	})

	// The run outlives the request; failures land in the feed's last_error
	// and the orchestrator's own logs.
	feedID := f.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		if _, err := a.cfg.Orch.Consume(ctx, feedID, opts); err != nil {
			obs.LogEvent("feed.consume_failed", map[string]any{
				"feed_id": feedID,
				"error":   err.Error(),
			})
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"feed_id": feedID,
		"status":  string(intel.StatusStarting),
	})
}

func (a *API) pauseConsumption(w http.ResponseWriter, r *http.Request, f *intel.Feed) {
	if a.cfg.Tracker == nil {
		writeError(w, r, http.StatusServiceUnavailable, "progress tracking disabled")
		return
	}
	if f.Status != intel.StatusRunning && f.Status != intel.StatusStarting {
		writeError(w, r, http.StatusConflict, "feed is not running")
		return
	}
	if err := a.cfg.Tracker.RequestPause(r.Context(), f.ID); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "signal store unavailable")
		return
	}
	_ = audit.LogEvent(r.Context(), "feed.pause_requested", map[string]any{"feed_id": f.ID})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"feed_id": f.ID,
		"status":  "pause_requested",
	})
}

func (a *API) cancelConsumption(w http.ResponseWriter, r *http.Request, f *intel.Feed) {
	if a.cfg.Tracker == nil {
		writeError(w, r, http.StatusServiceUnavailable, "progress tracking disabled")
		return
	}
	mode := progress.CancelMode(strings.TrimSpace(r.URL.Query().Get("mode")))
	if mode == "" {
		mode = progress.CancelStopNow
	}
	if mode != progress.CancelStopNow && mode != progress.CancelJob {
		writeError(w, r, http.StatusBadRequest, "mode must be stop_now or cancel_job")
		return
	}
	// A paused run has no loop polling for signals, so it is abandoned
	// directly instead of signalled.
	if f.Status == intel.StatusPaused {
		if err := a.cfg.Orch.Abandon(r.Context(), f.ID, mode); err != nil {
			switch {
			case errors.Is(err, intel.ErrNotFound):
				writeError(w, r, http.StatusNotFound, "feed not found")
			case errors.Is(err, feed.ErrNotPaused):
				writeError(w, r, http.StatusConflict, "feed is not paused")
			default:
				writeError(w, r, http.StatusInternalServerError, "abandon failed")
			}
			return
		}
		_ = audit.LogEvent(r.Context(), "feed.consumption_abandoned", map[string]any{
			"feed_id": f.ID,
			"mode":    string(mode),
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"feed_id": f.ID,
			"status":  string(intel.StatusIdle),
			"mode":    string(mode),
		})
		return
	}
	if f.Status != intel.StatusRunning && f.Status != intel.StatusStarting {
		writeError(w, r, http.StatusConflict, "feed is not running")
		return
	}
	if err := a.cfg.Tracker.RequestCancel(r.Context(), f.ID, mode); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "signal store unavailable")
		return
	}
	_ = audit.LogEvent(r.Context(), "feed.cancel_requested", map[string]any{
		"feed_id": f.ID,
		"mode":    string(mode),
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"feed_id": f.ID,
		"status":  "cancel_requested",
		"mode":    string(mode),
	})
}

// accessRequest builds the evaluation template for ingest: the feed's owning
// organization requesting write access against our data. Nil when no trust
// store is wired, which the orchestrator treats as a trusted internal run.
func (a *API) accessRequest(r *http.Request, f *intel.Feed) *eval.Request {
	if a.cfg.Trust == nil || f.Organization == "" {
		return nil
	}
	rel, err := a.cfg.Trust.Relationships().FindBetween(r.Context(), f.Organization, a.ownOrg())
	if err != nil {
		rel = nil
	}
	req := &eval.Request{
		Organization: f.Organization,
		UserID:       callerSubject(r.Context()),
	}
	if rel != nil {
		req.Relationship = rel
		if level, err := a.cfg.Trust.Levels().Find(r.Context(), rel.TrustLevelID); err == nil {
			req.Level = level
		}
	}
	return req
}

func (a *API) ownOrg() string {
	if a.cfg.Converter != nil {
		return a.cfg.Converter.OrgName()
	}
	return ""
}

// sanitizeFeed strips source credentials before the feed leaves the API.
func sanitizeFeed(f *intel.Feed) *intel.Feed {
	clean := *f
	clean.Password = ""
	return &clean
}
