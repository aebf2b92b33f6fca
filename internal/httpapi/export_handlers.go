package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"crisp.org/internal/anonymize"
	"crisp.org/internal/audit"
	"crisp.org/internal/auth"
	"crisp.org/internal/intel"
	"crisp.org/internal/trust/eval"
)

const (
	defaultExportLimit = 100
	maxExportLimit     = 1000
)

// handleExportBundle serves GET /v1/export/bundle?feed_id=...&limit=...
// The anonymization level applied to the bundle is decided by the evaluation
// chain for the caller's organization, never by the caller directly.
func (a *API) handleExportBundle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermExport); err != nil {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return
	}
	if a.cfg.Converter == nil {
		writeError(w, r, http.StatusServiceUnavailable, "export disabled")
		return
	}

	feedID := strings.TrimSpace(r.URL.Query().Get("feed_id"))
	if feedID == "" {
		writeError(w, r, http.StatusBadRequest, "feed_id is required")
		return
	}
	limit := defaultExportLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxExportLimit {
			writeError(w, r, http.StatusBadRequest, "limit must be within [1,1000]")
			return
		}
		limit = n
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

	level, denyReason := a.exportLevel(r, f)
	if denyReason != "" {
		_ = audit.LogEvent(r.Context(), "export.denied", map[string]any{
			"feed_id": feedID,
			"reason":  denyReason,
		})
		writeError(w, r, http.StatusForbidden, denyReason)
		return
	}

	indicators, err := a.cfg.Indicators.ListByFeed(r.Context(), feedID, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}
	ttps, err := a.cfg.TTPs.ListByFeed(r.Context(), feedID, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}

	bundle := a.cfg.Converter.ExportBundle(indicators, ttps, level)
	_ = audit.LogEvent(r.Context(), "export.bundle", map[string]any{
		"feed_id":             feedID,
		"anonymization_level": string(level),
		"objects":             len(bundle.Objects),
	})
	w.Header().Set("Content-Type", "application/stix+json; version=2.1")
	writeJSON(w, http.StatusOK, bundle)
}

// exportLevel runs the evaluation chain for the caller against the feed's
// owning organization. It returns the anonymization level to apply, or a
// denial reason. Without a chain the export runs fully anonymized unless the
// caller owns the data.
func (a *API) exportLevel(r *http.Request, f *intel.Feed) (anonymize.Level, string) {
	caller := a.callerOrg(r)
	if caller != "" && caller == f.Organization {
		return anonymize.LevelNone, ""
	}
	if a.cfg.Chain == nil {
		return anonymize.LevelFull, ""
	}

	req := &eval.Request{
		Organization: caller,
		UserID:       callerSubject(r.Context()),
	}
	if a.cfg.Trust != nil && caller != "" && f.Organization != "" {
		if rel, err := a.cfg.Trust.Relationships().FindBetween(r.Context(), caller, f.Organization); err == nil {
			req.Relationship = rel
			if level, err := a.cfg.Trust.Levels().Find(r.Context(), rel.TrustLevelID); err == nil {
				req.Level = level
			}
		}
	}

	result := a.cfg.Chain.Evaluate(r.Context(), req)
	if !result.Allowed {
		reason := result.Reason
		if reason == "" {
			reason = "access denied"
		}
		return anonymize.LevelFull, reason
	}
	return result.Anonymization, ""
}
