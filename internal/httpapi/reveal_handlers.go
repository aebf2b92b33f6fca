package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"crisp.org/internal/audit"
	"crisp.org/internal/auth"
	"crisp.org/internal/intel"
	"crisp.org/internal/trust"
	"crisp.org/internal/trust/eval"
)

// handleRevealOriginal serves GET /v1/intel/original?stix_id=...
// Anonymized records retain their raw value in original_data; revealing it is
// gated on the evaluation chain granting admin access to the caller.
func (a *API) handleRevealOriginal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermExport); err != nil {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return
	}

	stixID := strings.TrimSpace(r.URL.Query().Get("stix_id"))
	if stixID == "" {
		writeError(w, r, http.StatusBadRequest, "stix_id is required")
		return
	}

	ind, err := a.cfg.Indicators.GetByStixID(r.Context(), stixID)
	if err != nil {
		if errors.Is(err, intel.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "indicator not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "storage error")
		return
	}

	if !a.canReveal(r, ind.Organization) {
		_ = audit.LogEvent(r.Context(), "intel.reveal_denied", map[string]any{
			"stix_id": stixID,
		})
		writeError(w, r, http.StatusForbidden, "revealing original data requires admin access")
		return
	}

	value := ind.Value
	if ind.IsAnonymized && ind.OriginalData != "" {
		value = ind.OriginalData
	}
	_ = audit.LogEvent(r.Context(), "intel.revealed", map[string]any{
		"stix_id": stixID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"stix_id":       ind.StixID,
		"type":          ind.Type,
		"value":         value,
		"is_anonymized": ind.IsAnonymized,
	})
}

// canReveal grants de-anonymization to the owning organization, or to a
// caller whose evaluated relationship carries admin access.
func (a *API) canReveal(r *http.Request, ownerOrg string) bool {
	caller := a.callerOrg(r)
	if caller != "" && caller == ownerOrg {
		return true
	}
	if a.cfg.Chain == nil || a.cfg.Trust == nil || caller == "" || ownerOrg == "" {
		return false
	}
	req := &eval.Request{
		Organization: caller,
		UserID:       callerSubject(r.Context()),
	}
	if rel, err := a.cfg.Trust.Relationships().FindBetween(r.Context(), caller, ownerOrg); err == nil {
		req.Relationship = rel
		if level, err := a.cfg.Trust.Levels().Find(r.Context(), rel.TrustLevelID); err == nil {
			req.Level = level
		}
	}
	result := a.cfg.Chain.Evaluate(r.Context(), req)
	return result.Allowed && result.Access == trust.AccessAdmin
}
