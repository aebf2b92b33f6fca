package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"crisp.org/internal/anonymize"
	"crisp.org/internal/auth"
	"crisp.org/internal/ids"
	"crisp.org/internal/trust"
)

type createLevelRequest struct {
	Name                 string `json:"name"`
	Level                string `json:"level"`
	NumericalValue       int    `json:"numerical_value"`
	DefaultAnonymization string `json:"default_anonymization_level"`
	DefaultAccess        string `json:"default_access_level"`
}

type createRelationshipRequest struct {
	SourceOrg    string `json:"source_organization"`
	TargetOrg    string `json:"target_organization"`
	TrustLevelID string `json:"trust_level_id"`
	IsBilateral  bool   `json:"is_bilateral"`
	ValidUntil   string `json:"valid_until,omitempty"`
}

type approveRelationshipRequest struct {
	Side string `json:"side"` // "source" or "target"
}

type createGroupRequest struct {
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	DefaultTrustLevelID string         `json:"default_trust_level_id"`
	GroupPolicies       map[string]any `json:"group_policies"`
	IsPublic            bool           `json:"is_public"`
}

type addMemberRequest struct {
	Organization   string `json:"organization"`
	MembershipType string `json:"membership_type"`
}

func (a *API) trustStore(w http.ResponseWriter, r *http.Request) trust.Store {
	if a.cfg.Trust == nil {
		writeError(w, r, http.StatusServiceUnavailable, "trust service unavailable")
		return nil
	}
	return a.cfg.Trust
}

func (a *API) handleTrustLevels(w http.ResponseWriter, r *http.Request) {
	store := a.trustStore(w, r)
	if store == nil {
		return
	}
	switch r.Method {
	case http.MethodGet:
		levels, err := store.Levels().List(r.Context())
		if err != nil {
			handleTrustError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": levels})
	case http.MethodPost:
		if err := a.requirePermission(r.Context(), auth.PermTrustManage); err != nil {
			writeError(w, r, http.StatusForbidden, "insufficient permissions")
			return
		}
		var req createLevelRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		now := time.Now().UTC()
		level := &trust.TrustLevel{
			ID:                   ids.New(),
			Name:                 strings.TrimSpace(req.Name),
			Level:                strings.TrimSpace(req.Level),
			NumericalValue:       req.NumericalValue,
			DefaultAnonymization: anonymize.ParseLevel(req.DefaultAnonymization),
			DefaultAccess:        trust.AccessLevel(req.DefaultAccess),
			IsActive:             true,
			CreatedBy:            callerSubject(r.Context()),
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if level.DefaultAccess == "" {
			level.DefaultAccess = trust.AccessRead
		}
		if err := store.Levels().Create(r.Context(), level); err != nil {
			handleTrustError(w, r, err)
			return
		}
		a.trustLog(r, "trust_level.created", map[string]any{"level_id": level.ID, "name": level.Name})
		w.Header().Set("Location", "/v1/trust/levels/"+level.ID)
		writeJSON(w, http.StatusCreated, level)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTrustLevelResource(w http.ResponseWriter, r *http.Request) {
	store := a.trustStore(w, r)
	if store == nil {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/trust/levels/"), "/")
	parts := strings.Split(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		level, err := store.Levels().Find(r.Context(), id)
		if err != nil {
			handleTrustError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, level)
		return
	}
	if len(parts) != 2 || r.Method != http.MethodPost {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermTrustManage); err != nil {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return
	}

	switch parts[1] {
	case "default":
		if err := store.Levels().SetSystemDefault(r.Context(), id); err != nil {
			handleTrustError(w, r, err)
			return
		}
		a.trustLog(r, "trust_level.default_changed", map[string]any{"level_id": id})
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_system_default": true})
	case "deactivate":
		if err := store.Levels().Deactivate(r.Context(), id); err != nil {
			handleTrustError(w, r, err)
			return
		}
		a.trustLog(r, "trust_level.deactivated", map[string]any{"level_id": id})
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": false})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRelationships(w http.ResponseWriter, r *http.Request) {
	store := a.trustStore(w, r)
	if store == nil {
		return
	}
	switch r.Method {
	case http.MethodGet:
		org := strings.TrimSpace(r.URL.Query().Get("organization"))
		if org == "" {
			org = a.callerOrg(r)
		}
		if org == "" {
			writeError(w, r, http.StatusBadRequest, "organization is required")
			return
		}
		rels, err := store.Relationships().ListByOrg(r.Context(), org)
		if err != nil {
			handleTrustError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": rels})
	case http.MethodPost:
		if err := a.requirePermission(r.Context(), auth.PermTrustManage); err != nil {
			writeError(w, r, http.StatusForbidden, "insufficient permissions")
			return
		}
		var req createRelationshipRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		level, err := store.Levels().Find(r.Context(), req.TrustLevelID)
		if err != nil {
			handleTrustError(w, r, err)
			return
		}

		now := time.Now().UTC()
		rel := &trust.TrustRelationship{
			ID:           ids.New(),
			SourceOrg:    strings.TrimSpace(req.SourceOrg),
			TargetOrg:    strings.TrimSpace(req.TargetOrg),
			TrustLevelID: level.ID,
			Status:       trust.StatusPending,
			IsBilateral:  req.IsBilateral,
			ValidFrom:    now,
			// Defaults copied from the level, overridable later.
			Anonymization: level.DefaultAnonymization,
			Access:        level.DefaultAccess,
			CreatedBy:     callerSubject(r.Context()),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		// Creating from your own side implies approving it.
		if caller := a.callerOrg(r); caller != "" && caller == rel.SourceOrg {
			rel.ApprovedBySource = true
		}
		if req.ValidUntil != "" {
			until, err := time.Parse(time.RFC3339, req.ValidUntil)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "valid_until must be RFC 3339")
				return
			}
			rel.ValidUntil = &until
		}
		if err := store.Relationships().Create(r.Context(), rel); err != nil {
			handleTrustError(w, r, err)
			return
		}
		a.trustLog(r, "trust_relationship.created", map[string]any{
			"relationship_id": rel.ID,
			"source":          rel.SourceOrg,
			"target":          rel.TargetOrg,
		})
		w.Header().Set("Location", "/v1/trust/relationships/"+rel.ID)
		writeJSON(w, http.StatusCreated, rel)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRelationshipResource(w http.ResponseWriter, r *http.Request) {
	store := a.trustStore(w, r)
	if store == nil {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/trust/relationships/"), "/")
	parts := strings.Split(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		rel, err := store.Relationships().Find(r.Context(), id)
		if err != nil {
			handleTrustError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rel)
		return
	}
	if len(parts) != 2 || r.Method != http.MethodPost {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermTrustManage); err != nil {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return
	}

	rel, err := store.Relationships().Find(r.Context(), id)
	if err != nil {
		handleTrustError(w, r, err)
		return
	}

	switch parts[1] {
	case "approve":
		var req approveRelationshipRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		switch req.Side {
		case "source":
			rel.ApprovedBySource = true
		case "target":
			rel.ApprovedByTarget = true
		default:
			writeError(w, r, http.StatusBadRequest, "side must be source or target")
			return
		}
		activated := rel.Activate()
		rel.LastModifiedBy = callerSubject(r.Context())
		rel.UpdatedAt = time.Now().UTC()
		if err := store.Relationships().Update(r.Context(), rel); err != nil {
			handleTrustError(w, r, err)
			return
		}
		a.trustLog(r, "trust_relationship.approved", map[string]any{
			"relationship_id": rel.ID,
			"side":            req.Side,
			"activated":       activated,
		})
		writeJSON(w, http.StatusOK, rel)
	case "revoke":
		rel.Revoke(callerSubject(r.Context()), time.Now().UTC())
		rel.UpdatedAt = time.Now().UTC()
		if err := store.Relationships().Update(r.Context(), rel); err != nil {
			handleTrustError(w, r, err)
			return
		}
		a.trustLog(r, "trust_relationship.revoked", map[string]any{
			"relationship_id": rel.ID,
		})
		writeJSON(w, http.StatusOK, rel)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	store := a.trustStore(w, r)
	if store == nil {
		return
	}
	switch r.Method {
	case http.MethodGet:
		groups, err := store.Groups().ListPublic(r.Context())
		if err != nil {
			handleTrustError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": groups})
	case http.MethodPost:
		if err := a.requirePermission(r.Context(), auth.PermTrustManage); err != nil {
			writeError(w, r, http.StatusForbidden, "insufficient permissions")
			return
		}
		var req createGroupRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		now := time.Now().UTC()
		group := &trust.TrustGroup{
			ID:                  ids.New(),
			Name:                strings.TrimSpace(req.Name),
			Description:         req.Description,
			DefaultTrustLevelID: req.DefaultTrustLevelID,
			GroupPolicies:       req.GroupPolicies,
			IsPublic:            req.IsPublic,
			CreatedBy:           callerSubject(r.Context()),
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := store.Groups().Create(r.Context(), group); err != nil {
			handleTrustError(w, r, err)
			return
		}
		// The creating organization administers the group from the start.
		if caller := a.callerOrg(r); caller != "" {
			_ = store.Groups().AddMember(r.Context(), trust.TrustGroupMembership{
				GroupID:        group.ID,
				Organization:   caller,
				MembershipType: trust.MemberAdministrator,
				JoinedAt:       now,
			})
		}
		a.trustLog(r, "trust_group.created", map[string]any{"group_id": group.ID, "name": group.Name})
		w.Header().Set("Location", "/v1/trust/groups/"+group.ID)
		writeJSON(w, http.StatusCreated, group)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleGroupResource(w http.ResponseWriter, r *http.Request) {
	store := a.trustStore(w, r)
	if store == nil {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/trust/groups/"), "/")
	parts := strings.Split(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	groupID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		group, err := store.Groups().Find(r.Context(), groupID)
		if err != nil {
			handleTrustError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, group)
		return
	}
	if len(parts) != 2 || parts[1] != "members" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		members, err := store.Groups().Members(r.Context(), groupID)
		if err != nil {
			handleTrustError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": members})
	case http.MethodPost:
		if err := a.requirePermission(r.Context(), auth.PermTrustManage); err != nil {
			writeError(w, r, http.StatusForbidden, "insufficient permissions")
			return
		}
		var req addMemberRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.Organization) == "" {
			writeError(w, r, http.StatusBadRequest, "organization is required")
			return
		}
		if !a.canAdministerGroup(r, store, groupID) {
			writeError(w, r, http.StatusForbidden, "group administration requires administrator membership")
			return
		}
		mtype := trust.MembershipType(req.MembershipType)
		if mtype == "" {
			mtype = trust.MemberRegular
		}
		m := trust.TrustGroupMembership{
			GroupID:        groupID,
			Organization:   strings.TrimSpace(req.Organization),
			MembershipType: mtype,
			JoinedAt:       time.Now().UTC(),
		}
		if err := store.Groups().AddMember(r.Context(), m); err != nil {
			handleTrustError(w, r, err)
			return
		}
		a.trustLog(r, "trust_group.member_added", map[string]any{
			"group_id":     groupID,
			"organization": m.Organization,
			"type":         string(m.MembershipType),
		})
		writeJSON(w, http.StatusCreated, m)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// canAdministerGroup gates group administration on administrator membership.
// A group with no members yet may be administered by anyone holding the
// trust.manage permission, which covers bootstrap.
func (a *API) canAdministerGroup(r *http.Request, store trust.Store, groupID string) bool {
	members, err := store.Groups().Members(r.Context(), groupID)
	if err != nil || len(members) == 0 {
		return true
	}
	caller := a.callerOrg(r)
	if caller == "" {
		return false
	}
	m, err := store.Groups().Membership(r.Context(), groupID, caller)
	if err != nil || m == nil {
		return false
	}
	return m.CanAdminister()
}

func (a *API) trustLog(r *http.Request, action string, details map[string]any) {
	if a.cfg.Trust == nil {
		return
	}
	entry := &trust.TrustLog{
		ID:        ids.NewAuditRef(),
		Action:    action,
		SourceOrg: a.callerOrg(r),
		User:      callerSubject(r.Context()),
		Success:   true,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	_ = a.cfg.Trust.Log().Append(r.Context(), entry)
}

func handleTrustError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, trust.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, trust.ErrImmutable):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, trust.ErrScoreOutOfRange),
		errors.Is(err, trust.ErrSelfRelationship),
		errors.Is(err, trust.ErrInvalidValidity),
		errors.Is(err, trust.ErrNameRequired),
		errors.Is(err, trust.ErrNotApproved):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "trust storage error")
	}
}
