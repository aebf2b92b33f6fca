// Package trust models inter-organization trust: graded trust levels,
// mutually approved relationships, named sharing groups and the append-only
// trust log. Persistence is behind the Store interfaces in store.go.
package trust

import (
	"errors"
	"strings"
	"time"

	"crisp.org/internal/anonymize"
)

// AccessLevel is the kind of access a relationship grants.
type AccessLevel string

const (
	AccessNone  AccessLevel = "none"
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
	AccessAdmin AccessLevel = "admin"
)

// RelationshipStatus is the lifecycle state of a trust relationship.
type RelationshipStatus string

const (
	StatusPending RelationshipStatus = "pending"
	StatusActive  RelationshipStatus = "active"
	StatusPaused  RelationshipStatus = "paused"
	StatusRevoked RelationshipStatus = "revoked"
	StatusExpired RelationshipStatus = "expired"
)

// MembershipType gates group administration.
type MembershipType string

const (
	MemberRegular       MembershipType = "member"
	MemberAdministrator MembershipType = "administrator"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrScoreOutOfRange  = errors.New("numerical value must be within [0,100]")
	ErrSelfRelationship = errors.New("source and target organization must differ")
	ErrInvalidValidity  = errors.New("valid_until must be after valid_from")
	ErrNotApproved      = errors.New("relationship requires approval from both sides")
	ErrImmutable        = errors.New("trust log entries cannot be modified: not supported")
	ErrNameRequired     = errors.New("name is required")
)

// TrustLevel is an administrator-defined grade of trust. Levels are never
// deleted, only deactivated.
type TrustLevel struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Level                string          `json:"level"` // e.g. public, trusted, restricted
	NumericalValue       int             `json:"numerical_value"`
	DefaultAnonymization anonymize.Level `json:"default_anonymization_level"`
	DefaultAccess        AccessLevel     `json:"default_access_level"`
	IsSystemDefault      bool            `json:"is_system_default"`
	IsActive             bool            `json:"is_active"`
	CreatedBy            string          `json:"created_by,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Validate checks construction invariants before persistence.
func (tl *TrustLevel) Validate() error {
	if strings.TrimSpace(tl.Name) == "" {
		return ErrNameRequired
	}
	if tl.NumericalValue < 0 || tl.NumericalValue > 100 {
		return ErrScoreOutOfRange
	}
	return nil
}

// TrustRelationship is a directed trust grant between two organizations.
// A relationship starts pending and becomes active only after both sides
// approve. Revocation is a soft delete; rows are never removed.
type TrustRelationship struct {
	ID               string             `json:"id"`
	SourceOrg        string             `json:"source_organization"`
	TargetOrg        string             `json:"target_organization"`
	TrustLevelID     string             `json:"trust_level_id"`
	Status           RelationshipStatus `json:"status"`
	ApprovedBySource bool               `json:"approved_by_source"`
	ApprovedByTarget bool               `json:"approved_by_target"`
	IsBilateral      bool               `json:"is_bilateral"`
	ValidFrom        time.Time          `json:"valid_from"`
	ValidUntil       *time.Time         `json:"valid_until,omitempty"`

	// Defaults copied from the trust level at creation, independently
	// overridable afterwards.
	Anonymization anonymize.Level `json:"anonymization_level"`
	Access        AccessLevel     `json:"access_level"`

	CreatedBy      string     `json:"created_by,omitempty"`
	LastModifiedBy string     `json:"last_modified_by,omitempty"`
	RevokedBy      string     `json:"revoked_by,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Validate checks construction invariants.
func (r *TrustRelationship) Validate() error {
	if strings.TrimSpace(r.SourceOrg) == "" || strings.TrimSpace(r.TargetOrg) == "" {
		return ErrNameRequired
	}
	if r.SourceOrg == r.TargetOrg {
		return ErrSelfRelationship
	}
	if r.ValidUntil != nil && !r.ValidUntil.After(r.ValidFrom) {
		return ErrInvalidValidity
	}
	return nil
}

// Activate transitions the relationship to active once both sides have
// approved. It reports whether the transition happened.
func (r *TrustRelationship) Activate() bool {
	if !r.ApprovedBySource || !r.ApprovedByTarget {
		return false
	}
	if r.Status == StatusRevoked || r.Status == StatusExpired {
		return false
	}
	r.Status = StatusActive
	return true
}

// Revoke soft-deletes the relationship recording the acting user and time.
func (r *TrustRelationship) Revoke(actor string, at time.Time) {
	r.Status = StatusRevoked
	r.RevokedBy = actor
	t := at.UTC()
	r.RevokedAt = &t
	r.LastModifiedBy = actor
}

// EffectiveAt reports whether the relationship grants access at t: it must be
// active and t must fall inside [ValidFrom, ValidUntil).
func (r *TrustRelationship) EffectiveAt(t time.Time) bool {
	if r.Status != StatusActive {
		return false
	}
	if t.Before(r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && !t.Before(*r.ValidUntil) {
		return false
	}
	return true
}

// TrustGroup is a named collection of organizations sharing a default trust
// level and group-wide policies.
type TrustGroup struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Description         string         `json:"description,omitempty"`
	DefaultTrustLevelID string         `json:"default_trust_level_id"`
	GroupPolicies       map[string]any `json:"group_policies,omitempty"`
	IsPublic            bool           `json:"is_public"`
	CreatedBy           string         `json:"created_by,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// TrustGroupMembership links an organization to a group.
type TrustGroupMembership struct {
	GroupID        string         `json:"group_id"`
	Organization   string         `json:"organization"`
	MembershipType MembershipType `json:"membership_type"`
	JoinedAt       time.Time      `json:"joined_at"`
}

// CanAdminister reports whether the member may change group settings.
func (m TrustGroupMembership) CanAdminister() bool {
	return m.MembershipType == MemberAdministrator
}

// TrustLog is an append-only audit record. Entries are immutable once
// created; stores reject updates and deletes with ErrImmutable.
type TrustLog struct {
	ID            string         `json:"id"`
	Action        string         `json:"action"`
	SourceOrg     string         `json:"source_organization"`
	User          string         `json:"user,omitempty"`
	Success       bool           `json:"success"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
