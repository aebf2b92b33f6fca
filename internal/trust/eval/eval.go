// Package eval implements the access-control evaluation chain: a base trust
// evaluation wrapped by ordered security, compliance and audit layers. Each
// layer is a pure function of the inner result and the request, so chains can
// be composed in any order without hidden coupling.
package eval

import (
	"context"
	"fmt"
	"time"

	"crisp.org/internal/anonymize"
	"crisp.org/internal/trust"
)

// Request carries everything a chain needs to decide an access attempt.
type Request struct {
	// Relationship is the trust edge granting the requesting organization
	// access, nil when none exists.
	Relationship *trust.TrustRelationship
	// Level is the trust level referenced by the relationship, nil when
	// unknown.
	Level *trust.TrustLevel

	Organization string // requesting organization
	UserID       string // acting user

	// Security context.
	RecentAuthFailures int
	SecurityMode       string // "standard" or "high"

	// Compliance context.
	ResourceTags  []string // e.g. pii, sensitive
	RetentionDays int

	RequestedAt time.Time // zero means "now"

	// Metadata travels into the audit record; secret-looking keys are
	// redacted there.
	Metadata map[string]any
}

// Evaluation is the chain result. A denial is a value, never an error:
// callers branch on Allowed.
type Evaluation struct {
	Allowed       bool              `json:"allowed"`
	Reason        string            `json:"reason"`
	Access        trust.AccessLevel `json:"access_level"`
	Anonymization anonymize.Level   `json:"anonymization_level"`
	TrustLevel    string            `json:"trust_level,omitempty"`
	Flags         []string          `json:"flags,omitempty"`
	AuditRef      string            `json:"audit_ref,omitempty"`
}

// Evaluator decides a single access request.
type Evaluator interface {
	Evaluate(ctx context.Context, req *Request) Evaluation
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, req *Request) Evaluation

func (f EvaluatorFunc) Evaluate(ctx context.Context, req *Request) Evaluation {
	return f(ctx, req)
}

// BasicTrust is the base of every chain: it grants the relationship's access
// and anonymization levels when the relationship is effective, and denies
// otherwise. Evaluating with no relationship resolves to a denial, never an
// error.
type BasicTrust struct {
	Now func() time.Time
}

var _ Evaluator = (*BasicTrust)(nil)

func (b *BasicTrust) Evaluate(ctx context.Context, req *Request) Evaluation {
	denied := Evaluation{
		Allowed:       false,
		Access:        trust.AccessNone,
		Anonymization: anonymize.LevelFull,
	}
	if req == nil || req.Relationship == nil {
		denied.Reason = "no trust relationship exists"
		return denied
	}
	at := req.RequestedAt
	if at.IsZero() {
		if b.Now != nil {
			at = b.Now()
		} else {
			at = time.Now().UTC()
		}
	}
	rel := req.Relationship
	if !rel.EffectiveAt(at) {
		denied.Reason = fmt.Sprintf("trust relationship is not effective (status=%s)", rel.Status)
		return denied
	}
	out := Evaluation{
		Allowed:       true,
		Reason:        "trust relationship grants access",
		Access:        rel.Access,
		Anonymization: rel.Anonymization,
	}
	if req.Level != nil {
		out.TrustLevel = req.Level.Level
	}
	return out
}
