package eval

import (
	"context"
	"strings"
	"time"

	"crisp.org/internal/anonymize"
	"crisp.org/internal/ids"
)

const (
	// maxRecentAuthFailures is the lockout threshold for the security layer.
	maxRecentAuthFailures = 3

	businessHoursStart = 6  // 06:00 UTC
	businessHoursEnd   = 22 // 22:00 UTC

	// maxRetentionDays is roughly seven years; longer retention is flagged
	// for review, not denied.
	maxRetentionDays = 2555
)

// Security wraps an evaluator with authentication-hygiene checks: excessive
// failed logins deny, off-hours requests are flagged, and in high security
// mode a plaintext grant is upgraded to minimal anonymization.
type Security struct {
	Next Evaluator
	Now  func() time.Time
}

var _ Evaluator = (*Security)(nil)

func (s *Security) Evaluate(ctx context.Context, req *Request) Evaluation {
	inner := s.Next.Evaluate(ctx, req)
	if !inner.Allowed {
		return inner
	}
	if req.RecentAuthFailures > maxRecentAuthFailures {
		inner.Allowed = false
		inner.Reason = "too many recent failed authentication attempts"
		inner.Access = ""
		return inner
	}
	at := req.RequestedAt
	if at.IsZero() {
		if s.Now != nil {
			at = s.Now()
		} else {
			at = time.Now().UTC()
		}
	}
	hour := at.UTC().Hour()
	if hour < businessHoursStart || hour >= businessHoursEnd {
		inner.Flags = append(inner.Flags, "outside_business_hours")
	}
	if strings.EqualFold(req.SecurityMode, "high") && inner.Anonymization == anonymize.LevelNone {
		inner.Anonymization = anonymize.LevelMinimal
		inner.Flags = append(inner.Flags, "anonymization_upgraded")
	}
	return inner
}

// Compliance wraps an evaluator with data-handling rules: plaintext access to
// pii/sensitive resources is denied, excessive retention is flagged.
type Compliance struct {
	Next Evaluator
}

var _ Evaluator = (*Compliance)(nil)

func (c *Compliance) Evaluate(ctx context.Context, req *Request) Evaluation {
	inner := c.Next.Evaluate(ctx, req)
	if !inner.Allowed {
		return inner
	}
	if inner.Anonymization == anonymize.LevelNone && hasSensitiveTag(req.ResourceTags) {
		inner.Allowed = false
		inner.Reason = "plaintext access to pii/sensitive resources is not permitted"
		inner.Access = ""
		return inner
	}
	if req.RetentionDays > maxRetentionDays {
		inner.Flags = append(inner.Flags, "retention_exceeds_policy")
	}
	return inner
}

func hasSensitiveTag(tags []string) bool {
	for _, tag := range tags {
		switch strings.ToLower(strings.TrimSpace(tag)) {
		case "pii", "sensitive":
			return true
		}
	}
	return false
}

// AuditSink receives one record per evaluated request.
type AuditSink interface {
	Record(ctx context.Context, action string, fields map[string]any)
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, action string, fields map[string]any)

func (f AuditSinkFunc) Record(ctx context.Context, action string, fields map[string]any) {
	f(ctx, action, fields)
}

// Audit wraps an evaluator with audit logging. The inner decision passes
// through unchanged except for the attached audit reference; request metadata
// is sanitized before it reaches the sink.
type Audit struct {
	Next Evaluator
	Sink AuditSink
}

var _ Evaluator = (*Audit)(nil)

func (a *Audit) Evaluate(ctx context.Context, req *Request) Evaluation {
	inner := a.Next.Evaluate(ctx, req)
	inner.AuditRef = ids.NewAuditRef()
	if a.Sink != nil {
		fields := map[string]any{
			"audit_ref":           inner.AuditRef,
			"allowed":             inner.Allowed,
			"reason":              inner.Reason,
			"access_level":        string(inner.Access),
			"anonymization_level": string(inner.Anonymization),
		}
		if req != nil {
			fields["organization"] = req.Organization
			fields["user"] = req.UserID
			if len(req.Metadata) > 0 {
				fields["metadata"] = sanitize(req.Metadata)
			}
		}
		if len(inner.Flags) > 0 {
			fields["flags"] = append([]string(nil), inner.Flags...)
		}
		a.Sink.Record(ctx, "access_evaluated", fields)
	}
	return inner
}

// sanitize redacts values under secret-looking keys before audit storage.
func sanitize(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if isSecretKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = sanitize(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range []string{"password", "token", "secret", "key"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}
