package audit

import (
	"context"
	"fmt"
	"time"

	"crisp.org/internal/ids"
	"crisp.org/internal/trust"
)

// TrustLogSink persists access evaluation records into the trust log. It is
// wired behind the audit decorator so every evaluated request leaves an
// immutable trail.
type TrustLogSink struct {
	Log trust.LogStore
}

// Record stores one evaluation outcome. Failures to persist are logged but
// never propagated, audit storage must not break the data path.
func (s *TrustLogSink) Record(ctx context.Context, action string, fields map[string]any) {
	if s == nil || s.Log == nil {
		return
	}

	entry := &trust.TrustLog{
		ID:        ids.NewAuditRef(),
		Action:    action,
		Details:   fields,
		CreatedAt: time.Now().UTC(),
	}
	if ref, ok := fields["audit_ref"].(string); ok && ref != "" {
		entry.ID = ref
	}
	if org, ok := fields["organization"].(string); ok {
		entry.SourceOrg = org
	}
	if user, ok := fields["user"].(string); ok {
		entry.User = user
	}
	if allowed, ok := fields["allowed"].(bool); ok {
		entry.Success = allowed
		if !allowed {
			if reason, ok := fields["reason"].(string); ok {
				entry.FailureReason = reason
			}
		}
	}

	if err := s.Log.Append(ctx, entry); err != nil {
		_ = LogEvent(ctx, "audit.append_failed", map[string]any{
			"action": action,
			"error":  fmt.Sprintf("%v", err),
		})
	}
}
