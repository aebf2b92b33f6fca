package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"crisp.org/internal/auth"
	"crisp.org/internal/obs"
	"crisp.org/internal/trust"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.NewPrincipal("analyst-7", "org-acme", nil))

	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["subject"] != "analyst-7" {
		t.Fatalf("unexpected subject: %v", entry["subject"])
	}
	if entry["organization"] != "org-acme" {
		t.Fatalf("unexpected organization: %v", entry["organization"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestTrustLogSinkRecordsDenial(t *testing.T) {
	store := trust.NewInMemory()
	sink := &TrustLogSink{Log: store.Log()}

	sink.Record(context.Background(), "access_evaluated", map[string]any{
		"audit_ref":    "audit-01",
		"allowed":      false,
		"reason":       "no trust relationship",
		"organization": "org-unknown",
		"user":         "analyst-9",
	})

	entries, err := store.Log().List(context.Background(), "org-unknown", time.Time{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.ID != "audit-01" {
		t.Fatalf("unexpected id: %s", entry.ID)
	}
	if entry.Success {
		t.Fatal("expected denied entry")
	}
	if entry.FailureReason != "no trust relationship" {
		t.Fatalf("unexpected failure reason: %q", entry.FailureReason)
	}
	if entry.User != "analyst-9" {
		t.Fatalf("unexpected user: %s", entry.User)
	}
}
