package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"muwise.app/internal/auth"
	"muwise.app/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{UserID: "user-42", Email: "ana@example.com"})

	if err := LogEvent(ctx, "agreement.signer_added", map[string]any{"agreement_id": "agr-1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != "agreement.signer_added" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" || entry["user_id"] != "user-42" {
		t.Fatalf("context not attached: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["agreement_id"] != "agr-1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), " ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}
