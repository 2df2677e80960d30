package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func TestAuditLogger_LogEncrypt(t *testing.T) {
	logger := NewLogger(100, nil)
	ctx := WithRequestID(context.Background(), "req-1")

	info := CryptoInfo{Protocol: "2.1", KeyID: "master", WrapAlgorithm: "KMS"}
	logger.LogCrypto(ctx, EventTypeEncrypt, "test-bucket", "test-key", info, nil, 100*time.Millisecond)

	events := logger.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeEncrypt {
		t.Fatalf("expected event type %s, got %s", EventTypeEncrypt, event.EventType)
	}
	if event.Bucket != "test-bucket" || event.Key != "test-key" {
		t.Fatalf("unexpected target %s/%s", event.Bucket, event.Key)
	}
	if event.RequestID != "req-1" {
		t.Fatalf("expected request id req-1, got %q", event.RequestID)
	}
	if event.Protocol != "2.1" || event.KeyID != "master" || event.WrapAlgorithm != "KMS" {
		t.Fatalf("unexpected crypto info: %+v", event)
	}
	if event.DurationMs != 100 {
		t.Fatalf("expected 100ms, got %d", event.DurationMs)
	}
	if !event.Success {
		t.Fatal("expected success to be true")
	}
	if _, err := uuid.Parse(event.ID); err != nil {
		t.Fatalf("expected a UUID event id, got %q", event.ID)
	}
	if event.Timestamp.IsZero() {
		t.Fatal("expected a timestamp")
	}
}

func TestAuditLogger_LogDecryptRange(t *testing.T) {
	logger := NewLogger(100, nil)

	info := CryptoInfo{Protocol: "1.0", KeyID: "old", WrapAlgorithm: "RSA-OAEP", Range: "bytes=10-19"}
	logger.LogCrypto(context.Background(), EventTypeDecrypt, "b", "k", info, nil, time.Millisecond)

	event := logger.Events()[0]
	if event.EventType != EventTypeDecrypt || event.Range != "bytes=10-19" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.RequestID != "" {
		t.Fatalf("expected no request id, got %q", event.RequestID)
	}
}

func TestAuditLogger_LogError(t *testing.T) {
	logger := NewLogger(100, nil)

	logger.LogCrypto(context.Background(), EventTypeKeyUnwrap, "b", "k", CryptoInfo{KeyID: "gone"}, errors.New("key not found"), 0)
	logger.LogAccess(context.Background(), "b", "plain", errors.New("no such key"), time.Second)

	events := logger.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for _, event := range events {
		if event.Success {
			t.Fatalf("expected failure for %s", event.EventType)
		}
		if event.Error == "" {
			t.Fatalf("expected error message for %s", event.EventType)
		}
	}
	if events[1].EventType != EventTypeAccess {
		t.Fatalf("expected access event, got %s", events[1].EventType)
	}
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(5, nil)

	for i := 0; i < 10; i++ {
		logger.LogAccess(context.Background(), "bucket", string(rune('a'+i)), nil, time.Millisecond)
	}

	events := logger.Events()
	if len(events) != 5 {
		t.Fatalf("expected 5 events (max), got %d", len(events))
	}
	if events[0].Key != "f" || events[4].Key != "j" {
		t.Fatalf("expected the newest events to be kept, got %s..%s", events[0].Key, events[4].Key)
	}
}

type failingWriter struct{ calls int }

func (w *failingWriter) WriteEvent(*AuditEvent) error {
	w.calls++
	return errors.New("sink down")
}

func TestAuditLogger_WriterFailureIgnored(t *testing.T) {
	w := &failingWriter{}
	logger := NewLogger(10, w)

	logger.LogAccess(context.Background(), "b", "k", nil, 0)

	if w.calls != 1 {
		t.Fatalf("expected writer to be called once, got %d", w.calls)
	}
	if len(logger.Events()) != 1 {
		t.Fatal("event must be buffered even when the writer fails")
	}
}

func TestLogrusWriter(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})

	logger := NewLogger(10, NewLogrusWriter(log))
	ctx := WithRequestID(context.Background(), "req-9")
	logger.LogCrypto(ctx, EventTypeDecrypt, "b", "k", CryptoInfo{Protocol: "2.0", KeyID: "master"}, errors.New("integrity"), 0)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "warning" || entry["request_id"] != "req-9" || entry["protocol"] != "2.0" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
	if entry["error"] != "integrity" || entry["audit"] != true {
		t.Fatalf("unexpected log entry: %v", entry)
	}
}
