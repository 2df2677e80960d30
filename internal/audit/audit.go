package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents an upload that encrypted a blob.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a full or ranged download.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeKeyUnwrap represents a content key unwrap.
	EventTypeKeyUnwrap EventType = "key_unwrap"
	// EventTypeAccess represents an access that involved no cryptography.
	EventTypeAccess EventType = "access"
)

// AuditEvent represents a single audit log event. It never carries key material.
type AuditEvent struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     EventType      `json:"event_type"`
	Bucket        string         `json:"bucket,omitempty"`
	Key           string         `json:"key,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	Protocol      string         `json:"protocol,omitempty"`
	KeyID         string         `json:"key_id,omitempty"`
	WrapAlgorithm string         `json:"wrap_algorithm,omitempty"`
	Range         string         `json:"range,omitempty"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CryptoInfo describes the cryptographic context of an event.
type CryptoInfo struct {
	Protocol      string
	KeyID         string
	WrapAlgorithm string
	Range         string
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an event, assigning an ID and timestamp when missing.
	Log(event *AuditEvent)

	// LogCrypto records an encrypt, decrypt or key unwrap event.
	LogCrypto(ctx context.Context, eventType EventType, bucket, key string, info CryptoInfo, err error, duration time.Duration)

	// LogAccess records an access that involved no cryptography.
	LogAccess(ctx context.Context, bucket, key string, err error, duration time.Duration)

	// Events returns a copy of the buffered events, oldest first.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
	now       func() time.Time
}

// NewLogger creates a new audit logger that keeps the last maxEvents
// events in memory and forwards each to writer.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		now:       time.Now,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		// A failing sink must not fail the request being audited.
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

// LogCrypto logs an encrypt, decrypt or key unwrap event.
func (l *auditLogger) LogCrypto(ctx context.Context, eventType EventType, bucket, key string, info CryptoInfo, err error, duration time.Duration) {
	event := &AuditEvent{
		EventType:     eventType,
		Bucket:        bucket,
		Key:           key,
		RequestID:     RequestIDFromContext(ctx),
		Protocol:      info.Protocol,
		KeyID:         info.KeyID,
		WrapAlgorithm: info.WrapAlgorithm,
		Range:         info.Range,
		Success:       err == nil,
		DurationMs:    duration.Milliseconds(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogAccess logs a general access operation.
func (l *auditLogger) LogAccess(ctx context.Context, bucket, key string, err error, duration time.Duration) {
	event := &AuditEvent{
		EventType:  EventTypeAccess,
		Bucket:     bucket,
		Key:        key,
		RequestID:  RequestIDFromContext(ctx),
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Events returns all buffered audit events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// LogrusWriter writes audit events as structured logrus entries.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns an EventWriter backed by logger.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

// WriteEvent implements EventWriter.
func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":       true,
		"audit_id":    event.ID,
		"event_type":  string(event.EventType),
		"bucket":      event.Bucket,
		"key":         event.Key,
		"success":     event.Success,
		"duration_ms": event.DurationMs,
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.Protocol != "" {
		fields["protocol"] = event.Protocol
	}
	if event.KeyID != "" {
		fields["key_id"] = event.KeyID
	}
	if event.WrapAlgorithm != "" {
		fields["wrap_algorithm"] = event.WrapAlgorithm
	}
	if event.Range != "" {
		fields["range"] = event.Range
	}
	entry := w.logger.WithFields(fields)
	if event.Error != "" {
		entry.WithField("error", event.Error).Warn("audit event")
		return nil
	}
	entry.Info("audit event")
	return nil
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
