package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	EventType  string
	Username   string
	IPAddress  string
	Severity   slog.Level
	OccurredAt time.Time
	Metadata   map[string]interface{}
}

// AuditLogger writes security events as structured log records
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogSecurityEvent emits one "security_event" record. Usernames are masked.
func (al *AuditLogger) LogSecurityEvent(ctx context.Context, event AuditEvent) {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	attrs := []slog.Attr{
		slog.String("audit_type", "security"),
		slog.String("event_type", event.EventType),
		slog.String("timestamp", occurred.UTC().Format(time.RFC3339)),
	}

	if event.Username != "" {
		attrs = append(attrs, slog.String("username", MaskUsername(event.Username)))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}

	keys := make([]string, 0, len(event.Metadata))
	for key := range event.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, slog.String(key, fmt.Sprint(event.Metadata[key])))
	}

	al.logger.LogAttrs(ctx, event.Severity, "security_event", attrs...)
}
