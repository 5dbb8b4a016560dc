package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/imbrick/attributes-login-access/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskUsername(t *testing.T) {
	assert.Equal(t, "a****", logger.MaskUsername("alice"))
	assert.Equal(t, "*", logger.MaskUsername("x"))
	assert.Equal(t, "", logger.MaskUsername(""))
	assert.Equal(t, "b**@*******.com", logger.MaskUsername("bob@example.com"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logger.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logger.ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, logger.ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, logger.ParseLevel("verbose"))
}

func TestSanitizeQueryString(t *testing.T) {
	assert.True(t, logger.SanitizeQueryString("username=alice&limit=10"))
	assert.False(t, logger.SanitizeQueryString("limit=10&offset=20"))
}

func TestAuditLogger_LogSecurityEvent(t *testing.T) {
	var buf bytes.Buffer
	base := logger.New(&buf, "info", "json")
	audit := logger.NewAuditLogger(base)

	audit.LogSecurityEvent(context.Background(), logger.AuditEvent{
		EventType: "lockout_applied",
		Username:  "alice",
		IPAddress: "203.0.113.5",
		Severity:  slog.LevelWarn,
		Metadata:  map[string]interface{}{"tier": 2},
	})

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "security_event", record["msg"])
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "lockout_applied", record["event_type"])
	assert.Equal(t, "a****", record["username"])
	assert.Equal(t, "203.0.113.5", record["ip_address"])
	assert.Equal(t, "2", record["tier"])
}
