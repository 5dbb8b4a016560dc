package services_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/imbrick/attributes-login-access/internal/repositories"
	"github.com/imbrick/attributes-login-access/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingEventRepo struct {
	*repositories.MemorySecurityEventRepository
}

func (failingEventRepo) Create(context.Context, *models.SecurityEvent) error {
	return errors.New("insert failed")
}

func TestAuditService_DualWrite(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	repo := repositories.NewMemorySecurityEventRepository(100)
	svc := services.NewAuditService(repo, log)

	svc.HandleEvent(context.Background(), lockoutEvent("alice", models.SubjectKindUser))

	assert.Contains(t, buf.String(), `"msg":"security_event"`)
	assert.Contains(t, buf.String(), "lockout_applied")

	events, err := svc.ListEvents(context.Background(), models.SecurityEventFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeLockoutApplied, events[0].EventType)
}

func TestAuditService_PersistFailureIsSwallowed(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := services.NewAuditService(failingEventRepo{repositories.NewMemorySecurityEventRepository(10)}, log)

	svc.HandleEvent(context.Background(), services.NewSecurityEvent(models.EventTypeIPBlocked, "", "192.0.2.1", nil, t0))

	assert.Contains(t, buf.String(), "failed to persist security event")
}

func TestAuditService_PurgeBefore(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewMemorySecurityEventRepository(100)
	svc := services.NewAuditService(repo, discardLogger())

	svc.HandleEvent(ctx, services.NewSecurityEvent(models.EventTypeIPBlocked, "", "192.0.2.1", nil, t0.Add(-48*time.Hour)))
	svc.HandleEvent(ctx, services.NewSecurityEvent(models.EventTypeIPBlocked, "", "192.0.2.1", nil, t0))

	removed, err := svc.PurgeBefore(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
