package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/imbrick/attributes-login-access/pkg/logger"
)

// SecurityEventRepository defines security event persistence
type SecurityEventRepository interface {
	Create(ctx context.Context, ev *models.SecurityEvent) error
	List(ctx context.Context, filter models.SecurityEventFilter, limit, offset int) ([]*models.SecurityEvent, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditService records security events with a dual write: a structured log
// record and a persisted row. Persist failures are logged and swallowed.
type AuditService struct {
	repo   SecurityEventRepository
	audit  *logger.AuditLogger
	logger *slog.Logger
}

// NewAuditService creates a new AuditService
func NewAuditService(repo SecurityEventRepository, log *slog.Logger) *AuditService {
	return &AuditService{
		repo:   repo,
		audit:  logger.NewAuditLogger(log),
		logger: log,
	}
}

func eventSeverity(eventType string) slog.Level {
	switch eventType {
	case models.EventTypeLockoutApplied, models.EventTypeIPBlocked,
		models.EventTypeRateLimitExceeded, models.EventTypeUpstreamError:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// HandleEvent implements EventHandler
func (s *AuditService) HandleEvent(ctx context.Context, ev models.SecurityEvent) {
	var username, ip string
	if ev.Username != nil {
		username = *ev.Username
	}
	if ev.IPAddress != nil {
		ip = *ev.IPAddress
	}

	s.audit.LogSecurityEvent(ctx, logger.AuditEvent{
		EventType:  ev.EventType,
		Username:   username,
		IPAddress:  ip,
		Severity:   eventSeverity(ev.EventType),
		OccurredAt: ev.CreatedAt,
		Metadata:   ev.Metadata,
	})

	if err := s.repo.Create(ctx, &ev); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist security event",
			slog.String("event_type", ev.EventType),
			slog.Any("error", err),
		)
	}
}

// ListEvents returns recent security events, newest first
func (s *AuditService) ListEvents(ctx context.Context, filter models.SecurityEventFilter, limit, offset int) ([]*models.SecurityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	events, err := s.repo.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list security events: %v", models.ErrStorage, err)
	}
	return events, nil
}

// PurgeBefore deletes events strictly older than before
func (s *AuditService) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	removed, err := s.repo.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to purge security events: %v", models.ErrStorage, err)
	}
	return removed, nil
}
