package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imbrick/attributes-login-access/internal/models"
)

// AdminLedger is the subset of LedgerService needed by AdminService.
type AdminLedger interface {
	Query(ctx context.Context, filter models.AttemptFilter, limit, offset int) ([]*models.AttemptRecord, error)
	Stats(ctx context.Context, since time.Time) (*models.AttemptStats, error)
}

// AdminLockouts is the subset of LockoutService needed by AdminService.
type AdminLockouts interface {
	ListActive(now time.Time) []*models.LockoutEntry
	ManualUnlock(ctx context.Context, subject string, kind models.SubjectKind) (bool, error)
}

// AdminReputation is the subset of ReputationService needed by AdminService.
type AdminReputation interface {
	Snapshot() []*models.ReputationEntry
	ListBlocked(now time.Time) []*models.ReputationEntry
	AddToWhitelist(ctx context.Context, ip string) error
	RemoveFromWhitelist(ctx context.Context, ip string) error
	AddToBlacklist(ctx context.Context, ip string) error
	RemoveFromBlacklist(ctx context.Context, ip string) error
	ClearDynamicBlock(ctx context.Context, ip string) (bool, error)
}

// AdminEventLister is the subset of AuditService needed by AdminService.
type AdminEventLister interface {
	ListEvents(ctx context.Context, filter models.SecurityEventFilter, limit, offset int) ([]*models.SecurityEvent, error)
}

// AdminService backs the reporting and unlock endpoints.
type AdminService struct {
	ledger     AdminLedger
	lockouts   AdminLockouts
	reputation AdminReputation
	audit      AdminEventLister
	events     EventPublisher
	clock      Clock
	logger     *slog.Logger
}

// NewAdminService creates a new AdminService.
func NewAdminService(
	ledger AdminLedger,
	lockouts AdminLockouts,
	reputation AdminReputation,
	audit AdminEventLister,
	events EventPublisher,
	clock Clock,
	logger *slog.Logger,
) *AdminService {
	return &AdminService{
		ledger:     ledger,
		lockouts:   lockouts,
		reputation: reputation,
		audit:      audit,
		events:     events,
		clock:      clock,
		logger:     logger,
	}
}

// ListAttempts returns ledger rows matching filter, newest first.
func (s *AdminService) ListAttempts(ctx context.Context, filter models.AttemptFilter, limit, offset int) ([]*models.AttemptRecord, error) {
	attempts, err := s.ledger.Query(ctx, filter, limit, offset)
	if err != nil {
		s.logger.Error("admin: failed to list attempts", slog.Any("error", err))
		return nil, err
	}
	return attempts, nil
}

// ListActiveLockouts returns every unexpired lock, optionally limited to one kind.
func (s *AdminService) ListActiveLockouts(kind models.SubjectKind) []*models.LockoutEntry {
	all := s.lockouts.ListActive(s.clock.Now())
	if kind == "" {
		return all
	}

	out := make([]*models.LockoutEntry, 0, len(all))
	for _, e := range all {
		if e.SubjectKind == kind {
			out = append(out, e)
		}
	}
	return out
}

// ListBlockedIPs returns IPs currently refused by blacklist or dynamic block.
func (s *AdminService) ListBlockedIPs() []*models.ReputationEntry {
	return s.reputation.ListBlocked(s.clock.Now())
}

// Unlock clears lock state for a subject. For an IP the dynamic block is
// cleared too; blacklist membership is untouched.
func (s *AdminService) Unlock(ctx context.Context, subject string, kind models.SubjectKind) (bool, error) {
	if kind == models.SubjectKindIP {
		ip, err := NormalizeIP(subject)
		if err != nil {
			return false, err
		}
		subject = ip
	} else if kind == models.SubjectKindUser {
		subject = NormalizeUsername(subject)
	}

	cleared, err := s.lockouts.ManualUnlock(ctx, subject, kind)
	if err != nil {
		return false, err
	}

	if kind == models.SubjectKindIP {
		unblocked, err := s.reputation.ClearDynamicBlock(ctx, subject)
		if err != nil {
			return false, err
		}
		if unblocked {
			s.publish(models.EventTypeIPUnblocked, "", subject, models.EventMetadata{"reason": "manual"})
		}
		cleared = cleared || unblocked
	}

	if cleared {
		username, ip := subject, ""
		if kind == models.SubjectKindIP {
			username, ip = "", subject
		}
		s.publish(models.EventTypeLockoutCleared, username, ip, models.EventMetadata{
			"reason":       "manual",
			"subject_kind": string(kind),
		})
	}

	return cleared, nil
}

// GetStatistics combines ledger aggregates with live lock and reputation state.
func (s *AdminService) GetStatistics(ctx context.Context) (*models.Statistics, error) {
	now := s.clock.Now()

	today := now.UTC().Truncate(24 * time.Hour)
	todayStats, err := s.ledger.Stats(ctx, today)
	if err != nil {
		s.logger.Error("statistics: failed to aggregate today's attempts", slog.Any("error", err))
		return nil, err
	}

	dayStats, err := s.ledger.Stats(ctx, now.Add(-24*time.Hour))
	if err != nil {
		s.logger.Error("statistics: failed to aggregate last 24h", slog.Any("error", err))
		return nil, err
	}

	stats := &models.Statistics{
		FailedToday:   todayStats.Failed,
		Successful24h: dayStats.Successful,
		Blocked24h:    dayStats.Blocked,
		UniqueIPs24h:  dayStats.UniqueIPs,
	}

	for _, e := range s.lockouts.ListActive(now) {
		switch e.SubjectKind {
		case models.SubjectKindUser:
			stats.ActiveUserLockouts++
		case models.SubjectKindIP:
			stats.ActiveIPLockouts++
		}
	}

	for _, e := range s.reputation.Snapshot() {
		if e.Whitelisted {
			stats.WhitelistedIPs++
		}
		if e.Blacklisted {
			stats.BlacklistedIPs++
		}
		if e.DynamicBlock.Active(now) {
			stats.DynamicIPBlocks++
		}
	}

	return stats, nil
}

// SetWhitelisted adds or removes ip from the whitelist.
func (s *AdminService) SetWhitelisted(ctx context.Context, ip string, listed bool) error {
	return s.setListed(ctx, ip, listed, models.EventTypeWhitelistChanged,
		s.reputation.AddToWhitelist, s.reputation.RemoveFromWhitelist)
}

// SetBlacklisted adds or removes ip from the blacklist.
func (s *AdminService) SetBlacklisted(ctx context.Context, ip string, listed bool) error {
	return s.setListed(ctx, ip, listed, models.EventTypeBlacklistChanged,
		s.reputation.AddToBlacklist, s.reputation.RemoveFromBlacklist)
}

func (s *AdminService) setListed(ctx context.Context, ip string, listed bool, eventType string, add, remove func(context.Context, string) error) error {
	normalized, err := NormalizeIP(ip)
	if err != nil {
		return err
	}

	op := remove
	action := "removed"
	if listed {
		op, action = add, "added"
	}
	if err := op(ctx, normalized); err != nil {
		return fmt.Errorf("failed to update ip list: %w", err)
	}

	s.publish(eventType, "", normalized, models.EventMetadata{"action": action})
	return nil
}

// ClearIPBlock lifts every restriction the engine placed on ip: the dynamic
// block and the IP lockout. Static list membership is left alone.
func (s *AdminService) ClearIPBlock(ctx context.Context, ip string) (bool, error) {
	return s.Unlock(ctx, ip, models.SubjectKindIP)
}

// ListEvents returns recorded security events, newest first.
func (s *AdminService) ListEvents(ctx context.Context, filter models.SecurityEventFilter, limit, offset int) ([]*models.SecurityEvent, error) {
	return s.audit.ListEvents(ctx, filter, limit, offset)
}

func (s *AdminService) publish(eventType, username, ip string, meta models.EventMetadata) {
	if s.events == nil {
		return
	}
	s.events.Publish(NewSecurityEvent(eventType, username, ip, meta, s.clock.Now()))
}
