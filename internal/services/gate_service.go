package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/imbrick/attributes-login-access/internal/metrics"
	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/imbrick/attributes-login-access/pkg/logger"
)

// AttemptLedger is the part of the ledger the gate records into
type AttemptLedger interface {
	Record(ctx context.Context, attempt *models.AttemptRecord) (uuid.UUID, error)
	CountSince(ctx context.Context, subjectKind models.SubjectKind, subject string, kind models.AttemptKind, window time.Duration, now time.Time) (int, error)
}

// LockoutEngine is the part of the lockout engine the gate drives
type LockoutEngine interface {
	RecordFailure(ctx context.Context, subject string, kind models.SubjectKind, ip string, now time.Time) (*models.LockoutDecision, error)
	RecordSuccess(ctx context.Context, subject string, kind models.SubjectKind, now time.Time) error
	IsLocked(subject string, kind models.SubjectKind, now time.Time) (time.Duration, bool)
	ResetFailures(subject string, kind models.SubjectKind)
	ManualUnlock(ctx context.Context, subject string, kind models.SubjectKind) (bool, error)
	Threshold(kind models.SubjectKind) int
}

// ReputationChecker is the part of the reputation store the gate consults
type ReputationChecker interface {
	IsWhitelisted(ip string) bool
	BlockRemaining(ip string, now time.Time) (time.Duration, bool)
	ApplyDynamicBlock(ctx context.Context, ip string, duration time.Duration, now time.Time) (*models.LockoutEntry, error)
	RecordAttempt(ip string, status models.AttemptStatus, now time.Time)
}

// RateLimitRule allows Limit attempts per Window from one IP
type RateLimitRule struct {
	Limit  int
	Window time.Duration
}

type GateConfig struct {
	RateLimits          map[models.AttemptKind]RateLimitRule
	VerifierTimeout     time.Duration
	LockIPOnUserLockout bool
}

func DefaultGateConfig() GateConfig {
	return GateConfig{
		RateLimits: map[models.AttemptKind]RateLimitRule{
			models.AttemptKindLogin:        {Limit: 20, Window: time.Minute},
			models.AttemptKindLostPassword: {Limit: 3, Window: time.Hour},
		},
		VerifierTimeout:     5 * time.Second,
		LockIPOnUserLockout: false,
	}
}

// AuthRequest is one login presentation
type AuthRequest struct {
	Username  string
	Secret    string
	IPAddress string
	UserAgent string
}

// AttemptRequest describes a non-login attempt (registration, lost password,
// password reset) guarded by the gate
type AttemptRequest struct {
	Kind      models.AttemptKind
	Username  string
	IPAddress string
	UserAgent string
}

// GateService is the single entry point for protected attempts. It holds no
// state of its own; every effect lands in the ledger, lockout engine or
// reputation store.
type GateService struct {
	ledger     AttemptLedger
	lockout    LockoutEngine
	reputation ReputationChecker
	verifier   CredentialVerifier
	events     EventPublisher
	clock      Clock
	config     GateConfig
	logger     *slog.Logger
}

func NewGateService(
	ledger AttemptLedger,
	lockout LockoutEngine,
	reputation ReputationChecker,
	verifier CredentialVerifier,
	events EventPublisher,
	clock Clock,
	config GateConfig,
	logger *slog.Logger,
) *GateService {
	return &GateService{
		ledger:     ledger,
		lockout:    lockout,
		reputation: reputation,
		verifier:   verifier,
		events:     events,
		clock:      clock,
		config:     config,
		logger:     logger,
	}
}

// Authenticate evaluates a login with the configured verifier
func (g *GateService) Authenticate(ctx context.Context, req AuthRequest) (*models.AuthResult, error) {
	return g.AuthenticateWith(ctx, g.verifier, req)
}

// AuthenticateWith evaluates a login. Checks run in order and the first match
// wins: whitelist, IP block, IP rate limit, user lock, credentials. A
// cancelled call returns ctx.Err() and records nothing unless the outcome was
// already decided.
func (g *GateService) AuthenticateWith(ctx context.Context, verifier CredentialVerifier, req AuthRequest) (*models.AuthResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ip, err := NormalizeIP(req.IPAddress)
	if err != nil {
		return nil, err
	}
	username := NormalizeUsername(req.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", models.ErrBadRequest)
	}

	now := g.clock.Now()
	kind := models.AttemptKindLogin

	result, whitelisted := g.checkRestrictions(ctx, kind, username, ip, req.UserAgent, now, true)
	if result != nil {
		return result, nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx, g.config.VerifierTimeout)
	started := time.Now()
	identity, verr := verifier.Verify(verifyCtx, req.Username, req.Secret)
	metrics.VerifierDuration.Observe(time.Since(started).Seconds())
	timedOut := errors.Is(verifyCtx.Err(), context.DeadlineExceeded)
	cancel()

	if verr != nil && !isCredentialRejection(verr) {
		if ctx.Err() != nil && !timedOut {
			return nil, ctx.Err()
		}
		return g.upstreamError(username, ip, verr, now), nil
	}

	// The outcome is decided; record it even if the caller goes away.
	recordCtx := context.WithoutCancel(ctx)
	if verr != nil {
		return g.onFailure(recordCtx, username, ip, req.UserAgent, whitelisted, now), nil
	}
	return g.onSuccess(recordCtx, username, ip, req.UserAgent, identity, now), nil
}

// Admit runs the IP checks and the per-kind rate limit for a non-login flow.
// An allowed attempt is not recorded until RecordOutcome.
func (g *GateService) Admit(ctx context.Context, req AttemptRequest) (*models.AuthResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Kind.Valid() || req.Kind == models.AttemptKindLogin {
		return nil, fmt.Errorf("%w: unsupported attempt kind %q", models.ErrBadRequest, req.Kind)
	}

	ip, err := NormalizeIP(req.IPAddress)
	if err != nil {
		return nil, err
	}

	now := g.clock.Now()
	result, _ := g.checkRestrictions(context.WithoutCancel(ctx), req.Kind, NormalizeUsername(req.Username), ip, req.UserAgent, now, false)
	if result != nil {
		return result, nil
	}

	metrics.GateDecisionsTotal.WithLabelValues(string(req.Kind), string(models.OutcomeAllowed)).Inc()
	return &models.AuthResult{Outcome: models.OutcomeAllowed}, nil
}

// RecordOutcome records the result of a non-login flow. A successful password
// reset clears the user's failure counter. An active lock is left to expire;
// only an operator unlock lifts it early.
func (g *GateService) RecordOutcome(ctx context.Context, req AttemptRequest, success bool) error {
	if !req.Kind.Valid() || req.Kind == models.AttemptKindLogin {
		return fmt.Errorf("%w: unsupported attempt kind %q", models.ErrBadRequest, req.Kind)
	}

	ip, err := NormalizeIP(req.IPAddress)
	if err != nil {
		return err
	}
	username := NormalizeUsername(req.Username)
	now := g.clock.Now()
	ctx = context.WithoutCancel(ctx)

	status := models.AttemptStatusFailed
	if success {
		status = models.AttemptStatusSuccess
	}
	g.reputation.RecordAttempt(ip, status, now)
	g.record(ctx, req.Kind, username, ip, req.UserAgent, status, now)

	if req.Kind == models.AttemptKindPasswordReset && success && username != "" {
		g.lockout.ResetFailures(username, models.SubjectKindUser)
		_, locked := g.lockout.IsLocked(username, models.SubjectKindUser, now)
		g.publish(models.EventTypePasswordReset, username, ip, models.EventMetadata{"still_locked": locked}, now)
	}

	return nil
}

// checkRestrictions returns a rejection result or nil, plus whether ip is
// whitelisted. Rejections are recorded in the ledger as blocked.
func (g *GateService) checkRestrictions(ctx context.Context, kind models.AttemptKind, username, ip, userAgent string, now time.Time, checkUser bool) (*models.AuthResult, bool) {
	whitelisted := g.reputation.IsWhitelisted(ip)

	if !whitelisted {
		if remaining, blocked := g.reputation.BlockRemaining(ip, now); blocked {
			return g.reject(ctx, kind, username, ip, userAgent, models.OutcomeIPBlocked, remaining, now), false
		}

		if rule, ok := g.config.RateLimits[kind]; ok && rule.Limit > 0 {
			n, err := g.ledger.CountSince(ctx, models.SubjectKindIP, ip, kind, rule.Window, now)
			if err != nil {
				metrics.StorageErrorsTotal.WithLabelValues("ledger").Inc()
				g.logger.Warn("rate limit check unavailable, allowing attempt",
					slog.String("ip_address", ip),
					slog.Any("error", err),
				)
			} else if n >= rule.Limit {
				if n == rule.Limit {
					g.publish(models.EventTypeRateLimitExceeded, username, ip, models.EventMetadata{
						"kind":           string(kind),
						"limit":          rule.Limit,
						"window_seconds": int64(rule.Window / time.Second),
					}, now)
				}
				return g.reject(ctx, kind, username, ip, userAgent, models.OutcomeRateLimited, rule.Window, now), false
			}
		}
	}

	if checkUser {
		if remaining, locked := g.lockout.IsLocked(username, models.SubjectKindUser, now); locked {
			return g.reject(ctx, kind, username, ip, userAgent, models.OutcomeUserLocked, remaining, now), whitelisted
		}
	}

	return nil, whitelisted
}

func (g *GateService) reject(ctx context.Context, kind models.AttemptKind, username, ip, userAgent string, outcome models.AuthOutcome, retryAfter time.Duration, now time.Time) *models.AuthResult {
	g.reputation.RecordAttempt(ip, models.AttemptStatusBlocked, now)
	g.record(ctx, kind, username, ip, userAgent, models.AttemptStatusBlocked, now)
	metrics.GateDecisionsTotal.WithLabelValues(string(kind), string(outcome)).Inc()

	g.logger.Info("attempt rejected",
		slog.String("kind", string(kind)),
		slog.String("outcome", string(outcome)),
		slog.String("username", logger.MaskUsername(username)),
		slog.String("ip_address", ip),
		slog.Duration("retry_after", retryAfter),
	)

	return &models.AuthResult{Outcome: outcome, RetryAfter: retryAfter}
}

func (g *GateService) upstreamError(username, ip string, err error, now time.Time) *models.AuthResult {
	metrics.GateDecisionsTotal.WithLabelValues(string(models.AttemptKindLogin), string(models.OutcomeUpstreamError)).Inc()
	g.logger.Error("credential verification unavailable",
		slog.String("username", logger.MaskUsername(username)),
		slog.String("ip_address", ip),
		slog.Any("error", err),
	)
	g.publish(models.EventTypeUpstreamError, username, ip, models.EventMetadata{"error": err.Error()}, now)

	return &models.AuthResult{Outcome: models.OutcomeUpstreamError}
}

func (g *GateService) onFailure(ctx context.Context, username, ip, userAgent string, whitelisted bool, now time.Time) *models.AuthResult {
	result := &models.AuthResult{Outcome: models.OutcomeFailure}

	decision, err := g.lockout.RecordFailure(ctx, username, models.SubjectKindUser, ip, now)
	if err != nil {
		g.logger.Error("failed to record user failure", slog.Any("error", err))
	}

	var ipDecision *models.LockoutDecision
	if !whitelisted {
		if ipDecision, err = g.lockout.RecordFailure(ctx, ip, models.SubjectKindIP, ip, now); err != nil {
			g.logger.Error("failed to record ip failure", slog.Any("error", err))
		}
	}

	g.reputation.RecordAttempt(ip, models.AttemptStatusFailed, now)
	g.record(ctx, models.AttemptKindLogin, username, ip, userAgent, models.AttemptStatusFailed, now)

	if decision != nil {
		result.FailureCount = decision.FailureCount
		switch {
		case decision.NewlyLocked:
			result.LockApplied = true
			result.RetryAfter = decision.Entry.Remaining(now)
			g.lockApplied(decision.Entry, username, ip, now)
			if g.config.LockIPOnUserLockout && !whitelisted {
				g.blockIP(ctx, ip, decision.Entry.Duration(), "user_lockout", now)
			}
		case !decision.Locked:
			if limit := g.lockout.Threshold(models.SubjectKindUser); limit > 0 {
				result.AttemptsRemaining = limit - decision.FailureCount
			}
		}
	}

	if ipDecision != nil && ipDecision.NewlyLocked {
		g.lockApplied(ipDecision.Entry, "", ip, now)
		g.blockIP(ctx, ip, ipDecision.Entry.Duration(), "ip_lockout", now)
	}

	metrics.GateDecisionsTotal.WithLabelValues(string(models.AttemptKindLogin), string(models.OutcomeFailure)).Inc()
	return result
}

func (g *GateService) onSuccess(ctx context.Context, username, ip, userAgent string, identity *models.Identity, now time.Time) *models.AuthResult {
	if err := g.lockout.RecordSuccess(ctx, username, models.SubjectKindUser, now); err != nil {
		g.logger.Error("failed to record user success", slog.Any("error", err))
	}
	if err := g.lockout.RecordSuccess(ctx, ip, models.SubjectKindIP, now); err != nil {
		g.logger.Error("failed to record ip success", slog.Any("error", err))
	}

	g.reputation.RecordAttempt(ip, models.AttemptStatusSuccess, now)
	g.record(ctx, models.AttemptKindLogin, username, ip, userAgent, models.AttemptStatusSuccess, now)
	metrics.GateDecisionsTotal.WithLabelValues(string(models.AttemptKindLogin), string(models.OutcomeSuccess)).Inc()

	return &models.AuthResult{Outcome: models.OutcomeSuccess, Identity: identity}
}

func (g *GateService) lockApplied(entry *models.LockoutEntry, username, ip string, now time.Time) {
	metrics.LockoutsAppliedTotal.WithLabelValues(string(entry.SubjectKind)).Inc()
	g.publish(models.EventTypeLockoutApplied, username, ip, models.NewLockoutMetadata(entry), now)
}

func (g *GateService) blockIP(ctx context.Context, ip string, duration time.Duration, reason string, now time.Time) {
	block, err := g.reputation.ApplyDynamicBlock(ctx, ip, duration, now)
	if err != nil {
		g.logger.Error("failed to apply ip block", slog.String("ip_address", ip), slog.Any("error", err))
		return
	}

	g.publish(models.EventTypeIPBlocked, "", ip, models.EventMetadata{
		"reason":     reason,
		"expires_at": block.ExpiresAt.UTC().Format(time.RFC3339),
	}, now)
}

// record writes a ledger row; storage failures are reported, never returned
func (g *GateService) record(ctx context.Context, kind models.AttemptKind, username, ip, userAgent string, status models.AttemptStatus, now time.Time) {
	attempt := &models.AttemptRecord{
		IPAddress: ip,
		Status:    status,
		Kind:      kind,
		UserAgent: userAgent,
		CreatedAt: now,
	}
	if username != "" {
		attempt.Username = &username
	}

	if _, err := g.ledger.Record(ctx, attempt); err != nil {
		metrics.StorageErrorsTotal.WithLabelValues("ledger").Inc()
		g.logger.Warn("attempt not persisted",
			slog.String("status", string(status)),
			slog.String("ip_address", ip),
			slog.Any("error", err),
		)
	}
}

func (g *GateService) publish(eventType, username, ip string, meta models.EventMetadata, now time.Time) {
	if g.events == nil {
		return
	}
	g.events.Publish(NewSecurityEvent(eventType, username, ip, meta, now))
}
