package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/imbrick/attributes-login-access/pkg/logger"
)

// LockoutStore persists active locks, one row per subject
type LockoutStore interface {
	UpsertLockout(ctx context.Context, entry *models.LockoutEntry) error
	DeleteLockout(ctx context.Context, subject string, kind models.SubjectKind) error
	ListActiveLockouts(ctx context.Context, now time.Time) ([]*models.LockoutEntry, error)
	DeleteExpiredLockouts(ctx context.Context, now time.Time) (int64, error)
}

// MaxLockDuration caps every lock regardless of tier
const MaxLockDuration = 365 * 24 * time.Hour

// LockoutConfig holds the lockout policy
type LockoutConfig struct {
	MaxAttempts      int           // Failures before a username is locked
	MaxAttemptsPerIP int           // Failures before an IP is locked, 0 disables
	BaseDuration     time.Duration // Duration of a first lock
	Progressive      bool          // Multiply the duration on repeat locks
	Multiplier       int           // Growth factor per tier
	MaxTier          int           // Highest exponent applied to Multiplier
	InactivityReset  time.Duration // Idle time after which counters are forgotten
	PersistTimeout   time.Duration
}

func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		MaxAttempts:      5,
		MaxAttemptsPerIP: 20,
		BaseDuration:     30 * time.Minute,
		Progressive:      true,
		Multiplier:       2,
		MaxTier:          5,
		InactivityReset:  24 * time.Hour,
		PersistTimeout:   3 * time.Second,
	}
}

// subjectState is the per-subject record owned by the engine. tier counts
// escalations: every applied lock and every failure while locked raise it.
type subjectState struct {
	counter      models.FailureCounter
	lock         *models.LockoutEntry
	tier         int
	lastActivity time.Time
}

func (st *subjectState) resetCounter() {
	st.counter.Count = 0
	st.counter.IPHistogram = nil
}

// LockoutService decides lock state per (subject, subject kind). Each subject
// is serialized by its shard lock, so a threshold crossing creates exactly one
// lock no matter how many failures race.
type LockoutService struct {
	store  LockoutStore
	config LockoutConfig
	logger *slog.Logger
	state  *shardedMap[*subjectState]
}

// NewLockoutService creates the engine. store may be nil for memory-only operation.
func NewLockoutService(store LockoutStore, config LockoutConfig, logger *slog.Logger) *LockoutService {
	return &LockoutService{
		store:  store,
		config: config,
		logger: logger,
		state:  newShardedMap[*subjectState](defaultShardCount),
	}
}

func subjectKey(subject string, kind models.SubjectKind) string {
	return string(kind) + ":" + subject
}

// NormalizeUsername is the lock key for a login name
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateSubject(subject string, kind models.SubjectKind) error {
	if subject == "" || !kind.Valid() {
		return fmt.Errorf("%w: %q (%s)", models.ErrInvalidSubject, subject, kind)
	}
	return nil
}

// Threshold is the failure count that locks a subject of kind, 0 when disabled
func (s *LockoutService) Threshold(kind models.SubjectKind) int {
	if kind == models.SubjectKindIP {
		return s.config.MaxAttemptsPerIP
	}
	return s.config.MaxAttempts
}

// LockDuration is the length of a lock applied at the given tier. It
// saturates at MaxLockDuration.
func (s *LockoutService) LockDuration(tier int) time.Duration {
	d := min(s.config.BaseDuration, MaxLockDuration)
	if !s.config.Progressive || s.config.Multiplier <= 1 {
		return d
	}
	if tier > s.config.MaxTier {
		tier = s.config.MaxTier
	}
	mult := time.Duration(s.config.Multiplier)
	for i := 0; i < tier; i++ {
		if d > MaxLockDuration/mult {
			return MaxLockDuration
		}
		d *= mult
	}
	return d
}

// RecordFailure counts a failed attempt and locks the subject when the
// threshold is reached. A failure while locked raises the tier without
// touching the expiry.
func (s *LockoutService) RecordFailure(ctx context.Context, subject string, kind models.SubjectKind, ip string, now time.Time) (*models.LockoutDecision, error) {
	if err := validateSubject(subject, kind); err != nil {
		return nil, err
	}

	var (
		decision  models.LockoutDecision
		toPersist *models.LockoutEntry
	)
	decision.Subject = subject
	decision.SubjectKind = kind

	key := subjectKey(subject, kind)
	s.state.with(key, func(items map[string]*subjectState) {
		st, ok := items[key]
		if !ok {
			st = &subjectState{}
			items[key] = st
		}
		st.lastActivity = now

		if st.lock.Active(now) {
			st.tier++
			st.lock.Tier = st.tier
			entry := *st.lock
			decision.Locked = true
			decision.Entry = &entry
			decision.FailureCount = st.counter.Count
			toPersist = &entry
			return
		}
		st.lock = nil

		if !st.counter.LastAttempt.IsZero() && now.Sub(st.counter.LastAttempt) >= s.config.InactivityReset {
			st.resetCounter()
		}

		st.counter.Count++
		st.counter.LastAttempt = now
		if ip != "" {
			if st.counter.IPHistogram == nil {
				st.counter.IPHistogram = make(map[string]int)
			}
			st.counter.IPHistogram[ip]++
		}
		decision.FailureCount = st.counter.Count

		limit := s.Threshold(kind)
		if limit <= 0 || st.counter.Count < limit {
			return
		}

		duration := s.LockDuration(st.tier)
		st.tier++
		st.lock = &models.LockoutEntry{
			Subject:            subject,
			SubjectKind:        kind,
			StartTime:          now,
			ExpiresAt:          now.Add(duration),
			AttemptCountAtLock: st.counter.Count,
			Tier:               st.tier,
		}
		st.resetCounter()

		entry := *st.lock
		decision.Locked = true
		decision.NewlyLocked = true
		decision.Entry = &entry
		toPersist = &entry
	})

	if decision.NewlyLocked {
		s.logger.Warn("lockout applied",
			slog.String("subject_kind", string(kind)),
			slog.String("subject", maskSubject(subject, kind)),
			slog.Int("attempts", decision.Entry.AttemptCountAtLock),
			slog.Duration("duration", decision.Entry.Duration()),
			slog.Int("tier", decision.Entry.Tier),
		)
	}

	if toPersist != nil {
		s.persist(ctx, "upsert", toPersist.Subject, func(ctx context.Context) error {
			return s.store.UpsertLockout(ctx, toPersist)
		})
	}

	return &decision, nil
}

// RecordSuccess resets the failure counter. An active lock is left to run its
// course; an expired one is dropped and the tier returns to zero.
func (s *LockoutService) RecordSuccess(ctx context.Context, subject string, kind models.SubjectKind, now time.Time) error {
	if err := validateSubject(subject, kind); err != nil {
		return err
	}

	var dropExpired bool
	key := subjectKey(subject, kind)
	s.state.with(key, func(items map[string]*subjectState) {
		st, ok := items[key]
		if !ok {
			return
		}
		st.resetCounter()
		st.counter.LastAttempt = time.Time{}
		st.lastActivity = now

		if st.lock.Active(now) {
			return
		}
		dropExpired = st.lock != nil
		delete(items, key)
	})

	if dropExpired {
		s.persist(ctx, "delete", subject, func(ctx context.Context) error {
			return s.store.DeleteLockout(ctx, subject, kind)
		})
	}
	return nil
}

// ResetFailures clears the counter only, keeping any lock and tier
func (s *LockoutService) ResetFailures(subject string, kind models.SubjectKind) {
	key := subjectKey(subject, kind)
	s.state.with(key, func(items map[string]*subjectState) {
		if st, ok := items[key]; ok {
			st.resetCounter()
			st.counter.LastAttempt = time.Time{}
		}
	})
}

// IsLocked returns the remaining lock time when subject is locked at now
func (s *LockoutService) IsLocked(subject string, kind models.SubjectKind, now time.Time) (time.Duration, bool) {
	var remaining time.Duration
	key := subjectKey(subject, kind)
	s.state.with(key, func(items map[string]*subjectState) {
		if st, ok := items[key]; ok {
			remaining = st.lock.Remaining(now)
		}
	})
	return remaining, remaining > 0
}

// Counter returns a copy of the current failure counter
func (s *LockoutService) Counter(subject string, kind models.SubjectKind) (models.FailureCounter, bool) {
	var (
		counter models.FailureCounter
		found   bool
	)
	key := subjectKey(subject, kind)
	s.state.with(key, func(items map[string]*subjectState) {
		st, ok := items[key]
		if !ok {
			return
		}
		found = true
		counter = st.counter
		if st.counter.IPHistogram != nil {
			counter.IPHistogram = make(map[string]int, len(st.counter.IPHistogram))
			for ip, n := range st.counter.IPHistogram {
				counter.IPHistogram[ip] = n
			}
		}
	})
	return counter, found
}

// ManualUnlock clears lock, counter and tier unconditionally. It reports
// whether the subject had any state.
func (s *LockoutService) ManualUnlock(ctx context.Context, subject string, kind models.SubjectKind) (bool, error) {
	if err := validateSubject(subject, kind); err != nil {
		return false, err
	}

	var existed bool
	key := subjectKey(subject, kind)
	s.state.with(key, func(items map[string]*subjectState) {
		_, existed = items[key]
		delete(items, key)
	})

	s.persist(ctx, "delete", subject, func(ctx context.Context) error {
		return s.store.DeleteLockout(ctx, subject, kind)
	})

	if existed {
		s.logger.Info("lockout cleared",
			slog.String("subject_kind", string(kind)),
			slog.String("subject", maskSubject(subject, kind)),
		)
	}
	return existed, nil
}

// SweepExpired ends expired locks and evicts subjects idle past the
// inactivity window. Tier survives an expired lock until the subject is
// evicted. It returns the number of subjects changed.
func (s *LockoutService) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	changed := 0

	s.state.each(func(items map[string]*subjectState) {
		for key, st := range items {
			if st.lock != nil && !st.lock.Active(now) {
				st.lock = nil
				changed++
			}
			if st.lock == nil && now.Sub(st.lastActivity) >= s.config.InactivityReset {
				delete(items, key)
				changed++
			}
		}
	})

	if s.store != nil {
		ctx, cancel := context.WithTimeout(ctx, s.config.PersistTimeout)
		defer cancel()
		if _, err := s.store.DeleteExpiredLockouts(ctx, now); err != nil {
			return changed, fmt.Errorf("%w: failed to delete expired lockouts: %v", models.ErrStorage, err)
		}
	}

	return changed, nil
}

// ListActive returns copies of all unexpired locks, soonest expiry first
func (s *LockoutService) ListActive(now time.Time) []*models.LockoutEntry {
	out := make([]*models.LockoutEntry, 0)
	s.state.each(func(items map[string]*subjectState) {
		for _, st := range items {
			if st.lock.Active(now) {
				entry := *st.lock
				out = append(out, &entry)
			}
		}
	})

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Restore loads persisted active locks
func (s *LockoutService) Restore(ctx context.Context, now time.Time) error {
	if s.store == nil {
		return nil
	}

	entries, err := s.store.ListActiveLockouts(ctx, now)
	if err != nil {
		return fmt.Errorf("%w: failed to restore lockouts: %v", models.ErrStorage, err)
	}

	for _, e := range entries {
		entry := e
		key := subjectKey(entry.Subject, entry.SubjectKind)
		s.state.with(key, func(items map[string]*subjectState) {
			items[key] = &subjectState{
				lock:         entry,
				tier:         entry.Tier,
				lastActivity: entry.StartTime,
			}
		})
	}

	s.logger.Info("lockouts restored", slog.Int("active", len(entries)))
	return nil
}

// persist runs a store write detached from caller cancellation so a committed
// in-memory transition is never half written.
func (s *LockoutService) persist(ctx context.Context, op, subject string, fn func(ctx context.Context) error) {
	if s.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PersistTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		s.logger.Warn("failed to persist lockout state",
			slog.String("operation", op),
			slog.String("subject", logger.MaskUsername(subject)),
			slog.Any("error", err),
		)
	}
}

func maskSubject(subject string, kind models.SubjectKind) string {
	if kind == models.SubjectKindIP {
		return subject
	}
	return logger.MaskUsername(subject)
}
