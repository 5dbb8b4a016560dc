package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/imbrick/attributes-login-access/internal/models"
)

// ReputationStore persists per-IP reputation rows
type ReputationStore interface {
	UpsertReputation(ctx context.Context, entry *models.ReputationEntry) error
	DeleteReputation(ctx context.Context, ip string) error
	ListReputation(ctx context.Context) ([]*models.ReputationEntry, error)
}

type ReputationConfig struct {
	// StaleAfter evicts unlisted, unblocked entries idle for this long
	StaleAfter     time.Duration
	PersistTimeout time.Duration
}

func DefaultReputationConfig() ReputationConfig {
	return ReputationConfig{
		StaleAfter:     30 * 24 * time.Hour,
		PersistTimeout: 3 * time.Second,
	}
}

// ReputationService holds whitelist, blacklist and dynamic block state per IP.
// Memory is authoritative; the store is written through per entry.
type ReputationService struct {
	store   ReputationStore
	config  ReputationConfig
	logger  *slog.Logger
	entries *shardedMap[*models.ReputationEntry]
}

// NewReputationService creates the store. store may be nil for memory-only operation.
func NewReputationService(store ReputationStore, config ReputationConfig, logger *slog.Logger) *ReputationService {
	return &ReputationService{
		store:   store,
		config:  config,
		logger:  logger,
		entries: newShardedMap[*models.ReputationEntry](defaultShardCount),
	}
}

// NormalizeIP validates an IP literal and returns its canonical form.
// IPv4-mapped IPv6 addresses collapse to IPv4.
func NormalizeIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil || addr.Zone() != "" {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidAddress, ip)
	}
	return addr.Unmap().String(), nil
}

// retained reports whether an entry carries state worth keeping in storage
func retained(e *models.ReputationEntry) bool {
	return e.Whitelisted || e.Blacklisted || e.DynamicBlock != nil
}

// mutate applies fn to the entry for ip under its shard lock, creating it when
// needed, then persists the result. fn reports whether anything changed.
func (s *ReputationService) mutate(ctx context.Context, ip string, fn func(e *models.ReputationEntry) bool) (*models.ReputationEntry, error) {
	key, err := NormalizeIP(ip)
	if err != nil {
		return nil, err
	}

	var (
		snapshot *models.ReputationEntry
		changed  bool
	)
	s.entries.with(key, func(items map[string]*models.ReputationEntry) {
		e, ok := items[key]
		if !ok {
			e = &models.ReputationEntry{IPAddress: key}
		}
		changed = fn(e)
		if ok || retained(e) || e.TotalAttempts > 0 {
			items[key] = e
		}
		snapshot = e.Clone()
	})

	if changed {
		s.persist(ctx, snapshot)
	}
	return snapshot, nil
}

func (s *ReputationService) persist(ctx context.Context, entry *models.ReputationEntry) {
	if s.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PersistTimeout)
	defer cancel()

	var err error
	if retained(entry) {
		err = s.store.UpsertReputation(ctx, entry)
	} else {
		err = s.store.DeleteReputation(ctx, entry.IPAddress)
	}
	if err != nil {
		s.logger.Warn("failed to persist ip reputation",
			slog.String("ip_address", entry.IPAddress),
			slog.Any("error", err),
		)
	}
}

func (s *ReputationService) get(ip string) *models.ReputationEntry {
	key, err := NormalizeIP(ip)
	if err != nil {
		return nil
	}

	var snapshot *models.ReputationEntry
	s.entries.with(key, func(items map[string]*models.ReputationEntry) {
		if e, ok := items[key]; ok {
			snapshot = e.Clone()
		}
	})
	return snapshot
}

// Get returns a copy of the entry for ip
func (s *ReputationService) Get(ip string) (*models.ReputationEntry, bool) {
	e := s.get(ip)
	return e, e != nil
}

// IsWhitelisted reports static whitelist membership
func (s *ReputationService) IsWhitelisted(ip string) bool {
	e := s.get(ip)
	return e != nil && e.Whitelisted
}

// IsBlocked is false for whitelisted IPs, otherwise true when blacklisted or
// under an unexpired dynamic block. Invalid addresses are never blocked.
func (s *ReputationService) IsBlocked(ip string, now time.Time) bool {
	return s.get(ip).IsBlocked(now)
}

// BlockRemaining returns how long a dynamic block has left. Blacklisted IPs
// report blocked with zero remaining since they never expire.
func (s *ReputationService) BlockRemaining(ip string, now time.Time) (time.Duration, bool) {
	e := s.get(ip)
	if !e.IsBlocked(now) {
		return 0, false
	}
	if e.Blacklisted {
		return 0, true
	}
	return e.DynamicBlock.Remaining(now), true
}

func (s *ReputationService) AddToWhitelist(ctx context.Context, ip string) error {
	_, err := s.mutate(ctx, ip, func(e *models.ReputationEntry) bool {
		changed := !e.Whitelisted
		e.Whitelisted = true
		return changed
	})
	return err
}

func (s *ReputationService) RemoveFromWhitelist(ctx context.Context, ip string) error {
	_, err := s.mutate(ctx, ip, func(e *models.ReputationEntry) bool {
		changed := e.Whitelisted
		e.Whitelisted = false
		return changed
	})
	return err
}

func (s *ReputationService) AddToBlacklist(ctx context.Context, ip string) error {
	_, err := s.mutate(ctx, ip, func(e *models.ReputationEntry) bool {
		changed := !e.Blacklisted
		e.Blacklisted = true
		return changed
	})
	return err
}

func (s *ReputationService) RemoveFromBlacklist(ctx context.Context, ip string) error {
	_, err := s.mutate(ctx, ip, func(e *models.ReputationEntry) bool {
		changed := e.Blacklisted
		e.Blacklisted = false
		return changed
	})
	return err
}

// ApplyDynamicBlock blocks ip until now+duration. An unexpired block is only
// ever extended: the new expiry is the later of the two.
func (s *ReputationService) ApplyDynamicBlock(ctx context.Context, ip string, duration time.Duration, now time.Time) (*models.LockoutEntry, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("%w: block duration must be positive", models.ErrBadRequest)
	}

	entry, err := s.mutate(ctx, ip, func(e *models.ReputationEntry) bool {
		if now.After(e.LastSeen) {
			e.LastSeen = now
		}
		expires := now.Add(duration)
		if e.DynamicBlock.Active(now) {
			if !expires.After(e.DynamicBlock.ExpiresAt) {
				return false
			}
			e.DynamicBlock.ExpiresAt = expires
			return true
		}

		e.DynamicBlock = &models.LockoutEntry{
			Subject:     e.IPAddress,
			SubjectKind: models.SubjectKindIP,
			StartTime:   now,
			ExpiresAt:   expires,
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	return entry.DynamicBlock, nil
}

// ClearDynamicBlock removes any dynamic block. It reports whether one existed.
func (s *ReputationService) ClearDynamicBlock(ctx context.Context, ip string) (bool, error) {
	var existed bool
	_, err := s.mutate(ctx, ip, func(e *models.ReputationEntry) bool {
		existed = e.DynamicBlock != nil
		e.DynamicBlock = nil
		return existed
	})
	return existed, err
}

// RecordAttempt updates the traffic counters for ip. Counter-only changes are
// not written to the store on their own.
func (s *ReputationService) RecordAttempt(ip string, status models.AttemptStatus, now time.Time) {
	key, err := NormalizeIP(ip)
	if err != nil {
		return
	}

	s.entries.with(key, func(items map[string]*models.ReputationEntry) {
		e, ok := items[key]
		if !ok {
			e = &models.ReputationEntry{IPAddress: key}
			items[key] = e
		}
		e.TotalAttempts++
		if status == models.AttemptStatusFailed {
			e.FailedAttempts++
		}
		if now.After(e.LastSeen) {
			e.LastSeen = now
		}
	})
}

// SweepExpired drops passed dynamic blocks that are not under a static
// blacklist, then evicts idle entries with no list membership. It returns the
// number of entries changed.
func (s *ReputationService) SweepExpired(ctx context.Context, now time.Time) int {
	changed := 0
	var touched []*models.ReputationEntry

	s.entries.each(func(items map[string]*models.ReputationEntry) {
		for key, e := range items {
			if e.DynamicBlock != nil && !e.DynamicBlock.Active(now) && !e.Blacklisted {
				e.DynamicBlock = nil
				changed++
				touched = append(touched, e.Clone())
			}

			if !retained(e) && now.Sub(e.LastSeen) >= s.config.StaleAfter {
				delete(items, key)
				changed++
			}
		}
	})

	// Written outside the shard locks
	for _, e := range touched {
		s.persist(ctx, e)
	}

	return changed
}

// Snapshot returns copies of all entries ordered by address
func (s *ReputationService) Snapshot() []*models.ReputationEntry {
	out := make([]*models.ReputationEntry, 0)
	s.entries.each(func(items map[string]*models.ReputationEntry) {
		for _, e := range items {
			out = append(out, e.Clone())
		}
	})

	sort.Slice(out, func(i, j int) bool { return out[i].IPAddress < out[j].IPAddress })
	return out
}

// ListBlocked returns entries currently blocked at now
func (s *ReputationService) ListBlocked(now time.Time) []*models.ReputationEntry {
	out := make([]*models.ReputationEntry, 0)
	for _, e := range s.Snapshot() {
		if e.IsBlocked(now) {
			out = append(out, e)
		}
	}
	return out
}

// Restore loads persisted entries into memory
func (s *ReputationService) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	entries, err := s.store.ListReputation(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to restore ip reputation: %v", models.ErrStorage, err)
	}

	for _, e := range entries {
		entry := e
		s.entries.with(entry.IPAddress, func(items map[string]*models.ReputationEntry) {
			items[entry.IPAddress] = entry
		})
	}

	s.logger.Info("ip reputation restored", slog.Int("entries", len(entries)))
	return nil
}
