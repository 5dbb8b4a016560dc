package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/imbrick/attributes-login-access/internal/models"
)

// AttemptRepository defines the durable ledger operations
type AttemptRepository interface {
	Create(ctx context.Context, attempt *models.AttemptRecord) error
	List(ctx context.Context, filter models.AttemptFilter, limit, offset int) ([]*models.AttemptRecord, error)
	Count(ctx context.Context, filter models.AttemptFilter) (int64, error)
	ListSince(ctx context.Context, since time.Time) ([]*models.AttemptRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context, since time.Time) (*models.AttemptStats, error)
}

// LedgerConfig tunes the in-memory window index
type LedgerConfig struct {
	// IndexHorizon is the longest window CountSince answers from memory.
	// Longer windows fall back to a repository count.
	IndexHorizon   time.Duration
	PersistTimeout time.Duration
	DefaultLimit   int
	MaxLimit       int
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		IndexHorizon:   time.Hour,
		PersistTimeout: 3 * time.Second,
		DefaultLimit:   50,
		MaxLimit:       500,
	}
}

// LedgerService is the append-only attempt ledger. Every record goes to a
// sorted per-(subject, kind) timestamp index first, so window counts stay
// correct when the repository is unavailable.
type LedgerService struct {
	repo   AttemptRepository
	config LedgerConfig
	clock  Clock
	logger *slog.Logger
	index  *shardedMap[[]time.Time]
}

func NewLedgerService(repo AttemptRepository, config LedgerConfig, clock Clock, logger *slog.Logger) *LedgerService {
	return &LedgerService{
		repo:   repo,
		config: config,
		clock:  clock,
		logger: logger,
		index:  newShardedMap[[]time.Time](defaultShardCount),
	}
}

func windowKey(subjectKind models.SubjectKind, subject string, kind models.AttemptKind) string {
	return string(subjectKind) + "|" + string(kind) + "|" + subject
}

// Record appends an attempt, assigning ID and timestamp when unset. A storage
// failure is returned wrapped in models.ErrStorage after the index has been
// updated; callers log it and continue.
func (s *LedgerService) Record(ctx context.Context, attempt *models.AttemptRecord) (uuid.UUID, error) {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = s.clock.Now()
	}

	s.indexAttempt(attempt)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PersistTimeout)
	defer cancel()

	if err := s.repo.Create(persistCtx, attempt); err != nil {
		return attempt.ID, fmt.Errorf("%w: failed to record attempt: %v", models.ErrStorage, err)
	}

	return attempt.ID, nil
}

func (s *LedgerService) indexAttempt(attempt *models.AttemptRecord) {
	horizonStart := attempt.CreatedAt.Add(-s.config.IndexHorizon)

	insert := func(key string) {
		s.index.with(key, func(items map[string][]time.Time) {
			ts := pruneBefore(items[key], horizonStart)
			i := sort.Search(len(ts), func(i int) bool { return ts[i].After(attempt.CreatedAt) })
			ts = append(ts, time.Time{})
			copy(ts[i+1:], ts[i:])
			ts[i] = attempt.CreatedAt
			items[key] = ts
		})
	}

	insert(windowKey(models.SubjectKindIP, attempt.IPAddress, attempt.Kind))
	if attempt.Username != nil && *attempt.Username != "" {
		insert(windowKey(models.SubjectKindUser, *attempt.Username, attempt.Kind))
	}
}

// pruneBefore drops timestamps older than cutoff from a sorted slice
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(cutoff) })
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// CountSince counts attempts of kind for subject within window ending at now.
// Windows inside the index horizon are answered with a binary search.
func (s *LedgerService) CountSince(ctx context.Context, subjectKind models.SubjectKind, subject string, kind models.AttemptKind, window time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-window)

	if window > s.config.IndexHorizon {
		filter := models.AttemptFilter{Kind: &kind, Since: &cutoff}
		if subjectKind == models.SubjectKindUser {
			filter.Username = &subject
		} else {
			filter.IPAddress = &subject
		}
		n, err := s.repo.Count(ctx, filter)
		if err != nil {
			return 0, fmt.Errorf("%w: failed to count attempts: %v", models.ErrStorage, err)
		}
		return int(n), nil
	}

	var count int
	key := windowKey(subjectKind, subject, kind)
	s.index.with(key, func(items map[string][]time.Time) {
		ts := items[key]
		lo := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(cutoff) })
		hi := sort.Search(len(ts), func(i int) bool { return ts[i].After(now) })
		count = hi - lo
	})
	return count, nil
}

// Query returns matching attempts newest first. limit is clamped to the
// configured maximum; a non-positive limit uses the default.
func (s *LedgerService) Query(ctx context.Context, filter models.AttemptFilter, limit, offset int) ([]*models.AttemptRecord, error) {
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}
	if limit > s.config.MaxLimit {
		limit = s.config.MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	attempts, err := s.repo.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query attempts: %v", models.ErrStorage, err)
	}
	return attempts, nil
}

// PurgeBefore irreversibly deletes attempts strictly older than before
func (s *LedgerService) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	removed, err := s.repo.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to purge attempts: %v", models.ErrStorage, err)
	}

	return removed, nil
}

// PruneIndex drops timestamps that fell out of the index horizon and removes
// keys left empty. It returns the number of keys removed.
func (s *LedgerService) PruneIndex(now time.Time) int {
	cutoff := now.Add(-s.config.IndexHorizon)
	removed := 0
	s.index.each(func(items map[string][]time.Time) {
		for key, ts := range items {
			ts = pruneBefore(ts, cutoff)
			if len(ts) == 0 {
				delete(items, key)
				removed++
				continue
			}
			items[key] = ts
		}
	})
	return removed
}

// IndexSize is the number of (subject, kind) keys held in the window index
func (s *LedgerService) IndexSize() int {
	n := 0
	s.index.each(func(items map[string][]time.Time) {
		n += len(items)
	})
	return n
}

// Stats aggregates attempts since a point in time
func (s *LedgerService) Stats(ctx context.Context, since time.Time) (*models.AttemptStats, error) {
	stats, err := s.repo.Stats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to aggregate attempts: %v", models.ErrStorage, err)
	}
	return stats, nil
}

// Warm rebuilds the window index from attempts stored within the horizon
func (s *LedgerService) Warm(ctx context.Context) error {
	since := s.clock.Now().Add(-s.config.IndexHorizon)
	attempts, err := s.repo.ListSince(ctx, since)
	if err != nil {
		return fmt.Errorf("%w: failed to warm attempt index: %v", models.ErrStorage, err)
	}

	for _, a := range attempts {
		s.indexAttempt(a)
	}

	s.logger.Info("attempt index warmed",
		slog.Int("attempts", len(attempts)),
		slog.Duration("horizon", s.config.IndexHorizon),
	)
	return nil
}
