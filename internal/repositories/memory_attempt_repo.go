package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/imbrick/attributes-login-access/internal/models"
)

// MemoryAttemptRepository keeps the ledger in process memory. It backs the
// "memory" storage driver and service tests.
type MemoryAttemptRepository struct {
	mu       sync.RWMutex
	attempts []*models.AttemptRecord
}

func NewMemoryAttemptRepository() *MemoryAttemptRepository {
	return &MemoryAttemptRepository{}
}

func (r *MemoryAttemptRepository) Create(_ context.Context, attempt *models.AttemptRecord) error {
	stored := *attempt
	if attempt.Username != nil {
		name := *attempt.Username
		stored.Username = &name
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Keep ascending CreatedAt order
	i := sort.Search(len(r.attempts), func(i int) bool {
		return r.attempts[i].CreatedAt.After(stored.CreatedAt)
	})
	r.attempts = append(r.attempts, nil)
	copy(r.attempts[i+1:], r.attempts[i:])
	r.attempts[i] = &stored
	return nil
}

func (r *MemoryAttemptRepository) List(_ context.Context, filter models.AttemptFilter, limit, offset int) ([]*models.AttemptRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AttemptRecord, 0)
	skipped := 0
	for i := len(r.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		a := r.attempts[i]
		if !filter.Matches(a) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (r *MemoryAttemptRepository) Count(_ context.Context, filter models.AttemptFilter) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, a := range r.attempts {
		if filter.Matches(a) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryAttemptRepository) ListSince(_ context.Context, since time.Time) ([]*models.AttemptRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.attempts), func(i int) bool {
		return !r.attempts[i].CreatedAt.Before(since)
	})
	out := make([]*models.AttemptRecord, 0, len(r.attempts)-i)
	for _, a := range r.attempts[i:] {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (r *MemoryAttemptRepository) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.attempts), func(i int) bool {
		return !r.attempts[i].CreatedAt.Before(before)
	})
	if i == 0 {
		return 0, nil
	}
	r.attempts = append([]*models.AttemptRecord(nil), r.attempts[i:]...)
	return int64(i), nil
}

func (r *MemoryAttemptRepository) Stats(_ context.Context, since time.Time) (*models.AttemptStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats models.AttemptStats
	ips := make(map[string]struct{})
	for _, a := range r.attempts {
		if a.CreatedAt.Before(since) {
			continue
		}
		switch a.Status {
		case models.AttemptStatusSuccess:
			stats.Successful++
		case models.AttemptStatusFailed:
			stats.Failed++
		case models.AttemptStatusBlocked:
			stats.Blocked++
		}
		ips[a.IPAddress] = struct{}{}
	}
	stats.UniqueIPs = int64(len(ips))
	return &stats, nil
}
