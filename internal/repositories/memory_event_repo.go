package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/imbrick/attributes-login-access/internal/models"
)

// MemorySecurityEventRepository keeps the most recent events in a bounded
// buffer for the "memory" storage driver.
type MemorySecurityEventRepository struct {
	mu       sync.RWMutex
	capacity int
	events   []*models.SecurityEvent
}

func NewMemorySecurityEventRepository(capacity int) *MemorySecurityEventRepository {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemorySecurityEventRepository{capacity: capacity}
}

func (r *MemorySecurityEventRepository) Create(_ context.Context, ev *models.SecurityEvent) error {
	stored := *ev

	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, &stored)
	if over := len(r.events) - r.capacity; over > 0 {
		r.events = append([]*models.SecurityEvent(nil), r.events[over:]...)
	}
	return nil
}

func (r *MemorySecurityEventRepository) List(_ context.Context, filter models.SecurityEventFilter, limit, offset int) ([]*models.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.SecurityEvent, 0)
	skipped := 0
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := r.events[i]
		if filter.EventType != nil && ev.EventType != *filter.EventType {
			continue
		}
		if filter.Username != nil && (ev.Username == nil || *ev.Username != *filter.Username) {
			continue
		}
		if filter.IPAddress != nil && (ev.IPAddress == nil || *ev.IPAddress != *filter.IPAddress) {
			continue
		}
		if filter.Since != nil && ev.CreatedAt.Before(*filter.Since) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		c := *ev
		out = append(out, &c)
	}
	return out, nil
}

func (r *MemorySecurityEventRepository) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.events[:0]
	var removed int64
	for _, ev := range r.events {
		if ev.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	r.events = kept
	return removed, nil
}
