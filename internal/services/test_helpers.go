package services

import (
	"context"
	"sync"
	"time"

	"github.com/imbrick/attributes-login-access/internal/models"
)

// FakeClock is a settable Clock for testing
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// RecordingPublisher collects published events synchronously
type RecordingPublisher struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (p *RecordingPublisher) Publish(ev models.SecurityEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

// Events returns a copy of everything published so far
func (p *RecordingPublisher) Events() []models.SecurityEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.SecurityEvent(nil), p.events...)
}

// OfType returns published events with the given type
func (p *RecordingPublisher) OfType(eventType string) []models.SecurityEvent {
	var out []models.SecurityEvent
	for _, ev := range p.Events() {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// MockLockoutStore implements LockoutStore for testing
type MockLockoutStore struct {
	UpsertLockoutFunc         func(ctx context.Context, entry *models.LockoutEntry) error
	DeleteLockoutFunc         func(ctx context.Context, subject string, kind models.SubjectKind) error
	ListActiveLockoutsFunc    func(ctx context.Context, now time.Time) ([]*models.LockoutEntry, error)
	DeleteExpiredLockoutsFunc func(ctx context.Context, now time.Time) (int64, error)
}

func (m *MockLockoutStore) UpsertLockout(ctx context.Context, entry *models.LockoutEntry) error {
	if m.UpsertLockoutFunc != nil {
		return m.UpsertLockoutFunc(ctx, entry)
	}
	return nil
}

func (m *MockLockoutStore) DeleteLockout(ctx context.Context, subject string, kind models.SubjectKind) error {
	if m.DeleteLockoutFunc != nil {
		return m.DeleteLockoutFunc(ctx, subject, kind)
	}
	return nil
}

func (m *MockLockoutStore) ListActiveLockouts(ctx context.Context, now time.Time) ([]*models.LockoutEntry, error) {
	if m.ListActiveLockoutsFunc != nil {
		return m.ListActiveLockoutsFunc(ctx, now)
	}
	return nil, nil
}

func (m *MockLockoutStore) DeleteExpiredLockouts(ctx context.Context, now time.Time) (int64, error) {
	if m.DeleteExpiredLockoutsFunc != nil {
		return m.DeleteExpiredLockoutsFunc(ctx, now)
	}
	return 0, nil
}

// MockReputationStore implements ReputationStore for testing
type MockReputationStore struct {
	UpsertReputationFunc func(ctx context.Context, entry *models.ReputationEntry) error
	DeleteReputationFunc func(ctx context.Context, ip string) error
	ListReputationFunc   func(ctx context.Context) ([]*models.ReputationEntry, error)
}

func (m *MockReputationStore) UpsertReputation(ctx context.Context, entry *models.ReputationEntry) error {
	if m.UpsertReputationFunc != nil {
		return m.UpsertReputationFunc(ctx, entry)
	}
	return nil
}

func (m *MockReputationStore) DeleteReputation(ctx context.Context, ip string) error {
	if m.DeleteReputationFunc != nil {
		return m.DeleteReputationFunc(ctx, ip)
	}
	return nil
}

func (m *MockReputationStore) ListReputation(ctx context.Context) ([]*models.ReputationEntry, error) {
	if m.ListReputationFunc != nil {
		return m.ListReputationFunc(ctx)
	}
	return nil, nil
}

// MockNotificationSink records sent messages
type MockNotificationSink struct {
	SendFunc func(ctx context.Context, recipient, subject, body string) error

	mu   sync.Mutex
	sent []SentNotification
}

type SentNotification struct {
	Recipient string
	Subject   string
	Body      string
}

func (m *MockNotificationSink) Send(ctx context.Context, recipient, subject, body string) error {
	m.mu.Lock()
	m.sent = append(m.sent, SentNotification{Recipient: recipient, Subject: subject, Body: body})
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(ctx, recipient, subject, body)
	}
	return nil
}

func (m *MockNotificationSink) Sent() []SentNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentNotification(nil), m.sent...)
}

// StaticVerifier accepts exactly one username/secret pair
func StaticVerifier(username, secret string) CredentialVerifier {
	return CredentialVerifierFunc(func(_ context.Context, u, s string) (*models.Identity, error) {
		if u == username && s == secret {
			return &models.Identity{ID: "id-" + u, Username: u}, nil
		}
		return nil, models.ErrInvalidCredentials
	})
}
