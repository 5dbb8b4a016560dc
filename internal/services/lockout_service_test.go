package services_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/imbrick/attributes-login-access/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lockoutConfig(maxAttempts int, base time.Duration, progressive bool) services.LockoutConfig {
	cfg := services.DefaultLockoutConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.BaseDuration = base
	cfg.Progressive = progressive
	return cfg
}

func fail(t *testing.T, svc *services.LockoutService, subject string, at time.Time) *models.LockoutDecision {
	t.Helper()
	d, err := svc.RecordFailure(context.Background(), subject, models.SubjectKindUser, "10.0.0.1", at)
	require.NoError(t, err)
	return d
}

func TestLockoutService_LocksAtThreshold(t *testing.T) {
	svc := services.NewLockoutService(nil, lockoutConfig(3, time.Minute, true), discardLogger())

	assert.False(t, fail(t, svc, "alice", t0).Locked)
	d := fail(t, svc, "alice", t0.Add(time.Second))
	assert.False(t, d.Locked)
	assert.Equal(t, 2, d.FailureCount)

	d = fail(t, svc, "alice", t0.Add(2*time.Second))
	require.True(t, d.NewlyLocked)
	assert.Equal(t, 3, d.Entry.AttemptCountAtLock)
	assert.Equal(t, time.Minute, d.Entry.Duration())

	remaining, locked := svc.IsLocked("alice", models.SubjectKindUser, t0.Add(2*time.Second))
	assert.True(t, locked)
	assert.Equal(t, time.Minute, remaining)
}

func TestLockoutService_SuccessResetsCounter(t *testing.T) {
	ctx := context.Background()
	svc := services.NewLockoutService(nil, lockoutConfig(3, time.Minute, true), discardLogger())

	fail(t, svc, "alice", t0)
	fail(t, svc, "alice", t0.Add(time.Second))
	require.NoError(t, svc.RecordSuccess(ctx, "alice", models.SubjectKindUser, t0.Add(2*time.Second)))

	counter, _ := svc.Counter("alice", models.SubjectKindUser)
	assert.Equal(t, 0, counter.Count)

	assert.False(t, fail(t, svc, "alice", t0.Add(3*time.Second)).Locked)
	assert.False(t, fail(t, svc, "alice", t0.Add(4*time.Second)).Locked)
	assert.True(t, fail(t, svc, "alice", t0.Add(5*time.Second)).NewlyLocked)
}

func TestLockoutService_SuccessDoesNotClearLock(t *testing.T) {
	svc := services.NewLockoutService(nil, lockoutConfig(2, time.Minute, true), discardLogger())

	fail(t, svc, "alice", t0)
	require.True(t, fail(t, svc, "alice", t0).NewlyLocked)

	require.NoError(t, svc.RecordSuccess(context.Background(), "alice", models.SubjectKindUser, t0.Add(10*time.Second)))

	remaining, locked := svc.IsLocked("alice", models.SubjectKindUser, t0.Add(10*time.Second))
	assert.True(t, locked)
	assert.Equal(t, 50*time.Second, remaining)
}

func TestLockoutService_FailureWhileLockedKeepsExpiry(t *testing.T) {
	svc := services.NewLockoutService(nil, lockoutConfig(2, time.Minute, true), discardLogger())

	fail(t, svc, "alice", t0)
	first := fail(t, svc, "alice", t0)
	require.True(t, first.NewlyLocked)
	assert.Equal(t, 1, first.Entry.Tier)

	again := fail(t, svc, "alice", t0.Add(5*time.Second))
	assert.True(t, again.Locked)
	assert.False(t, again.NewlyLocked)
	assert.Equal(t, first.Entry.ExpiresAt, again.Entry.ExpiresAt)
	assert.Equal(t, 2, again.Entry.Tier)
}

func TestLockoutService_ProgressiveDuration(t *testing.T) {
	tests := []struct {
		name        string
		progressive bool
		want        time.Duration
	}{
		{name: "progressive doubles", progressive: true, want: 2 * time.Minute},
		{name: "flat repeats", progressive: false, want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := services.NewLockoutService(nil, lockoutConfig(2, time.Minute, tt.progressive), discardLogger())

			fail(t, svc, "alice", t0)
			first := fail(t, svc, "alice", t0)
			require.True(t, first.NewlyLocked)
			assert.Equal(t, time.Minute, first.Entry.Duration())

			later := first.Entry.ExpiresAt.Add(time.Second)
			fail(t, svc, "alice", later)
			second := fail(t, svc, "alice", later)
			require.True(t, second.NewlyLocked)
			assert.Equal(t, tt.want, second.Entry.Duration())
		})
	}
}

func TestLockoutService_LockDurationCapsAtMaxTier(t *testing.T) {
	cfg := lockoutConfig(5, time.Minute, true)
	cfg.MaxTier = 3
	svc := services.NewLockoutService(nil, cfg, discardLogger())

	assert.Equal(t, time.Minute, svc.LockDuration(0))
	assert.Equal(t, 4*time.Minute, svc.LockDuration(2))
	assert.Equal(t, 8*time.Minute, svc.LockDuration(3))
	assert.Equal(t, 8*time.Minute, svc.LockDuration(10))
}

func TestLockoutService_LockDurationSaturates(t *testing.T) {
	cfg := lockoutConfig(5, 30*time.Minute, true)
	cfg.MaxTier = 64
	cfg.Multiplier = 10
	svc := services.NewLockoutService(nil, cfg, discardLogger())

	prev := time.Duration(0)
	for tier := 0; tier <= 64; tier++ {
		d := svc.LockDuration(tier)
		require.Positive(t, d, "tier %d", tier)
		require.GreaterOrEqual(t, d, prev, "tier %d", tier)
		require.LessOrEqual(t, d, services.MaxLockDuration, "tier %d", tier)
		prev = d
	}
	assert.Equal(t, services.MaxLockDuration, svc.LockDuration(64))
}

func TestLockoutService_HighTierLockIsActive(t *testing.T) {
	cfg := lockoutConfig(1, 30*time.Minute, true)
	cfg.MaxTier = 40
	svc := services.NewLockoutService(nil, cfg, discardLogger())

	// Failures while locked climb the tier well past the overflow point
	for i := 0; i < 30; i++ {
		require.True(t, fail(t, svc, "alice", t0).Locked)
	}

	later := t0.Add(31 * time.Minute)
	d := fail(t, svc, "alice", later)
	require.True(t, d.NewlyLocked)
	assert.Equal(t, services.MaxLockDuration, d.Entry.Duration())

	_, locked := svc.IsLocked("alice", models.SubjectKindUser, later.Add(24*time.Hour))
	assert.True(t, locked)
}

func TestLockoutService_ParallelFailuresCountedOnce(t *testing.T) {
	svc := services.NewLockoutService(nil, lockoutConfig(100, time.Minute, true), discardLogger())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.RecordFailure(context.Background(), "alice", models.SubjectKindUser, "10.0.0.1", t0)
		}()
	}
	wg.Wait()

	counter, ok := svc.Counter("alice", models.SubjectKindUser)
	require.True(t, ok)
	assert.Equal(t, n, counter.Count)
	assert.Equal(t, n, counter.IPHistogram["10.0.0.1"])
}

func TestLockoutService_ParallelCrossingLocksOnce(t *testing.T) {
	svc := services.NewLockoutService(nil, lockoutConfig(5, time.Minute, true), discardLogger())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		newly int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := svc.RecordFailure(context.Background(), "alice", models.SubjectKindUser, "", t0)
			if err == nil && d.NewlyLocked {
				mu.Lock()
				newly++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, newly)
	assert.Len(t, svc.ListActive(t0), 1)
}

func TestLockoutService_InactivityResetsCounter(t *testing.T) {
	svc := services.NewLockoutService(nil, lockoutConfig(3, time.Minute, true), discardLogger())

	fail(t, svc, "alice", t0)
	fail(t, svc, "alice", t0)
	d := fail(t, svc, "alice", t0.Add(25*time.Hour))
	assert.False(t, d.Locked)
	assert.Equal(t, 1, d.FailureCount)
}

func TestLockoutService_SweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := services.NewLockoutService(nil, lockoutConfig(2, time.Minute, true), discardLogger())

	fail(t, svc, "alice", t0)
	fail(t, svc, "alice", t0)
	fail(t, svc, "bob", t0)

	after := t0.Add(2 * time.Minute)
	changed, err := svc.SweepExpired(ctx, after)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	changed, err = svc.SweepExpired(ctx, after)
	require.NoError(t, err)
	assert.Zero(t, changed)

	_, locked := svc.IsLocked("alice", models.SubjectKindUser, after)
	assert.False(t, locked)
}

func TestLockoutService_SweepEvictsIdleSubjects(t *testing.T) {
	svc := services.NewLockoutService(nil, lockoutConfig(3, time.Minute, true), discardLogger())

	fail(t, svc, "alice", t0)
	changed, err := svc.SweepExpired(context.Background(), t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	_, ok := svc.Counter("alice", models.SubjectKindUser)
	assert.False(t, ok)
}

func TestLockoutService_ManualUnlock(t *testing.T) {
	ctx := context.Background()
	var deleted []string
	store := &services.MockLockoutStore{
		DeleteLockoutFunc: func(_ context.Context, subject string, _ models.SubjectKind) error {
			deleted = append(deleted, subject)
			return nil
		},
	}
	svc := services.NewLockoutService(store, lockoutConfig(2, time.Minute, true), discardLogger())

	fail(t, svc, "alice", t0)
	fail(t, svc, "alice", t0)

	cleared, err := svc.ManualUnlock(ctx, "alice", models.SubjectKindUser)
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Equal(t, []string{"alice"}, deleted)

	_, locked := svc.IsLocked("alice", models.SubjectKindUser, t0)
	assert.False(t, locked)

	cleared, err = svc.ManualUnlock(ctx, "alice", models.SubjectKindUser)
	require.NoError(t, err)
	assert.False(t, cleared)

	// Tier is back to zero, so the next lock uses the base duration.
	fail(t, svc, "alice", t0)
	d := fail(t, svc, "alice", t0)
	assert.Equal(t, time.Minute, d.Entry.Duration())
}

func TestLockoutService_StoreFailureDoesNotBlockDecision(t *testing.T) {
	store := &services.MockLockoutStore{
		UpsertLockoutFunc: func(context.Context, *models.LockoutEntry) error {
			return errors.New("connection refused")
		},
	}
	svc := services.NewLockoutService(store, lockoutConfig(1, time.Minute, true), discardLogger())

	d := fail(t, svc, "alice", t0)
	assert.True(t, d.NewlyLocked)

	_, locked := svc.IsLocked("alice", models.SubjectKindUser, t0)
	assert.True(t, locked)
}

func TestLockoutService_InvalidSubject(t *testing.T) {
	svc := services.NewLockoutService(nil, services.DefaultLockoutConfig(), discardLogger())

	_, err := svc.RecordFailure(context.Background(), "", models.SubjectKindUser, "", t0)
	assert.ErrorIs(t, err, models.ErrInvalidSubject)

	_, err = svc.RecordFailure(context.Background(), "alice", models.SubjectKind("device"), "", t0)
	assert.ErrorIs(t, err, models.ErrInvalidSubject)
}

func TestLockoutService_IPThresholdDisabled(t *testing.T) {
	cfg := services.DefaultLockoutConfig()
	cfg.MaxAttemptsPerIP = 0
	svc := services.NewLockoutService(nil, cfg, discardLogger())

	for i := 0; i < 50; i++ {
		d, err := svc.RecordFailure(context.Background(), "10.0.0.9", models.SubjectKindIP, "10.0.0.9", t0)
		require.NoError(t, err)
		assert.False(t, d.Locked)
	}
}

func TestLockoutService_Restore(t *testing.T) {
	store := &services.MockLockoutStore{
		ListActiveLockoutsFunc: func(context.Context, time.Time) ([]*models.LockoutEntry, error) {
			return []*models.LockoutEntry{{
				Subject:     "alice",
				SubjectKind: models.SubjectKindUser,
				StartTime:   t0,
				ExpiresAt:   t0.Add(time.Hour),
				Tier:        2,
			}}, nil
		},
	}
	svc := services.NewLockoutService(store, services.DefaultLockoutConfig(), discardLogger())

	require.NoError(t, svc.Restore(context.Background(), t0))

	remaining, locked := svc.IsLocked("alice", models.SubjectKindUser, t0.Add(30*time.Minute))
	assert.True(t, locked)
	assert.Equal(t, 30*time.Minute, remaining)
}

func TestLockoutService_RestoreStorageError(t *testing.T) {
	store := &services.MockLockoutStore{
		ListActiveLockoutsFunc: func(context.Context, time.Time) ([]*models.LockoutEntry, error) {
			return nil, errors.New("down")
		},
	}
	svc := services.NewLockoutService(store, services.DefaultLockoutConfig(), discardLogger())

	assert.ErrorIs(t, svc.Restore(context.Background(), t0), models.ErrStorage)
}
