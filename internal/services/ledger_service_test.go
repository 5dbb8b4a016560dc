package services_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/imbrick/attributes-login-access/internal/repositories"
	"github.com/imbrick/attributes-login-access/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unavailableAttemptRepo fails every write and count
type unavailableAttemptRepo struct {
	*repositories.MemoryAttemptRepository
}

func (unavailableAttemptRepo) Create(context.Context, *models.AttemptRecord) error {
	return errors.New("connection reset")
}

func (unavailableAttemptRepo) Count(context.Context, models.AttemptFilter) (int64, error) {
	return 0, errors.New("connection reset")
}

func newLedger(repo services.AttemptRepository, clock services.Clock) *services.LedgerService {
	return services.NewLedgerService(repo, services.DefaultLedgerConfig(), clock, discardLogger())
}

func attempt(username, ip string, status models.AttemptStatus, at time.Time) *models.AttemptRecord {
	a := &models.AttemptRecord{
		IPAddress: ip,
		Status:    status,
		Kind:      models.AttemptKindLogin,
		CreatedAt: at,
	}
	if username != "" {
		a.Username = &username
	}
	return a
}

func TestLedgerService_RecordAssignsIDAndTime(t *testing.T) {
	clock := services.NewFakeClock(t0)
	repo := repositories.NewMemoryAttemptRepository()
	ledger := newLedger(repo, clock)

	a := &models.AttemptRecord{IPAddress: "192.0.2.1", Status: models.AttemptStatusFailed, Kind: models.AttemptKindLogin}
	id, err := ledger.Record(context.Background(), a)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, t0, a.CreatedAt)

	rows, err := ledger.Query(context.Background(), models.AttemptFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
}

func TestLedgerService_CountSinceWindow(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(repositories.NewMemoryAttemptRepository(), services.NewFakeClock(t0))

	for i := 0; i < 5; i++ {
		_, err := ledger.Record(ctx, attempt("alice", "192.0.2.1", models.AttemptStatusFailed, t0.Add(time.Duration(i)*20*time.Second)))
		require.NoError(t, err)
	}

	now := t0.Add(80 * time.Second)
	n, err := ledger.CountSince(ctx, models.SubjectKindIP, "192.0.2.1", models.AttemptKindLogin, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = ledger.CountSince(ctx, models.SubjectKindUser, "alice", models.AttemptKindLogin, 30*time.Second, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = ledger.CountSince(ctx, models.SubjectKindIP, "192.0.2.1", models.AttemptKindRegistration, time.Minute, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLedgerService_LongWindowUsesRepository(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewMemoryAttemptRepository()
	ledger := newLedger(repo, services.NewFakeClock(t0))

	// Written straight to the repository so the index never sees it
	require.NoError(t, repo.Create(ctx, attempt("alice", "192.0.2.1", models.AttemptStatusFailed, t0.Add(-3*time.Hour))))
	_, err := ledger.Record(ctx, attempt("alice", "192.0.2.1", models.AttemptStatusFailed, t0))
	require.NoError(t, err)

	n, err := ledger.CountSince(ctx, models.SubjectKindUser, "alice", models.AttemptKindLogin, 24*time.Hour, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLedgerService_StorageFailureKeepsCounting(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(unavailableAttemptRepo{repositories.NewMemoryAttemptRepository()}, services.NewFakeClock(t0))

	_, err := ledger.Record(ctx, attempt("", "192.0.2.1", models.AttemptStatusFailed, t0))
	assert.ErrorIs(t, err, models.ErrStorage)

	n, err := ledger.CountSince(ctx, models.SubjectKindIP, "192.0.2.1", models.AttemptKindLogin, time.Minute, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = ledger.CountSince(ctx, models.SubjectKindIP, "192.0.2.1", models.AttemptKindLogin, 48*time.Hour, t0)
	assert.ErrorIs(t, err, models.ErrStorage)
}

func TestLedgerService_QueryNewestFirstAndClamped(t *testing.T) {
	ctx := context.Background()
	cfg := services.DefaultLedgerConfig()
	cfg.MaxLimit = 3
	ledger := services.NewLedgerService(repositories.NewMemoryAttemptRepository(), cfg, services.NewFakeClock(t0), discardLogger())

	for i := 0; i < 5; i++ {
		_, err := ledger.Record(ctx, attempt("alice", "192.0.2.1", models.AttemptStatusFailed, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	rows, err := ledger.Query(ctx, models.AttemptFilter{}, 100, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, t0.Add(4*time.Second), rows[0].CreatedAt)
	assert.Equal(t, t0.Add(2*time.Second), rows[2].CreatedAt)

	rows, err = ledger.Query(ctx, models.AttemptFilter{}, 2, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, t0.Add(time.Second), rows[0].CreatedAt)
}

func TestLedgerService_PurgeBefore(t *testing.T) {
	ctx := context.Background()
	clock := services.NewFakeClock(t0)
	ledger := newLedger(repositories.NewMemoryAttemptRepository(), clock)

	_, _ = ledger.Record(ctx, attempt("alice", "192.0.2.1", models.AttemptStatusFailed, t0.Add(-2*time.Hour)))
	_, _ = ledger.Record(ctx, attempt("alice", "192.0.2.1", models.AttemptStatusFailed, t0.Add(-time.Hour)))
	_, _ = ledger.Record(ctx, attempt("alice", "192.0.2.1", models.AttemptStatusSuccess, t0))

	removed, err := ledger.PurgeBefore(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	rows, err := ledger.Query(ctx, models.AttemptFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestLedgerService_PruneIndexDropsIdleKeys(t *testing.T) {
	ctx := context.Background()
	clock := services.NewFakeClock(t0)
	ledger := newLedger(repositories.NewMemoryAttemptRepository(), clock)

	for i := 0; i < 10; i++ {
		ip := fmt.Sprintf("192.0.2.%d", i+1)
		_, _ = ledger.Record(ctx, attempt("", ip, models.AttemptStatusFailed, t0))
	}
	_, _ = ledger.Record(ctx, attempt("alice", "198.51.100.1", models.AttemptStatusFailed, t0.Add(50*time.Minute)))
	require.Equal(t, 12, ledger.IndexSize())

	assert.Zero(t, ledger.PruneIndex(t0.Add(30*time.Minute)))

	// One horizon later only the recent user and address remain
	assert.Equal(t, 10, ledger.PruneIndex(t0.Add(61*time.Minute)))
	assert.Equal(t, 2, ledger.IndexSize())

	n, err := ledger.CountSince(ctx, models.SubjectKindUser, "alice", models.AttemptKindLogin, time.Hour, t0.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLedgerService_Stats(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(repositories.NewMemoryAttemptRepository(), services.NewFakeClock(t0))

	_, _ = ledger.Record(ctx, attempt("alice", "192.0.2.1", models.AttemptStatusFailed, t0))
	_, _ = ledger.Record(ctx, attempt("alice", "192.0.2.1", models.AttemptStatusSuccess, t0))
	_, _ = ledger.Record(ctx, attempt("", "192.0.2.2", models.AttemptStatusBlocked, t0))
	_, _ = ledger.Record(ctx, attempt("", "192.0.2.3", models.AttemptStatusFailed, t0.Add(-48*time.Hour)))

	stats, err := ledger.Stats(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Successful)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Blocked)
	assert.Equal(t, int64(2), stats.UniqueIPs)
}

func TestLedgerService_WarmRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	repo := repositories.NewMemoryAttemptRepository()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, attempt("", "192.0.2.1", models.AttemptStatusFailed, t0.Add(-time.Duration(i)*10*time.Second))))
	}

	ledger := newLedger(repo, services.NewFakeClock(t0))
	n, err := ledger.CountSince(ctx, models.SubjectKindIP, "192.0.2.1", models.AttemptKindLogin, time.Minute, t0)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, ledger.Warm(ctx))
	n, err = ledger.CountSince(ctx, models.SubjectKindIP, "192.0.2.1", models.AttemptKindLogin, time.Minute, t0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
