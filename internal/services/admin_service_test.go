package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/imbrick/attributes-login-access/internal/repositories"
	"github.com/imbrick/attributes-login-access/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminFixture struct {
	*gateFixture
	admin *services.AdminService
	audit *services.AuditService
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	gateCfg := services.DefaultGateConfig()
	gateCfg.LockIPOnUserLockout = true
	f := newGateFixture(t, lockoutConfig(2, time.Hour, true), gateCfg, nil)
	audit := services.NewAuditService(repositories.NewMemorySecurityEventRepository(100), discardLogger())
	admin := services.NewAdminService(f.ledger, f.lockout, f.reputation, audit, f.events, f.clock, discardLogger())
	return &adminFixture{gateFixture: f, admin: admin, audit: audit}
}

func TestAdminService_UnlockUser(t *testing.T) {
	f := newAdminFixture(t)
	f.login(t, "alice", "wrong", "192.0.2.1")
	f.login(t, "alice", "wrong", "192.0.2.1")
	require.Len(t, f.admin.ListActiveLockouts(models.SubjectKindUser), 1)

	cleared, err := f.admin.Unlock(context.Background(), "ALICE", models.SubjectKindUser)
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Empty(t, f.admin.ListActiveLockouts(models.SubjectKindUser))
	assert.Len(t, f.events.OfType(models.EventTypeLockoutCleared), 1)

	cleared, err = f.admin.Unlock(context.Background(), "alice", models.SubjectKindUser)
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestAdminService_UnlockIPClearsDynamicBlock(t *testing.T) {
	f := newAdminFixture(t)
	f.login(t, "alice", "wrong", "192.0.2.1")
	f.login(t, "alice", "wrong", "192.0.2.1")
	require.Len(t, f.admin.ListBlockedIPs(), 1)

	cleared, err := f.admin.Unlock(context.Background(), "192.0.2.1", models.SubjectKindIP)
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Empty(t, f.admin.ListBlockedIPs())
	assert.Len(t, f.events.OfType(models.EventTypeIPUnblocked), 1)

	_, err = f.admin.Unlock(context.Background(), "not-an-ip", models.SubjectKindIP)
	assert.ErrorIs(t, err, models.ErrInvalidAddress)
}

func TestAdminService_GetStatistics(t *testing.T) {
	ctx := context.Background()
	f := newAdminFixture(t)

	f.login(t, "bob", "whatever", "192.0.2.5")
	f.login(t, "alice", "correct-horse", "192.0.2.2")
	f.login(t, "alice", "wrong", "192.0.2.1")
	f.login(t, "alice", "wrong", "192.0.2.1")
	f.login(t, "carol", "x", "192.0.2.1")
	require.NoError(t, f.reputation.AddToWhitelist(ctx, "192.0.2.200"))
	require.NoError(t, f.reputation.AddToBlacklist(ctx, "192.0.2.201"))

	stats, err := f.admin.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.FailedToday)
	assert.Equal(t, int64(1), stats.Successful24h)
	assert.Equal(t, int64(1), stats.Blocked24h)
	assert.Equal(t, int64(3), stats.UniqueIPs24h)
	assert.Equal(t, 1, stats.ActiveUserLockouts)
	assert.Equal(t, 0, stats.ActiveIPLockouts)
	assert.Equal(t, 1, stats.DynamicIPBlocks)
	assert.Equal(t, 1, stats.BlacklistedIPs)
	assert.Equal(t, 1, stats.WhitelistedIPs)
}

func TestAdminService_ListsAndEvents(t *testing.T) {
	ctx := context.Background()
	f := newAdminFixture(t)

	require.NoError(t, f.admin.SetBlacklisted(ctx, "::ffff:198.51.100.7", true))
	assert.Len(t, f.admin.ListBlockedIPs(), 1)
	require.NoError(t, f.admin.SetBlacklisted(ctx, "198.51.100.7", false))
	assert.Empty(t, f.admin.ListBlockedIPs())

	require.NoError(t, f.admin.SetWhitelisted(ctx, "198.51.100.8", true))
	assert.True(t, f.reputation.IsWhitelisted("198.51.100.8"))

	changes := f.events.OfType(models.EventTypeBlacklistChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, "added", changes[0].Metadata["action"])
	assert.Equal(t, "removed", changes[1].Metadata["action"])
	assert.Equal(t, "198.51.100.7", *changes[0].IPAddress)

	assert.ErrorIs(t, f.admin.SetWhitelisted(ctx, "bad", true), models.ErrInvalidAddress)

	for _, ev := range f.events.Events() {
		f.audit.HandleEvent(ctx, ev)
	}
	events, err := f.admin.ListEvents(ctx, models.SecurityEventFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestAdminService_ClearIPBlock(t *testing.T) {
	ctx := context.Background()
	f := newAdminFixture(t)

	_, err := f.reputation.ApplyDynamicBlock(ctx, "192.0.2.50", time.Hour, t0)
	require.NoError(t, err)

	cleared, err := f.admin.ClearIPBlock(ctx, "192.0.2.50")
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = f.admin.ClearIPBlock(ctx, "192.0.2.50")
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestAdminService_ClearIPBlockEndsIPLockout(t *testing.T) {
	ctx := context.Background()
	f := newAdminFixture(t)

	for i := 0; i < f.lockout.Threshold(models.SubjectKindIP); i++ {
		_, err := f.lockout.RecordFailure(ctx, "192.0.2.60", models.SubjectKindIP, "192.0.2.60", t0)
		require.NoError(t, err)
	}
	_, err := f.reputation.ApplyDynamicBlock(ctx, "192.0.2.60", time.Hour, t0)
	require.NoError(t, err)
	require.Len(t, f.admin.ListActiveLockouts(models.SubjectKindIP), 1)

	cleared, err := f.admin.ClearIPBlock(ctx, "192.0.2.60")
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Empty(t, f.admin.ListActiveLockouts(models.SubjectKindIP))
	assert.Empty(t, f.admin.ListBlockedIPs())

	// The tier restarts, so the next lock is a first-tier lock
	for i := 0; i < f.lockout.Threshold(models.SubjectKindIP); i++ {
		_, err := f.lockout.RecordFailure(ctx, "192.0.2.60", models.SubjectKindIP, "192.0.2.60", t0)
		require.NoError(t, err)
	}
	lockouts := f.admin.ListActiveLockouts(models.SubjectKindIP)
	require.Len(t, lockouts, 1)
	assert.Equal(t, f.lockout.LockDuration(0), lockouts[0].Duration())
}

func TestAdminService_ListAttempts(t *testing.T) {
	f := newAdminFixture(t)
	f.login(t, "alice", "wrong", "192.0.2.1")
	f.login(t, "bob", "wrong", "192.0.2.2")

	ip := "192.0.2.2"
	rows, err := f.admin.ListAttempts(context.Background(), models.AttemptFilter{IPAddress: &ip}, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob", *rows[0].Username)
}
