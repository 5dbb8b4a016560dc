package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/imbrick/attributes-login-access/internal/database"
	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LockoutRepository persists one row per locked (subject, subject_kind)
type LockoutRepository struct {
	db   *database.DB
	pool *pgxpool.Pool
}

// NewLockoutRepository creates a new LockoutRepository
func NewLockoutRepository(db *database.DB) *LockoutRepository {
	return &LockoutRepository{db: db, pool: db.Pool}
}

// UpsertLockout writes the entry for its subject, replacing any previous row
func (r *LockoutRepository) UpsertLockout(ctx context.Context, entry *models.LockoutEntry) error {
	query := `
		INSERT INTO lockouts (subject, subject_kind, start_time, expires_at, attempt_count_at_lock, tier, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (subject, subject_kind) DO UPDATE SET
			start_time = EXCLUDED.start_time,
			expires_at = EXCLUDED.expires_at,
			attempt_count_at_lock = EXCLUDED.attempt_count_at_lock,
			tier = EXCLUDED.tier,
			updated_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query,
		entry.Subject,
		string(entry.SubjectKind),
		entry.StartTime,
		entry.ExpiresAt,
		entry.AttemptCountAtLock,
		entry.Tier,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert lockout: %w", database.MapPostgresError(err))
	}

	return nil
}

// DeleteLockout removes the row for a subject. Missing rows are not an error.
func (r *LockoutRepository) DeleteLockout(ctx context.Context, subject string, kind models.SubjectKind) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM lockouts WHERE subject = $1 AND subject_kind = $2`,
		subject, string(kind),
	)
	if err != nil {
		return fmt.Errorf("failed to delete lockout: %w", err)
	}

	return nil
}

// ListActiveLockouts returns locks that have not expired at now
func (r *LockoutRepository) ListActiveLockouts(ctx context.Context, now time.Time) ([]*models.LockoutEntry, error) {
	query := `
		SELECT subject, subject_kind, start_time, expires_at, attempt_count_at_lock, tier
		FROM lockouts
		WHERE expires_at > $1
		ORDER BY expires_at ASC
	`

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query lockouts: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.LockoutEntry, 0)
	for rows.Next() {
		var (
			e    models.LockoutEntry
			kind string
		)
		if err := rows.Scan(&e.Subject, &kind, &e.StartTime, &e.ExpiresAt, &e.AttemptCountAtLock, &e.Tier); err != nil {
			return nil, fmt.Errorf("failed to scan lockout: %w", err)
		}
		e.SubjectKind = models.SubjectKind(kind)
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lockout rows: %w", err)
	}

	return entries, nil
}

// DeleteExpiredLockouts removes rows whose lock ended at or before now and,
// in the same transaction, clears expired dynamic blocks from ip_reputation.
// The returned count covers the lockouts table only.
func (r *LockoutRepository) DeleteExpiredLockouts(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `DELETE FROM lockouts WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		deleted = result.RowsAffected()

		_, err = tx.Exec(ctx, `
			UPDATE ip_reputation
			SET block_start = NULL, block_expires_at = NULL, updated_at = NOW()
			WHERE block_expires_at IS NOT NULL AND block_expires_at <= $1
		`, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired lockouts: %w", database.MapPostgresError(err))
	}

	return deleted, nil
}
