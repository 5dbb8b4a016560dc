package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/imbrick/attributes-login-access/internal/database"
	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IPReputationRepository persists per-IP static list and dynamic block state
type IPReputationRepository struct {
	pool *pgxpool.Pool
}

// NewIPReputationRepository creates a new IPReputationRepository
func NewIPReputationRepository(db *database.DB) *IPReputationRepository {
	return &IPReputationRepository{pool: db.Pool}
}

// UpsertReputation writes the full entry for its IP
func (r *IPReputationRepository) UpsertReputation(ctx context.Context, entry *models.ReputationEntry) error {
	var (
		blockStart   *time.Time
		blockExpires *time.Time
		blockCount   int
		blockTier    int
	)
	if b := entry.DynamicBlock; b != nil {
		blockStart = &b.StartTime
		blockExpires = &b.ExpiresAt
		blockCount = b.AttemptCountAtLock
		blockTier = b.Tier
	}

	query := `
		INSERT INTO ip_reputation (
			ip_address, whitelisted, blacklisted, block_start, block_expires_at,
			block_attempt_count, block_tier, last_seen, total_attempts, failed_attempts, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (ip_address) DO UPDATE SET
			whitelisted = EXCLUDED.whitelisted,
			blacklisted = EXCLUDED.blacklisted,
			block_start = EXCLUDED.block_start,
			block_expires_at = EXCLUDED.block_expires_at,
			block_attempt_count = EXCLUDED.block_attempt_count,
			block_tier = EXCLUDED.block_tier,
			last_seen = EXCLUDED.last_seen,
			total_attempts = EXCLUDED.total_attempts,
			failed_attempts = EXCLUDED.failed_attempts,
			updated_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query,
		entry.IPAddress, entry.Whitelisted, entry.Blacklisted, blockStart, blockExpires,
		blockCount, blockTier, entry.LastSeen, entry.TotalAttempts, entry.FailedAttempts,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ip reputation: %w", database.MapPostgresError(err))
	}

	return nil
}

// DeleteReputation removes the row for an IP
func (r *IPReputationRepository) DeleteReputation(ctx context.Context, ip string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM ip_reputation WHERE ip_address = $1`, ip); err != nil {
		return fmt.Errorf("failed to delete ip reputation: %w", err)
	}
	return nil
}

// ListReputation returns every stored entry
func (r *IPReputationRepository) ListReputation(ctx context.Context) ([]*models.ReputationEntry, error) {
	query := `
		SELECT ip_address, whitelisted, blacklisted, block_start, block_expires_at,
		       block_attempt_count, block_tier, last_seen, total_attempts, failed_attempts
		FROM ip_reputation
		ORDER BY ip_address
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query ip reputation: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.ReputationEntry, 0)
	for rows.Next() {
		var (
			e            models.ReputationEntry
			blockStart   *time.Time
			blockExpires *time.Time
			blockCount   int
			blockTier    int
		)
		err := rows.Scan(
			&e.IPAddress, &e.Whitelisted, &e.Blacklisted, &blockStart, &blockExpires,
			&blockCount, &blockTier, &e.LastSeen, &e.TotalAttempts, &e.FailedAttempts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ip reputation: %w", err)
		}

		if blockStart != nil && blockExpires != nil {
			e.DynamicBlock = &models.LockoutEntry{
				Subject:            e.IPAddress,
				SubjectKind:        models.SubjectKindIP,
				StartTime:          *blockStart,
				ExpiresAt:          *blockExpires,
				AttemptCountAtLock: blockCount,
				Tier:               blockTier,
			}
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ip reputation rows: %w", err)
	}

	return entries, nil
}
