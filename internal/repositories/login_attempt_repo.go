package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/imbrick/attributes-login-access/internal/database"
	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rowScanner is satisfied by both pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const attemptColumns = `id, username, ip_address, status, kind, user_agent, created_at`

// LoginAttemptRepository is the Postgres-backed attempt ledger
type LoginAttemptRepository struct {
	pool *pgxpool.Pool
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository
func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{pool: db.Pool}
}

func scanAttemptRow(row rowScanner) (*models.AttemptRecord, error) {
	var (
		a      models.AttemptRecord
		status string
		kind   string
	)

	err := row.Scan(&a.ID, &a.Username, &a.IPAddress, &status, &kind, &a.UserAgent, &a.CreatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	a.Status = models.AttemptStatus(status)
	a.Kind = models.AttemptKind(kind)
	return &a, nil
}

func scanAttemptRows(rows pgx.Rows) ([]*models.AttemptRecord, error) {
	defer rows.Close()

	attempts := make([]*models.AttemptRecord, 0)
	for rows.Next() {
		a, err := scanAttemptRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan login attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating login attempt rows: %w", err)
	}

	return attempts, nil
}

// buildAttemptWhere renders the filter as a WHERE clause with positional args
func buildAttemptWhere(filter models.AttemptFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Username != nil {
		add("username = $%d", *filter.Username)
	}
	if filter.IPAddress != nil {
		add("ip_address = $%d", *filter.IPAddress)
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.Kind != nil {
		add("kind = $%d", string(*filter.Kind))
	}
	if filter.Since != nil {
		add("created_at >= $%d", *filter.Since)
	}
	if filter.Until != nil {
		add("created_at < $%d", *filter.Until)
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// Create inserts an attempt. ID and CreatedAt must already be set.
func (r *LoginAttemptRepository) Create(ctx context.Context, attempt *models.AttemptRecord) error {
	query := `
		INSERT INTO login_attempts (id, username, ip_address, status, kind, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		attempt.ID,
		attempt.Username,
		attempt.IPAddress,
		string(attempt.Status),
		string(attempt.Kind),
		attempt.UserAgent,
		attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", database.MapPostgresError(err))
	}

	return nil
}

// List returns attempts matching filter, newest first
func (r *LoginAttemptRepository) List(ctx context.Context, filter models.AttemptFilter, limit, offset int) ([]*models.AttemptRecord, error) {
	where, args := buildAttemptWhere(filter)
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT %s
		FROM login_attempts
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, attemptColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query login attempts: %w", err)
	}

	return scanAttemptRows(rows)
}

// Count returns the number of attempts matching filter
func (r *LoginAttemptRepository) Count(ctx context.Context, filter models.AttemptFilter) (int64, error) {
	where, args := buildAttemptWhere(filter)
	query := `SELECT COUNT(*) FROM login_attempts ` + where

	var count int64
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count login attempts: %w", err)
	}

	return count, nil
}

// ListSince returns every attempt created at or after since, oldest first
func (r *LoginAttemptRepository) ListSince(ctx context.Context, since time.Time) ([]*models.AttemptRecord, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM login_attempts
		WHERE created_at >= $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent login attempts: %w", err)
	}

	return scanAttemptRows(rows)
}

// DeleteBefore removes attempts strictly older than before
func (r *LoginAttemptRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM login_attempts WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge login attempts: %w", err)
	}

	return result.RowsAffected(), nil
}

// Stats aggregates attempts created at or after since
func (r *LoginAttemptRepository) Stats(ctx context.Context, since time.Time) (*models.AttemptStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'blocked'),
			COUNT(DISTINCT ip_address)
		FROM login_attempts
		WHERE created_at >= $1
	`

	var stats models.AttemptStats
	err := r.pool.QueryRow(ctx, query, since).Scan(
		&stats.Successful, &stats.Failed, &stats.Blocked, &stats.UniqueIPs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate login attempts: %w", err)
	}

	return &stats, nil
}
