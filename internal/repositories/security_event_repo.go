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

// SecurityEventRepository handles security event data access
type SecurityEventRepository struct {
	pool *pgxpool.Pool
}

// NewSecurityEventRepository creates a new SecurityEventRepository
func NewSecurityEventRepository(db *database.DB) *SecurityEventRepository {
	return &SecurityEventRepository{pool: db.Pool}
}

func scanSecurityEventRow(row rowScanner) (*models.SecurityEvent, error) {
	var ev models.SecurityEvent

	err := row.Scan(&ev.ID, &ev.EventType, &ev.Username, &ev.IPAddress, &ev.Metadata, &ev.CreatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &ev, nil
}

func scanSecurityEventRows(rows pgx.Rows) ([]*models.SecurityEvent, error) {
	defer rows.Close()

	events := make([]*models.SecurityEvent, 0)
	for rows.Next() {
		ev, err := scanSecurityEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security event rows: %w", err)
	}

	return events, nil
}

// Create persists a security event
func (r *SecurityEventRepository) Create(ctx context.Context, ev *models.SecurityEvent) error {
	query := `
		INSERT INTO security_events (id, event_type, username, ip_address, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query, ev.ID, ev.EventType, ev.Username, ev.IPAddress, ev.Metadata, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", database.MapPostgresError(err))
	}

	return nil
}

// List returns events matching filter, newest first
func (r *SecurityEventRepository) List(ctx context.Context, filter models.SecurityEventFilter, limit, offset int) ([]*models.SecurityEvent, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.EventType != nil {
		add("event_type = $%d", *filter.EventType)
	}
	if filter.Username != nil {
		add("username = $%d", *filter.Username)
	}
	if filter.IPAddress != nil {
		add("ip_address = $%d", *filter.IPAddress)
	}
	if filter.Since != nil {
		add("created_at >= $%d", *filter.Since)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT id, event_type, username, ip_address, metadata, created_at
		FROM security_events
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}

	return scanSecurityEventRows(rows)
}

// DeleteBefore removes events strictly older than before
func (r *SecurityEventRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM security_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup security events: %w", err)
	}

	return result.RowsAffected(), nil
}
