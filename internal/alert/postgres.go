package alert

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository handles usage_alerts PostgreSQL operations.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new alert PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Insert persists a single alert.
func (r *PostgresRepository) Insert(ctx context.Context, a *Alert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO usage_alerts (id, service, alert_type, current_usage, usage_limit, percentage, delivered, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Service, string(a.Type), a.CurrentUsage, a.Limit, a.Percentage, a.Delivered, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

// List returns the most recent alerts, optionally for one service.
func (r *PostgresRepository) List(ctx context.Context, params ListParams) ([]Alert, error) {
	params = params.normalized()

	query := `SELECT id, service, alert_type, current_usage, usage_limit, percentage, delivered, created_at
		 FROM usage_alerts`
	args := []any{}
	if params.Service != "" {
		query += ` WHERE service = $1`
		args = append(args, params.Service)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, params.Limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	alerts := []Alert{}
	for rows.Next() {
		var a Alert
		var typ string
		if err := rows.Scan(&a.ID, &a.Service, &typ, &a.CurrentUsage, &a.Limit,
			&a.Percentage, &a.Delivered, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		a.Type = Type(typ)
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alerts: %w", err)
	}
	return alerts, nil
}
