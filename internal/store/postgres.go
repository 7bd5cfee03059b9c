package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `service, period, current_usage, status, last_updated, last_warning_date, stopped_at`

// PostgresStore keeps usage records in the usage_records table. Increments
// are a single upsert so concurrent instances never lose updates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store. The schema is created
// by the migrations under migrations/.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r      Record
		status string
	)
	if err := row.Scan(&r.Service, &r.Period, &r.CurrentUsage, &status,
		&r.LastUpdated, &r.LastWarningDate, &r.StoppedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	return &r, nil
}

// Get returns the record for key or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, key Key) (*Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM usage_records WHERE service = $1 AND period = $2`,
		key.Service, key.Period))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching usage record %s: %w", key, err)
	}
	return rec, nil
}

// Increment upserts the record and adds amount in one statement.
func (s *PostgresStore) Increment(ctx context.Context, key Key, amount float64, now time.Time) (*Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`INSERT INTO usage_records (service, period, current_usage, status, last_updated)
		 VALUES ($1, $2, $3, 'active', $4)
		 ON CONFLICT (service, period) DO UPDATE
		 SET current_usage = usage_records.current_usage + EXCLUDED.current_usage,
		     last_updated = EXCLUDED.last_updated
		 RETURNING `+recordColumns,
		key.Service, key.Period, amount, now.UTC()))
	if err != nil {
		return nil, fmt.Errorf("incrementing usage record %s: %w", key, err)
	}
	return rec, nil
}

// Escalate moves status forward; the rank comparison happens in the WHERE
// clause so only one concurrent caller can win the transition.
func (s *PostgresStore) Escalate(ctx context.Context, key Key, status Status, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE usage_records
		 SET status = $3::text,
		     stopped_at = CASE WHEN $3::text = 'stopped' THEN COALESCE(stopped_at, $4) ELSE stopped_at END
		 WHERE service = $1 AND period = $2
		   AND (CASE status WHEN 'warning' THEN 1 WHEN 'stopped' THEN 2 ELSE 0 END) < $5`,
		key.Service, key.Period, string(status), now.UTC(), status.Rank())
	if err != nil {
		return false, fmt.Errorf("escalating usage record %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimWarning sets last_warning_date to day unless it already equals day.
func (s *PostgresStore) ClaimWarning(ctx context.Context, key Key, day string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE usage_records
		 SET last_warning_date = $3
		 WHERE service = $1 AND period = $2 AND last_warning_date IS DISTINCT FROM $3`,
		key.Service, key.Period, day)
	if err != nil {
		return false, fmt.Errorf("claiming warning for %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListPeriod returns every record for period ordered by service.
func (s *PostgresStore) ListPeriod(ctx context.Context, period string) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM usage_records WHERE period = $1 ORDER BY service`, period)
	if err != nil {
		return nil, fmt.Errorf("listing usage records for %s: %w", period, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning usage record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage records: %w", err)
	}
	return out, nil
}

// PutArchive upserts a closed-period record into usage_archive.
func (s *PostgresStore) PutArchive(ctx context.Context, rec *ArchiveRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_archive (`+recordColumns+`, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (service, period) DO UPDATE
		 SET current_usage = EXCLUDED.current_usage,
		     status = EXCLUDED.status,
		     last_updated = EXCLUDED.last_updated,
		     last_warning_date = EXCLUDED.last_warning_date,
		     stopped_at = EXCLUDED.stopped_at,
		     archived_at = EXCLUDED.archived_at`,
		rec.Service, rec.Period, rec.CurrentUsage, string(rec.Status),
		rec.LastUpdated, rec.LastWarningDate, rec.StoppedAt, rec.ArchivedAt)
	if err != nil {
		return fmt.Errorf("archiving usage record %s: %w", rec.Key(), err)
	}
	return nil
}

// GetArchive returns the archived record or ErrNotFound.
func (s *PostgresStore) GetArchive(ctx context.Context, key Key) (*ArchiveRecord, error) {
	var (
		a      ArchiveRecord
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+`, archived_at FROM usage_archive WHERE service = $1 AND period = $2`,
		key.Service, key.Period,
	).Scan(&a.Service, &a.Period, &a.CurrentUsage, &status,
		&a.LastUpdated, &a.LastWarningDate, &a.StoppedAt, &a.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching archive %s: %w", key, err)
	}
	a.Status = Status(status)
	return &a, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}
