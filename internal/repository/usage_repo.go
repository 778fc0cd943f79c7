package repository

import (
	"context"
	"errors"
	"fmt"

	"locketwan/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ActivityLogCap is the number of most recent activity entries kept.
const ActivityLogCap = 50

// UsageRepository tracks per-user daily counters. day is a "YYYY-MM-DD" UTC key.
type UsageRepository interface {
	// GetDailyUsage returns the count for the key, zero when absent.
	GetDailyUsage(ctx context.Context, userID, usageType, day string) (int, error)
	// IncrementDailyUsage atomically adds one and returns the new count.
	IncrementDailyUsage(ctx context.Context, userID, usageType, day string) (int, error)
	// Rollover prunes counters of any day other than the given one.
	Rollover(ctx context.Context, day string) error
}

// ActivityRepository stores the global capped activity log.
type ActivityRepository interface {
	Append(ctx context.Context, entry model.ActivityLogEntry) error
	// ListSince returns the user's entries with timestamp >= since, oldest first.
	ListSince(ctx context.Context, userID string, since int64) ([]model.ActivityLogEntry, error)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS usage_counters (
	user_id    TEXT    NOT NULL,
	usage_type TEXT    NOT NULL,
	day        TEXT    NOT NULL,
	count      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, usage_type, day)
);
CREATE TABLE IF NOT EXISTS usage_activity (
	id         BIGSERIAL PRIMARY KEY,
	user_id    TEXT   NOT NULL,
	usage_type TEXT   NOT NULL,
	ts         BIGINT NOT NULL,
	user_agent TEXT   NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS usage_activity_user_ts ON usage_activity (user_id, ts);
`

type usageRepo struct {
	pool *pgxpool.Pool
}

// NewUsageRepo creates a Postgres-backed UsageRepository.
func NewUsageRepo(pool *pgxpool.Pool) UsageRepository {
	return &usageRepo{pool: pool}
}

// EnsurePostgresSchema creates the usage tables when missing.
func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating usage schema: %w", err)
	}
	return nil
}

func (r *usageRepo) GetDailyUsage(ctx context.Context, userID, usageType, day string) (int, error) {
	var count int
	const q = `SELECT count FROM usage_counters WHERE user_id = $1 AND usage_type = $2 AND day = $3`
	err := r.pool.QueryRow(ctx, q, userID, usageType, day).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s usage for user %s: %w", usageType, userID, err)
	}
	return count, nil
}

func (r *usageRepo) IncrementDailyUsage(ctx context.Context, userID, usageType, day string) (int, error) {
	var count int
	const q = `
		INSERT INTO usage_counters (user_id, usage_type, day, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (user_id, usage_type, day)
		DO UPDATE SET count = usage_counters.count + 1
		RETURNING count
	`
	if err := r.pool.QueryRow(ctx, q, userID, usageType, day).Scan(&count); err != nil {
		return 0, fmt.Errorf("recording %s usage for user %s: %w", usageType, userID, err)
	}
	return count, nil
}

func (r *usageRepo) Rollover(ctx context.Context, day string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM usage_counters WHERE day <> $1`, day); err != nil {
		return fmt.Errorf("pruning usage counters before %s: %w", day, err)
	}
	return nil
}

type activityRepo struct {
	pool *pgxpool.Pool
}

// NewActivityRepo creates a Postgres-backed ActivityRepository.
func NewActivityRepo(pool *pgxpool.Pool) ActivityRepository {
	return &activityRepo{pool: pool}
}

// Append inserts the entry and trims the log to ActivityLogCap rows in one transaction.
func (r *activityRepo) Append(ctx context.Context, entry model.ActivityLogEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("starting transaction for activity log: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	const insertQ = `INSERT INTO usage_activity (user_id, usage_type, ts, user_agent) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, insertQ, entry.UserID, entry.Type, entry.Timestamp, entry.UserAgent); err != nil {
		return fmt.Errorf("appending activity for user %s: %w", entry.UserID, err)
	}
	const trimQ = `
		DELETE FROM usage_activity
		WHERE id NOT IN (SELECT id FROM usage_activity ORDER BY id DESC LIMIT $1)
	`
	if _, err := tx.Exec(ctx, trimQ, ActivityLogCap); err != nil {
		return fmt.Errorf("trimming activity log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing activity for user %s: %w", entry.UserID, err)
	}
	return nil
}

func (r *activityRepo) ListSince(ctx context.Context, userID string, since int64) ([]model.ActivityLogEntry, error) {
	const q = `
		SELECT user_id, usage_type, ts, user_agent
		FROM usage_activity
		WHERE user_id = $1 AND ts >= $2
		ORDER BY ts ASC, id ASC
	`
	rows, err := r.pool.Query(ctx, q, userID, since)
	if err != nil {
		return nil, fmt.Errorf("listing activity for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []model.ActivityLogEntry
	for rows.Next() {
		var e model.ActivityLogEntry
		if err := rows.Scan(&e.UserID, &e.Type, &e.Timestamp, &e.UserAgent); err != nil {
			return nil, fmt.Errorf("scanning activity row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
