package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"locketwan/internal/model"
)

type sqliteUsageRepo struct {
	db *sql.DB
}

// NewSQLiteUsageRepo creates a UsageRepository on a single-node SQLite database.
func NewSQLiteUsageRepo(db *sql.DB) UsageRepository {
	return &sqliteUsageRepo{db: db}
}

func (r *sqliteUsageRepo) GetDailyUsage(ctx context.Context, userID, usageType, day string) (int, error) {
	var count int
	const q = `SELECT count FROM usage_counters WHERE user_id = ? AND usage_type = ? AND day = ?`
	err := r.db.QueryRowContext(ctx, q, userID, usageType, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s usage for user %s: %w", usageType, userID, err)
	}
	return count, nil
}

func (r *sqliteUsageRepo) IncrementDailyUsage(ctx context.Context, userID, usageType, day string) (int, error) {
	var count int
	const q = `
		INSERT INTO usage_counters (user_id, usage_type, day, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (user_id, usage_type, day)
		DO UPDATE SET count = usage_counters.count + 1
		RETURNING count
	`
	if err := r.db.QueryRowContext(ctx, q, userID, usageType, day).Scan(&count); err != nil {
		return 0, fmt.Errorf("recording %s usage for user %s: %w", usageType, userID, err)
	}
	return count, nil
}

func (r *sqliteUsageRepo) Rollover(ctx context.Context, day string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM usage_counters WHERE day <> ?`, day); err != nil {
		return fmt.Errorf("pruning usage counters before %s: %w", day, err)
	}
	return nil
}

type sqliteActivityRepo struct {
	db *sql.DB
}

// NewSQLiteActivityRepo creates an ActivityRepository on SQLite.
func NewSQLiteActivityRepo(db *sql.DB) ActivityRepository {
	return &sqliteActivityRepo{db: db}
}

func (r *sqliteActivityRepo) Append(ctx context.Context, entry model.ActivityLogEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction for activity log: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	const insertQ = `INSERT INTO usage_activity (user_id, usage_type, ts, user_agent) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertQ, entry.UserID, entry.Type, entry.Timestamp, entry.UserAgent); err != nil {
		return fmt.Errorf("appending activity for user %s: %w", entry.UserID, err)
	}
	const trimQ = `
		DELETE FROM usage_activity
		WHERE id NOT IN (SELECT id FROM usage_activity ORDER BY id DESC LIMIT ?)
	`
	if _, err := tx.ExecContext(ctx, trimQ, ActivityLogCap); err != nil {
		return fmt.Errorf("trimming activity log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing activity for user %s: %w", entry.UserID, err)
	}
	return nil
}

func (r *sqliteActivityRepo) ListSince(ctx context.Context, userID string, since int64) ([]model.ActivityLogEntry, error) {
	const q = `
		SELECT user_id, usage_type, ts, user_agent
		FROM usage_activity
		WHERE user_id = ? AND ts >= ?
		ORDER BY ts ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, q, userID, since)
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
