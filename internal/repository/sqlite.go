package repository

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens a modernc.org/sqlite database. A single connection is used so
// writers never race each other and in-memory databases stay shared.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite %s: %w", dsn, err)
	}
	return db, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS usage_counters (
	user_id    TEXT    NOT NULL,
	usage_type TEXT    NOT NULL,
	day        TEXT    NOT NULL,
	count      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, usage_type, day)
);
CREATE TABLE IF NOT EXISTS usage_activity (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT    NOT NULL,
	usage_type TEXT    NOT NULL,
	ts         INTEGER NOT NULL,
	user_agent TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS usage_activity_user_ts ON usage_activity (user_id, ts);
`

// EnsureSQLiteSchema creates the usage tables when missing.
func EnsureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("creating usage schema: %w", err)
	}
	return nil
}
