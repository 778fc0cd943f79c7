package uploadqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"locketwan/internal/model"
	"locketwan/internal/repository"
)

// ErrNotFound is returned by Store.Get for unknown ids.
var ErrNotFound = errors.New("queue item not found")

// Store is the durable side of the queue. List returns items in insertion order.
type Store interface {
	List(ctx context.Context) ([]model.QueueItem, error)
	Get(ctx context.Context, id string) (*model.QueueItem, error)
	Insert(ctx context.Context, item model.QueueItem) error
	Update(ctx context.Context, item model.QueueItem) error
	Delete(ctx context.Context, id string) error
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS upload_queue (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT    NOT NULL UNIQUE,
	created_at    INTEGER NOT NULL,
	payload       TEXT    NOT NULL,
	overlay       TEXT,
	options       TEXT,
	spool_path    TEXT    NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT    NOT NULL DEFAULT ''
);
`

type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens the queue database at dsn and creates the table when missing.
func OpenSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := repository.OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, queueSchema); err != nil {
		return nil, fmt.Errorf("creating upload_queue: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectItem = `SELECT id, created_at, payload, overlay, options, spool_path, attempt_count, next_retry_at, last_error FROM upload_queue`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.QueueItem, error) {
	var (
		item             model.QueueItem
		payload          string
		overlay, options sql.NullString
	)
	if err := row.Scan(&item.ID, &item.Timestamp, &payload, &overlay, &options, &item.SpoolPath, &item.AttemptCount, &item.NextRetryAt, &item.LastError); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload of %s: %w", item.ID, err)
	}
	item.Payload.Overlay = rawFromColumn(overlay)
	item.Payload.Options = rawFromColumn(options)
	return &item, nil
}

// Overlay and options are kept byte for byte in their own columns; marshalling
// them inside the payload would compact and escape them. NULL means nil.
func rawColumn(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawFromColumn(col sql.NullString) json.RawMessage {
	if !col.Valid {
		return nil
	}
	raw := make(json.RawMessage, len(col.String))
	copy(raw, col.String)
	return raw
}

func (s *SQLiteStore) List(ctx context.Context) ([]model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, selectItem+` ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("listing upload queue: %w", err)
	}
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing upload queue: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.QueueItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, selectItem+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading queue item %s: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, item model.QueueItem) error {
	rest := item.Payload
	rest.Overlay, rest.Options = nil, nil
	payload, err := json.Marshal(rest)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upload_queue (id, created_at, payload, overlay, options, spool_path, attempt_count, next_retry_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Timestamp, string(payload), rawColumn(item.Payload.Overlay), rawColumn(item.Payload.Options),
		item.SpoolPath, item.AttemptCount, item.NextRetryAt, item.LastError)
	if err != nil {
		return fmt.Errorf("inserting queue item %s: %w", item.ID, err)
	}
	return nil
}

// Update persists the retry state of an item. The payload is never rewritten.
func (s *SQLiteStore) Update(ctx context.Context, item model.QueueItem) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upload_queue SET attempt_count = ?, next_retry_at = ?, last_error = ?
		WHERE id = ?`,
		item.AttemptCount, item.NextRetryAt, item.LastError, item.ID)
	if err != nil {
		return fmt.Errorf("updating queue item %s: %w", item.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting queue item %s: %w", id, err)
	}
	return nil
}
