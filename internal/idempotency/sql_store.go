package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createSQLTableSQL = `CREATE TABLE IF NOT EXISTS action_results (
	key TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	response BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
)`

// SQLStore keeps records in a database/sql database using ? placeholders.
// Times are stored as unix nanoseconds.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	store, err := NewSQLStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore ensures the table exists on db.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, createSQLTableSQL); err != nil {
		return nil, fmt.Errorf("create action_results table: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Get(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, status_code, response, created_at, expires_at FROM action_results WHERE key = ?`, key)

	var (
		rec              Record
		created, expires int64
	)
	if err := row.Scan(&rec.RunID, &rec.StatusCode, &rec.Response, &created, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.ExpiresAt = time.Unix(0, expires).UTC()

	if rec.expired(s.now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM action_results WHERE key = ?`, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &rec, nil
}

func (s *SQLStore) Save(ctx context.Context, key string, record Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO action_results (key, run_id, status_code, response, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
	run_id = excluded.run_id,
	status_code = excluded.status_code,
	response = excluded.response,
	created_at = excluded.created_at,
	expires_at = excluded.expires_at`,
		key, record.RunID, record.StatusCode, record.Response,
		record.CreatedAt.UnixNano(), record.ExpiresAt.UnixNano())
	return err
}
