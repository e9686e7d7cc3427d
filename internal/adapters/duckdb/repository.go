package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               VARCHAR PRIMARY KEY,
	fingerprint      VARCHAR NOT NULL,
	status           VARCHAR NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	expires_at       TIMESTAMP NOT NULL,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	request          VARCHAR NOT NULL,
	progress         VARCHAR,
	result           VARCHAR,
	error            VARCHAR
);
CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs (fingerprint);

CREATE TABLE IF NOT EXISTS settings (
	key   VARCHAR PRIMARY KEY,
	value VARCHAR NOT NULL
);
`

// Repository is the DuckDB-backed Result Store. One instance is opened at
// process start and closed at shutdown; it is safe for concurrent use.
type Repository struct {
	db  *sql.DB
	ttl time.Duration
}

// New opens (or creates) the database at path and initializes the schema.
// An empty path opens an in-memory database, used by tests. ttl bounds how
// long terminal job records survive before the purge pass removes them.
func New(path string, ttl time.Duration) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Repository{db: db, ttl: ttl}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// GetSetting returns a settings value, or sql.ErrNoRows when unset.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

func (r *Repository) SaveSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
