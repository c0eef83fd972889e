package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteProvider is a durable, on-disk Provider keyed by the composite
// primary key (namespace, key), one table shared across all namespaces.
type SQLiteProvider struct {
	db *sql.DB
}

// OpenSQLiteProvider opens (creating if absent) the SQLite database at path
// and ensures the storage table exists.
func OpenSQLiteProvider(path string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite storage: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS storage (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     BLOB NOT NULL,
	PRIMARY KEY (namespace, key)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite storage: %w", err)
	}
	return &SQLiteProvider{db: db}, nil
}

func (s *SQLiteProvider) Close() error { return s.db.Close() }

func (s *SQLiteProvider) Insert(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO storage (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	if err != nil {
		return fmt.Errorf("storage insert: %w", err)
	}
	return nil
}

func (s *SQLiteProvider) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM storage WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage get: %w", err)
	}
	return value, nil
}

func (s *SQLiteProvider) Delete(ctx context.Context, namespace, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM storage WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("storage delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage delete rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteProvider) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM storage WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("storage list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage list keys scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteProvider) FetchAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM storage WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("storage fetch all: %w", err)
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("storage fetch all scan: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLiteProvider) IsPersistent() bool { return true }
