package libkvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER
);
`

type sqliteManager struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteManager opens (or creates) an embedded SQLite database at path
// and prepares the key-value schema. Pass ":memory:" for a throwaway store.
func NewSQLiteManager(path string, timeout time.Duration) (Manager, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, timeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY on concurrent cache writes.
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare kv schema: %w", err)
	}
	return &sqliteManager{db: db, now: time.Now}, nil
}

func (m *sqliteManager) Executor(ctx context.Context) (KV, error) {
	if m.db == nil {
		return nil, ErrManagerClosed
	}
	return m, nil
}

func (m *sqliteManager) Close() error {
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

func (m *sqliteManager) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullInt64
	row := m.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv_entries WHERE key = ?`, key)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if m.isExpired(expiresAt) {
		_, _ = m.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
		return nil, ErrNotFound
	}
	return value, nil
}

func (m *sqliteManager) Set(ctx context.Context, key string, value []byte) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = NULL`,
		key, value)
	return err
}

func (m *sqliteManager) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := m.now().Add(ttl).UnixMilli()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	return err
}

func (m *sqliteManager) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *sqliteManager) Delete(ctx context.Context, key string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
	return err
}

func (m *sqliteManager) Keys(ctx context.Context, pattern string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT key, expires_at FROM kv_entries WHERE key LIKE ? ESCAPE '\'`,
		globToLike(pattern))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		var expiresAt sql.NullInt64
		if err := rows.Scan(&key, &expiresAt); err != nil {
			return nil, err
		}
		if m.isExpired(expiresAt) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (m *sqliteManager) isExpired(expiresAt sql.NullInt64) bool {
	return expiresAt.Valid && m.now().UnixMilli() > expiresAt.Int64
}

// globToLike rewrites the redis-style patterns used by KV.Keys into SQL
// LIKE patterns.
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
