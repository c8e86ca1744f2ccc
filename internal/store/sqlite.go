package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteKV implements KV using SQLite.
type SQLiteKV struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed key-value store.
func NewSQLite(dbPath string) (*SQLiteKV, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers while a write is in flight.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	kv := &SQLiteKV{db: db}
	if err := kv.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return kv, nil
}

func (s *SQLiteKV) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv_entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		revision INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kv_set_members (
		key TEXT NOT NULL,
		member TEXT NOT NULL,
		added_at INTEGER NOT NULL,
		PRIMARY KEY (key, member)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_set_members_added ON kv_set_members(key, added_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteKV) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteKV) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Get returns the entry stored under key.
func (s *SQLiteKV) Get(ctx context.Context, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value, revision FROM kv_entries WHERE key = ?`, key)

	entry := Entry{Key: key}
	err := row.Scan(&entry.Value, &entry.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scan entry %s: %w", key, err)
	}
	return entry, nil
}

// Put writes value under key, honouring expectedRevision.
func (s *SQLiteKV) Put(ctx context.Context, key string, value []byte, expectedRevision int64) (int64, error) {
	now := time.Now().UnixMilli()

	switch {
	case expectedRevision == AnyRevision:
		query := `
		INSERT INTO kv_entries (key, value, revision, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			revision = kv_entries.revision + 1,
			updated_at = excluded.updated_at
		RETURNING revision`
		var rev int64
		if err := s.db.QueryRowContext(ctx, query, key, value, now).Scan(&rev); err != nil {
			return 0, fmt.Errorf("put %s: %w", key, err)
		}
		return rev, nil

	case expectedRevision == 0:
		query := `
		INSERT INTO kv_entries (key, value, revision, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO NOTHING`
		result, err := s.db.ExecContext(ctx, query, key, value, now)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", key, err)
		}
		if err := requireOneRow(result); err != nil {
			return 0, err
		}
		return 1, nil

	case expectedRevision > 0:
		query := `
		UPDATE kv_entries SET value = ?, revision = revision + 1, updated_at = ?
		WHERE key = ? AND revision = ?`
		result, err := s.db.ExecContext(ctx, query, value, now, key, expectedRevision)
		if err != nil {
			return 0, fmt.Errorf("update %s: %w", key, err)
		}
		if err := requireOneRow(result); err != nil {
			return 0, err
		}
		return expectedRevision + 1, nil

	default:
		return 0, fmt.Errorf("put %s: invalid expected revision %d", key, expectedRevision)
	}
}

func requireOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRevisionMismatch
	}
	return nil
}

// Delete removes key.
func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// SAdd adds member to the set under key.
func (s *SQLiteKV) SAdd(ctx context.Context, key, member string) error {
	query := `INSERT INTO kv_set_members (key, member, added_at) VALUES (?, ?, ?) ON CONFLICT(key, member) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, key, member, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes member from the set under key.
func (s *SQLiteKV) SRem(ctx context.Context, key, member string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_set_members WHERE key = ? AND member = ?`, key, member); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// SIsMember reports whether member belongs to the set under key.
func (s *SQLiteKV) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM kv_set_members WHERE key = ? AND member = ?`, key, member).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return true, nil
}

// SMembers returns the members of the set under key.
func (s *SQLiteKV) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member FROM kv_set_members WHERE key = ? ORDER BY added_at, member`, key)
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close set member rows", "error", closeErr)
		}
	}()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan set member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate set members: %w", err)
	}
	return members, nil
}
