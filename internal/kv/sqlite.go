package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// DB is a SQLite-backed KV database shared by all actors of a process.
// Actors partition it with Namespace.
type DB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	expires_at INTEGER,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS kv_expires_at ON kv (expires_at) WHERE expires_at IS NOT NULL;
`

// Open opens (creating if necessary) the KV database at path.
// Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: create schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Namespace returns the Store view for one actor's partition.
func (d *DB) Namespace(ns string) Store {
	return &sqliteStore{db: d.db, ns: ns}
}

// DeleteExpired reaps expired entries across every namespace. Meant for a
// periodic process-wide sweeper; per-namespace reaping stays on Store.
func (d *DB) DeleteExpired(ctx context.Context) (int, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("kv: delete expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type sqliteStore struct {
	db *sql.DB
	ns string
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE namespace = ? AND key = ?`,
		s.ns, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get %s: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixMilli() {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(ttl).UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		s.ns, key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND key = ?`, s.ns, key,
	); err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv
		 WHERE namespace = ? AND key >= ? AND key < ?
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY key ASC`,
		s.ns, prefix, prefixUpperBound(prefix), time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("kv: list %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("kv: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv: list %s: %w", prefix, err)
	}
	return entries, nil
}

func (s *sqliteStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		s.ns, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("kv: delete expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// prefixUpperBound computes the smallest string greater than every string
// with the given prefix, for use as an exclusive range end. An empty prefix
// scans the whole namespace.
func prefixUpperBound(prefix string) string {
	if prefix == "" {
		return "\xff\xff\xff\xff"
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(b) + "\xff"
}
