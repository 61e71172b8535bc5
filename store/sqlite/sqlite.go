// Package sqlite provides a SQLite-backed store.Storage.
//
// The pure-Go modernc.org/sqlite driver is registered by this package under
// the name "sqlite". Any other database/sql SQLite driver can be selected
// with WithDriver, provided the caller imports it.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"

	"github.com/meigma/offline/store"
)

// DefaultDriver is the database/sql driver name used when none is configured.
const DefaultDriver = "sqlite"

//go:embed schema.sql
var schema string

type config struct {
	driver      string
	busyTimeout time.Duration
}

// Option configures a Storage.
type Option func(*config)

// WithDriver selects the database/sql driver name, e.g. "sqlite3" for
// github.com/mattn/go-sqlite3.
func WithDriver(name string) Option {
	return func(c *config) {
		c.driver = name
	}
}

// WithBusyTimeout sets how long a connection waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *config) {
		c.busyTimeout = d
	}
}

// Storage persists cache stores in a SQLite database.
type Storage struct {
	sqlDB *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cfg := config{driver: DefaultDriver, busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	sqlDB, err := sql.Open(cfg.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.busyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Storage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Open returns the named store, creating it if absent.
func (s *Storage) Open(ctx context.Context, name string) (store.Store, error) {
	if !store.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidName, name)
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)`,
		name, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create cache %q: %w", name, err)
	}
	return &Store{sqlDB: s.sqlDB, name: name}, nil
}

// Delete removes the named store and its entries.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE cache = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %q: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

// Keys lists store names in creation order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM caches ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Store is one cache inside a SQLite Storage.
type Store struct {
	sqlDB *sql.DB
	name  string
}

// Match returns the response stored under key.
func (s *Store) Match(ctx context.Context, key string) (*store.Response, bool) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT status, header, body, digest, stored_at FROM entries WHERE cache = ? AND url = ?`,
		s.name, key)

	var (
		status   int
		header   string
		body     []byte
		dgst     string
		storedAt int64
	)
	if err := row.Scan(&status, &header, &body, &dgst, &storedAt); err != nil {
		return nil, false
	}
	resp := &store.Response{
		URL:      key,
		Status:   status,
		Body:     body,
		Digest:   digest.Digest(dgst),
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, false
	}
	if err := resp.Verify(); err != nil {
		_ = s.Delete(ctx, key)
		return nil, false
	}
	return resp, true
}

// Put stores resp under key, replacing any previous entry.
func (s *Store) Put(ctx context.Context, key string, resp *store.Response) error {
	entry := resp.Clone()
	entry.Seal(time.Now())
	header := entry.Header
	if header == nil {
		header = http.Header{}
	}
	rawHeader, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO entries (cache, url, status, header, body, digest, stored_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (cache, url) DO UPDATE SET
    status = excluded.status,
    header = excluded.header,
    body = excluded.body,
    digest = excluded.digest,
    stored_at = excluded.stored_at`,
		s.name, key, entry.Status, string(rawHeader), body, entry.Digest.String(), entry.StoredAt.UnixMilli())
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("put %q: cache %q no longer exists: %w", key, s.name, err)
		}
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM entries WHERE cache = ? AND url = ?`, s.name, key)
	return err
}

// Keys lists the stored keys in lexical order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT url FROM entries WHERE cache = ? ORDER BY url`, s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func isConstraint(err error) bool {
	var target interface{ Code() int }
	if errors.As(err, &target) {
		// SQLITE_CONSTRAINT and its extended codes share the low byte 19.
		return target.Code()&0xff == 19
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
