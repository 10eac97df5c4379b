// Package sqlite implements the wicket event store backed by a SQLite
// database. It keeps the durable login/logout history and the per-user data
// usage samples that the admin LOGINLOG, USAGE and USAGELOG commands read.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"database/sql"
)

// LoginEvent is one row of the login/logout history.
type LoginEvent struct {
	At     time.Time
	User   string
	Device string
	Event  string
}

// UsageSample is one recorded usage delta for a user.
type UsageSample struct {
	At    time.Time
	User  string
	Bytes int64
}

// UserTotal is an aggregated usage total for a user.
type UserTotal struct {
	User  string
	Bytes int64
}

// Store wraps a SQLite database connection for all wicket persistence.
type Store struct {
	db *sql.DB
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS login_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TIMESTAMP NOT NULL,
			user TEXT NOT NULL,
			device TEXT NOT NULL,
			event TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_login_events_at ON login_events(at)`,
		`CREATE TABLE IF NOT EXISTS usage_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TIMESTAMP NOT NULL,
			user TEXT NOT NULL,
			bytes INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_samples_user_at ON usage_samples(user, at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// RecordLoginEvent appends one login/logout event.
func (s *Store) RecordLoginEvent(ctx context.Context, user, device, event string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO login_events(at, user, device, event)
VALUES(?, ?, ?, ?)`, time.Now().UTC(), user, device, event)
	return err
}

// LoginEvents returns up to limit most recent events in chronological order.
func (s *Store) LoginEvents(ctx context.Context, limit int) ([]LoginEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT at, user, device, event
FROM (SELECT id, at, user, device, event FROM login_events ORDER BY id DESC LIMIT ?)
ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []LoginEvent
	for rows.Next() {
		var e LoginEvent
		if err := rows.Scan(&e.At, &e.User, &e.Device, &e.Event); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordUsage appends one usage sample. Zero-byte samples are skipped.
func (s *Store) RecordUsage(ctx context.Context, user string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_samples(at, user, bytes)
VALUES(?, ?, ?)`, time.Now().UTC(), user, bytes)
	return err
}

// UsageSince returns up to limit most recent samples at or after since, in
// chronological order.
func (s *Store) UsageSince(ctx context.Context, since time.Time, limit int) ([]UsageSample, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT at, user, bytes
FROM (SELECT id, at, user, bytes FROM usage_samples WHERE at >= ? ORDER BY id DESC LIMIT ?)
ORDER BY id ASC`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []UsageSample
	for rows.Next() {
		var u UsageSample
		if err := rows.Scan(&u.At, &u.User, &u.Bytes); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UsageTotals aggregates all recorded samples per user, largest first.
func (s *Store) UsageTotals(ctx context.Context) ([]UserTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user, SUM(bytes)
FROM usage_samples
GROUP BY user
ORDER BY SUM(bytes) DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []UserTotal
	for rows.Next() {
		var t UserTotal
		if err := rows.Scan(&t.User, &t.Bytes); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
