// Package ledger implements the append-only call log that is the single
// source of truth for session, cursor, and budget state. Every attempted
// remote call writes exactly one row; sessions are superseded by new rows,
// never updated; all derived state is recomputed by querying this log.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "gs-v1-2026-08-call-ledger"
)

// Driver selects the durable backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite3"
	DriverPostgres Driver = "postgres"
)

// Options configures Open.
type Options struct {
	Driver Driver
	// DSN is the lib/pq connection string for DriverPostgres, or the
	// database file path for DriverSQLite (":memory:" allowed).
	DSN string
}

type Store struct {
	db     *sql.DB
	driver Driver
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gosky", "gosky.db")
}

// OpenSQLite opens a SQLite-backed store at path.
func OpenSQLite(path string) (*Store, error) {
	return Open(Options{Driver: DriverSQLite, DSN: path})
}

func Open(opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var db *sql.DB
	var err error
	switch driver {
	case DriverSQLite:
		path := opts.DSN
		if path == "" {
			path = DefaultDBPath()
		}
		if path != ":memory:" {
			if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
				return nil, fmt.Errorf("create db directory: %w", mkErr)
			}
		}
		dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite3: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DriverPostgres:
		db, err = sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}

	store := &Store{db: db, driver: driver}
	if driver == DriverSQLite {
		if err := store.configurePragmas(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Driver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders to $n for the postgres backend.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func (s *Store) retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if s.driver != DriverSQLite || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "DATETIME"
	boolean := "INTEGER"
	if s.driver == DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
		boolean = "BOOLEAN"
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`, ts)); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, s.q(`SELECT checksum FROM schema_migrations WHERE version = ?;`), schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS api_call_log (
			id %s,
			created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP,
			identity TEXT NOT NULL,
			hostname TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			scope_key TEXT NOT NULL DEFAULT '',
			cursor_passed TEXT,
			cursor_received TEXT,
			params TEXT,
			outcome TEXT NOT NULL CHECK(outcome IN ('success', 'transport_error', 'auth_expired', 'client_error')),
			http_status INTEGER,
			error_class TEXT,
			error_text TEXT,
			error_body TEXT,
			response_keys TEXT,
			cost INTEGER NOT NULL DEFAULT 0,
			session_refreshed %s NOT NULL DEFAULT %s,
			duration_us BIGINT NOT NULL DEFAULT 0
		);`, pk, ts, boolean, falseLiteral(s.driver)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS bsky_session (
			id %s,
			identity TEXT NOT NULL,
			did TEXT NOT NULL DEFAULT '',
			access_jwt TEXT NOT NULL,
			refresh_jwt TEXT NOT NULL,
			method TEXT NOT NULL CHECK(method IN ('create', 'refresh')),
			established_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`, pk, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS bsky_user_profile (
			id %s,
			did TEXT NOT NULL UNIQUE,
			handle TEXT NOT NULL UNIQUE,
			display_name TEXT,
			fetched_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`, pk, ts),
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_call_log_cursor ON api_call_log (endpoint, identity, scope_key, id);`,
		`CREATE INDEX IF NOT EXISTS idx_call_log_budget ON api_call_log (identity, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_session_identity ON bsky_session (identity, id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`), schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func falseLiteral(d Driver) string {
	if d == DriverPostgres {
		return "FALSE"
	}
	return "0"
}
