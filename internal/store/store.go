// Package store is the local on-device record store.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode).
// Records of every entity type share one table keyed by (entity, id); the
// wire-shape JSON is kept verbatim in the payload column and the columns the
// sync engine queries on (dealer, natural key, timestamps) are kept beside it.
//
// The store only ever holds live records. Tombstones coming from the remote
// side are applied as hard deletes by the merge engine.
//
// Layout:
//   - records: one row per record, payload is JSON
//   - sync_state: per-dealer key/value bookkeeping (watermark, first sync)
//   - sync_queue: owned by package queue, created in the same file
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a record does not exist for the dealer.
var ErrNotFound = errors.New("record not found")

// querier is the subset of *sql.DB and *sql.Tx the record operations need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the SQLite connection. Record operations are promoted from
// ops and run outside any explicit transaction.
type Store struct {
	ops
	conn *sql.DB
	path string
}

// Tx is a store transaction. It exposes the same record operations as Store.
type Tx struct {
	ops
}

// Open creates or opens the database at path.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	st, err := store.Open(".dealersync/local.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = "file:" + path
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One writer at a time; WAL keeps readers going during merges.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	st := &Store{
		ops:  ops{q: conn},
		conn: conn,
		path: path,
	}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return st, nil
}

// RawDB returns the underlying connection. The offline queue keeps its table
// in the same database file through it.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the DSN the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		entity TEXT NOT NULL,
		id TEXT NOT NULL,
		dealer_id TEXT NOT NULL,
		natural_key TEXT,
		created_at TEXT,
		updated_at TEXT NOT NULL,
		payload TEXT NOT NULL,  -- wire-shape JSON
		PRIMARY KEY (entity, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_dealer
	    ON records(dealer_id, entity);
	CREATE INDEX IF NOT EXISTS idx_records_natural
	    ON records(dealer_id, entity, natural_key) WHERE natural_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS sync_state (
		dealer_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (dealer_id, key)
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// WithTx runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{ops: ops{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
