// Package storage persists routing state in SQLite: versioned raw and
// normalized snapshots, current-state tables and schema metadata.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaSQL is the built-in schema definition.
//
//go:embed schema.sql
var SchemaSQL string

// TimeLayout formats versions and timestamps: UTC with microseconds, so
// lexicographic order is chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Querier is the subset of *sql.DB and *sql.Tx used by the writers, so the
// same code runs inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a SQLite database connection.
type DB struct {
	db *sql.DB
}

// OpenDB opens or creates a SQLite database at the given path. No tables
// are created; see ApplySchema and EnsureCurrentTables.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// SQL exposes the underlying handle for read-only queries.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// LoadSchema returns the schema definition at path, or the built-in one
// when path is empty.
func LoadSchema(path string) (string, error) {
	if path == "" {
		return SchemaSQL, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading schema %s: %w", path, err)
	}
	return string(data), nil
}

// ApplySchema executes a schema script.
func ApplySchema(ctx context.Context, q Querier, ddl string) error {
	if _, err := q.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// SchemaHash computes a SHA256 hash of the schema file at path, or of the
// built-in schema when path is empty.
func SchemaHash(path string) (string, error) {
	if path == "" {
		h := sha256.Sum256([]byte(SchemaSQL))
		return hex.EncodeToString(h[:]), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening schema: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading schema: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// TableExists reports whether a table or view named name exists.
func TableExists(ctx context.Context, q Querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?`,
		name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return n > 0, nil
}

// TablesExist reports whether every named table exists.
func TablesExist(ctx context.Context, q Querier, names ...string) (bool, error) {
	for _, name := range names {
		ok, err := TableExists(ctx, q, name)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
