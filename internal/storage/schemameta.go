package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// SchemaMeta is one recorded schema application.
type SchemaMeta struct {
	Version    string `json:"version"`
	SchemaHash string `json:"schema_hash"`
	AppliedAt  string `json:"applied_at"`
	AppliedBy  string `json:"applied_by"`
	SchemaPath string `json:"schema_path"`
}

const schemaMetaLatestView = `
	CREATE VIEW IF NOT EXISTS schema_meta_latest AS
		SELECT version, schema_hash, applied_at, applied_by, schema_path
		FROM schema_meta
		ORDER BY applied_at DESC, version DESC
`

// InsertSchemaMeta records which schema definition was in force for a
// version. It returns false, with a warning, when schema_meta is absent.
func InsertSchemaMeta(ctx context.Context, q Querier, log *slog.Logger, meta SchemaMeta) (bool, error) {
	ok, err := TableExists(ctx, q, "schema_meta")
	if err != nil {
		return false, err
	}
	if !ok {
		log.Warn("schema_meta table not found; skip", "event", "schema_meta.missing", "version", meta.Version)
		return false, nil
	}

	if meta.SchemaHash == "" {
		hash, err := SchemaHash(meta.SchemaPath)
		if err != nil {
			return false, err
		}
		meta.SchemaHash = hash
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO schema_meta (version, schema_hash, applied_at, applied_by, schema_path) VALUES (?, ?, ?, ?, ?)`,
		meta.Version, meta.SchemaHash, meta.AppliedAt, meta.AppliedBy, meta.SchemaPath,
	)
	if err != nil {
		return false, fmt.Errorf("inserting schema_meta: %w", err)
	}
	return true, nil
}

// EnsureSchemaMetaView creates the schema_meta_latest view when
// schema_meta exists.
func EnsureSchemaMetaView(ctx context.Context, q Querier) error {
	ok, err := TableExists(ctx, q, "schema_meta")
	if err != nil || !ok {
		return err
	}
	if _, err := q.ExecContext(ctx, schemaMetaLatestView); err != nil {
		return fmt.Errorf("creating schema_meta_latest: %w", err)
	}
	return nil
}

// LatestSchemaMeta returns the most recent schema application, or nil when
// none is recorded.
func LatestSchemaMeta(ctx context.Context, q Querier) (*SchemaMeta, error) {
	ok, err := TableExists(ctx, q, "schema_meta_latest")
	if err != nil || !ok {
		return nil, err
	}

	var m SchemaMeta
	err = q.QueryRowContext(ctx,
		`SELECT version, schema_hash, applied_at, applied_by, schema_path FROM schema_meta_latest LIMIT 1`,
	).Scan(&m.Version, &m.SchemaHash, &m.AppliedAt, &m.AppliedBy, &m.SchemaPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading schema_meta_latest: %w", err)
	}
	return &m, nil
}
