package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aiops-lab/cmdb/internal/alias"
	"github.com/aiops-lab/cmdb/internal/logging"
)

// preflight checks the environment before anything is collected and
// returns the alias table to parse with. Missing alias files and tokens
// only warn.
func (p *Pipeline) preflight(ctx context.Context, opts Options) (alias.Table, error) {
	log := logging.Step(p.log, "preflight", "db_path")
	if opts.DBPath == "" {
		log.Error("DB path is empty", "event", "db.path.empty")
		return nil, fmt.Errorf("%w: db path is empty", ErrPreflight)
	}
	dir := filepath.Dir(opts.DBPath)
	if err := checkWritableDir(dir); err != nil {
		log.Error("DB directory check failed", "event", "db.dir.fail", "path", dir, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPreflight, err)
	}

	if opts.SchemaSQL != "" {
		log := logging.Step(p.log, "preflight", "schema")
		f, err := os.Open(opts.SchemaSQL)
		if err != nil {
			log.Error("schema_sql not readable", "event", "schema_sql.missing", "path", opts.SchemaSQL, "error", err)
			return nil, fmt.Errorf("%w: schema_sql: %w", ErrPreflight, err)
		}
		f.Close()
		log.Info("schema_sql found", "event", "schema_sql.found", "path", opts.SchemaSQL)
	}

	if hc, ok := p.cfg.Source.(HealthChecker); ok {
		log := logging.Step(p.log, "preflight", "mcp_health")
		base, err := hc.Health(ctx)
		if err != nil {
			log.Error("MCP health check failed", "event", "mcp.health.fail", "error", err)
			return nil, fmt.Errorf("%w: %w", ErrPreflight, err)
		}
		log.Info("MCP health OK", "event", "mcp.health", "base", base)
	}

	aliasLog := logging.Step(p.log, "preflight", "alias")
	aliases, err := alias.Load(opts.AliasFile)
	switch {
	case errors.Is(err, alias.ErrFileNotFound):
		aliasLog.Warn("alias file not found; using built-ins", "event", "alias_file.missing", "alias_file", opts.AliasFile)
	case err != nil:
		aliasLog.Warn("alias file unusable; using built-ins", "event", "alias_file.invalid", "alias_file", opts.AliasFile, "error", err)
	}

	if th, ok := p.cfg.Source.(tokenHolder); ok && !th.HasToken() {
		logging.Step(p.log, "preflight", "token").Warn("MCP token is empty; proceeding without Authorization header", "event", "token.empty")
	}

	return aliases, nil
}

// checkWritableDir verifies dir exists and a file can be created in it.
func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("db directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("db directory %s is not a directory", dir)
	}

	f, err := os.CreateTemp(dir, ".cmdb-preflight-*")
	if err != nil {
		return fmt.Errorf("db directory %s not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
