// Package retention deletes snapshot versions outside a keep window.
package retention

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aiops-lab/cmdb/internal/storage"
)

// Status is the outcome of a prune.
type Status string

const (
	StatusEmpty  Status = "empty"  // no versions stored
	StatusNoop   Status = "nodel"  // everything is inside the keep window
	StatusPlan   Status = "plan"   // dry run; Versions would be deleted
	StatusPruned Status = "pruned" // Versions were deleted
)

// Result reports what a prune did or would do.
type Result struct {
	Status   Status           `json:"status"`
	Keep     int              `json:"keep"`
	Versions []string         `json:"versions"`
	Deleted  map[string]int64 `json:"deleted,omitempty"`
}

// deleteOrder lists tables in dependency-safe deletion order.
var deleteOrder = []string{"summary_diff", "normalized_state", "raw_state", "schema_meta"}

// Pruner removes old versions from a store.
type Pruner struct {
	db  *storage.DB
	log *slog.Logger
}

// NewPruner returns a Pruner over db.
func NewPruner(db *storage.DB, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pruner{db: db, log: log}
}

// Prune keeps the newest keep versions and deletes the rest from every
// snapshot table in one transaction. keep <= 0 deletes every version.
// Missing tables are skipped.
func (p *Pruner) Prune(ctx context.Context, keep int, dryRun bool) (Result, error) {
	keep = max(keep, 0)
	res := Result{Keep: keep}

	infos, err := storage.ListVersions(ctx, p.db.SQL())
	if err != nil {
		return res, err
	}
	if len(infos) == 0 {
		res.Status = StatusEmpty
		p.log.Info("no versions present; nothing to prune", "event", "prune.empty")
		return res, nil
	}

	cut := max(len(infos)-keep, 0)
	for _, info := range infos[:cut] {
		res.Versions = append(res.Versions, info.Version)
	}

	if len(res.Versions) == 0 {
		res.Status = StatusNoop
		p.log.Info("nothing to prune; already within keep window", "event", "prune.nodel", "keep", keep)
		return res, nil
	}

	if dryRun {
		res.Status = StatusPlan
		p.log.Info("dry-run: would delete versions",
			"event", "prune.plan",
			"keep", keep,
			"delete_count", len(res.Versions),
			"versions", strings.Join(res.Versions, ","),
		)
		return res, nil
	}

	res.Deleted = make(map[string]int64, len(deleteOrder))
	err = p.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range deleteOrder {
			ok, err := storage.TableExists(ctx, tx, table)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			n, err := deleteVersions(ctx, tx, table, res.Versions)
			if err != nil {
				return err
			}
			res.Deleted[table] = n
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("pruning: %w", err)
	}

	if err := storage.EnsureSchemaMetaView(ctx, p.db.SQL()); err != nil {
		return res, err
	}

	res.Status = StatusPruned
	attrs := []any{"event", "prune.ok", "keep", keep}
	for _, table := range deleteOrder {
		attrs = append(attrs, table, res.Deleted[table])
	}
	p.log.Info("prune completed", attrs...)
	return res, nil
}

func deleteVersions(ctx context.Context, tx *sql.Tx, table string, versions []string) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(versions)), ",")
	args := make([]any, 0, 2*len(versions))
	for _, v := range versions {
		args = append(args, v)
	}

	var query string
	if table == "summary_diff" {
		query = fmt.Sprintf("DELETE FROM summary_diff WHERE base_version IN (%s) OR new_version IN (%s)", placeholders, placeholders)
		args = append(args, args...)
	} else {
		query = fmt.Sprintf("DELETE FROM %s WHERE version IN (%s)", table, placeholders)
	}

	r, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", table, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deletes from %s: %w", table, err)
	}
	return n, nil
}
