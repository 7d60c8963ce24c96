package diff

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/aiops-lab/cmdb/internal/storage"
)

// ErrMissingVersion is returned when a base or new version is not given.
var ErrMissingVersion = errors.New("base and new versions are required")

// Options selects what to compare.
type Options struct {
	Base string
	New  string
	// Host and Kind narrow the comparison, and the rows it replaces.
	Host string
	Kind string
	// UnorderedArrays compares arrays as multisets.
	UnorderedArrays bool
}

// Counts summarizes one computation.
type Counts struct {
	Added       int `json:"added"`
	Removed     int `json:"removed"`
	Changed     int `json:"changed"`
	TypeChanged int `json:"type"`
	Total       int `json:"total"`
}

func (c *Counts) add(change Change) {
	switch change {
	case Added:
		c.Added++
	case Removed:
		c.Removed++
	case Changed:
		c.Changed++
	case TypeChanged:
		c.TypeChanged++
	}
	c.Total++
}

// Entry is one stored difference. Before is nil for added keys and After
// is nil for removed keys.
type Entry struct {
	BaseVersion string  `json:"base_version"`
	NewVersion  string  `json:"new_version"`
	Host        string  `json:"host"`
	Kind        string  `json:"kind"`
	Key         string  `json:"k"`
	Change      Change  `json:"change"`
	Before      *string `json:"before"`
	After       *string `json:"after"`
	ComputedAt  string  `json:"computed_at"`
}

// Config configures an Engine.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (c *Config) validate() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Engine computes diffs against a store.
type Engine struct {
	db  *storage.DB
	cfg Config
}

// NewEngine returns an Engine over db.
func NewEngine(db *storage.DB, cfg Config) *Engine {
	cfg.validate()
	return &Engine{db: db, cfg: cfg}
}

type factKey struct {
	host, kind, key string
}

// Compute compares two versions and replaces the stored diff rows for the
// pair (within the host/kind filter) with the result. Running it twice
// yields the same rows.
func (e *Engine) Compute(ctx context.Context, opts Options) (Counts, error) {
	var counts Counts
	if opts.Base == "" || opts.New == "" {
		return counts, ErrMissingVersion
	}

	ok, err := storage.TablesExist(ctx, e.db.SQL(), "normalized_state", "summary_diff")
	if err != nil {
		return counts, err
	}
	if !ok {
		e.cfg.Logger.Warn("normalized_state/summary_diff missing; skip", "event", "diff.tables.missing")
		return counts, nil
	}

	base, err := e.load(ctx, opts.Base, opts)
	if err != nil {
		return counts, err
	}
	next, err := e.load(ctx, opts.New, opts)
	if err != nil {
		return counts, err
	}

	keys := make([]factKey, 0, len(base)+len(next))
	for k := range base {
		keys = append(keys, k)
	}
	for k := range next {
		if _, ok := base[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.host != b.host {
			return a.host < b.host
		}
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		return a.key < b.key
	})

	computedAt := storage.FormatTime(e.cfg.Clock.Now())

	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		del, args := filtered(`DELETE FROM summary_diff WHERE base_version = ? AND new_version = ?`, []any{opts.Base, opts.New}, opts)
		if _, err := tx.ExecContext(ctx, del, args...); err != nil {
			return fmt.Errorf("clearing previous diff: %w", err)
		}

		for _, k := range keys {
			b, inBase := base[k]
			n, inNew := next[k]

			var change Change
			var before, after any
			switch {
			case !inBase:
				change, after = Added, n
			case !inNew:
				change, before = Removed, b
			default:
				c, differs := Classify(b, n, opts.UnorderedArrays)
				if !differs {
					continue
				}
				change, before, after = c, b, n
			}

			_, err := tx.ExecContext(ctx, `
				INSERT INTO summary_diff (base_version, new_version, host, kind, k, change, before, after, computed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, opts.Base, opts.New, k.host, k.kind, k.key, string(change), before, after, computedAt)
			if err != nil {
				return fmt.Errorf("inserting diff %s/%s/%s: %w", k.host, k.kind, k.key, err)
			}
			counts.add(change)
		}
		return nil
	})
	if err != nil {
		return Counts{}, err
	}

	e.cfg.Logger.Info("summary_diff computed",
		"event", "diff.ok",
		"base", opts.Base,
		"new", opts.New,
		"added", counts.Added,
		"removed", counts.Removed,
		"changed", counts.Changed,
		"type", counts.TypeChanged,
		"total", counts.Total,
	)
	return counts, nil
}

func (e *Engine) load(ctx context.Context, version string, opts Options) (map[factKey]string, error) {
	query, args := filtered(`SELECT host, kind, k, v FROM normalized_state WHERE version = ?`, []any{version}, opts)
	rows, err := e.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading version %s: %w", version, err)
	}
	defer rows.Close()

	out := make(map[factKey]string)
	for rows.Next() {
		var k factKey
		var v string
		if err := rows.Scan(&k.host, &k.kind, &k.key, &v); err != nil {
			return nil, fmt.Errorf("scanning version %s: %w", version, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// filtered appends the host/kind conditions of opts to query.
func filtered(query string, args []any, opts Options) (string, []any) {
	if opts.Host != "" {
		query += " AND host = ?"
		args = append(args, opts.Host)
	}
	if opts.Kind != "" {
		query += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	return query, args
}

// Entries returns the stored rows for a version pair, optionally limited
// to one change type.
func (e *Engine) Entries(ctx context.Context, base, next string, change Change) ([]Entry, error) {
	ok, err := storage.TableExists(ctx, e.db.SQL(), "summary_diff")
	if err != nil || !ok {
		return nil, err
	}

	query := `SELECT base_version, new_version, host, kind, k, change, before, after, computed_at
		FROM summary_diff WHERE base_version = ? AND new_version = ?`
	args := []any{base, next}
	if change != "" {
		query += " AND change = ?"
		args = append(args, string(change))
	}
	query += " ORDER BY host, kind, k"

	rows, err := e.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying diff: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var en Entry
		var before, after sql.NullString
		if err := rows.Scan(&en.BaseVersion, &en.NewVersion, &en.Host, &en.Kind, &en.Key, &en.Change, &before, &after, &en.ComputedAt); err != nil {
			return nil, fmt.Errorf("scanning diff: %w", err)
		}
		if before.Valid {
			en.Before = &before.String
		}
		if after.Valid {
			en.After = &after.String
		}
		out = append(out, en)
	}
	return out, rows.Err()
}

// Breakdown counts the stored rows whose new version is version, grouped
// by change type, across all base versions.
func (e *Engine) Breakdown(ctx context.Context, version string) (Counts, error) {
	var counts Counts
	ok, err := storage.TableExists(ctx, e.db.SQL(), "summary_diff")
	if err != nil || !ok {
		return counts, err
	}

	rows, err := e.db.SQL().QueryContext(ctx,
		`SELECT change, COUNT(*) FROM summary_diff WHERE new_version = ? GROUP BY change`, version)
	if err != nil {
		return counts, fmt.Errorf("querying diff breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var change Change
		var n int
		if err := rows.Scan(&change, &n); err != nil {
			return counts, fmt.Errorf("scanning diff breakdown: %w", err)
		}
		switch change {
		case Added:
			counts.Added = n
		case Removed:
			counts.Removed = n
		case Changed:
			counts.Changed = n
		case TypeChanged:
			counts.TypeChanged = n
		}
		counts.Total += n
	}
	return counts, rows.Err()
}
