// Package ingest runs one collection through harvest, parse, store, diff,
// verify and prune.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/aiops-lab/cmdb/internal/alias"
	"github.com/aiops-lab/cmdb/internal/collector"
	"github.com/aiops-lab/cmdb/internal/diff"
	"github.com/aiops-lab/cmdb/internal/harvest"
	"github.com/aiops-lab/cmdb/internal/logging"
	"github.com/aiops-lab/cmdb/internal/retention"
	"github.com/aiops-lab/cmdb/internal/routing"
	"github.com/aiops-lab/cmdb/internal/storage"
	"github.com/aiops-lab/cmdb/internal/verify"
)

// DefaultAppliedBy tags schema_meta rows written by ingest.
const DefaultAppliedBy = "cmdb-ingest"

// Options selects what one run does.
type Options struct {
	DBPath string
	// SchemaSQL is an external schema script; empty uses the built-in one.
	SchemaSQL string
	AliasFile string
	// HostHint overrides the host hint of every collected output.
	HostHint string
	Strict   bool
	// DryRun parses and reports intended counts without touching the store.
	DryRun bool

	EnsureSchema bool
	Snapshot     bool
	SchemaMeta   bool
	AppliedBy    string

	DiffPrev     bool
	SetUnordered bool
	Verify       bool
	Prune        bool
	Keep         int

	// MetricsTextfile receives the run metrics when set.
	MetricsTextfile string
}

// Summary is the machine-readable result of a run.
type Summary struct {
	Status      string                         `json:"status"`
	Summary     string                         `json:"summary"`
	Version     string                         `json:"version"`
	DryRun      bool                           `json:"dry_run,omitempty"`
	BGPRows     int                            `json:"bgp_rows"`
	OSPFRows    int                            `json:"ospf_rows"`
	Hosts       int                            `json:"hosts"`
	PerHost     []routing.HostSummary          `json:"per_host"`
	Written     storage.WriteCounts            `json:"written"`
	Snapshot    *storage.SnapshotCounts        `json:"snapshot,omitempty"`
	SchemaMeta  bool                           `json:"schema_meta,omitempty"`
	Dropped     int                            `json:"dropped"`
	Stats       map[routing.Kind]routing.Stats `json:"stats"`
	Sources     map[routing.Kind]string        `json:"sources"`
	DiffBase    string                         `json:"diff_base,omitempty"`
	DiffSummary *diff.Counts                   `json:"diff_summary,omitempty"`
	Verify      *verify.Report                 `json:"verify,omitempty"`
	Prune       *retention.Result              `json:"prune,omitempty"`
}

// HealthChecker is implemented by sources that can be probed before
// collection.
type HealthChecker interface {
	Health(ctx context.Context) (string, error)
}

// tokenHolder is implemented by sources that authenticate.
type tokenHolder interface {
	HasToken() bool
}

// Config configures a Pipeline.
type Config struct {
	Source  collector.Source
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *Metrics
}

func (c *Config) validate() error {
	if c.Source == nil {
		return errors.New("ingest: source is required")
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return nil
}

// Pipeline runs ingests against one source.
type Pipeline struct {
	cfg Config
	log *slog.Logger
}

// New returns a Pipeline for cfg.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg, log: cfg.Logger}, nil
}

// Metrics returns the pipeline's metrics.
func (p *Pipeline) Metrics() *Metrics {
	return p.cfg.Metrics
}

// Run executes one ingest. On failure the returned error wraps one of the
// package sentinels when the failure has a class; the summary is returned
// whenever parsing got far enough to produce one.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Summary, error) {
	sum, err := p.run(ctx, opts)

	if err != nil {
		p.cfg.Metrics.observeFailure(err)
	} else {
		p.cfg.Metrics.observeSuccess(sum.Hosts, p.cfg.Clock.Now())
	}
	if opts.MetricsTextfile != "" {
		if werr := p.cfg.Metrics.WriteTextfile(opts.MetricsTextfile); werr != nil {
			p.log.Warn("metrics textfile not written", "event", "metrics.fail", "path", opts.MetricsTextfile, "error", werr)
		}
	}
	return sum, err
}

type parsed struct {
	bgp       []routing.BGPPeer
	ospf      []routing.OSPFNeighbor
	summaries map[string]routing.HostSummary
	raw       map[routing.Kind][]storage.RawObject
	stats     map[routing.Kind]routing.Stats
	objects   int
}

func (p *Pipeline) run(ctx context.Context, opts Options) (*Summary, error) {
	aliases, err := p.preflight(ctx, opts)
	if err != nil {
		return nil, err
	}

	outputs, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}

	version := storage.FormatTime(p.cfg.Clock.Now())
	res := p.parse(outputs, aliases, opts, version)
	if res.objects == 0 {
		logging.Step(p.log, "parse", "harvest").Error("no JSON objects harvested from any output", "event", "harvest.empty")
		return nil, ErrNoExtractableData
	}

	perHost := knownHostSummaries(res.summaries)
	sum := &Summary{
		Status:   "ok",
		Summary:  fmt.Sprintf("Ingest completed: hosts=%d", len(perHost)),
		Version:  version,
		DryRun:   opts.DryRun,
		BGPRows:  len(res.bgp),
		OSPFRows: len(res.ospf),
		Hosts:    len(perHost),
		PerHost:  perHost,
		Stats:    res.stats,
		Sources:  make(map[routing.Kind]string, len(outputs)),
	}
	for kind, out := range outputs {
		sum.Sources[kind] = out.Source
	}
	for _, s := range res.stats {
		sum.Dropped += s.Dropped()
	}

	if opts.DryRun {
		sum.Status = "dry_run"
		sum.Summary = fmt.Sprintf("Dry run: hosts=%d", len(perHost))
		sum.Written = storage.PlanCurrent(res.bgp, res.ospf, res.summaries)
		logging.Step(p.log, "write", "plan").Info("dry-run: nothing written",
			"event", "write.plan",
			"bgp_rows", sum.Written.BGP,
			"ospf_rows", sum.Written.OSPF,
			"hosts", sum.Written.Hosts,
		)
		return sum, nil
	}

	db, err := storage.OpenDB(opts.DBPath)
	if err != nil {
		return sum, err
	}
	defer db.Close()

	if err := p.write(ctx, db, opts, res, sum); err != nil {
		return sum, err
	}

	if opts.DiffPrev {
		if err := p.diff(ctx, db, opts, sum); err != nil {
			return sum, err
		}
	}

	if opts.Verify {
		rep, err := verify.NewVerifier(db.SQL(), logging.Step(p.log, "verify", "check")).Verify(ctx, version)
		if err != nil {
			return sum, fmt.Errorf("%w: %w", ErrVerifyFailed, err)
		}
		sum.Verify = &rep
		if !rep.Passed {
			return sum, fmt.Errorf("%w: %s", ErrVerifyFailed, strings.Join(rep.Failures, "; "))
		}
	}

	if opts.Prune {
		pr, err := retention.NewPruner(db, logging.Step(p.log, "prune", "delete")).Prune(ctx, opts.Keep, false)
		if err != nil {
			return sum, err
		}
		sum.Prune = &pr
	}

	p.log.Info("Ingest completed",
		"component", "main",
		"event", "done",
		"version", version,
		"bgp_rows", sum.BGPRows,
		"ospf_rows", sum.OSPFRows,
		"hosts", sum.Hosts,
	)
	return sum, nil
}

// fetch collects every kind. A kind that fails is skipped; the run fails
// only when no kind produced text.
func (p *Pipeline) fetch(ctx context.Context) (map[routing.Kind]collector.Output, error) {
	log := logging.Step(p.log, "fetch", "call")
	outputs := make(map[routing.Kind]collector.Output, len(routing.Kinds))
	var errs []error

	for _, kind := range routing.Kinds {
		out, err := p.cfg.Source.Fetch(ctx, kind)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, collector.ErrNoInput) {
				log.Debug("no input for kind", "event", "fetch.skip", "kind", kind)
				continue
			}
			log.Warn("collection failed", "event", "fetch.fail", "kind", kind, "error", err)
			errs = append(errs, err)
			continue
		}
		if strings.TrimSpace(out.Text) == "" {
			log.Warn("collection returned no text", "event", "fetch.empty", "kind", kind, "source", out.Source)
			continue
		}
		log.Info("collected", "event", "fetch.ok", "kind", kind, "source", out.Source, "raw_len", len(out.Text))
		outputs[kind] = out
	}

	if len(outputs) == 0 {
		log.Error("every kind failed or returned nothing", "event", "mcp.empty")
		if len(errs) == 0 {
			return nil, fmt.Errorf("%w: no output for any kind", ErrUpstreamUnavailable)
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, errors.Join(errs...))
	}
	return outputs, nil
}

func (p *Pipeline) parse(outputs map[routing.Kind]collector.Output, aliases alias.Table, opts Options, collectedAt string) parsed {
	log := logging.Step(p.log, "parse", "extract")
	res := parsed{
		raw:   make(map[routing.Kind][]storage.RawObject, len(outputs)),
		stats: make(map[routing.Kind]routing.Stats, len(outputs)),
	}
	bySummary := make(map[routing.Kind]map[string]routing.HostSummary, len(outputs))

	for _, kind := range routing.Kinds {
		out, ok := outputs[kind]
		if !ok {
			continue
		}
		hint := out.HostHint
		if opts.HostHint != "" {
			hint = opts.HostHint
		}
		parser := routing.Parser{Aliases: aliases, Strict: opts.Strict, HostHint: hint}

		objs := harvest.Harvest(out.Text)
		res.objects += len(objs)
		for _, obj := range objs {
			res.raw[kind] = append(res.raw[kind], storage.RawObject{Host: routing.PickHost(obj, hint), Payload: obj})
		}

		var r routing.Result
		switch kind {
		case routing.KindBGP:
			r = parser.ParseBGP(objs, collectedAt)
			res.bgp = r.BGP
		case routing.KindOSPF:
			r = parser.ParseOSPF(objs, collectedAt)
			res.ospf = r.OSPF
		}
		res.stats[kind] = r.Stats
		bySummary[kind] = r.Summaries
		p.cfg.Metrics.observeParse(kind, len(r.BGP)+len(r.OSPF), r.Stats)

		log.Info("parsed",
			"event", "parse.ok",
			"kind", kind,
			"objects", r.Stats.Objects,
			"rows", len(r.BGP)+len(r.OSPF),
			"hosts", len(r.Summaries),
			"dropped_no_host", r.Stats.DroppedNoHost,
			"dropped_no_shape", r.Stats.DroppedNoShape,
			"unshaped", r.Stats.Unshaped,
		)
		if d := r.Stats.Dropped(); d > 0 {
			log.Warn("objects dropped", "event", "parse.dropped", "kind", kind, "count", d)
		}
	}

	res.summaries = routing.MergeSummaries(bySummary[routing.KindBGP], bySummary[routing.KindOSPF])
	return res
}

// write stores current state and, when asked, the snapshot in one
// transaction.
func (p *Pipeline) write(ctx context.Context, db *storage.DB, opts Options, res parsed, sum *Summary) error {
	log := logging.Step(p.log, "write", "commit")

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if opts.EnsureSchema {
			ddl, err := storage.LoadSchema(opts.SchemaSQL)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrSchemaApply, err)
			}
			if err := storage.ApplySchema(ctx, tx, ddl); err != nil {
				return fmt.Errorf("%w: %w", ErrSchemaApply, err)
			}
			log.Info("schema applied", "event", "schema.apply.ok", "schema", schemaLabel(opts.SchemaSQL))
		}

		written, err := storage.UpsertCurrent(ctx, tx, res.bgp, res.ospf, res.summaries)
		if err != nil {
			return err
		}
		sum.Written = written

		if !opts.Snapshot {
			return nil
		}

		snap, err := storage.WriteSnapshot(ctx, tx, logging.Step(p.log, "snapshot", "write"), storage.SnapshotInput{
			Version:   sum.Version,
			CreatedAt: sum.Version,
			Raw:       res.raw,
			BGP:       res.bgp,
			OSPF:      res.ospf,
		})
		if err != nil {
			return err
		}
		sum.Snapshot = &snap

		if !opts.SchemaMeta || snap.Skipped {
			return nil
		}
		appliedBy := opts.AppliedBy
		if appliedBy == "" {
			appliedBy = DefaultAppliedBy
		}
		metaLog := logging.Step(p.log, "snapshot", "schema_meta")
		inserted, err := storage.InsertSchemaMeta(ctx, tx, metaLog, storage.SchemaMeta{
			Version:    sum.Version,
			AppliedAt:  sum.Version,
			AppliedBy:  appliedBy,
			SchemaPath: opts.SchemaSQL,
		})
		if err != nil {
			return err
		}
		sum.SchemaMeta = inserted
		if inserted {
			metaLog.Info("schema_meta row inserted", "event", "schema_meta.insert.ok", "version", sum.Version)
			return storage.EnsureSchemaMetaView(ctx, tx)
		}
		return nil
	})
	if err != nil {
		log.Error("write failed; rolled back", "event", "write.fail", "error", err)
		return err
	}

	attrs := []any{
		"event", "write.ok",
		"bgp_rows", sum.Written.BGP,
		"ospf_rows", sum.Written.OSPF,
		"hosts", sum.Written.Hosts,
		"sentinel_rows_deleted", sum.Written.Sentinels,
	}
	if sum.Snapshot != nil && !sum.Snapshot.Skipped {
		attrs = append(attrs,
			"version", sum.Version,
			"raw_bgp", sum.Snapshot.Raw[string(routing.KindBGP)],
			"raw_ospf", sum.Snapshot.Raw[string(routing.KindOSPF)],
			"norm_bgp", sum.Snapshot.Normalized[string(routing.FactBGPPeer)],
			"norm_ospf", sum.Snapshot.Normalized[string(routing.FactOSPFNeighbor)],
		)
	}
	log.Info("SQLite upsert completed", attrs...)
	return nil
}

// diff compares the new version with the one before it. Runs that stored
// no snapshot have no version to compare and are skipped.
func (p *Pipeline) diff(ctx context.Context, db *storage.DB, opts Options, sum *Summary) error {
	log := logging.Step(p.log, "diff", "compute")

	if sum.Snapshot == nil || sum.Snapshot.Skipped {
		log.Warn("no snapshot written for this run; diff skipped", "event", "diff.skip", "version", sum.Version)
		return nil
	}

	prev, err := storage.PreviousVersion(ctx, db.SQL(), sum.Version)
	if err != nil {
		return err
	}
	if prev == "" {
		log.Info("no previous version; diff skipped", "event", "diff.skip", "version", sum.Version)
		return nil
	}

	engine := diff.NewEngine(db, diff.Config{Logger: log, Clock: p.cfg.Clock})
	counts, err := engine.Compute(ctx, diff.Options{Base: prev, New: sum.Version, UnorderedArrays: opts.SetUnordered})
	if err != nil {
		return err
	}
	sum.DiffBase = prev
	sum.DiffSummary = &counts
	return nil
}

// knownHostSummaries returns the summaries that reach routing_summary,
// sorted by host. The unknown-host sentinel is never written.
func knownHostSummaries(m map[string]routing.HostSummary) []routing.HostSummary {
	out := make([]routing.HostSummary, 0, len(m))
	for host, s := range m {
		if host == routing.UnknownHost {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func schemaLabel(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}
