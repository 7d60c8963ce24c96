package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aiops-lab/cmdb/internal/collector"
	"github.com/aiops-lab/cmdb/internal/ingest"
	"github.com/aiops-lab/cmdb/internal/logging"
	"github.com/aiops-lab/cmdb/internal/routing"
)

var (
	ingestMCPBase         string
	ingestToken           string
	ingestPort            int
	ingestPlaybookBGP     string
	ingestPlaybookOSPF    string
	ingestBGPFile         string
	ingestOSPFFile        string
	ingestHostHint        string
	ingestStrict          bool
	ingestAliasFile       string
	ingestDryRun          bool
	ingestEnsureSchema    bool
	ingestSchemaSQL       string
	ingestSchemaMeta      bool
	ingestSnapshot        bool
	ingestDiffPrev        bool
	ingestSetUnordered    bool
	ingestVerify          bool
	ingestPrune           bool
	ingestKeep            int
	ingestMetricsTextfile string
)

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestMCPBase, "mcp-base", "", "MCP endpoint tried first (default from config or $MCP_BASE)")
	f.StringVar(&ingestToken, "token", "", "Bearer token (default $MCP_TOKEN)")
	f.IntVar(&ingestPort, "port", 0, "Port for the built-in MCP candidates (default $AIOPS_MCP_PORT or 9000)")
	f.StringVar(&ingestPlaybookBGP, "playbook-bgp", "", "Playbook producing BGP state")
	f.StringVar(&ingestPlaybookOSPF, "playbook-ospf", "", "Playbook producing OSPF state")
	f.StringVar(&ingestBGPFile, "bgp-file", "", "Read BGP output from a file instead of MCP (- for stdin)")
	f.StringVar(&ingestOSPFFile, "ospf-file", "", "Read OSPF output from a file instead of MCP (- for stdin)")
	f.StringVar(&ingestHostHint, "host-hint", "", "Host for objects that do not name one")
	f.BoolVar(&ingestStrict, "strict", false, "Drop objects without a host or a known shape")
	f.StringVar(&ingestAliasFile, "alias-file", "", "YAML/JSON field alias overrides (default $MCP_ALIAS_FILE)")
	f.BoolVar(&ingestDryRun, "dry-run", false, "Parse and report counts without writing")
	f.BoolVar(&ingestEnsureSchema, "ensure-schema", false, "Apply the schema script before writing")
	f.StringVar(&ingestSchemaSQL, "schema-sql", "", "Schema script (default built-in, or $SCHEMA_SQL)")
	f.BoolVar(&ingestSchemaMeta, "schema-meta", false, "Record the schema hash for the new version")
	f.BoolVar(&ingestSnapshot, "snapshot", false, "Save raw and normalized snapshots")
	f.BoolVar(&ingestDiffPrev, "diff-prev", false, "Diff the new version against the previous one")
	f.BoolVar(&ingestSetUnordered, "set-unordered", false, "Compare arrays as multisets when diffing")
	f.BoolVar(&ingestVerify, "verify", false, "Verify the new version after writing")
	f.BoolVar(&ingestPrune, "prune", false, "Prune old versions after writing")
	f.IntVar(&ingestKeep, "keep", 0, "Versions to keep when pruning (default from config, 10)")
	f.StringVar(&ingestMetricsTextfile, "metrics-textfile", "", "Write run metrics to this node-exporter textfile")
	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Collect BGP/OSPF state and store it",
	Long: `Collect BGP and OSPF playbook output, extract peers and neighbors, and
upsert them into the current-state tables. Optionally snapshot the run as a
new version, diff it against the previous version, verify it and prune old
versions.

Exit codes: 0 ok, 1 error, 2 schema apply, 3 upstream unavailable,
4 no extractable data, 5 preflight, 6 verification failed.

Examples:
  cmdb ingest --db state.sqlite --ensure-schema --snapshot --diff-prev
  cmdb ingest --bgp-file bgp.txt --ospf-file ospf.txt --host-hint r1 --dry-run`,
	RunE: runIngest,
}

// IngestFailure is the response for a run that failed after parsing: the
// partial summary with the error in place of a separate ErrorResponse.
type IngestFailure struct {
	*ingest.Summary
	Error string `json:"error"`
	Exit  int    `json:"exit"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	opts := ingestOptions(cmd)

	src := ingestSource()
	pipeline, err := ingest.New(ingest.Config{Source: src, Logger: log})
	if err != nil {
		return err
	}

	sum, err := pipeline.Run(cmd.Context(), opts)
	if err != nil {
		writeReport(ingestEvent(err), err, nil)
		if sum != nil && !humanOutput {
			code := exitCodeFor(err)
			outputJSON(IngestFailure{Summary: sum, Error: err.Error(), Exit: code})
			os.Exit(code)
		}
		return err
	}

	event := "ingest.ok"
	if opts.DryRun {
		event = "ingest.dry_run"
	}
	writeReport(event, nil, map[string]any{
		"version":   sum.Version,
		"bgp_rows":  sum.BGPRows,
		"ospf_rows": sum.OSPFRows,
		"hosts":     sum.Hosts,
	})

	if humanOutput {
		printIngestHuman(sum)
		return nil
	}
	return outputJSONCompact(sum)
}

// ingestOptions merges flags over the config file.
func ingestOptions(cmd *cobra.Command) ingest.Options {
	ic := cfg.Ingest
	opts := ingest.Options{
		DBPath:          cfg.DB,
		SchemaSQL:       firstNonEmpty(ingestSchemaSQL, cfg.SchemaSQL),
		AliasFile:       firstNonEmpty(ingestAliasFile, cfg.AliasFile),
		HostHint:        firstNonEmpty(ingestHostHint, ic.HostHint),
		Strict:          ingestStrict || ic.Strict,
		DryRun:          ingestDryRun,
		EnsureSchema:    ingestEnsureSchema || ic.EnsureSchema,
		Snapshot:        ingestSnapshot || ic.Snapshot,
		SchemaMeta:      ingestSchemaMeta || ic.SchemaMeta,
		DiffPrev:        ingestDiffPrev || ic.DiffPrev,
		SetUnordered:    ingestSetUnordered || ic.SetUnordered,
		Verify:          ingestVerify || ic.Verify,
		Prune:           ingestPrune || ic.Prune,
		Keep:            ic.Keep,
		MetricsTextfile: firstNonEmpty(ingestMetricsTextfile, ic.MetricsTextfile),
	}
	if cmd.Flags().Changed("keep") {
		opts.Keep = ingestKeep
	}
	return opts
}

// ingestSource reads files when any file flag is set, otherwise calls MCP.
func ingestSource() collector.Source {
	if ingestBGPFile != "" || ingestOSPFFile != "" {
		return collector.FileSource{
			Paths: map[routing.Kind]string{
				routing.KindBGP:  ingestBGPFile,
				routing.KindOSPF: ingestOSPFFile,
			},
			HostHint: ingestHostHint,
			Stdin:    os.Stdin,
		}
	}

	mc := cfg.MCP
	opts := []collector.ClientOption{
		collector.WithPlaybook(routing.KindBGP, firstNonEmpty(ingestPlaybookBGP, mc.PlaybookBGP)),
		collector.WithPlaybook(routing.KindOSPF, firstNonEmpty(ingestPlaybookOSPF, mc.PlaybookOSPF)),
		collector.WithHostHint(ingestHostHint),
		collector.WithBaseURL(ingestMCPBase),
		collector.WithBaseURL(mc.Base),
		collector.WithPort(mc.Port),
		collector.WithEndpointCache(collector.NewEndpointCache(mc.EndpointTTL)),
		collector.WithLogger(logging.Step(log, "fetch", "mcp")),
	}
	if token := firstNonEmpty(ingestToken, mc.Token); token != "" {
		opts = append(opts, collector.WithToken(token))
	}
	if ingestPort > 0 {
		opts = append(opts, collector.WithPort(ingestPort))
	}
	if mc.RateLimit > 0 {
		opts = append(opts, collector.WithRateLimit(mc.RateLimit))
	}
	if mc.Retries > 0 {
		opts = append(opts, collector.WithRetry(uint(mc.Retries), 500*time.Millisecond))
	}
	if mc.Timeout > 0 {
		opts = append(opts, collector.WithTimeout(mc.Timeout))
	}
	return collector.NewMCPClient(opts...)
}

func ingestEvent(err error) string {
	switch ingest.Reason(err) {
	case "preflight":
		return "preflight.fail"
	case "upstream_unavailable":
		return "mcp.empty"
	case "no_extractable_data":
		return "harvest.empty"
	case "schema_apply":
		return "schema.apply.fail"
	case "verify_failed":
		return "verify.fail"
	default:
		return "ingest.error"
	}
}

func printIngestHuman(sum *ingest.Summary) {
	fmt.Println(sum.Summary)
	fmt.Printf("Version: %s\n", sum.Version)
	fmt.Printf("Rows: bgp=%d ospf=%d dropped=%d\n", sum.BGPRows, sum.OSPFRows, sum.Dropped)
	fmt.Println()

	table := newTable("Host", "Peers", "Established", "OSPF Neighbors", "Status")
	for _, h := range sum.PerHost {
		table.Append([]string{
			h.Host,
			strconv.Itoa(h.PeersTotal),
			strconv.Itoa(h.PeersEstablished),
			strconv.Itoa(h.OSPFNeighbors),
			h.Status,
		})
	}
	table.Render()

	if sum.DiffSummary != nil {
		d := sum.DiffSummary
		fmt.Printf("\nDiff vs %s: added=%d removed=%d changed=%d type=%d\n", sum.DiffBase, d.Added, d.Removed, d.Changed, d.TypeChanged)
	}
	if sum.Verify != nil {
		fmt.Printf("Verify: passed=%t\n", sum.Verify.Passed)
	}
	if sum.Prune != nil {
		fmt.Printf("Prune: %s (%d versions)\n", sum.Prune.Status, len(sum.Prune.Versions))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
