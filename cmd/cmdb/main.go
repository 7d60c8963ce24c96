// Package main provides the cmdb CLI entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aiops-lab/cmdb/internal/config"
	"github.com/aiops-lab/cmdb/internal/logging"
	"github.com/aiops-lab/cmdb/internal/report"
	"github.com/aiops-lab/cmdb/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

// Global flags.
var (
	humanOutput bool
	jsonLog     bool
	verbose     bool
	dbFlag      string
	configFlag  string
	reportFlag  string
)

// Populated by the root pre-run.
var (
	cfg *config.Config
	log *slog.Logger
	cid string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		exitWithError(exitCodeFor(err), "%v", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cmdb",
	Short: "Routing state CMDB ingest and versioning",
	Long: `cmdb collects BGP and OSPF state from playbook output, keeps the
latest state per device in SQLite, and records versioned snapshots that can
be diffed, verified and pruned.

All commands print JSON on stdout; logs go to stderr.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&humanOutput, "human", false, "Use human-readable output instead of JSON")
	pf.BoolVar(&jsonLog, "json-log", false, "Emit logs as one JSON object per line")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&dbFlag, "db", "", "SQLite store path (default from config, $CMDB_DB, or cmdb.sqlite)")
	pf.StringVar(&configFlag, "config", "", "Config file (default $CMDB_CONFIG or ~/.config/cmdb/config.yml)")
	pf.StringVar(&reportFlag, "report", "", "Append a JSON line per run to this file")
	rootCmd.Version = Version
}

// setup loads .env, the config file and the logger for every command.
func setup(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	var err error
	cfg, err = config.Load(configFlag)
	if err != nil {
		return err
	}
	if dbFlag != "" {
		cfg.DB = config.ExpandPath(dbFlag)
	}
	if reportFlag == "" {
		reportFlag = cfg.Ingest.Report
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, cid = logging.New(os.Stderr, logging.Options{JSON: jsonLog, Verbose: verbose})
	return nil
}

// mustOpenDatabase opens the store, exits on error.
// The caller is responsible for calling Close() on the returned DB.
func mustOpenDatabase() *storage.DB {
	db, err := storage.OpenDB(cfg.DB)
	if err != nil {
		exitWithError(ExitError, "opening database: %v", err)
	}
	return db
}

// writeReport appends the dispatcher line for a run when --report is set.
func writeReport(event string, err error, fields map[string]any) {
	if reportFlag == "" {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	rec := report.New(time.Now(), cid, exitCodeFor(err), event, fields)
	if werr := report.Append(reportFlag, rec); werr != nil {
		fmt.Fprintf(os.Stderr, "warning: writing report: %v\n", werr)
	}
}
