package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aiops-lab/cmdb/internal/logging"
	"github.com/aiops-lab/cmdb/internal/retention"
)

var (
	pruneKeep   int
	pruneDryRun bool
)

func init() {
	pruneCmd.Flags().IntVar(&pruneKeep, "keep", 0, "Number of newest versions to keep (default from config, 10)")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report what would be deleted")
	rootCmd.AddCommand(pruneCmd)
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshot versions outside the keep window",
	Long: `Keep the newest N snapshot versions and delete the rest from
summary_diff, normalized_state, raw_state and schema_meta in one transaction.
--keep 0 deletes every version.

Examples:
  cmdb prune --keep 10
  cmdb prune --keep 3 --dry-run`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	keep := cfg.Ingest.Keep
	if cmd.Flags().Changed("keep") {
		keep = pruneKeep
	}

	db := mustOpenDatabase()
	defer db.Close()

	res, err := retention.NewPruner(db, logging.Step(log, "prune", "delete")).Prune(cmd.Context(), keep, pruneDryRun)
	if err != nil {
		writeReport("prune.error", err, nil)
		return err
	}

	fields := map[string]any{"keep": res.Keep, "delete_count": len(res.Versions)}
	for table, n := range res.Deleted {
		fields[table] = n
	}
	writeReport("prune."+string(res.Status), nil, fields)

	if humanOutput {
		fmt.Printf("Prune: %s (keep=%d)\n", res.Status, res.Keep)
		if len(res.Versions) > 0 {
			fmt.Printf("Versions: %s\n", strings.Join(res.Versions, ", "))
		}
		if len(res.Deleted) > 0 {
			table := newTable("Table", "Rows deleted")
			for _, name := range []string{"summary_diff", "normalized_state", "raw_state", "schema_meta"} {
				if n, ok := res.Deleted[name]; ok {
					table.Append([]string{name, strconv.FormatInt(n, 10)})
				}
			}
			table.Render()
		}
		return nil
	}
	return outputJSON(res)
}
