package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aiops-lab/cmdb/internal/ingest"
	"github.com/aiops-lab/cmdb/internal/logging"
	"github.com/aiops-lab/cmdb/internal/verify"
)

var verifyVersion string

func init() {
	verifyCmd.Flags().StringVar(&verifyVersion, "version", "", "Version to check (default: latest)")
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a stored version for consistency",
	Long: `Check that a version has raw and normalized facts, that no fact has an
empty key, and that no current-state row belongs to the unknown host.

Exits 6 when a check fails.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	db := mustOpenDatabase()
	defer db.Close()

	rep, err := verify.NewVerifier(db.SQL(), logging.Step(log, "verify", "check")).Verify(cmd.Context(), verifyVersion)
	if err != nil {
		writeReport("verify.error", err, nil)
		return err
	}

	if humanOutput {
		printVerifyHuman(rep)
	} else {
		outputJSON(rep)
	}

	if !rep.Passed {
		err := fmt.Errorf("%w: %s", ingest.ErrVerifyFailed, strings.Join(rep.Failures, "; "))
		writeReport("verify.fail", err, map[string]any{"version": rep.Version})
		// The report is already on stdout.
		os.Exit(exitCodeFor(err))
	}
	writeReport("verify.ok", nil, map[string]any{"version": rep.Version})
	return nil
}

func printVerifyHuman(rep verify.Report) {
	status := "PASSED"
	if !rep.Passed {
		status = "FAILED"
	}
	fmt.Printf("Version %s: %s\n", rep.Version, status)

	names := make([]string, 0, len(rep.Metrics))
	for name := range rep.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	table := newTable("Metric", "Value")
	for _, name := range names {
		table.Append([]string{name, strconv.Itoa(rep.Metrics[name])})
	}
	table.Render()

	for _, f := range rep.Failures {
		fmt.Printf("  - %s\n", f)
	}
}
