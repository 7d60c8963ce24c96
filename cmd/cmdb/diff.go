package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aiops-lab/cmdb/internal/diff"
	"github.com/aiops-lab/cmdb/internal/logging"
	"github.com/aiops-lab/cmdb/internal/storage"
)

var (
	diffBase         string
	diffNew          string
	diffHost         string
	diffKind         string
	diffSetUnordered bool
	diffChange       string
)

func init() {
	f := diffCmd.PersistentFlags()
	f.StringVar(&diffBase, "base", "", "Base version (default: the version before --new)")
	f.StringVar(&diffNew, "new", "", "New version (default: latest)")

	diffCmd.Flags().StringVar(&diffHost, "diff-host", "", "Only compare facts of this host")
	diffCmd.Flags().StringVar(&diffKind, "diff-kind", "", "Only compare facts of this kind (bgp_peer, ospf_neighbor)")
	diffCmd.Flags().BoolVar(&diffSetUnordered, "set-unordered", false, "Compare arrays as multisets")

	diffShowCmd.Flags().StringVar(&diffChange, "change", "", "Only show one change type (added, removed, changed, type)")

	diffCmd.AddCommand(diffShowCmd)
	rootCmd.AddCommand(diffCmd)
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Compute the fact-level diff between two versions",
	Long: `Compare the normalized facts of two snapshot versions and store the
result in summary_diff. Re-running for the same pair replaces the stored rows.

Examples:
  cmdb diff
  cmdb diff --base 2025-10-07T01:20:05.474512Z --new 2025-10-07T02:20:05.118002Z
  cmdb diff --diff-kind bgp_peer --set-unordered`,
	Args: cobra.NoArgs,
	RunE: runDiff,
}

var diffShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print stored diff rows with unified before/after",
	Args:  cobra.NoArgs,
	RunE:  runDiffShow,
}

// DiffResult is the response for the diff command.
type DiffResult struct {
	Base   string      `json:"base"`
	New    string      `json:"new"`
	Counts diff.Counts `json:"counts"`
}

// DiffShowEntry is one stored diff row with its rendered unified diff.
type DiffShowEntry struct {
	diff.Entry
	Unified string `json:"unified"`
}

func runDiff(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db := mustOpenDatabase()
	defer db.Close()

	base, next, err := resolveVersions(cmd, db)
	if err != nil {
		return err
	}

	engine := diff.NewEngine(db, diff.Config{Logger: logging.Step(log, "diff", "compute")})
	counts, err := engine.Compute(ctx, diff.Options{
		Base:            base,
		New:             next,
		Host:            diffHost,
		Kind:            diffKind,
		UnorderedArrays: diffSetUnordered,
	})
	if err != nil {
		return err
	}

	result := DiffResult{Base: base, New: next, Counts: counts}
	if humanOutput {
		fmt.Printf("Diff %s -> %s\n", base, next)
		table := newTable("Added", "Removed", "Changed", "Type", "Total")
		table.Append([]string{
			strconv.Itoa(counts.Added),
			strconv.Itoa(counts.Removed),
			strconv.Itoa(counts.Changed),
			strconv.Itoa(counts.TypeChanged),
			strconv.Itoa(counts.Total),
		})
		table.Render()
		return nil
	}
	return outputJSON(result)
}

func runDiffShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db := mustOpenDatabase()
	defer db.Close()

	var change diff.Change
	if diffChange != "" {
		c, ok := diff.ParseChange(diffChange)
		if !ok {
			return fmt.Errorf("invalid --change %q (valid: added, removed, changed, type)", diffChange)
		}
		change = c
	}

	base, next, err := resolveVersions(cmd, db)
	if err != nil {
		return err
	}

	engine := diff.NewEngine(db, diff.Config{Logger: logging.Step(log, "diff", "show")})
	entries, err := engine.Entries(ctx, base, next, change)
	if err != nil {
		return err
	}

	if humanOutput {
		if len(entries) == 0 {
			fmt.Printf("No stored differences between %s and %s.\n", base, next)
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s %s/%s/%s\n", e.Change, e.Host, e.Kind, e.Key)
			fmt.Print(diff.Unified(e))
			fmt.Println()
		}
		return nil
	}

	out := make([]DiffShowEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DiffShowEntry{Entry: e, Unified: diff.Unified(e)})
	}
	return outputJSON(out)
}

// resolveVersions fills in --new as the latest version and --base as the
// version before it.
func resolveVersions(cmd *cobra.Command, db *storage.DB) (string, string, error) {
	ctx := cmd.Context()
	next := diffNew
	if next == "" {
		latest, err := storage.LatestVersion(ctx, db.SQL())
		if err != nil {
			return "", "", err
		}
		next = latest
	}
	base := diffBase
	if base == "" && next != "" {
		prev, err := storage.PreviousVersion(ctx, db.SQL(), next)
		if err != nil {
			return "", "", err
		}
		base = prev
	}
	if base == "" || next == "" {
		return "", "", fmt.Errorf("%w: fewer than two stored versions", diff.ErrMissingVersion)
	}
	return base, next, nil
}
