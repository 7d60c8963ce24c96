package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aiops-lab/cmdb/internal/storage"
)

func init() {
	rootCmd.AddCommand(versionsCmd)
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List stored snapshot versions",
	Args:  cobra.NoArgs,
	RunE:  runVersions,
}

// VersionsResult is the response for the versions command.
type VersionsResult struct {
	Versions   []storage.VersionInfo `json:"versions"`
	SchemaMeta *storage.SchemaMeta   `json:"schema_meta,omitempty"`
}

func runVersions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db := mustOpenDatabase()
	defer db.Close()

	versions, err := storage.ListVersions(ctx, db.SQL())
	if err != nil {
		return err
	}
	meta, err := storage.LatestSchemaMeta(ctx, db.SQL())
	if err != nil {
		return err
	}
	if versions == nil {
		versions = []storage.VersionInfo{}
	}

	if humanOutput {
		if len(versions) == 0 {
			fmt.Println("No versions stored.")
			return nil
		}
		table := newTable("Version", "Raw", "Normalized")
		for _, v := range versions {
			table.Append([]string{v.Version, strconv.Itoa(v.Raw), strconv.Itoa(v.Normalized)})
		}
		table.Render()
		if meta != nil {
			fmt.Printf("Schema: %s applied %s by %s\n", meta.SchemaHash, meta.AppliedAt, meta.AppliedBy)
		}
		return nil
	}
	return outputJSON(VersionsResult{Versions: versions, SchemaMeta: meta})
}
