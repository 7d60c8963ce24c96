package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aiops-lab/cmdb/internal/harvest"
)

func init() {
	rootCmd.AddCommand(harvestCmd)
}

var harvestCmd = &cobra.Command{
	Use:   "harvest [file]",
	Short: "Print the JSON objects found in playbook output",
	Long: `Run the object harvester over a file (or stdin) and print each object
found as one JSON line. Useful when an ingest reports no extractable data.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHarvest,
}

func runHarvest(cmd *cobra.Command, args []string) error {
	in := io.Reader(os.Stdin)
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening input: %w", err)
		}
		defer f.Close()
		in = f
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	objs := harvest.Harvest(string(data))
	log.Info("harvested", "component", "harvest", "step", "scan", "event", "harvest.ok", "objects", len(objs))
	for _, obj := range objs {
		if err := outputJSONCompact(obj); err != nil {
			return err
		}
	}
	return nil
}
