package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/accelbench/kvbench/cmd/cli/format"
	"github.com/accelbench/kvbench/internal/report"
)

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run's per-request records to CSV or JSON",
	Long: `Export the per-request records of a catalogued run.

CSV output uses the records.csv layout of run directories. By default
exports to stdout. Use --file to write to a file.

Examples:
  kvbench export 5f0c... > records.csv
  kvbench export 5f0c... -o json --file records.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

var exportFile string

func init() {
	exportCmd.Flags().StringVar(&exportFile, "file", "", "Output file path (default: stdout)")
	RootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	rows, err := newClient().ListRecords(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if exportFile != "" {
		f, err := os.Create(exportFile)
		if err != nil {
			return fmt.Errorf("create file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch getFormat() {
	case format.FormatJSON:
		err = format.JSONTo(w, rows)
	default:
		err = report.WriteRows(w, rows)
	}
	if err != nil {
		return err
	}

	if exportFile != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d record(s) to %s\n", len(rows), exportFile)
	}
	return nil
}
