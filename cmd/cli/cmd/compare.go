package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accelbench/kvbench/cmd/cli/format"
	"github.com/accelbench/kvbench/internal/metrics"
	"github.com/accelbench/kvbench/internal/report"
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare run directories across tiers and sequence lengths",
	Long: `Group the runs under a results directory by tier label and total sequence
length (prompt + generation) and compare their latency.

Means are weighted by each run's sample count; p99 columns report the worst
run of the group.

Examples:
  kvbench compare --dir results
  kvbench compare --labels gpu-only,cpu-offload --baseline gpu-only -o markdown`,
	Args: cobra.NoArgs,
	RunE: runCompare,
}

var (
	compareDir      string
	comparePattern  string
	compareLabels   string
	compareBaseline string
)

func init() {
	compareCmd.Flags().StringVar(&compareDir, "dir", "", "Results directory (default: run.output_dir)")
	compareCmd.Flags().StringVar(&comparePattern, "pattern", "*", "Glob selecting run directories")
	compareCmd.Flags().StringVar(&compareLabels, "labels", "", "Comma-separated tier labels to include")
	compareCmd.Flags().StringVar(&compareBaseline, "baseline", "", "Tier label the TTFT speedup column is relative to")
	RootCmd.AddCommand(compareCmd)
}

func runCompare(cmd *cobra.Command, args []string) error {
	dir := compareDir
	if dir == "" {
		dir = cfg.Run.OutputDir
	}
	runs, err := report.LoadAll(dir, comparePattern)
	if err != nil {
		return err
	}

	sums := report.Summaries(runs)
	if compareLabels != "" {
		wanted := strings.Split(compareLabels, ",")
		for i := range wanted {
			wanted[i] = strings.TrimSpace(wanted[i])
		}
		sums = slices.DeleteFunc(sums, func(s metrics.RunSummary) bool {
			return !slices.Contains(wanted, s.TierLabel)
		})
	}
	groups := report.Compare(sums)
	if len(groups) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No matching runs found for comparison.")
		return nil
	}

	w := cmd.OutOrStdout()
	if err := format.Render(w, getFormat(), compareHeaders(), compareRows(groups), groups); err != nil {
		return err
	}
	if getFormat() == format.FormatTable {
		fmt.Fprintf(cmd.ErrOrStderr(), "\n%d run(s) in %d group(s)\n", len(sums), len(groups))
	}
	return nil
}

func compareHeaders() []string {
	h := []string{
		"Label", "Total len", "Runs", "OK", "Failed",
		"TTFT mean", "TTFT p99", "ITL mean", "E2E mean", "E2E p99",
	}
	if compareBaseline != "" {
		h = append(h, "TTFT speedup")
	}
	return h
}

func compareRows(groups []report.Group) [][]string {
	base := make(map[int]*float64)
	for _, g := range groups {
		if g.Label == compareBaseline {
			base[g.TotalLen] = g.TTFTMeanMs
		}
	}
	rows := make([][]string, len(groups))
	for i, g := range groups {
		rows[i] = []string{
			g.Label,
			fmt.Sprint(g.TotalLen),
			fmt.Sprint(g.Runs),
			fmt.Sprint(g.Successes),
			fmt.Sprint(g.Failures),
			format.PtrF64(g.TTFTMeanMs, 1),
			format.PtrF64(g.TTFTP99Ms, 1),
			format.PtrF64(g.ITLMeanMs, 2),
			format.PtrF64(g.E2EMeanMs, 1),
			format.PtrF64(g.E2EP99Ms, 1),
		}
		if compareBaseline != "" {
			rows[i] = append(rows[i], speedup(base[g.TotalLen], g.TTFTMeanMs))
		}
	}
	return rows
}

func speedup(base, v *float64) string {
	if base == nil || v == nil || *v == 0 {
		return "-"
	}
	return format.F64(*base / *v, 2) + "x"
}
