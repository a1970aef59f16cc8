package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accelbench/kvbench/cmd/cli/format"
	"github.com/accelbench/kvbench/internal/database"
	"github.com/accelbench/kvbench/internal/metrics"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Browse runs stored in the results catalog",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalogued runs, newest first",
	Long: `List runs from the results API.

Examples:
  kvbench runs list --label cpu-offload
  kvbench runs list --model llama --prompt-len 4000 -o json`,
	Args: cobra.NoArgs,
	RunE: runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run's statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run and its request records from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var (
	runsLabel     string
	runsModel     string
	runsPromptLen int
	runsLimit     int
	runsOffset    int
)

func init() {
	runsListCmd.Flags().StringVar(&runsLabel, "label", "", "Filter by tier label")
	runsListCmd.Flags().StringVar(&runsModel, "model", "", "Filter by model (substring match)")
	runsListCmd.Flags().IntVar(&runsPromptLen, "prompt-len", 0, "Filter by prompt length")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 0, "Maximum results to return")
	runsListCmd.Flags().IntVar(&runsOffset, "offset", 0, "Results to skip")
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd)
	RootCmd.AddCommand(runsCmd)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	runs, err := newClient().ListRuns(cmd.Context(), database.RunFilter{
		Label:     runsLabel,
		Model:     runsModel,
		PromptLen: runsPromptLen,
		Limit:     runsLimit,
		Offset:    runsOffset,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 && getFormat() == format.FormatTable {
		fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
		return nil
	}

	headers := []string{"ID", "Label", "Model", "Prompt", "Gen", "Arrival", "OK", "Failed", "TTFT mean", "ITL mean", "E2E p99", "Started"}
	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			r.ID,
			r.Label,
			truncate(r.Model, 36),
			fmt.Sprint(r.PromptLen),
			fmt.Sprint(r.GenLen),
			r.ArrivalPolicy,
			fmt.Sprint(r.SuccessCount),
			fmt.Sprint(r.FailureCount + r.TimedOutCount),
			format.PtrF64(r.TTFTMeanMs, 1),
			format.PtrF64(r.ITLMeanMs, 2),
			format.PtrF64(r.E2EP99Ms, 1),
			r.StartedAt.Format("2006-01-02 15:04"),
		}
	}
	return format.Render(cmd.OutOrStdout(), getFormat(), headers, rows, runs)
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	run, err := newClient().GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	f := getFormat()
	if f == format.FormatJSON {
		return format.JSONTo(w, run)
	}
	if f != format.FormatCSV {
		fmt.Fprintf(w, "Run %s\n", run.ID)
		fmt.Fprintf(w, "  Label:     %s\n", run.Label)
		fmt.Fprintf(w, "  Model:     %s\n", run.Model)
		if run.DeviceName != "" || run.CacheDtype != "" {
			fmt.Fprintf(w, "  Device:    %s (kv dtype %s)\n", orDash(run.DeviceName), orDash(run.CacheDtype))
		}
		fmt.Fprintf(w, "  Workload:  prompt=%d gen=%d requests=%d %s\n", run.PromptLen, run.GenLen, run.NumRequests, run.ArrivalPolicy)
		fmt.Fprintf(w, "  Requests:  %d succeeded, %d failed, %d timed out, %d dispatched\n",
			run.SuccessCount, run.FailureCount, run.TimedOutCount, run.DispatchedCount)
		fmt.Fprintf(w, "  Started:   %s (%.1fs)\n", run.StartedAt.Format("2006-01-02 15:04:05"), run.WallSeconds)
		fmt.Fprintf(w, "  Results:   %s\n\n", run.ResultDir)
	}

	headers := []string{"METRIC", "MEAN", "P50", "P90", "P99"}
	rows := [][]string{
		{metrics.MetricTTFT, format.PtrF64(run.TTFTMeanMs, 2), format.PtrF64(run.TTFTP50Ms, 2), format.PtrF64(run.TTFTP90Ms, 2), format.PtrF64(run.TTFTP99Ms, 2)},
		{metrics.MetricITL, format.PtrF64(run.ITLMeanMs, 2), format.PtrF64(run.ITLP50Ms, 2), format.PtrF64(run.ITLP90Ms, 2), format.PtrF64(run.ITLP99Ms, 2)},
		{metrics.MetricE2E, format.PtrF64(run.E2EMeanMs, 2), format.PtrF64(run.E2EP50Ms, 2), format.PtrF64(run.E2EP90Ms, 2), format.PtrF64(run.E2EP99Ms, 2)},
	}
	return format.Render(w, f, headers, rows, run)
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	if err := newClient().DeleteRun(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
