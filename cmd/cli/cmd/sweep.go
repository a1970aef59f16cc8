package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accelbench/kvbench/cmd/cli/format"
	"github.com/accelbench/kvbench/internal/metrics"
	"github.com/accelbench/kvbench/internal/orchestrator"
	"github.com/accelbench/kvbench/internal/report"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a plan of benchmarks back to back",
	Long: `Run every entry of a YAML plan in order and compare the results.

Entries inherit the run flags and override what they set. prompt_lens
expands an entry into one run per prompt length:

  runs:
    - label: gpu-only
      prompt_lens: [1000, 4000, 16000]
    - label: cpu-offload
      prompt_lens: [1000, 4000, 16000]
      concurrency: 4

The sweep stops at the first setup failure or when interrupted.

Examples:
  kvbench sweep --plan tiers.yaml --gen-len 100 --num-requests 20`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var sweepPlan string

func init() {
	sweepCmd.Flags().StringVar(&sweepPlan, "plan", "", "YAML plan file (required)")
	_ = sweepCmd.MarkFlagRequired("plan")
	addRunFlags(sweepCmd.Flags())
	RootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	plan, err := orchestrator.LoadPlan(sweepPlan)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	runs, err := plan.Expand(runConfigFrom(cfg))
	if err != nil {
		return err
	}
	orch, closeSinks, err := newOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer closeSinks()

	var outcomes []*orchestrator.Outcome
	runErr := withTelemetry(cmd.Context(), func(ctx context.Context) error {
		var err error
		outcomes, err = orch.Sweep(ctx, runs)
		return err
	})

	sums := make([]metrics.RunSummary, 0, len(outcomes))
	for _, out := range outcomes {
		warnSinks(cmd.Context(), out)
		sums = append(sums, out.Summary)
	}
	if len(sums) > 0 {
		groups := report.Compare(sums)
		if err := format.Render(cmd.OutOrStdout(), getFormat(), compareHeaders(), compareRows(groups), groups); err != nil {
			return err
		}
	}
	if errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Sweep interrupted after %d of %d run(s)\n", len(outcomes), len(runs))
		return nil
	}
	return runErr
}
