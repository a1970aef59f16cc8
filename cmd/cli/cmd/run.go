package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/accelbench/kvbench/cmd/cli/format"
	"github.com/accelbench/kvbench/internal/config"
	"github.com/accelbench/kvbench/internal/database"
	"github.com/accelbench/kvbench/internal/loadgen"
	"github.com/accelbench/kvbench/internal/metrics"
	"github.com/accelbench/kvbench/internal/orchestrator"
	"github.com/accelbench/kvbench/internal/storage"
	"github.com/accelbench/kvbench/internal/stream"
	"github.com/accelbench/kvbench/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one benchmark against an inference endpoint",
	Long: `Run a workload against a streaming OpenAI-compatible endpoint and write
the run directory (summary.json, records.csv, chunks.jsonl).

Individual request failures are recorded in the results and do not change
the exit status. Setup failures (endpoint unreachable, output directory
not writable, invalid workload) exit non-zero.

Examples:
  kvbench run --label gpu-only --prompt-len 4000 --gen-len 100 --num-requests 50
  kvbench run --label cpu-offload --arrival poisson --rate 2 --metrics-url http://localhost:8000/metrics`,
	Args: cobra.NoArgs,
	RunE: runBenchmark,
}

func init() {
	addRunFlags(runCmd.Flags())
	RootCmd.AddCommand(runCmd)
}

// addRunFlags registers the flags shared by run and sweep. Values are read
// back through config.Load, so only the defaults live here.
func addRunFlags(fs *pflag.FlagSet) {
	d := config.Default()

	fs.String("api-base", d.API.Base, "Base URL of the OpenAI-compatible API")
	fs.String("api-key", d.API.Key, "Bearer token sent to the endpoint")
	fs.String("model", d.API.Model, "Model name (default: first model listed by the endpoint)")
	fs.String("endpoint", d.API.Endpoint, "Completion API: chat or completions")
	fs.Duration("request-timeout", d.API.RequestTimeout, "Per-request timeout (0 derives it from --gen-len)")
	fs.Duration("startup-grace", d.API.StartupGrace, "How long to wait for the endpoint to become ready")
	fs.Bool("ignore-eos", d.API.IgnoreEOS, "Ask the server to generate exactly --gen-len tokens")

	fs.Int("prompt-len", d.Workload.PromptLen, "Prompt length in tokens")
	fs.Int("gen-len", d.Workload.GenLen, "Generation length in tokens")
	fs.Int("num-requests", d.Workload.NumRequests, "Number of measured requests")
	fs.String("prompt-mode", d.Workload.PromptMode, "Prompt content: repeat (shared prefix) or random")
	fs.String("arrival", d.Workload.Arrival, "Arrival policy: fixed or poisson")
	fs.Int("concurrency", d.Workload.Concurrency, "In-flight requests for fixed arrival")
	fs.Float64("rate", d.Workload.Rate, "Mean requests per second for poisson arrival")
	fs.Float64("max-rate", d.Workload.MaxRate, "Upper bound on dispatches per second (0 disables)")
	fs.Uint64("seed", d.Workload.Seed, "Seed for random prompts and poisson gaps (0 picks one)")

	fs.String("label", d.Run.Label, "Tier label, e.g. gpu-only, cpu-offload, disk-offload")
	fs.String("device-name", d.Run.DeviceName, "Accelerator the server runs on, recorded in the summary")
	fs.String("cache-dtype", d.Run.CacheDtype, "KV-cache dtype, recorded in the summary")
	fs.String("output-dir", d.Run.OutputDir, "Directory run directories are written under")
	fs.Duration("drain-timeout", d.Run.DrainTimeout, "How long in-flight requests may run after cancellation (0 waits)")
	fs.Int("retries", d.Run.Retries, "Retries for requests that fail before streaming")
	fs.Duration("retry-backoff", d.Run.RetryBackoff, "Delay before each retry")
	fs.Bool("warmup", d.Run.Warmup, "Send one unmeasured request before the run")

	fs.String("metrics-url", d.Monitor.MetricsURL, "Server Prometheus endpoint to sample KV-cache usage from")
	fs.Duration("monitor-interval", d.Monitor.Interval, "Cache monitor sampling interval")
	fs.String("database-url", d.Database.URL, "Results catalog: postgres:// URL or SQLite path")
	fs.String("s3-bucket", d.S3.Bucket, "Upload run directories to this bucket")
	fs.String("s3-prefix", d.S3.Prefix, "Key prefix for uploads")
	fs.String("s3-region", d.S3.Region, "AWS region of the bucket")
	fs.String("telemetry-addr", d.Telemetry.Addr, "Expose harness metrics on this address during the run")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	orch, closeSinks, err := newOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	defer closeSinks()

	var out *orchestrator.Outcome
	err = withTelemetry(cmd.Context(), func(ctx context.Context) error {
		var err error
		out, err = orch.Execute(ctx, runConfigFrom(cfg))
		return err
	})
	if err != nil {
		return err
	}
	warnSinks(cmd.Context(), out)
	return printSummary(cmd.OutOrStdout(), getFormat(), out)
}

// runConfigFrom maps the flat configuration onto a run.
func runConfigFrom(c *config.Config) orchestrator.RunConfig {
	return orchestrator.RunConfig{
		Label:      c.Run.Label,
		DeviceName: c.Run.DeviceName,
		CacheDtype: c.Run.CacheDtype,
		Workload:   c.WorkloadSpec(),
		Stream: stream.Config{
			APIBase:   c.API.Base,
			APIKey:    c.API.Key,
			Model:     c.API.Model,
			Endpoint:  stream.Endpoint(c.API.Endpoint),
			IgnoreEOS: c.API.IgnoreEOS,
			Timeout:   c.API.RequestTimeout,
		},
		StartupGrace:    c.API.StartupGrace,
		Warmup:          c.Run.Warmup,
		DrainTimeout:    c.Run.DrainTimeout,
		Retry:           loadgen.Retry{Max: c.Run.Retries, Backoff: c.Run.RetryBackoff},
		MetricsURL:      c.Monitor.MetricsURL,
		MonitorInterval: c.Monitor.Interval,
	}
}

// newOrchestrator wires the configured sinks. The returned func closes them.
func newOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, func(), error) {
	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	closeFn := func() {}

	if cfg.Database.URL != "" {
		repo, err := database.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("open results catalog: %w", err)
		}
		opts = append(opts, orchestrator.WithRepo(repo))
		closeFn = func() { repo.Close() }
	}
	if cfg.S3.Bucket != "" {
		up, err := storage.NewUploader(ctx, cfg.S3.Bucket, cfg.S3.Prefix, cfg.S3.Region, logger)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		opts = append(opts, orchestrator.WithUploader(up))
	}
	return orchestrator.New(cfg.Run.OutputDir, opts...), closeFn, nil
}

// withTelemetry runs fn while the harness metrics endpoint is served, if
// one is configured. A listener failure aborts fn.
func withTelemetry(ctx context.Context, fn func(context.Context) error) error {
	if cfg.Telemetry.Addr == "" {
		return fn(ctx)
	}
	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stop := context.WithCancel(gctx)
	g.Go(func() error { return telemetry.Serve(srvCtx, cfg.Telemetry.Addr, logger) })
	g.Go(func() error {
		defer stop()
		return fn(gctx)
	})
	return g.Wait()
}

func warnSinks(ctx context.Context, out *orchestrator.Outcome) {
	if out.Warnings != nil {
		logger.WarnContext(ctx, "run written but not fully delivered",
			slog.String("dir", out.Dir),
			slog.String("error", out.Warnings.Error()))
	}
}

var statHeaders = []string{"METRIC", "COUNT", "MEAN", "P50", "P90", "P99", "MIN", "MAX"}

func statRows(sum metrics.RunSummary) [][]string {
	rows := make([][]string, 0, len(metrics.MetricNames))
	for _, name := range metrics.MetricNames {
		st := sum.Stat(name)
		rows = append(rows, []string{
			name,
			fmt.Sprint(st.Count),
			format.PtrF64(st.Mean, 2),
			format.PtrF64(st.P50, 2),
			format.PtrF64(st.P90, 2),
			format.PtrF64(st.P99, 2),
			format.PtrF64(st.Min, 2),
			format.PtrF64(st.Max, 2),
		})
	}
	return rows
}

func printSummary(w io.Writer, f format.OutputFormat, out *orchestrator.Outcome) error {
	sum := out.Summary
	if f == format.FormatJSON {
		return format.JSONTo(w, struct {
			Dir     string             `json:"dir"`
			Summary metrics.RunSummary `json:"summary"`
		}{out.Dir, sum})
	}
	if f == format.FormatTable || f == format.FormatMarkdown {
		fmt.Fprintf(w, "Run %s (%s, %s)\n", sum.RunID, sum.TierLabel, sum.Workload.Arrival)
		fmt.Fprintf(w, "  Model:     %s\n", sum.Model)
		fmt.Fprintf(w, "  Workload:  prompt=%d gen=%d requests=%d\n",
			sum.Workload.PromptTokens, sum.Workload.GenerationTokens, sum.Workload.RequestCount)
		fmt.Fprintf(w, "  Requests:  %d succeeded, %d failed, %d timed out, %d dispatched\n",
			sum.SuccessCount, sum.FailureCount, sum.TimedOutCount, sum.DispatchedCount)
		fmt.Fprintf(w, "  Wall:      %.2fs  Output: %s tok/s\n", sum.WallSeconds, format.PtrF64(sum.OutputTokensPerSecond, 1))
		if sum.Cache != nil && sum.Cache.UsagePeakPct != nil {
			fmt.Fprintf(w, "  KV cache:  peak %.1f%% usage\n", *sum.Cache.UsagePeakPct)
		}
		if sum.Cancelled {
			fmt.Fprintln(w, "  Cancelled before all requests were dispatched")
		}
		fmt.Fprintf(w, "  Results:   %s\n\n", out.Dir)
	}
	return format.Render(w, f, statHeaders, statRows(sum), nil)
}

