// Package orchestrator runs benchmarks end to end: setup checks, warmup,
// load generation, aggregation, and delivery to the configured sinks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/accelbench/kvbench/internal/database"
	"github.com/accelbench/kvbench/internal/loadgen"
	"github.com/accelbench/kvbench/internal/logging"
	"github.com/accelbench/kvbench/internal/metrics"
	"github.com/accelbench/kvbench/internal/monitor"
	"github.com/accelbench/kvbench/internal/record"
	"github.com/accelbench/kvbench/internal/report"
	"github.com/accelbench/kvbench/internal/stream"
	"github.com/accelbench/kvbench/internal/telemetry"
	"github.com/accelbench/kvbench/internal/workload"
)

// Setup failures. Execute wraps them with the underlying cause.
var (
	ErrEndpointUnreachable = errors.New("inference endpoint unreachable")
	ErrOutputNotWritable   = errors.New("output directory not writable")
	ErrNoModel             = errors.New("no model configured and the endpoint lists none")
)

const defaultReadinessPoll = time.Second

// RunConfig holds everything needed to execute one benchmark run.
type RunConfig struct {
	// RunID is generated when empty.
	RunID      string
	Label      string
	DeviceName string
	CacheDtype string
	Workload   workload.Spec
	Stream     stream.Config

	// StartupGrace is how long to wait for the endpoint to answer before
	// giving up.
	StartupGrace  time.Duration
	ReadinessPoll time.Duration
	Warmup        bool

	DrainTimeout time.Duration
	Retry        loadgen.Retry

	// MetricsURL enables the cache monitor.
	MetricsURL      string
	MonitorInterval time.Duration
}

// Uploader copies a finished run directory to remote storage.
type Uploader interface {
	UploadDir(ctx context.Context, dir string) ([]string, error)
}

// Outcome is the result of a run that got past setup.
type Outcome struct {
	Summary metrics.RunSummary
	Dir     string
	Records []record.RequestRecord
	// Warnings joins failures of the optional sinks. The run directory is
	// complete regardless.
	Warnings error
}

// Orchestrator manages the benchmark lifecycle.
type Orchestrator struct {
	writer   *report.Writer
	repo     database.Repo
	uploader Uploader
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // runID → cancel
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRepo persists every run to the results catalog.
func WithRepo(repo database.Repo) Option {
	return func(o *Orchestrator) { o.repo = repo }
}

// WithUploader uploads every run directory.
func WithUploader(u Uploader) Option {
	return func(o *Orchestrator) { o.uploader = u }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator writing run directories under outputDir.
func New(outputDir string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		writer:  report.NewWriter(outputDir),
		logger:  slog.Default(),
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CancelRun stops dispatching new requests for a running benchmark.
// Returns true if the run was found.
func (o *Orchestrator) CancelRun(runID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Execute runs the full benchmark lifecycle: check → warmup → load → aggregate → write → sinks.
//
// Errors are returned only for setup failures and for failure to write the
// run directory. Per-request failures are part of the outcome. Cancelling
// ctx stops dispatching; the partial run is still aggregated and written.
func (o *Orchestrator) Execute(ctx context.Context, cfg RunConfig) (*Outcome, error) {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if err := cfg.Workload.Validate(); err != nil {
		return nil, err
	}
	cfg.Stream.MaxTokens = cfg.Workload.GenerationTokens

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancels[cfg.RunID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, cfg.RunID)
		o.mu.Unlock()
	}()

	ctx = logging.WithTier(logging.WithRunID(ctx, cfg.RunID), cfg.Label)
	log := o.logger

	// Phase 1: setup checks.
	if err := o.writer.CheckWritable(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutputNotWritable, err)
	}
	client := stream.New(cfg.Stream)
	client, err := o.waitForReady(ctx, client, cfg)
	if err != nil {
		telemetry.RecordRun(cfg.Label, "setup_failed")
		return nil, err
	}

	prompts := workload.NewGenerator(cfg.Workload)

	// Phase 2: warmup, not recorded.
	if cfg.Warmup {
		rec := client.Do(ctx, -1, prompts.Prompt(0))
		log.InfoContext(ctx, "warmup finished",
			slog.String("status", string(rec.Status)),
			slog.Int("chunks", len(rec.Chunks)))
		if rec.Status != record.StatusSuccess {
			log.WarnContext(ctx, "warmup request did not succeed", slog.String("detail", rec.ErrorDetail))
		}
	}

	// Phase 3: load generation with the cache monitor alongside.
	var scraper *monitor.Scraper
	if cfg.MetricsURL != "" {
		scraper = monitor.NewScraper(cfg.MetricsURL, cfg.MonitorInterval, log)
		scraper.Start(ctx)
	}

	ctl, err := loadgen.New(client, prompts, cfg.Workload, loadgen.Options{
		DrainTimeout: cfg.DrainTimeout,
		Retry:        cfg.Retry,
		OnDispatch:   func(int64) { telemetry.RecordDispatch(cfg.Label) },
		OnRecord:     func(rec record.RequestRecord) { telemetry.RecordRequest(cfg.Label, rec) },
		Logger:       log,
	})
	if err != nil {
		if scraper != nil {
			scraper.Stop()
		}
		return nil, err
	}

	log.InfoContext(ctx, "starting run",
		slog.String("model", client.Model()),
		slog.Int("prompt_len", cfg.Workload.PromptTokens),
		slog.Int("gen_len", cfg.Workload.GenerationTokens),
		slog.Int("num_requests", cfg.Workload.RequestCount),
		slog.String("arrival", cfg.Workload.Arrival.String()))

	started := time.Now()
	res := ctl.Run(ctx)
	finished := time.Now()

	var cache *monitor.CacheStats
	if scraper != nil {
		cache = scraper.Stop()
	}

	// Phase 4: aggregate and write.
	sum := metrics.Summarize(metrics.RunMeta{
		RunID:      cfg.RunID,
		Label:      cfg.Label,
		Model:      client.Model(),
		DeviceName: cfg.DeviceName,
		CacheDtype: cfg.CacheDtype,
		Workload:   cfg.Workload,
		StartedAt:  started,
		FinishedAt: finished,
		Cancelled:  res.Cancelled,
		Dispatched: res.Dispatched,
	}, res.Records)
	sum.Cache = cache

	outcome := "completed"
	if res.Cancelled {
		outcome = "cancelled"
	}
	telemetry.RecordRun(cfg.Label, outcome)

	dir, err := o.writer.Write(sum, res.Records)
	if err != nil {
		return nil, fmt.Errorf("write run directory: %w", err)
	}
	log.InfoContext(ctx, "run finished",
		slog.String("dir", dir),
		slog.Int("success", sum.SuccessCount),
		slog.Int("failed", sum.FailureCount),
		slog.Int("timed_out", sum.TimedOutCount),
		slog.Bool("cancelled", sum.Cancelled))

	// Phase 5: optional sinks. They run even when the run was cancelled.
	out := &Outcome{Summary: sum, Dir: dir, Records: res.Records}
	out.Warnings = o.deliver(context.WithoutCancel(ctx), sum, res.Records, dir)
	return out, nil
}

func (o *Orchestrator) deliver(ctx context.Context, sum metrics.RunSummary, records []record.RequestRecord, dir string) error {
	var errs []error
	if o.repo != nil {
		if err := o.repo.CreateRun(ctx, database.RunFromSummary(sum, dir), report.Rows(sum, records)); err != nil {
			o.logger.WarnContext(ctx, "failed to persist run", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("persist run: %w", err))
		}
	}
	if o.uploader != nil {
		if _, err := o.uploader.UploadDir(ctx, dir); err != nil {
			o.logger.WarnContext(ctx, "failed to upload run", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("upload run: %w", err))
		}
	}
	return errors.Join(errs...)
}

// waitForReady polls the endpoint until it lists its models or its health
// route answers, and resolves the model when none is configured.
func (o *Orchestrator) waitForReady(ctx context.Context, client *stream.Client, cfg RunConfig) (*stream.Client, error) {
	poll := cfg.ReadinessPoll
	if poll <= 0 {
		poll = defaultReadinessPoll
	}
	deadline := time.Now().Add(cfg.StartupGrace)

	var lastErr error
	for {
		models, err := client.ListModels(ctx)
		if err == nil {
			if client.Model() == "" {
				if len(models) == 0 {
					return nil, ErrNoModel
				}
				o.logger.InfoContext(ctx, "using served model", slog.String("model", models[0]))
				client = client.WithModel(models[0])
			}
			return client, nil
		}
		lastErr = err
		if herr := client.Health(ctx); herr == nil {
			if client.Model() == "" {
				return nil, fmt.Errorf("%w: %w", ErrNoModel, err)
			}
			return client, nil
		}

		if !time.Now().Add(poll).Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrEndpointUnreachable, ctx.Err())
		case <-time.After(poll):
		}
	}
	return nil, fmt.Errorf("%w after %s: %w", ErrEndpointUnreachable, cfg.StartupGrace, lastErr)
}
