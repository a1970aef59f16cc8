package database

import (
	"time"

	"github.com/accelbench/kvbench/internal/metrics"
	"github.com/accelbench/kvbench/internal/report"
)

// Run is one benchmark run in the results catalog.
type Run struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	Model         string `json:"model"`
	DeviceName    string `json:"device_name"`
	CacheDtype    string `json:"cache_dtype"`
	PromptLen     int    `json:"prompt_len"`
	GenLen        int    `json:"gen_len"`
	NumRequests   int    `json:"num_requests"`
	ArrivalPolicy string `json:"arrival_policy"`

	SuccessCount    int  `json:"success_count"`
	FailureCount    int  `json:"failure_count"`
	TimedOutCount   int  `json:"timed_out_count"`
	DispatchedCount int  `json:"dispatched_count"`
	Cancelled       bool `json:"cancelled"`

	TTFTMeanMs *float64 `json:"ttft_mean_ms,omitempty"`
	TTFTP50Ms  *float64 `json:"ttft_p50_ms,omitempty"`
	TTFTP90Ms  *float64 `json:"ttft_p90_ms,omitempty"`
	TTFTP99Ms  *float64 `json:"ttft_p99_ms,omitempty"`
	ITLMeanMs  *float64 `json:"itl_mean_ms,omitempty"`
	ITLP50Ms   *float64 `json:"itl_p50_ms,omitempty"`
	ITLP90Ms   *float64 `json:"itl_p90_ms,omitempty"`
	ITLP99Ms   *float64 `json:"itl_p99_ms,omitempty"`
	E2EMeanMs  *float64 `json:"e2e_mean_ms,omitempty"`
	E2EP50Ms   *float64 `json:"e2e_p50_ms,omitempty"`
	E2EP90Ms   *float64 `json:"e2e_p90_ms,omitempty"`
	E2EP99Ms   *float64 `json:"e2e_p99_ms,omitempty"`

	OutputTokensPerSecond *float64 `json:"output_tokens_per_second,omitempty"`
	RequestsPerSecond     *float64 `json:"requests_per_second,omitempty"`
	WallSeconds           float64  `json:"wall_seconds"`

	ResultDir  string    `json:"result_dir"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// runColumns lists the columns of the runs table in the order of
// (*Run).fields, excluding created_at.
const runColumns = `id, label, model, device_name, cache_dtype,
	prompt_len, gen_len, num_requests, arrival_policy,
	success_count, failure_count, timed_out_count, dispatched_count, cancelled,
	ttft_mean_ms, ttft_p50_ms, ttft_p90_ms, ttft_p99_ms,
	itl_mean_ms, itl_p50_ms, itl_p90_ms, itl_p99_ms,
	e2e_mean_ms, e2e_p50_ms, e2e_p90_ms, e2e_p99_ms,
	output_tokens_per_second, requests_per_second, wall_seconds,
	result_dir, started_at, finished_at`

// fields returns pointers to the persisted fields in runColumns order.
// They serve both as insert arguments and as scan destinations.
func (r *Run) fields() []any {
	return []any{
		&r.ID, &r.Label, &r.Model, &r.DeviceName, &r.CacheDtype,
		&r.PromptLen, &r.GenLen, &r.NumRequests, &r.ArrivalPolicy,
		&r.SuccessCount, &r.FailureCount, &r.TimedOutCount, &r.DispatchedCount, &r.Cancelled,
		&r.TTFTMeanMs, &r.TTFTP50Ms, &r.TTFTP90Ms, &r.TTFTP99Ms,
		&r.ITLMeanMs, &r.ITLP50Ms, &r.ITLP90Ms, &r.ITLP99Ms,
		&r.E2EMeanMs, &r.E2EP50Ms, &r.E2EP90Ms, &r.E2EP99Ms,
		&r.OutputTokensPerSecond, &r.RequestsPerSecond, &r.WallSeconds,
		&r.ResultDir, &r.StartedAt, &r.FinishedAt,
	}
}

// requestColumns lists the columns of run_requests after run_id.
var requestColumns = []string{
	"request_id", "status", "attempts", "http_status",
	"ttft_ms", "e2e_ms", "itl_mean_ms", "itl_p50_ms", "itl_max_ms",
	"chunk_count", "output_tokens", "error_detail",
}

func requestFields(row *report.Row) []any {
	return []any{
		&row.RequestID, &row.Status, &row.Attempts, &row.HTTPStatus,
		&row.TTFTMs, &row.E2EMs, &row.ITLMeanMs, &row.ITLP50Ms, &row.ITLMaxMs,
		&row.ChunkCount, &row.OutputTokens, &row.ErrorDetail,
	}
}

// fillRunContext copies the run-level columns into rows read back from
// run_requests.
func fillRunContext(run *Run, rows []report.Row) {
	for i := range rows {
		rows[i].Label = run.Label
		rows[i].PromptLen = run.PromptLen
		rows[i].GenLen = run.GenLen
		rows[i].TotalLen = run.PromptLen + run.GenLen
	}
}

// RunFromSummary builds the catalog entry of a summarized run stored in
// resultDir.
func RunFromSummary(sum metrics.RunSummary, resultDir string) *Run {
	ttft := sum.Stat(metrics.MetricTTFT)
	itl := sum.Stat(metrics.MetricITL)
	e2e := sum.Stat(metrics.MetricE2E)
	return &Run{
		ID:                    sum.RunID,
		Label:                 sum.TierLabel,
		Model:                 sum.Model,
		DeviceName:            sum.DeviceName,
		CacheDtype:            sum.CacheDtype,
		PromptLen:             sum.Workload.PromptTokens,
		GenLen:                sum.Workload.GenerationTokens,
		NumRequests:           sum.Workload.RequestCount,
		ArrivalPolicy:         sum.Workload.Arrival.String(),
		SuccessCount:          sum.SuccessCount,
		FailureCount:          sum.FailureCount,
		TimedOutCount:         sum.TimedOutCount,
		DispatchedCount:       sum.DispatchedCount,
		Cancelled:             sum.Cancelled,
		TTFTMeanMs:            ttft.Mean,
		TTFTP50Ms:             ttft.P50,
		TTFTP90Ms:             ttft.P90,
		TTFTP99Ms:             ttft.P99,
		ITLMeanMs:             itl.Mean,
		ITLP50Ms:              itl.P50,
		ITLP90Ms:              itl.P90,
		ITLP99Ms:              itl.P99,
		E2EMeanMs:             e2e.Mean,
		E2EP50Ms:              e2e.P50,
		E2EP90Ms:              e2e.P90,
		E2EP99Ms:              e2e.P99,
		OutputTokensPerSecond: sum.OutputTokensPerSecond,
		RequestsPerSecond:     sum.RequestsPerSecond,
		WallSeconds:           sum.WallSeconds,
		ResultDir:             resultDir,
		StartedAt:             sum.StartedAt.UTC(),
		FinishedAt:            sum.FinishedAt.UTC(),
	}
}
