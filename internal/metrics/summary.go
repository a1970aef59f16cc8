// Package metrics turns request records into latency breakdowns and
// per-run statistical summaries.
package metrics

import (
	"math"
	"slices"
	"time"

	"github.com/accelbench/kvbench/internal/monitor"
	"github.com/accelbench/kvbench/internal/record"
	"github.com/accelbench/kvbench/internal/workload"
)

// Metric names used as keys of RunSummary.Statistics.
const (
	MetricTTFT = "ttft_ms"
	MetricITL  = "itl_ms"
	MetricE2E  = "e2e_ms"
	MetricTPOT = "tpot_ms"
)

// MetricNames lists the summarized metrics in display order.
var MetricNames = []string{MetricTTFT, MetricITL, MetricE2E, MetricTPOT}

// Stats summarizes one metric over a run. Every field except Count is nil
// when the sample is empty.
type Stats struct {
	Count int      `json:"count"`
	Mean  *float64 `json:"mean"`
	P50   *float64 `json:"p50"`
	P90   *float64 `json:"p90"`
	P99   *float64 `json:"p99"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
}

// RunMeta identifies a run and carries the facts only the caller knows.
type RunMeta struct {
	RunID      string
	Label      string
	Model      string
	DeviceName string
	CacheDtype string
	Workload   workload.Spec
	StartedAt  time.Time
	FinishedAt time.Time
	Cancelled  bool
	Dispatched int
}

// RunSummary is the aggregate result of one run.
type RunSummary struct {
	RunID           string           `json:"run_id"`
	TierLabel       string           `json:"tier_label"`
	Model           string           `json:"model"`
	DeviceName      string           `json:"device_name"`
	CacheDtype      string           `json:"cache_dtype"`
	Workload        workload.Spec    `json:"workload"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	WallSeconds     float64          `json:"wall_seconds"`
	Statistics      map[string]Stats `json:"per_metric_statistics"`
	SuccessCount    int              `json:"success_count"`
	FailureCount    int              `json:"failure_count"`
	TimedOutCount   int              `json:"timed_out_count"`
	DispatchedCount int              `json:"dispatched_count"`
	Cancelled       bool             `json:"cancelled"`

	OutputTokensPerSecond *float64 `json:"output_tokens_per_second"`
	RequestsPerSecond     *float64 `json:"requests_per_second"`

	Cache *monitor.CacheStats `json:"cache,omitempty"`
}

// Stat returns the statistics of the named metric.
func (s RunSummary) Stat(name string) Stats {
	return s.Statistics[name]
}

// Summarize reduces a run's records into a RunSummary. The result depends
// only on the set of records, not on their order.
func Summarize(meta RunMeta, records []record.RequestRecord) RunSummary {
	s := RunSummary{
		RunID:           meta.RunID,
		TierLabel:       meta.Label,
		Model:           meta.Model,
		DeviceName:      meta.DeviceName,
		CacheDtype:      meta.CacheDtype,
		Workload:        meta.Workload,
		StartedAt:       meta.StartedAt,
		FinishedAt:      meta.FinishedAt,
		WallSeconds:     meta.FinishedAt.Sub(meta.StartedAt).Seconds(),
		DispatchedCount: meta.Dispatched,
		Cancelled:       meta.Cancelled,
	}
	if s.DispatchedCount == 0 {
		s.DispatchedCount = len(records)
	}

	var ttfts, itls, e2es, tpots []float64
	var outputTokens int
	for _, rec := range records {
		switch rec.Status {
		case record.StatusTimedOut:
			s.TimedOutCount++
			continue
		case record.StatusSuccess:
		default:
			s.FailureCount++
			continue
		}
		l, ok := Extract(rec)
		if !ok {
			s.FailureCount++
			continue
		}
		s.SuccessCount++
		outputTokens += rec.OutputTokens
		ttfts = append(ttfts, ms(l.TTFT))
		e2es = append(e2es, ms(l.E2E))
		for _, g := range l.ITL {
			itls = append(itls, ms(g))
		}
		if tpot, ok := l.TPOT(); ok {
			tpots = append(tpots, ms(tpot))
		}
	}

	s.Statistics = map[string]Stats{
		MetricTTFT: Compute(ttfts),
		MetricITL:  Compute(itls),
		MetricE2E:  Compute(e2es),
		MetricTPOT: Compute(tpots),
	}

	if s.SuccessCount > 0 && s.WallSeconds > 0 {
		tps := float64(outputTokens) / s.WallSeconds
		rps := float64(s.SuccessCount) / s.WallSeconds
		s.OutputTokensPerSecond = &tps
		s.RequestsPerSecond = &rps
	}
	return s
}

// Compute returns the mean, nearest-rank percentiles and extremes of vals.
// The mean is summed over the sorted sample so repeated aggregation of the
// same values is bit-identical regardless of input order.
func Compute(vals []float64) Stats {
	st := Stats{Count: len(vals)}
	if len(vals) == 0 {
		return st
	}
	sorted := slices.Clone(vals)
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))
	p50 := percentile(sorted, 50)
	p90 := percentile(sorted, 90)
	p99 := percentile(sorted, 99)
	lo, hi := sorted[0], sorted[len(sorted)-1]

	st.Mean, st.P50, st.P90, st.P99, st.Min, st.Max = &mean, &p50, &p90, &p99, &lo, &hi
	return st
}

// percentile computes the p-th percentile from a sorted slice using
// the nearest-rank method.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p / 100.0) * float64(len(sorted))
	idx := int(math.Ceil(rank)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
