package report

import (
	"cmp"
	"slices"

	"github.com/accelbench/kvbench/internal/metrics"
)

// Group aggregates the runs of one tier at one sequence length.
type Group struct {
	Label     string `json:"label"`
	TotalLen  int    `json:"total_len"`
	Runs      int    `json:"runs"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`

	TTFTMeanMs *float64 `json:"ttft_mean_ms"`
	ITLMeanMs  *float64 `json:"itl_mean_ms"`
	E2EMeanMs  *float64 `json:"e2e_mean_ms"`
	// Worst p99 across the group's runs.
	TTFTP99Ms *float64 `json:"ttft_p99_ms"`
	E2EP99Ms  *float64 `json:"e2e_p99_ms"`
}

type groupKey struct {
	label    string
	totalLen int
}

type weighted struct {
	sum float64
	n   int
}

func (w *weighted) add(st metrics.Stats) {
	if st.Mean == nil || st.Count == 0 {
		return
	}
	w.sum += *st.Mean * float64(st.Count)
	w.n += st.Count
}

func (w weighted) mean() *float64 {
	if w.n == 0 {
		return nil
	}
	m := w.sum / float64(w.n)
	return &m
}

func worst(cur *float64, v *float64) *float64 {
	if v == nil {
		return cur
	}
	if cur == nil || *v > *cur {
		x := *v
		return &x
	}
	return cur
}

// Compare groups runs by tier label and total sequence length. Means are
// weighted by each run's sample count. Groups are ordered by label, then
// by total length.
func Compare(runs []metrics.RunSummary) []Group {
	type acc struct {
		g              Group
		ttft, itl, e2e weighted
	}
	byKey := make(map[groupKey]*acc)
	for _, s := range runs {
		k := groupKey{label: s.TierLabel, totalLen: s.Workload.TotalLen()}
		a, ok := byKey[k]
		if !ok {
			a = &acc{g: Group{Label: k.label, TotalLen: k.totalLen}}
			byKey[k] = a
		}
		a.g.Runs++
		a.g.Successes += s.SuccessCount
		a.g.Failures += s.FailureCount + s.TimedOutCount
		a.ttft.add(s.Stat(metrics.MetricTTFT))
		a.itl.add(s.Stat(metrics.MetricITL))
		a.e2e.add(s.Stat(metrics.MetricE2E))
		a.g.TTFTP99Ms = worst(a.g.TTFTP99Ms, s.Stat(metrics.MetricTTFT).P99)
		a.g.E2EP99Ms = worst(a.g.E2EP99Ms, s.Stat(metrics.MetricE2E).P99)
	}

	out := make([]Group, 0, len(byKey))
	for _, a := range byKey {
		a.g.TTFTMeanMs = a.ttft.mean()
		a.g.ITLMeanMs = a.itl.mean()
		a.g.E2EMeanMs = a.e2e.mean()
		out = append(out, a.g)
	}
	slices.SortFunc(out, func(x, y Group) int {
		return cmp.Or(cmp.Compare(x.Label, y.Label), cmp.Compare(x.TotalLen, y.TotalLen))
	})
	return out
}

// Summaries extracts the summaries of runs.
func Summaries(runs []Run) []metrics.RunSummary {
	out := make([]metrics.RunSummary, len(runs))
	for i, r := range runs {
		out[i] = r.Summary
	}
	return out
}
