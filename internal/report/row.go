package report

import (
	"strconv"

	"github.com/accelbench/kvbench/internal/metrics"
	"github.com/accelbench/kvbench/internal/record"
)

// Row is the flattened form of one request record. Latency fields are nil
// unless the request succeeded.
type Row struct {
	RequestID    int64    `json:"request_id"`
	Label        string   `json:"label"`
	PromptLen    int      `json:"prompt_len"`
	GenLen       int      `json:"gen_len"`
	TotalLen     int      `json:"total_len"`
	Status       string   `json:"status"`
	Attempts     int      `json:"attempts"`
	HTTPStatus   int      `json:"http_status"`
	TTFTMs       *float64 `json:"ttft_ms"`
	E2EMs        *float64 `json:"e2e_ms"`
	ITLMeanMs    *float64 `json:"itl_mean_ms"`
	ITLP50Ms     *float64 `json:"itl_p50_ms"`
	ITLMaxMs     *float64 `json:"itl_max_ms"`
	ChunkCount   int      `json:"chunk_count"`
	OutputTokens int      `json:"output_tokens"`
	ErrorDetail  string   `json:"error_detail"`
}

// Rows flattens records in the context of their run.
func Rows(sum metrics.RunSummary, records []record.RequestRecord) []Row {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		r := Row{
			RequestID:    rec.ID,
			Label:        sum.TierLabel,
			PromptLen:    sum.Workload.PromptTokens,
			GenLen:       sum.Workload.GenerationTokens,
			TotalLen:     sum.Workload.TotalLen(),
			Status:       string(rec.Status),
			Attempts:     rec.Attempts,
			HTTPStatus:   rec.HTTPStatus,
			ChunkCount:   len(rec.Chunks),
			OutputTokens: rec.OutputTokens,
			ErrorDetail:  rec.ErrorDetail,
		}
		if l, ok := metrics.Extract(rec); ok {
			ttft := l.TTFT.Seconds() * 1000
			e2e := l.E2E.Seconds() * 1000
			r.TTFTMs, r.E2EMs = &ttft, &e2e
			gaps := make([]float64, len(l.ITL))
			for i, g := range l.ITL {
				gaps[i] = g.Seconds() * 1000
			}
			st := metrics.Compute(gaps)
			r.ITLMeanMs, r.ITLP50Ms, r.ITLMaxMs = st.Mean, st.P50, st.Max
		}
		rows = append(rows, r)
	}
	return rows
}

func (r Row) csv() []string {
	return []string{
		strconv.FormatInt(r.RequestID, 10),
		r.Label,
		strconv.Itoa(r.PromptLen),
		strconv.Itoa(r.GenLen),
		strconv.Itoa(r.TotalLen),
		r.Status,
		strconv.Itoa(r.Attempts),
		strconv.Itoa(r.HTTPStatus),
		fmtMs(r.TTFTMs),
		fmtMs(r.E2EMs),
		fmtMs(r.ITLMeanMs),
		fmtMs(r.ITLP50Ms),
		fmtMs(r.ITLMaxMs),
		strconv.Itoa(r.ChunkCount),
		strconv.Itoa(r.OutputTokens),
		r.ErrorDetail,
	}
}
