package report

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/accelbench/kvbench/internal/metrics"
)

// ErrNoRuns is returned when no run directory matches.
var ErrNoRuns = errors.New("no runs found")

// Run is a run directory read back from disk.
type Run struct {
	Dir     string
	Summary metrics.RunSummary
}

// Load reads the summary of the run stored in dir.
func Load(dir string) (*metrics.RunSummary, error) {
	b, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var sum metrics.RunSummary
	if err := json.Unmarshal(b, &sum); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Join(dir, SummaryFile), err)
	}
	return &sum, nil
}

// ReadRecords reads the per-request rows of the run stored in dir.
func ReadRecords(dir string) ([]Row, error) {
	f, err := os.Open(filepath.Join(dir, RecordsFile))
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	defer f.Close()
	return parseRecords(f)
}

func parseRecords(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, h := range RecordHeader {
		if _, ok := col[h]; !ok {
			return nil, fmt.Errorf("records: missing column %q", h)
		}
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read records: %w", err)
		}
		p := rowParser{rec: rec, col: col}
		row := Row{
			RequestID:    p.i64("request_id"),
			Label:        p.str("label"),
			PromptLen:    p.num("prompt_len"),
			GenLen:       p.num("gen_len"),
			TotalLen:     p.num("total_len"),
			Status:       p.str("status"),
			Attempts:     p.num("attempts"),
			HTTPStatus:   p.num("http_status"),
			TTFTMs:       p.f64("ttft_ms"),
			E2EMs:        p.f64("e2e_ms"),
			ITLMeanMs:    p.f64("itl_mean_ms"),
			ITLP50Ms:     p.f64("itl_p50_ms"),
			ITLMaxMs:     p.f64("itl_max_ms"),
			ChunkCount:   p.num("chunk_count"),
			OutputTokens: p.num("output_tokens"),
			ErrorDetail:  p.str("error_detail"),
		}
		if p.err != nil {
			return nil, fmt.Errorf("records line %d: %w", len(rows)+2, p.err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

type rowParser struct {
	rec []string
	col map[string]int
	err error
}

func (p *rowParser) str(name string) string {
	return p.rec[p.col[name]]
}

func (p *rowParser) i64(name string) int64 {
	v, err := strconv.ParseInt(p.str(name), 10, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", name, err)
	}
	return v
}

func (p *rowParser) num(name string) int {
	return int(p.i64(name))
}

func (p *rowParser) f64(name string) *float64 {
	s := p.str(name)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
	return &v
}

// Find returns the run directories under root whose names match pattern
// and that hold a summary, in lexical order.
func Find(root, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(root, pattern))
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	var dirs []string
	for _, m := range matches {
		if _, err := os.Stat(filepath.Join(m, SummaryFile)); err == nil {
			dirs = append(dirs, m)
		}
	}
	slices.Sort(dirs)
	return dirs, nil
}

// LoadAll loads every run matched by Find.
func LoadAll(root, pattern string) ([]Run, error) {
	dirs, err := Find(root, pattern)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w under %s matching %q", ErrNoRuns, root, pattern)
	}
	runs := make([]Run, 0, len(dirs))
	for _, d := range dirs {
		sum, err := Load(d)
		if err != nil {
			return nil, err
		}
		runs = append(runs, Run{Dir: d, Summary: *sum})
	}
	return runs, nil
}

// Latest returns the most recently started run with the given tier label.
// An empty label matches every run.
func Latest(root, label string) (*Run, error) {
	pattern := "*"
	if label != "" {
		pattern = sanitize(label) + "_*"
	}
	runs, err := LoadAll(root, pattern)
	if err != nil {
		return nil, err
	}
	var best *Run
	for i := range runs {
		r := &runs[i]
		if label != "" && r.Summary.TierLabel != label {
			continue
		}
		if best == nil || r.Summary.StartedAt.After(best.Summary.StartedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w for label %q", ErrNoRuns, label)
	}
	return best, nil
}
