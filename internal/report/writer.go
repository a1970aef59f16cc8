// Package report persists run results as one directory per run and reads
// them back for cross-run comparison.
package report

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/accelbench/kvbench/internal/metrics"
	"github.com/accelbench/kvbench/internal/record"
)

// Files written into every run directory.
const (
	RecordsFile = "records.csv"
	SummaryFile = "summary.json"
	ChunksFile  = "chunks.jsonl"
)

const timestampLayout = "20060102T150405Z"

// RecordHeader is the column layout of records.csv.
var RecordHeader = []string{
	"request_id", "label", "prompt_len", "gen_len", "total_len",
	"status", "attempts", "http_status",
	"ttft_ms", "e2e_ms", "itl_mean_ms", "itl_p50_ms", "itl_max_ms",
	"chunk_count", "output_tokens", "error_detail",
}

// Writer creates run directories under a root directory.
type Writer struct {
	root string
}

// NewWriter returns a writer rooted at root.
func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

// Root returns the output root.
func (w *Writer) Root() string { return w.root }

// CheckWritable creates the root if needed and verifies files can be
// created in it.
func (w *Writer) CheckWritable() error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.CreateTemp(w.root, ".kvbench-probe-*")
	if err != nil {
		return fmt.Errorf("output dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// RunDirName is the directory name of a run: the sanitized tier label, the
// UTC start time and a run id prefix.
func RunDirName(sum metrics.RunSummary) string {
	id := sum.RunID
	if len(id) > 8 {
		id = id[:8]
	}
	name := sanitize(sum.TierLabel) + "_" + sum.StartedAt.UTC().Format(timestampLayout)
	if id != "" {
		name += "_" + id
	}
	return name
}

func sanitize(label string) string {
	if label == "" {
		return "run"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '-'
	}, label)
}

// Write creates a fresh run directory and stores the summary and records
// in it. It never writes into an existing directory. The directory path is
// returned even when a later file fails so the caller can report it.
func (w *Writer) Write(sum metrics.RunSummary, records []record.RequestRecord) (string, error) {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	dir := filepath.Join(w.root, RunDirName(sum))
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("run directory %s already exists", dir)
		}
		return "", fmt.Errorf("create run dir: %w", err)
	}

	rows := Rows(sum, records)
	if err := writeFile(dir, RecordsFile, func(f *os.File) error { return WriteRows(f, rows) }); err != nil {
		return dir, err
	}
	if err := writeFile(dir, ChunksFile, func(f *os.File) error { return writeChunks(f, records) }); err != nil {
		return dir, err
	}
	// The summary goes last: its presence marks a complete run directory.
	if err := writeFile(dir, SummaryFile, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}); err != nil {
		return dir, err
	}
	return dir, nil
}

func writeFile(dir, name string, fill func(*os.File) error) error {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err := fill(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

// WriteRows writes rows in the records.csv layout.
func WriteRows(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(RecordHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.csv()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type chunkLine struct {
	RequestID      int64     `json:"request_id"`
	Status         string    `json:"status"`
	ChunkOffsetsMs []float64 `json:"chunk_offsets_ms"`
}

func writeChunks(f *os.File, records []record.RequestRecord) error {
	enc := json.NewEncoder(f)
	for _, rec := range records {
		offs := rec.ChunkOffsets()
		line := chunkLine{RequestID: rec.ID, Status: string(rec.Status), ChunkOffsetsMs: make([]float64, len(offs))}
		for i, d := range offs {
			line.ChunkOffsetsMs[i] = float64(d.Microseconds()) / 1000
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func fmtMs(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', 3, 64)
}
