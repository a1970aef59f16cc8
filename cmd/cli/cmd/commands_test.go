package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/accelbench/kvbench/internal/api"
	"github.com/accelbench/kvbench/internal/database"
	"github.com/accelbench/kvbench/internal/logging"
	"github.com/accelbench/kvbench/internal/mockserver"
	"github.com/accelbench/kvbench/internal/report"
)

// resetFlags restores every flag to its default so commands run in one
// process do not leak settings into each other.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs the CLI with args and returns what it printed to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(RootCmd)
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(io.Discard)
	RootCmd.SetArgs(append(args, "--log-level", "error"))
	err := RootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func startMock(t *testing.T, cfg mockserver.Config) string {
	t.Helper()
	srv := httptest.NewServer(mockserver.New(cfg))
	t.Cleanup(srv.Close)
	return srv.URL
}

func runArgs(base, outDir, label string, extra ...string) []string {
	return append([]string{
		"run",
		"--api-base", base + "/v1",
		"--output-dir", outDir,
		"--label", label,
		"--prompt-len", "20",
		"--gen-len", "3",
		"--num-requests", "3",
		"--concurrency", "2",
		"--startup-grace", "2s",
		"--request-timeout", "5s",
	}, extra...)
}

func TestRunCommand(t *testing.T) {
	base := startMock(t, mockserver.Config{Chunks: 3, ChunkDelay: time.Millisecond})
	outDir := t.TempDir()

	out, err := execute(t, runArgs(base, outDir, "gpu-only", "--metrics-url", base+"/metrics")...)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "3 succeeded, 0 failed, 0 timed out") {
		t.Errorf("expected success counts in output:\n%s", out)
	}
	if !strings.Contains(out, "ttft_ms") {
		t.Errorf("expected statistics table in output:\n%s", out)
	}

	runs, err := report.LoadAll(outDir, "*")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run directory, got %d", len(runs))
	}
	sum := runs[0].Summary
	if sum.TierLabel != "gpu-only" || sum.Model != "mock-model" || sum.Workload.RequestCount != 3 {
		t.Errorf("unexpected summary: %+v", sum)
	}
}

func TestRunCommand_JSON(t *testing.T) {
	base := startMock(t, mockserver.Config{Chunks: 3})
	out, err := execute(t, append(runArgs(base, t.TempDir(), "cpu-offload"), "-o", "json")...)
	if err != nil {
		t.Fatal(err)
	}
	var res struct {
		Dir     string `json:"dir"`
		Summary struct {
			TierLabel    string `json:"tier_label"`
			SuccessCount int    `json:"success_count"`
		} `json:"summary"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if res.Dir == "" || res.Summary.TierLabel != "cpu-offload" || res.Summary.SuccessCount != 3 {
		t.Errorf("unexpected output: %+v", res)
	}
}

func TestRunCommand_RequestFailuresExitZero(t *testing.T) {
	base := startMock(t, mockserver.Config{FailStatus: 500})
	out, err := execute(t, append(runArgs(base, t.TempDir(), "disk-offload"), "--warmup=false")...)
	if err != nil {
		t.Fatalf("expected failed requests not to fail the command, got %v", err)
	}
	if !strings.Contains(out, "0 succeeded, 3 failed") {
		t.Errorf("expected failure counts in output:\n%s", out)
	}
}

func TestRunCommand_TimeoutsCountedSeparately(t *testing.T) {
	base := startMock(t, mockserver.Config{InitialDelay: 500 * time.Millisecond})
	out, err := execute(t, append(runArgs(base, t.TempDir(), "disk-offload"),
		"--warmup=false", "--request-timeout", "100ms")...)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "0 succeeded, 0 failed, 3 timed out") {
		t.Errorf("expected timeouts reported next to failures:\n%s", out)
	}
}

func TestRunCommand_SetupFailures(t *testing.T) {
	closed := httptest.NewServer(mockserver.New(mockserver.Config{}))
	closedURL := closed.URL
	closed.Close()
	base := startMock(t, mockserver.Config{})

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"unreachable", append(runArgs(closedURL, t.TempDir(), "x"), "--startup-grace", "100ms")},
		{"output not writable", runArgs(base, filepath.Join(file, "sub"), "x")},
		{"poisson without rate", append(runArgs(base, t.TempDir(), "x"), "--arrival", "poisson")},
		{"bad endpoint", append(runArgs(base, t.TempDir(), "x"), "--endpoint", "embeddings")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunCommand_Catalog(t *testing.T) {
	base := startMock(t, mockserver.Config{Chunks: 2})
	dbPath := filepath.Join(t.TempDir(), "kvbench.db")

	if _, err := execute(t, append(runArgs(base, t.TempDir(), "gpu-only"), "--database-url", dbPath)...); err != nil {
		t.Fatal(err)
	}

	repo, err := database.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()
	runs, err := repo.ListRuns(context.Background(), database.RunFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Label != "gpu-only" || runs[0].SuccessCount != 3 {
		t.Errorf("unexpected catalog: %+v", runs)
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	if _, err := execute(t, "analyze", "-o", "yaml"); err == nil {
		t.Error("expected error for unknown output format")
	}
}

func TestCompareCommand(t *testing.T) {
	base := startMock(t, mockserver.Config{Chunks: 3})
	outDir := t.TempDir()
	for _, label := range []string{"gpu-only", "cpu-offload", "cpu-offload"} {
		if _, err := execute(t, runArgs(base, outDir, label)...); err != nil {
			t.Fatal(err)
		}
	}

	out, err := execute(t, "compare", "--dir", outDir, "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	var groups []report.Group
	if err := json.Unmarshal([]byte(out), &groups); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Label != "cpu-offload" || groups[0].Runs != 2 || groups[0].TotalLen != 23 {
		t.Errorf("unexpected first group: %+v", groups[0])
	}

	out, err = execute(t, "compare", "--dir", outDir, "--labels", "gpu-only", "--baseline", "gpu-only")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "cpu-offload") {
		t.Errorf("expected label filter to drop cpu-offload:\n%s", out)
	}
	if !strings.Contains(out, "1.00x") {
		t.Errorf("expected baseline speedup column:\n%s", out)
	}
}

func TestCompareCommand_NoRuns(t *testing.T) {
	if _, err := execute(t, "compare", "--dir", t.TempDir()); err == nil {
		t.Error("expected error for empty results directory")
	}
}

func TestSweepCommand(t *testing.T) {
	base := startMock(t, mockserver.Config{Chunks: 3})
	outDir := t.TempDir()
	plan := filepath.Join(t.TempDir(), "plan.yaml")
	data := `runs:
  - label: gpu-only
    prompt_lens: [10, 20]
  - label: cpu-offload
    prompt_len: 10
    concurrency: 1
`
	if err := os.WriteFile(plan, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	args := append([]string{"sweep", "--plan", plan}, runArgs(base, outDir, "ignored")[1:]...)
	out, err := execute(t, append(args, "--warmup=false")...)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "gpu-only") || !strings.Contains(out, "cpu-offload") {
		t.Errorf("expected both tiers in output:\n%s", out)
	}

	runs, err := report.LoadAll(outDir, "*")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Errorf("expected 3 run directories, got %d", len(runs))
	}
}

func TestSweepCommand_BadPlan(t *testing.T) {
	plan := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(plan, []byte("runs:\n  - tier: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "sweep", "--plan", plan); err == nil {
		t.Error("expected error for unknown plan field")
	}
}

func TestAnalyzeCommand_Scenarios(t *testing.T) {
	out, err := execute(t, "analyze")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"compute-bound", "io-bound", "speedup", "slowdown"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestAnalyzeCommand_Prefill(t *testing.T) {
	out, err := execute(t, "analyze", "--mode", "prefill", "--n", "2000", "--r", "50", "--t", "100", "--alpha", "0.9", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	var rows []analysisRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if len(rows) != 1 || rows[0].Prefill == nil {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	p := rows[0].Prefill
	if p.E != 2 || p.Regime != "io-bound" {
		t.Errorf("unexpected result: %+v", p)
	}
}

func TestAnalyzeCommand_Decode(t *testing.T) {
	out, err := execute(t, "analyze", "--mode", "decode", "--n", "1000", "--r", "0.1", "--t", "200", "--alpha", "0.8")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "compute-bound") || !strings.Contains(out, "1.00x slowdown") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestAnalyzeCommand_Baseline(t *testing.T) {
	base := startMock(t, mockserver.Config{Chunks: 3})
	outDir := t.TempDir()
	if _, err := execute(t, runArgs(base, outDir, "gpu-only")...); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "analyze", "--dir", outDir, "--baseline-label", "gpu-only", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	var rows []analysisRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if len(rows) != 1 || rows[0].Prefill == nil || rows[0].Prefill.N != 20 {
		t.Errorf("expected prefill derived from the 20-token baseline, got %+v", rows)
	}
	if !strings.HasPrefix(rows[0].Name, "baseline ") {
		t.Errorf("unexpected name %q", rows[0].Name)
	}

	if _, err := execute(t, "analyze", "--dir", outDir, "--baseline-label", "disk-offload"); err == nil {
		t.Error("expected error for missing baseline")
	}
}

func TestAnalyzeCommand_TierBandwidth(t *testing.T) {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/meta-llama/Llama-3.1-8B/resolve/main/config.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"hidden_size": 4096, "num_attention_heads": 32, "num_key_value_heads": 8, "num_hidden_layers": 32, "torch_dtype": "bfloat16"}`))
	}))
	defer hub.Close()

	out, err := execute(t, "analyze", "--mode", "prefill", "--hf-endpoint", hub.URL,
		"--hf-model", "meta-llama/Llama-3.1-8B", "--tier-bandwidth-gbps", "25", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	var rows []analysisRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if len(rows) != 1 || rows[0].Prefill == nil {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	// 2 * 32 layers * 8 heads * 128 dims * 2 bytes at 25 GB/s.
	if r := rows[0].Prefill.R; r < 5.2428 || r > 5.2429 {
		t.Errorf("r = %v, want 5.24288", r)
	}

	if _, err := execute(t, "analyze", "--mode", "prefill", "--tier-bandwidth-gbps", "25"); err == nil {
		t.Error("expected error without a model to size")
	}
}

func TestAnalyzeCommand_UnknownMode(t *testing.T) {
	if _, err := execute(t, "analyze", "--mode", "train"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

// startAPI serves the results API over an in-memory catalog with one run.
func startAPI(t *testing.T) (*database.MockRepo, string) {
	t.Helper()
	repo := database.NewMockRepo()
	ttft := 42.0
	run := &database.Run{
		ID: "run-1", Label: "cpu-offload", Model: "meta-llama/Llama-3.1-8B",
		PromptLen: 4000, GenLen: 100, NumRequests: 2, ArrivalPolicy: "fixed(k=1)",
		SuccessCount: 1, FailureCount: 1, TTFTMeanMs: &ttft,
		StartedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	rows := []report.Row{
		{RequestID: 0, Status: "success", Attempts: 1, HTTPStatus: 200, TTFTMs: &ttft, ChunkCount: 3, OutputTokens: 3},
		{RequestID: 1, Status: "failed", Attempts: 1, HTTPStatus: 500, ErrorDetail: "http 500: boom"},
	}
	if err := repo.CreateRun(context.Background(), run, rows); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(api.NewServer(repo, logging.Discard()).Handler())
	t.Cleanup(srv.Close)
	return repo, srv.URL
}

func TestRunsList(t *testing.T) {
	_, url := startAPI(t)

	out, err := execute(t, "runs", "list", "--api-url", url)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "run-1") || !strings.Contains(out, "fixed(k=1)") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = execute(t, "runs", "list", "--api-url", url, "--label", "gpu-only", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("expected empty JSON array, got %s", out)
	}
}

func TestRunsShow(t *testing.T) {
	_, url := startAPI(t)

	out, err := execute(t, "runs", "show", "run-1", "--api-url", url)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "cpu-offload") || !strings.Contains(out, "42.00") {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := execute(t, "runs", "show", "missing", "--api-url", url); err == nil {
		t.Error("expected error for missing run")
	}
}

func TestRunsDelete(t *testing.T) {
	repo, url := startAPI(t)
	if _, err := execute(t, "runs", "delete", "run-1", "--api-url", url); err != nil {
		t.Fatal(err)
	}
	if repo.RunCount() != 0 {
		t.Errorf("expected run deleted, %d left", repo.RunCount())
	}
}

func TestExportCommand(t *testing.T) {
	_, url := startAPI(t)

	out, err := execute(t, "export", "run-1", "--api-url", url)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 records, got %d lines:\n%s", len(lines), out)
	}
	if lines[0] != strings.Join(report.RecordHeader, ",") {
		t.Errorf("unexpected header: %s", lines[0])
	}

	file := filepath.Join(t.TempDir(), "records.json")
	if _, err := execute(t, "export", "run-1", "--api-url", url, "-o", "json", "--file", file); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	var rows []report.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Label != "cpu-offload" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}
