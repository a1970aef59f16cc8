package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/accelbench/kvbench/internal/logging"
	"github.com/accelbench/kvbench/internal/mockserver"
	"github.com/accelbench/kvbench/internal/workload"
)

const testPlan = `
runs:
  - label: gpu-only
    prompt_lens: [100, 200]
  - label: cpu-offload
    prompt_len: 300
    gen_len: 5
    num_requests: 2
    warmup: false
`

func TestParsePlan_Expand(t *testing.T) {
	plan, err := ParsePlan([]byte(testPlan))
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	base := testRunConfig("http://localhost:8000/v1")
	base.RunID = "fixed"
	base.Warmup = true

	runs, err := plan.Expand(base)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	want := []struct {
		label  string
		prompt int
		gen    int
		n      int
		warmup bool
	}{
		{"gpu-only", 100, 3, 4, true},
		{"gpu-only", 200, 3, 4, true},
		{"cpu-offload", 300, 5, 2, false},
	}
	for i, w := range want {
		r := runs[i]
		if r.Label != w.label || r.Workload.PromptTokens != w.prompt ||
			r.Workload.GenerationTokens != w.gen || r.Workload.RequestCount != w.n || r.Warmup != w.warmup {
			t.Errorf("run %d: unexpected config %+v", i, r)
		}
		if r.RunID != "" {
			t.Errorf("run %d: expected fresh run id, got %q", i, r.RunID)
		}
		if r.Workload.Arrival.Kind != workload.PolicyFixed || r.Workload.Arrival.Concurrency != 2 {
			t.Errorf("run %d: expected inherited arrival policy, got %+v", i, r.Workload.Arrival)
		}
	}
}

func TestParsePlan_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":         "runs: []\n",
		"unknown field": "runs:\n  - label: x\n    prompt_length: 10\n",
		"not yaml":      "runs: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePlan([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPlan_ExpandInvalid(t *testing.T) {
	plan, err := ParsePlan([]byte("runs:\n  - arrival: poisson\n"))
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if _, err := plan.Expand(testRunConfig("http://localhost:8000/v1")); err == nil {
		t.Error("expected poisson without rate to be rejected")
	}
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(testPlan), 0o644); err != nil {
		t.Fatal(err)
	}
	plan, err := LoadPlan(path)
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if len(plan.Runs) != 2 {
		t.Errorf("expected 2 entries, got %d", len(plan.Runs))
	}
	if _, err := LoadPlan(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSweep(t *testing.T) {
	_, srv := startMock(t, mockserver.Config{Chunks: 2})
	out := t.TempDir()
	o := New(out, WithLogger(logging.Discard()))

	plan, err := ParsePlan([]byte(testPlan))
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	runs, err := plan.Expand(testRunConfig(srv.URL + "/v1"))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}

	outcomes, err := o.Sweep(context.Background(), runs)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	seen := map[string]bool{}
	for _, oc := range outcomes {
		if seen[oc.Dir] {
			t.Errorf("run directory reused: %s", oc.Dir)
		}
		seen[oc.Dir] = true
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 run directories, got %d", len(entries))
	}
}

func TestSweep_StopsOnCancelledContext(t *testing.T) {
	o := New(t.TempDir(), WithLogger(logging.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := o.Sweep(ctx, []RunConfig{testRunConfig("http://127.0.0.1:1/v1")})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(outcomes) != 0 {
		t.Errorf("expected no outcomes, got %d", len(outcomes))
	}
}
