package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/accelbench/kvbench/internal/metrics"
	"github.com/accelbench/kvbench/internal/record"
	"github.com/accelbench/kvbench/internal/report"
	"github.com/accelbench/kvbench/internal/workload"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newRun builds a summarized run and its rows for the given tier.
func newRun(label, model string, prompt int, startOffset time.Duration) (*Run, []report.Row) {
	spec := workload.Spec{PromptTokens: prompt, GenerationTokens: 100, RequestCount: 2,
		Arrival: workload.ArrivalPolicy{Kind: workload.PolicyFixed, Concurrency: 1}}
	start := base.Add(startOffset)

	ok := record.New(0, start)
	ok.AddChunk(start.Add(40 * time.Millisecond))
	ok.AddChunk(start.Add(50 * time.Millisecond))
	ok.Attempts = 1
	ok.HTTPStatus = 200
	ok.OutputTokens = 2
	ok.Succeed()

	bad := record.New(1, start)
	bad.Attempts = 2
	bad.HTTPStatus = 500
	bad.Fail("http 500: boom")

	records := []record.RequestRecord{ok, bad}
	sum := metrics.Summarize(metrics.RunMeta{
		RunID:      uuid.NewString(),
		Label:      label,
		Model:      model,
		Workload:   spec,
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	}, records)
	return RunFromSummary(sum, "/results/"+report.RunDirName(sum)), report.Rows(sum, records)
}

// seedRuns stores four runs across two tiers and two models.
func seedRuns(t *testing.T, repo Repo) []*Run {
	t.Helper()
	ctx := context.Background()
	var runs []*Run
	for i, tc := range []struct {
		label, model string
		prompt       int
	}{
		{"gpu-only", "meta-llama/Llama-3-8B", 1000},
		{"gpu-only", "meta-llama/Llama-3-8B", 4000},
		{"cpu-offload", "mistralai/Mistral-7B-v0.1", 1000},
		{"cpu-offload", "mistralai/Mistral-7B-v0.1", 4000},
	} {
		run, rows := newRun(tc.label, tc.model, tc.prompt, time.Duration(i)*time.Minute)
		if err := repo.CreateRun(ctx, run, rows); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		runs = append(runs, run)
	}
	return runs
}

// repoSuite exercises a Repo implementation.
func repoSuite(t *testing.T, open func(t *testing.T) Repo) {
	t.Run("GetRun", func(t *testing.T) {
		repo := open(t)
		runs := seedRuns(t, repo)
		got, err := repo.GetRun(context.Background(), runs[0].ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Label != "gpu-only" || got.PromptLen != 1000 || got.GenLen != 100 {
			t.Errorf("unexpected run: %+v", got)
		}
		if got.SuccessCount != 1 || got.FailureCount != 1 {
			t.Errorf("expected 1 success and 1 failure, got %d/%d", got.SuccessCount, got.FailureCount)
		}
		if got.TTFTMeanMs == nil || *got.TTFTMeanMs != 40 {
			t.Errorf("expected ttft mean 40, got %v", got.TTFTMeanMs)
		}
		if got.ArrivalPolicy != "fixed(k=1)" {
			t.Errorf("unexpected arrival policy %q", got.ArrivalPolicy)
		}
		if !got.StartedAt.Equal(base) {
			t.Errorf("expected started_at %v, got %v", base, got.StartedAt)
		}
		if got.CreatedAt.IsZero() {
			t.Error("expected created_at to be set")
		}
	})

	t.Run("GetRun_NotFound", func(t *testing.T) {
		repo := open(t)
		_, err := repo.GetRun(context.Background(), uuid.NewString())
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListRuns_NoFilter", func(t *testing.T) {
		repo := open(t)
		seedRuns(t, repo)
		items, err := repo.ListRuns(context.Background(), RunFilter{})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(items) != 4 {
			t.Fatalf("expected 4 runs, got %d", len(items))
		}
		for i := 1; i < len(items); i++ {
			if items[i].StartedAt.After(items[i-1].StartedAt) {
				t.Error("expected newest first")
			}
		}
	})

	t.Run("ListRuns_Filters", func(t *testing.T) {
		repo := open(t)
		seedRuns(t, repo)
		ctx := context.Background()

		items, err := repo.ListRuns(ctx, RunFilter{Label: "cpu-offload"})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(items) != 2 {
			t.Errorf("expected 2 cpu-offload runs, got %d", len(items))
		}

		items, err = repo.ListRuns(ctx, RunFilter{Model: "LLAMA"})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(items) != 2 {
			t.Errorf("expected 2 llama runs, got %d", len(items))
		}
		for _, item := range items {
			if item.Model != "meta-llama/Llama-3-8B" {
				t.Errorf("unexpected model: %s", item.Model)
			}
		}

		items, err = repo.ListRuns(ctx, RunFilter{Label: "gpu-only", PromptLen: 4000})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(items) != 1 || items[0].PromptLen != 4000 {
			t.Errorf("expected the 4000-token gpu-only run, got %+v", items)
		}
	})

	t.Run("ListRuns_Pagination", func(t *testing.T) {
		repo := open(t)
		seedRuns(t, repo)
		ctx := context.Background()

		items, err := repo.ListRuns(ctx, RunFilter{Limit: 3})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(items) != 3 {
			t.Errorf("expected 3 runs with limit 3, got %d", len(items))
		}
		items, err = repo.ListRuns(ctx, RunFilter{Limit: 3, Offset: 3})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(items) != 1 {
			t.Errorf("expected 1 run with offset 3, got %d", len(items))
		}
		items, err = repo.ListRuns(ctx, RunFilter{Offset: 100})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(items) != 0 {
			t.Errorf("expected no runs for offset beyond total, got %d", len(items))
		}
	})

	t.Run("ListRequests", func(t *testing.T) {
		repo := open(t)
		runs := seedRuns(t, repo)
		rows, err := repo.ListRequests(context.Background(), runs[1].ID)
		if err != nil {
			t.Fatalf("ListRequests: %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(rows))
		}
		if rows[0].RequestID != 0 || rows[0].Status != "success" || rows[0].TTFTMs == nil || *rows[0].TTFTMs != 40 {
			t.Errorf("unexpected first row: %+v", rows[0])
		}
		if rows[0].TotalLen != 4100 || rows[0].Label != "gpu-only" {
			t.Errorf("expected run context on rows, got %+v", rows[0])
		}
		if rows[1].TTFTMs != nil || rows[1].ErrorDetail != "http 500: boom" || rows[1].Attempts != 2 {
			t.Errorf("unexpected failed row: %+v", rows[1])
		}
	})

	t.Run("DeleteRun", func(t *testing.T) {
		repo := open(t)
		runs := seedRuns(t, repo)
		ctx := context.Background()

		if err := repo.DeleteRun(ctx, runs[0].ID); err != nil {
			t.Fatalf("DeleteRun: %v", err)
		}
		if _, err := repo.GetRun(ctx, runs[0].ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected run to be deleted, got %v", err)
		}
		if _, err := repo.ListRequests(ctx, runs[0].ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected requests to be deleted, got %v", err)
		}
		if err := repo.DeleteRun(ctx, runs[0].ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("CreateRun_Duplicate", func(t *testing.T) {
		repo := open(t)
		runs := seedRuns(t, repo)
		if err := repo.CreateRun(context.Background(), runs[0], nil); err == nil {
			t.Error("expected duplicate run id to fail")
		}
	})
}

func TestMockRepo(t *testing.T) {
	repoSuite(t, func(t *testing.T) Repo { return NewMockRepo() })
}

func TestSQLiteRepository(t *testing.T) {
	repoSuite(t, func(t *testing.T) Repo {
		path := filepath.Join(t.TempDir(), "catalog", "kvbench.db")
		repo, err := Open(context.Background(), "sqlite://"+path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { repo.Close() })
		return repo
	})
}

// TestPostgresRepository runs against a real server when
// KVBENCH_TEST_POSTGRES_URL is set. Each subtest truncates the tables.
func TestPostgresRepository(t *testing.T) {
	url := os.Getenv("KVBENCH_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("KVBENCH_TEST_POSTGRES_URL not set")
	}
	repoSuite(t, func(t *testing.T) Repo {
		ctx := context.Background()
		repo, err := Open(ctx, url)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		pg := repo.(*Repository)
		if _, err := pg.pool.Exec(ctx, `TRUNCATE run_requests, runs`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { repo.Close() })
		return repo
	})
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	for _, url := range []string{"", "mysql://localhost/db"} {
		if _, err := Open(context.Background(), url); err == nil {
			t.Errorf("expected error for %q", url)
		}
	}
}

func TestMockRepo_FailCreate(t *testing.T) {
	repo := NewMockRepo()
	repo.FailCreate = fmt.Errorf("disk full")
	run, rows := newRun("x", "m", 10, 0)
	if err := repo.CreateRun(context.Background(), run, rows); err == nil {
		t.Fatal("expected error")
	}
	if repo.RunCount() != 0 {
		t.Error("expected nothing stored")
	}
}

func TestRunFromSummary(t *testing.T) {
	run, rows := newRun("disk-offload", "llama", 2000, 0)
	if run.ResultDir == "" || run.NumRequests != 2 || run.DispatchedCount != 2 {
		t.Errorf("unexpected run: %+v", run)
	}
	if run.E2EMeanMs == nil || *run.E2EMeanMs != 50 {
		t.Errorf("expected e2e mean 50, got %v", run.E2EMeanMs)
	}
	if run.ITLMeanMs == nil || *run.ITLMeanMs != 10 {
		t.Errorf("expected itl mean 10, got %v", run.ITLMeanMs)
	}
	if run.OutputTokensPerSecond == nil || *run.OutputTokensPerSecond != 2 {
		t.Errorf("expected 2 tok/s, got %v", run.OutputTokensPerSecond)
	}
	if len(rows) != 2 || rows[0].TotalLen != 2100 {
		t.Errorf("unexpected rows: %+v", rows)
	}
}
