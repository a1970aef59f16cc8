package database

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/accelbench/kvbench/internal/report"
)

// MockRepo is an in-memory implementation of Repo for testing.
type MockRepo struct {
	mu       sync.Mutex
	runs     map[string]*Run         // keyed by run ID
	requests map[string][]report.Row // keyed by run ID

	// FailCreate, when set, is returned by CreateRun.
	FailCreate error
}

// NewMockRepo creates a new MockRepo.
func NewMockRepo() *MockRepo {
	return &MockRepo{
		runs:     make(map[string]*Run),
		requests: make(map[string][]report.Row),
	}
}

// RunCount returns the number of stored runs (for test assertions).
func (m *MockRepo) RunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func (m *MockRepo) CreateRun(_ context.Context, run *Run, rows []report.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate != nil {
		return m.FailCreate
	}
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("insert run: duplicate id %s", run.ID)
	}
	run.CreatedAt = time.Now()
	stored := *run
	m.runs[run.ID] = &stored
	m.requests[run.ID] = slices.Clone(rows)
	return nil
}

func (m *MockRepo) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (m *MockRepo) ListRuns(_ context.Context, f RunFilter) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []Run
	for _, r := range m.runs {
		if f.Label != "" && r.Label != f.Label {
			continue
		}
		if f.Model != "" && !strings.Contains(strings.ToLower(r.Model), strings.ToLower(f.Model)) {
			continue
		}
		if f.PromptLen > 0 && r.PromptLen != f.PromptLen {
			continue
		}
		items = append(items, *r)
	}
	slices.SortFunc(items, func(a, b Run) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), cmp.Compare(a.ID, b.ID))
	})

	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return nil, nil
		}
		items = items[f.Offset:]
	}
	if limit := f.limit(); len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MockRepo) ListRequests(_ context.Context, runID string) ([]report.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	rows := slices.Clone(m.requests[runID])
	fillRunContext(run, rows)
	return rows, nil
}

func (m *MockRepo) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(m.runs, runID)
	delete(m.requests, runID)
	return nil
}

func (m *MockRepo) Close() error { return nil }
