package database

import (
	"context"
	"errors"

	"github.com/accelbench/kvbench/internal/report"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Repo defines the results catalog operations.
// *Repository (Postgres) and *SQLiteRepository satisfy this interface. Use
// it as a dependency in consumers to enable testing with mocks.
type Repo interface {
	// CreateRun stores a run and its per-request rows atomically.
	CreateRun(ctx context.Context, run *Run, rows []report.Row) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]Run, error)
	ListRequests(ctx context.Context, runID string) ([]report.Row, error)
	DeleteRun(ctx context.Context, runID string) error
	Close() error
}

// RunFilter holds optional filters for listing runs.
type RunFilter struct {
	Label     string // exact tier label
	Model     string // case-insensitive substring of the model name
	PromptLen int
	Limit     int
	Offset    int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (f RunFilter) limit() int {
	if f.Limit > 0 && f.Limit <= maxListLimit {
		return f.Limit
	}
	return defaultListLimit
}

// Compile-time checks.
var (
	_ Repo = (*Repository)(nil)
	_ Repo = (*SQLiteRepository)(nil)
	_ Repo = (*MockRepo)(nil)
)
