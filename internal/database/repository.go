package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/accelbench/kvbench/internal/report"
)

//go:embed schema.sql
var postgresSchema string

// Repository stores the results catalog in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with a connection pool.
func NewRepository(ctx context.Context, connString string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// EnsureSchema creates the catalog tables if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// CreateRun inserts a run and bulk-copies its request rows within a single
// transaction. It verifies the write by reading back the stored row count
// before committing.
func (r *Repository) CreateRun(ctx context.Context, run *Run, rows []report.Row) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,
		         $17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)
		 RETURNING created_at`,
		run.fields()...,
	).Scan(&run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	src := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		row := rows[i]
		return []any{
			run.ID, row.RequestID, row.Status, row.Attempts, row.HTTPStatus,
			row.TTFTMs, row.E2EMs, row.ITLMeanMs, row.ITLP50Ms, row.ITLMaxMs,
			row.ChunkCount, row.OutputTokens, row.ErrorDetail,
		}, nil
	})
	cols := append([]string{"run_id"}, requestColumns...)
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"run_requests"}, cols, src)
	if err != nil {
		return fmt.Errorf("copy request rows: %w", err)
	}

	// Verify the write by reading it back.
	var stored int64
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM run_requests WHERE run_id = $1`, run.ID).Scan(&stored); err != nil {
		return fmt.Errorf("verify request rows: %w", err)
	}
	if stored != copied || stored != int64(len(rows)) {
		return fmt.Errorf("request row verification failed: wrote %d, stored %d", len(rows), stored)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (r *Repository) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	dest := append(run.fields(), &run.CreatedAt)
	err := r.pool.QueryRow(ctx,
		`SELECT `+runColumns+`, created_at FROM runs WHERE id = $1`, runID,
	).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return &run, nil
}

// ListRequests returns the per-request rows of a run ordered by request id.
func (r *Repository) ListRequests(ctx context.Context, runID string) ([]report.Row, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT request_id, status, attempts, http_status,
		        ttft_ms, e2e_ms, itl_mean_ms, itl_p50_ms, itl_max_ms,
		        chunk_count, output_tokens, error_detail
		 FROM run_requests WHERE run_id = $1 ORDER BY request_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []report.Row
	for rows.Next() {
		var row report.Row
		if err := rows.Scan(requestFields(&row)...); err != nil {
			return nil, fmt.Errorf("scan request row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	fillRunContext(run, out)
	return out, nil
}
