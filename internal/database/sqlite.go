package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/accelbench/kvbench/internal/report"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteRepository stores the results catalog in a local SQLite file.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// CreateRun inserts a run and its request rows within a single
// transaction and verifies the stored row count before committing.
func (r *SQLiteRepository) CreateRun(ctx context.Context, run *Run, rows []report.Row) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(run.fields())), ",")
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (`+placeholders+`)`, run.fields()...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	cols := append([]string{"run_id"}, requestColumns...)
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_requests (`+strings.Join(cols, ", ")+`) VALUES (`+
			strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")+`)`)
	if err != nil {
		return fmt.Errorf("prepare request insert: %w", err)
	}
	defer stmt.Close()
	for i := range rows {
		args := append([]any{run.ID}, requestFields(&rows[i])...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert request %d: %w", rows[i].RequestID, err)
		}
	}

	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM run_requests WHERE run_id = ?`, run.ID).Scan(&stored); err != nil {
		return fmt.Errorf("verify request rows: %w", err)
	}
	if stored != len(rows) {
		return fmt.Errorf("request row verification failed: wrote %d, stored %d", len(rows), stored)
	}
	if err := tx.QueryRowContext(ctx, `SELECT created_at FROM runs WHERE id = ?`, run.ID).Scan(&run.CreatedAt); err != nil {
		return fmt.Errorf("read back run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (r *SQLiteRepository) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	err := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+`, created_at FROM runs WHERE id = ?`, runID,
	).Scan(append(run.fields(), &run.CreatedAt)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return &run, nil
}

// ListRuns returns runs matching the given filter, newest first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	var (
		conditions []string
		args       []any
	)
	if f.Label != "" {
		conditions = append(conditions, "label = ?")
		args = append(args, f.Label)
	}
	if f.Model != "" {
		// LIKE is case-insensitive for ASCII in SQLite.
		conditions = append(conditions, "model LIKE ?")
		args = append(args, "%"+f.Model+"%")
	}
	if f.PromptLen > 0 {
		conditions = append(conditions, "prompt_len = ?")
		args = append(args, f.PromptLen)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, f.limit(), max(f.Offset, 0))

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, created_at
		FROM runs
		%s
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, runColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var items []Run
	for rows.Next() {
		var item Run
		if err := rows.Scan(append(item.fields(), &item.CreatedAt)...); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListRequests returns the per-request rows of a run ordered by request id.
func (r *SQLiteRepository) ListRequests(ctx context.Context, runID string) ([]report.Row, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+strings.Join(requestColumns, ", ")+`
		 FROM run_requests WHERE run_id = ? ORDER BY request_id`, runID)
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

// DeleteRun removes a run and its request rows.
func (r *SQLiteRepository) DeleteRun(ctx context.Context, runID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_requests WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete requests: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
