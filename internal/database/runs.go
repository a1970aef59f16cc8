package database

import (
	"context"
	"fmt"
	"strings"
)

// ListRuns returns runs matching the given filter, newest first.
func (r *Repository) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	var (
		conditions []string
		args       []any
		argIdx     int
	)

	if f.Label != "" {
		argIdx++
		conditions = append(conditions, fmt.Sprintf("label = $%d", argIdx))
		args = append(args, f.Label)
	}
	if f.Model != "" {
		argIdx++
		conditions = append(conditions, fmt.Sprintf("model ILIKE $%d", argIdx))
		args = append(args, "%"+f.Model+"%")
	}
	if f.PromptLen > 0 {
		argIdx++
		conditions = append(conditions, fmt.Sprintf("prompt_len = $%d", argIdx))
		args = append(args, f.PromptLen)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// Pagination.
	argIdx++
	limitClause := fmt.Sprintf("LIMIT $%d", argIdx)
	args = append(args, f.limit())

	offsetClause := ""
	if f.Offset > 0 {
		argIdx++
		offsetClause = fmt.Sprintf("OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	query := fmt.Sprintf(`
		SELECT %s, created_at
		FROM runs
		%s
		ORDER BY started_at DESC
		%s %s
	`, runColumns, where, limitClause, offsetClause)

	rows, err := r.pool.Query(ctx, query, args...)
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

// DeleteRun removes a run and its request rows.
func (r *Repository) DeleteRun(ctx context.Context, runID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM run_requests WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete requests: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
