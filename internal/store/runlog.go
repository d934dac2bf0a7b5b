package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rendis/deriva/pkg/schema"
)

// RunLog keeps an append-only history of scheduler runs on top of a LibSQLStore.
type RunLog struct {
	store     *LibSQLStore
	retention int
}

// NewRunLog wraps a LibSQLStore. Records beyond retention are pruned oldest
// first on append; retention <= 0 means DefaultRunRetention.
func NewRunLog(s *LibSQLStore, retention int) *RunLog {
	if retention <= 0 {
		retention = DefaultRunRetention
	}
	return &RunLog{store: s, retention: retention}
}

// AppendRun records one run and prunes the history in the same transaction.
func (rl *RunLog) AppendRun(ctx context.Context, run schema.RunDiagnostics) error {
	tx, err := rl.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (tick_id, last_run, elapsed_ms, evaluated, failed, skipped, items_configured, items_enabled, status, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.TickID, timeOrNow(run.LastRun).UTC(), run.ElapsedMs, run.Evaluated, run.Failed, run.Skipped,
		run.ItemsConfigured, run.ItemsEnabled, run.Status, nullStr(run.LastError),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM runs WHERE sequence <= (SELECT MAX(sequence) FROM runs) - ?`, rl.retention,
	); err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// RecentRuns returns runs matching filter, newest first.
func (rl *RunLog) RecentRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Since != nil {
		where = append(where, "last_run >= ?")
		args = append(args, filter.Since.UTC())
	}
	query := `SELECT sequence, tick_id, last_run, elapsed_ms, evaluated, failed, skipped, items_configured, items_enabled, status, last_error FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence DESC LIMIT ?"
	args = append(args, filter.limit())

	rows, err := rl.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list runs").WithCause(err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		r := &RunRecord{}
		var lastErr sql.NullString
		if err := rows.Scan(&r.Sequence, &r.TickID, &r.LastRun, &r.ElapsedMs, &r.Evaluated, &r.Failed,
			&r.Skipped, &r.ItemsConfigured, &r.ItemsEnabled, &r.Status, &lastErr); err != nil {
			return nil, err
		}
		r.LastError = lastErr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendRun lets a LibSQLStore act as a RunRecorder with default retention.
func (s *LibSQLStore) AppendRun(ctx context.Context, run schema.RunDiagnostics) error {
	return NewRunLog(s, 0).AppendRun(ctx, run)
}

// RecentRuns implements RunRecorder.
func (s *LibSQLStore) RecentRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	return NewRunLog(s, 0).RecentRuns(ctx, filter)
}
