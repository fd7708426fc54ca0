package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/appstartup/internal/scheduler"
)

// TaskRecord is the stored outcome of one task within a run.
type TaskRecord struct {
	Name       string
	Mode       string
	State      scheduler.State
	Result     string // fmt %v of the task result; empty when nil
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the recorded running time of the task.
func (t TaskRecord) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// RunSummary is one row of the run list.
type RunSummary struct {
	ID         string
	State      scheduler.RunState
	StartedAt  time.Time
	FinishedAt time.Time
	TaskCount  int
	Failed     int
}

// RunRecord is a stored run with its tasks in topological order.
type RunRecord struct {
	RunSummary
	Tasks []TaskRecord
}

// SaveRun saves or replaces a run snapshot and its task rows.
func (s *SQLiteStore) SaveRun(ctx context.Context, rep scheduler.Report) error {
	if rep.RunID == "" {
		return errors.New("saving run: empty run id")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, state, started_at, finished_at, task_count, failed_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			task_count = excluded.task_count,
			failed_count = excluded.failed_count
	`, rep.RunID, rep.State.String(), toNanos(rep.StartedAt), toNanos(rep.FinishedAt), len(rep.Tasks), len(rep.Failures()))
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_tasks WHERE run_id = ?`, rep.RunID); err != nil {
		return fmt.Errorf("failed to delete old task rows: %w", err)
	}

	for pos, st := range rep.Tasks {
		var result, errStr sql.NullString
		if st.Result != nil {
			result = sql.NullString{String: fmt.Sprintf("%v", st.Result), Valid: true}
		}
		if st.Err != nil {
			errStr = sql.NullString{String: st.Err.Error(), Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_tasks (run_id, name, position, mode, state, result, error, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rep.RunID, st.Name, pos, st.Mode.String(), st.State.String(), result, errStr, toNanos(st.StartedAt), toNanos(st.FinishedAt))
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", st.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun loads a run and its tasks. Returns ErrRunNotFound for unknown ids.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, started_at, finished_at, task_count, failed_count
		FROM runs WHERE id = ?
	`, runID)

	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, mode, state, result, error, started_at, finished_at
		FROM run_tasks WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks of run %s: %w", runID, err)
	}
	defer rows.Close()

	rec := &RunRecord{RunSummary: summary}
	for rows.Next() {
		var (
			task              TaskRecord
			state             string
			result, errStr    sql.NullString
			started, finished int64
		)
		if err := rows.Scan(&task.Name, &task.Mode, &state, &result, &errStr, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		if task.State, err = scheduler.ParseState(state); err != nil {
			return nil, err
		}
		task.Result = result.String
		task.Error = errStr.String
		task.StartedAt = fromNanos(started)
		task.FinishedAt = fromNanos(finished)
		rec.Tasks = append(rec.Tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}

	return rec, nil
}

// ListRuns returns run summaries, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, started_at, finished_at, task_count, failed_count
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

// DeleteRun removes a run and, through the foreign key, its task rows.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// PruneRuns deletes all but the newest keep runs and returns how many were removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(sc scanner) (RunSummary, error) {
	var (
		summary           RunSummary
		state             string
		started, finished int64
	)
	if err := sc.Scan(&summary.ID, &state, &started, &finished, &summary.TaskCount, &summary.Failed); err != nil {
		return RunSummary{}, err
	}
	st, err := scheduler.ParseRunState(state)
	if err != nil {
		return RunSummary{}, err
	}
	summary.State = st
	summary.StartedAt = fromNanos(started)
	summary.FinishedAt = fromNanos(finished)
	return summary, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
