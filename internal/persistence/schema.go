package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist. Timestamps are
// stored as Unix nanoseconds; zero means the event never happened.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		started_at INTEGER NOT NULL DEFAULT 0,
		finished_at INTEGER NOT NULL DEFAULT 0,
		task_count INTEGER NOT NULL,
		failed_count INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS run_tasks (
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		position INTEGER NOT NULL,
		mode TEXT NOT NULL,
		state TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at INTEGER NOT NULL DEFAULT 0,
		finished_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, name),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_run_tasks_run_position ON run_tasks(run_id, position);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
