package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_history (
		task_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		completed_at DATETIME NOT NULL,
		PRIMARY KEY (task_id, completed_at)
	);

	CREATE INDEX IF NOT EXISTS idx_task_history_type ON task_history(task_type);
	CREATE INDEX IF NOT EXISTS idx_task_history_agent ON task_history(agent_id);

	CREATE TABLE IF NOT EXISTS conflict_history (
		conflict_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		agents TEXT NOT NULL,
		winner TEXT NOT NULL,
		strategy TEXT NOT NULL,
		reason TEXT,
		detected_at DATETIME NOT NULL,
		resolved_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conflict_history_subject ON conflict_history(subject_id);

	CREATE TABLE IF NOT EXISTS deadlock_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agents TEXT NOT NULL,
		resources TEXT NOT NULL,
		victim TEXT NOT NULL,
		detected_at DATETIME NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
