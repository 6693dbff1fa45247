package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		actual_hours REAL NOT NULL DEFAULT 0,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS executions (
		execution_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		retry_count INTEGER NOT NULL,
		output TEXT,
		error TEXT,
		started_at INTEGER, -- unix millis
		ended_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id, ended_at);

	CREATE TABLE IF NOT EXISTS dispatches (
		execution_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		claimed_at INTEGER,
		PRIMARY KEY (execution_id, attempt)
	);

	CREATE INDEX IF NOT EXISTS idx_dispatches_agent_state ON dispatches(agent_id, state, created_at);

	CREATE TABLE IF NOT EXISTS responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (execution_id, attempt) REFERENCES dispatches(execution_id, attempt) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_responses_execution ON responses(execution_id, attempt, id);

	CREATE TABLE IF NOT EXISTS heartbeats (
		agent_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		last_seen INTEGER NOT NULL -- unix millis
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
