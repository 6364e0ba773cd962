package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (j *Journal) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, seq);
	`

	_, err := j.db.ExecContext(ctx, schema)
	return err
}
