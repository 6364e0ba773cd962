package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// JournalEntry is one audited coordinator event.
type JournalEntry struct {
	ID        string
	Kind      string
	TaskID    string
	AgentID   string
	Message   string
	CreatedAt time.Time
}

// JournalFilter narrows a journal query. Zero fields match everything.
type JournalFilter struct {
	Kind    string
	TaskID  string
	AgentID string
	Since   time.Time
	Limit   int // Defaults to 100
}

// Journal is an append-only SQLite log of coordinator events: dispatches,
// reclaims, loop firings, spawn failures, kills.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) the journal database at dbPath.
// Creates parent directories if needed. Enables WAL mode and busy timeout.
func OpenJournal(ctx context.Context, dbPath string) (*Journal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return openJournal(ctx, connStr)
}

// NewMemoryJournal creates an in-memory journal for testing. Each call gets
// its own database; the shared cache lets its connections see the same data.
func NewMemoryJournal(ctx context.Context) (*Journal, error) {
	connStr := fmt.Sprintf("file:journal-%s?mode=memory&cache=shared", uuid.NewString())
	return openJournal(ctx, connStr)
}

func openJournal(ctx context.Context, connStr string) (*Journal, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writers are serialized by SQLite anyway; a second connection serves reads.
	db.SetMaxOpenConns(2)

	j := &Journal{db: db}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends an entry. ID and CreatedAt are filled in when empty.
func (j *Journal) Record(ctx context.Context, e JournalEntry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, task_id, agent_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Kind, e.TaskID, e.AgentID, e.Message, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Query returns matching entries, newest first.
func (j *Journal) Query(ctx context.Context, f JournalFilter) ([]JournalEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, kind, task_id, agent_id, message, created_at FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.TaskID, &e.AgentID, &e.Message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return entries, nil
}

// Recent returns the latest limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]JournalEntry, error) {
	return j.Query(ctx, JournalFilter{Limit: limit})
}

// ForTask returns the latest limit entries about taskID, newest first.
func (j *Journal) ForTask(ctx context.Context, taskID string, limit int) ([]JournalEntry, error) {
	return j.Query(ctx, JournalFilter{TaskID: taskID, Limit: limit})
}
