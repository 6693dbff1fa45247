// Package persistence keeps coordinator state in SQLite: task snapshots,
// execution records, and the mailbox agents and coordinator exchange work through.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// ExecutionRecord is the durable summary of one finished execution.
type ExecutionRecord struct {
	ExecutionID string
	TaskID      string
	AgentID     string
	Status      string
	Attempts    int
	RetryCount  int
	Output      string
	Error       string
	StartedAt   time.Time
	EndedAt     time.Time
}

// Store defines the persistence interface for tasks and execution history.
type Store interface {
	// Task operations
	SaveTask(ctx context.Context, task *scheduler.AtomicTask) error
	GetTask(ctx context.Context, taskID string) (*scheduler.AtomicTask, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, actualHours float64) error
	ListTasks(ctx context.Context) ([]*scheduler.AtomicTask, error)

	// Execution history
	SaveExecution(ctx context.Context, rec ExecutionRecord) error
	ListExecutions(ctx context.Context, taskID string) ([]ExecutionRecord, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite. The same database carries the mailbox tables.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// WAL lets the coordinator and worker processes share the file
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each call gets
// its own database, shared by the store's connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString()))
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// A single connection serializes in-process access; other processes wait on busy_timeout
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
