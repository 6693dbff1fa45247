package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// SaveTask saves or updates a task and its dependencies.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.AtomicTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, status, priority, actual_hours, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			actual_hours = excluded.actual_hours,
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, string(task.Status), string(task.Priority), task.ActualHours, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for _, depID := range task.Dependencies {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("foreign key constraint failed: dependency task %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		if _, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID); err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Status and actual hours come from their
// columns, so UpdateTaskStatus is reflected without rewriting the snapshot.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.AtomicTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data, status, actual_hours
		FROM tasks
		WHERE id = ?
	`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &scheduler.NotFoundError{Kind: "task", ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return task, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.AtomicTask, error) {
	var data, status string
	var hours float64
	if err := row.Scan(&data, &status, &hours); err != nil {
		return nil, err
	}
	task := &scheduler.AtomicTask{}
	if err := json.Unmarshal([]byte(data), task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	task.Status = scheduler.TaskStatus(status)
	task.ActualHours = hours
	return task, nil
}

// UpdateTaskStatus records a task's status and accumulated hours.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, actualHours float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, actual_hours = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(status), actualHours, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &scheduler.NotFoundError{Kind: "task", ID: taskID}
	}
	return nil
}

// ListTasks returns all tasks in insertion order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.AtomicTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data, status, actual_hours
		FROM tasks
		ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.AtomicTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}
