package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/taskmesh/internal/orchestrator"
)

// RecordOf summarizes a finished execution for storage.
func RecordOf(e *orchestrator.TaskExecution) ExecutionRecord {
	return ExecutionRecord{
		ExecutionID: e.Metadata.ExecutionID,
		TaskID:      e.TaskID(),
		AgentID:     e.AgentID,
		Status:      string(e.Status),
		Attempts:    e.Metadata.Attempts,
		RetryCount:  e.Metadata.RetryCount,
		Output:      e.Result.Output,
		Error:       e.Result.Error,
		StartedAt:   e.StartTime,
		EndedAt:     e.EndTime,
	}
}

// SaveExecution stores or replaces the record of an execution.
func (s *SQLiteStore) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (execution_id, task_id, agent_id, status, attempts, retry_count, output, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			attempts = excluded.attempts,
			retry_count = excluded.retry_count,
			output = excluded.output,
			error = excluded.error,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`, rec.ExecutionID, rec.TaskID, rec.AgentID, rec.Status, rec.Attempts, rec.RetryCount,
		rec.Output, rec.Error, toMillis(rec.StartedAt), toMillis(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// ListExecutions returns a task's executions, oldest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, taskID string) ([]ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, task_id, agent_id, status, attempts, retry_count, output, error, started_at, ended_at
		FROM executions
		WHERE task_id = ?
		ORDER BY ended_at, rowid
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var output, errStr sql.NullString
		var started, ended sql.NullInt64
		if err := rows.Scan(&rec.ExecutionID, &rec.TaskID, &rec.AgentID, &rec.Status, &rec.Attempts, &rec.RetryCount,
			&output, &errStr, &started, &ended); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		rec.Output, rec.Error = output.String, errStr.String
		rec.StartedAt, rec.EndedAt = fromMillis(started), fromMillis(ended)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

func toMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
