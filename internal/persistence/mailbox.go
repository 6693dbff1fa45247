package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// Dispatch states.
const (
	dispatchPending   = "pending"
	dispatchClaimed   = "claimed"
	dispatchDone      = "done"
	dispatchCancelled = "cancelled"
)

// Mailbox is the coordinator's side of the SQLite mailbox. Dispatches are
// written for agents to claim, and their status messages are read back.
type Mailbox struct {
	store  *SQLiteStore
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]int64 // agent ID -> last heartbeat applied, unix millis
}

var (
	_ agent.Channel  = (*Mailbox)(nil)
	_ agent.Canceler = (*Mailbox)(nil)
)

// NewMailbox creates a coordinator mailbox on store.
func NewMailbox(store *SQLiteStore, logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{store: store, logger: logger, seen: make(map[string]int64)}
}

// SendTask queues the payload for agentID. Returns false if this attempt of
// the execution was already dispatched.
func (m *Mailbox) SendTask(ctx context.Context, agentID string, payload agent.TaskPayload) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode payload: %w", err)
	}

	res, err := m.store.db.ExecContext(ctx, `
		INSERT INTO dispatches (execution_id, attempt, agent_id, payload, state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, attempt) DO NOTHING
	`, payload.ExecutionID, payload.Attempt, agentID, string(body), dispatchPending)
	if err != nil {
		return false, fmt.Errorf("failed to queue dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ReceiveResponse returns the newest status message for the latest attempt of an execution.
func (m *Mailbox) ReceiveResponse(ctx context.Context, agentID, executionID string) (agent.StatusMessage, error) {
	var attempt int
	err := m.store.db.QueryRowContext(ctx, `
		SELECT attempt FROM dispatches
		WHERE execution_id = ?
		ORDER BY attempt DESC
		LIMIT 1
	`, executionID).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.StatusMessage{}, &scheduler.NotFoundError{Kind: "execution", ID: executionID}
	}
	if err != nil {
		return agent.StatusMessage{}, fmt.Errorf("failed to query dispatch: %w", err)
	}

	var body string
	err = m.store.db.QueryRowContext(ctx, `
		SELECT body FROM responses
		WHERE execution_id = ? AND attempt = ?
		ORDER BY id DESC
		LIMIT 1
	`, executionID, attempt).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.StatusMessage{}, agent.ErrNoResponse
	}
	if err != nil {
		return agent.StatusMessage{}, fmt.Errorf("failed to query response: %w", err)
	}
	return agent.ParseStatusMessage([]byte(body))
}

// CancelTask marks every open attempt of the execution cancelled. Workers
// notice on their next poll.
func (m *Mailbox) CancelTask(ctx context.Context, agentID, executionID string) error {
	res, err := m.store.db.ExecContext(ctx, `
		UPDATE dispatches SET state = ?
		WHERE execution_id = ? AND state IN (?, ?)
	`, dispatchCancelled, executionID, dispatchPending, dispatchClaimed)
	if err != nil {
		return fmt.Errorf("failed to cancel dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &scheduler.NotFoundError{Kind: "execution", ID: executionID}
	}
	return nil
}

// SyncHeartbeats applies heartbeats written since the last sync to reg.
// Agents seen for the first time are registered with default capacity.
func (m *Mailbox) SyncHeartbeats(ctx context.Context, reg *agent.Registry) error {
	rows, err := m.store.db.QueryContext(ctx, `SELECT agent_id, name, status, last_seen FROM heartbeats`)
	if err != nil {
		return fmt.Errorf("failed to query heartbeats: %w", err)
	}
	defer rows.Close()

	type beat struct {
		id, name, status string
		seen             int64
	}
	var beats []beat
	for rows.Next() {
		var b beat
		if err := rows.Scan(&b.id, &b.name, &b.status, &b.seen); err != nil {
			return fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		beats = append(beats, b)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating heartbeats: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range beats {
		if b.seen <= m.seen[b.id] {
			continue
		}
		m.seen[b.id] = b.seen
		reg.Contact(b.id, b.name)
		if err := reg.UpdateHeartbeat(b.id, agent.Status(b.status)); err != nil {
			return err
		}
	}
	return nil
}

// RunHeartbeatSync calls SyncHeartbeats every interval until ctx is done.
func (m *Mailbox) RunHeartbeatSync(ctx context.Context, reg *agent.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.SyncHeartbeats(ctx, reg); err != nil && ctx.Err() == nil {
			m.logger.Warn("heartbeat sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
