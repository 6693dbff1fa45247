package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/taskmesh/internal/agent"
)

// ErrEmpty is returned by ClaimNext when no dispatch is waiting.
var ErrEmpty = errors.New("no pending dispatch")

// Worker is an agent's side of the SQLite mailbox.
type Worker struct {
	store  *SQLiteStore
	id     string
	name   string
	logger *slog.Logger

	// HeartbeatEvery bounds how often Serve refreshes the heartbeat.
	HeartbeatEvery time.Duration
}

// NewWorker creates the mailbox side of agent id.
func NewWorker(store *SQLiteStore, id, name string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" {
		name = id
	}
	return &Worker{store: store, id: id, name: name, logger: logger, HeartbeatEvery: 2 * time.Second}
}

// ID returns the agent ID the worker serves.
func (w *Worker) ID() string {
	return w.id
}

// Heartbeat records that the agent is alive with the given status.
func (w *Worker) Heartbeat(ctx context.Context, status agent.Status) error {
	_, err := w.store.db.ExecContext(ctx, `
		INSERT INTO heartbeats (agent_id, name, status, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			last_seen = excluded.last_seen
	`, w.id, w.name, string(status), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// ClaimNext takes the oldest pending dispatch for this agent.
func (w *Worker) ClaimNext(ctx context.Context) (agent.TaskPayload, error) {
	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		return agent.TaskPayload{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		execID  string
		attempt int
		body    string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT execution_id, attempt, payload FROM dispatches
		WHERE agent_id = ? AND state = ?
		ORDER BY rowid
		LIMIT 1
	`, w.id, dispatchPending).Scan(&execID, &attempt, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.TaskPayload{}, ErrEmpty
	}
	if err != nil {
		return agent.TaskPayload{}, fmt.Errorf("failed to query dispatch: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE dispatches SET state = ?, claimed_at = ?
		WHERE execution_id = ? AND attempt = ? AND state = ?
	`, dispatchClaimed, time.Now().UnixMilli(), execID, attempt, dispatchPending)
	if err != nil {
		return agent.TaskPayload{}, fmt.Errorf("failed to claim dispatch: %w", err)
	}
	// Another worker process won the race
	if n, _ := res.RowsAffected(); n == 0 {
		return agent.TaskPayload{}, ErrEmpty
	}
	if err := tx.Commit(); err != nil {
		return agent.TaskPayload{}, fmt.Errorf("failed to commit claim: %w", err)
	}

	var payload agent.TaskPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return agent.TaskPayload{}, fmt.Errorf("failed to decode dispatch %s: %w", execID, err)
	}
	return payload, nil
}

// Report writes a status message for the payload's attempt. A terminal status
// closes the dispatch.
func (w *Worker) Report(ctx context.Context, payload agent.TaskPayload, msg agent.StatusMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO responses (execution_id, attempt, body)
		VALUES (?, ?, ?)
	`, payload.ExecutionID, payload.Attempt, string(body)); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if msg.Status.Terminal() {
		if _, err := tx.ExecContext(ctx, `
			UPDATE dispatches SET state = ?
			WHERE execution_id = ? AND attempt = ? AND state = ?
		`, dispatchDone, payload.ExecutionID, payload.Attempt, dispatchClaimed); err != nil {
			return fmt.Errorf("failed to close dispatch: %w", err)
		}
	}
	return tx.Commit()
}

// Cancelled reports whether the coordinator cancelled the payload's attempt.
func (w *Worker) Cancelled(ctx context.Context, payload agent.TaskPayload) (bool, error) {
	var state string
	err := w.store.db.QueryRowContext(ctx, `
		SELECT state FROM dispatches WHERE execution_id = ? AND attempt = ?
	`, payload.ExecutionID, payload.Attempt).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query dispatch state: %w", err)
	}
	return state == dispatchCancelled, nil
}

// Serve claims and runs dispatches one at a time until ctx is done, polling
// every poll when the mailbox is empty. The worker is marked offline on return.
func (w *Worker) Serve(ctx context.Context, handler agent.HandlerFunc, poll time.Duration) error {
	defer func() {
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.Heartbeat(offCtx, agent.StatusOffline); err != nil {
			w.logger.Warn("failed to mark worker offline", "agent_id", w.id, "error", err)
		}
	}()

	var lastBeat time.Time
	for {
		if time.Since(lastBeat) >= w.HeartbeatEvery {
			if err := w.Heartbeat(ctx, agent.StatusIdle); err != nil && ctx.Err() == nil {
				w.logger.Warn("heartbeat failed", "agent_id", w.id, "error", err)
			}
			lastBeat = time.Now()
		}

		payload, err := w.ClaimNext(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrEmpty):
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(poll):
			}
			continue
		case err != nil:
			w.logger.Error("claim failed", "agent_id", w.id, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(poll):
			}
			continue
		}

		w.run(ctx, handler, payload, poll)
	}
}

// run executes one claimed payload, stopping the handler when the dispatch is cancelled.
func (w *Worker) run(ctx context.Context, handler agent.HandlerFunc, payload agent.TaskPayload, poll time.Duration) {
	log := w.logger.With("agent_id", w.id, "execution_id", payload.ExecutionID, "attempt", payload.Attempt)

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if payload.Deadline.IsZero() {
		runCtx, cancel = context.WithCancel(ctx)
	} else {
		runCtx, cancel = context.WithDeadline(ctx, payload.Deadline)
	}
	defer cancel()

	report := func(msg agent.StatusMessage) {
		if err := w.Report(ctx, payload, msg); err != nil && ctx.Err() == nil {
			log.Warn("report failed", "status", msg.Status, "error", err)
		}
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		lastBeat := time.Now()
		for {
			select {
			case <-watchDone:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				// Long tasks keep the agent from being swept as stale
				if time.Since(lastBeat) >= w.HeartbeatEvery {
					if err := w.Heartbeat(runCtx, agent.StatusIdle); err != nil {
						log.Warn("heartbeat failed", "error", err)
					}
					lastBeat = time.Now()
				}
				if c, err := w.Cancelled(runCtx, payload); err == nil && c {
					log.Info("dispatch cancelled")
					cancel()
					return
				}
			}
		}
	}()

	log.Info("task started")
	progress := func(percent int, message string) {
		msg := agent.StatusMessage{Status: agent.ResponsePartial, Message: message}
		if percent >= 0 {
			p := min(percent, 100)
			msg.ProgressPercentage = &p
		}
		report(msg)
	}
	out, err := handler(runCtx, payload, progress)

	if c, cerr := w.Cancelled(ctx, payload); cerr == nil && c {
		return
	}
	if err != nil {
		log.Warn("task failed", "error", err)
		report(agent.StatusMessage{Status: agent.ResponseError, Message: out, Error: err.Error()})
		return
	}
	done := 100
	log.Info("task finished")
	report(agent.StatusMessage{Status: agent.ResponseDone, Message: out, ProgressPercentage: &done})
}
