package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// ProgressFunc lets a handler report PARTIAL progress.
type ProgressFunc func(percent int, message string)

// HandlerFunc executes one task in-process. A nil error reports DONE with the
// returned output; a non-nil error reports ERROR.
type HandlerFunc func(ctx context.Context, payload TaskPayload, progress ProgressFunc) (string, error)

type localRun struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	latest *StatusMessage
}

func (r *localRun) set(msg StatusMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A terminal status is final
	if r.latest != nil && r.latest.Status.Terminal() {
		return
	}
	r.latest = &msg
}

func (r *localRun) get() (StatusMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return StatusMessage{}, false
	}
	return *r.latest, true
}

// LocalChannel runs tasks in goroutines using one handler per agent.
// Runs live until their terminal status has been read or they are cancelled.
type LocalChannel struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	runs     map[string]*localRun
	ctx      context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// NewLocalChannel creates an empty in-process channel.
func NewLocalChannel() *LocalChannel {
	ctx, stop := context.WithCancel(context.Background())
	return &LocalChannel{
		handlers: make(map[string]HandlerFunc),
		runs:     make(map[string]*localRun),
		ctx:      ctx,
		stop:     stop,
	}
}

// Handle installs the handler that agentID runs tasks with.
func (c *LocalChannel) Handle(agentID string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[agentID] = fn
}

// SendTask starts the agent's handler. Returns false if the agent has no handler
// or the execution is already running.
func (c *LocalChannel) SendTask(ctx context.Context, agentID string, payload TaskPayload) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return false, fmt.Errorf("local channel closed")
	}
	fn, ok := c.handlers[agentID]
	if !ok {
		return false, nil
	}
	if _, dup := c.runs[payload.ExecutionID]; dup {
		return false, nil
	}

	// The run outlives the SendTask call, so it hangs off the channel context
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if payload.Deadline.IsZero() {
		runCtx, cancel = context.WithCancel(c.ctx)
	} else {
		runCtx, cancel = context.WithDeadline(c.ctx, payload.Deadline)
	}
	run := &localRun{cancel: cancel}
	c.runs[payload.ExecutionID] = run

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		progress := func(percent int, message string) {
			p := percent
			run.set(StatusMessage{Status: ResponsePartial, Message: message, ProgressPercentage: &p, Timestamp: time.Now()})
		}
		out, err := fn(runCtx, payload, progress)
		if err != nil {
			run.set(StatusMessage{Status: ResponseError, Message: out, Error: err.Error(), Timestamp: time.Now()})
			return
		}
		done := 100
		run.set(StatusMessage{Status: ResponseDone, Message: out, ProgressPercentage: &done, Timestamp: time.Now()})
	}()
	return true, nil
}

// ReceiveResponse returns the latest status for an execution.
func (c *LocalChannel) ReceiveResponse(ctx context.Context, agentID, executionID string) (StatusMessage, error) {
	if err := ctx.Err(); err != nil {
		return StatusMessage{}, err
	}

	c.mu.Lock()
	run, ok := c.runs[executionID]
	c.mu.Unlock()
	if !ok {
		return StatusMessage{}, &scheduler.NotFoundError{Kind: "execution", ID: executionID}
	}

	msg, ok := run.get()
	if !ok {
		return StatusMessage{}, ErrNoResponse
	}
	if msg.Status.Terminal() {
		c.mu.Lock()
		delete(c.runs, executionID)
		c.mu.Unlock()
	}
	return msg, nil
}

// CancelTask cancels the handler's context and forgets the run.
func (c *LocalChannel) CancelTask(ctx context.Context, agentID, executionID string) error {
	c.mu.Lock()
	run, ok := c.runs[executionID]
	delete(c.runs, executionID)
	c.mu.Unlock()

	if !ok {
		return &scheduler.NotFoundError{Kind: "execution", ID: executionID}
	}
	run.cancel()
	return nil
}

// Pending returns the number of runs not yet collected.
func (c *LocalChannel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// Close cancels every run and waits for the handlers to return.
func (c *LocalChannel) Close() {
	c.stop()
	c.wg.Wait()
}
