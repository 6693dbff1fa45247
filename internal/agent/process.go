package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// Command is the worker program an agent runs for each task.
type Command struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"`
}

// newCommand creates an exec.Cmd in its own process group so cancellation
// kills the whole subprocess tree.
func newCommand(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Create new process group for signal propagation
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// RunTaskCommand runs c with payload as JSON on stdin and returns the terminal
// status. Every stdout line that parses as a status message is passed to
// onStatus; other lines are collected as output. The last terminal status line
// wins. Without one, exit code 0 means DONE and anything else means ERROR.
// pm may be nil.
func RunTaskCommand(ctx context.Context, pm *ProcessManager, c Command, payload TaskPayload, onStatus func(StatusMessage)) StatusMessage {
	input, err := json.Marshal(payload)
	if err != nil {
		return errorStatus("encode payload", err, "")
	}

	cmd := newCommand(ctx, c)
	cmd.Stdin = bytes.NewReader(input)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return errorStatus("create stdout pipe", err, "")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return errorStatus("create stderr pipe", err, "")
	}
	if err := cmd.Start(); err != nil {
		return errorStatus("start command", err, "")
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	// Drain both pipes before Wait so a chatty worker cannot deadlock on a full buffer
	var (
		wg       sync.WaitGroup
		stderr   bytes.Buffer
		output   []string
		terminal *StatusMessage
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "{") {
				if line != "" {
					output = append(output, line)
				}
				continue
			}
			msg, err := ParseStatusMessage([]byte(line))
			if err != nil {
				output = append(output, line)
				continue
			}
			if msg.Status.Terminal() {
				m := msg
				terminal = &m
			}
			if onStatus != nil {
				onStatus(msg)
			}
		}
		io.Copy(io.Discard, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderr, stderrPipe)
	}()
	wg.Wait()
	waitErr := cmd.Wait()

	if terminal != nil {
		return *terminal
	}
	out := strings.Join(output, "\n")
	if waitErr != nil {
		if ctx.Err() != nil {
			return errorStatus("command interrupted", ctx.Err(), out)
		}
		return errorStatus("command failed", fmt.Errorf("%w (stderr: %s)", waitErr, strings.TrimSpace(stderr.String())), out)
	}
	return StatusMessage{Status: ResponseDone, Message: out, Timestamp: time.Now()}
}

func errorStatus(what string, err error, out string) StatusMessage {
	return StatusMessage{
		Status:    ResponseError,
		Message:   out,
		Error:     fmt.Sprintf("%s: %v", what, err),
		Timestamp: time.Now(),
	}
}

// RunCommand runs c to completion with the given stdin and returns what it
// wrote. pm may be nil.
func RunCommand(ctx context.Context, pm *ProcessManager, c Command, stdin io.Reader) (stdout, stderr []byte, err error) {
	cmd := newCommand(ctx, c)
	cmd.Stdin = stdin
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return outBuf.Bytes(), errBuf.Bytes(), ctx.Err()
		}
		return outBuf.Bytes(), errBuf.Bytes(), fmt.Errorf("%s failed: %w (stderr: %s)",
			c.Path, err, strings.TrimSpace(errBuf.String()))
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// killProcessGroup kills the entire process group associated with the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	// Negative PID targets the whole group
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running worker processes so they can all be killed on shutdown.
//
// Usage pattern (typically in main):
//
//	pm := NewProcessManager()
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer cancel()
//	go func() {
//	  <-ctx.Done()
//	  pm.KillAll()
//	}()
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after Wait.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

// ProcessChannel runs each task as a subprocess using the agent's configured command.
type ProcessChannel struct {
	mu       sync.Mutex
	commands map[string]Command
	runs     map[string]*localRun
	pm       *ProcessManager
	ctx      context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// NewProcessChannel creates a channel. pm may be shared with main for shutdown cleanup.
func NewProcessChannel(pm *ProcessManager) *ProcessChannel {
	if pm == nil {
		pm = NewProcessManager()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &ProcessChannel{
		commands: make(map[string]Command),
		runs:     make(map[string]*localRun),
		pm:       pm,
		ctx:      ctx,
		stop:     stop,
	}
}

// SetCommand configures the command agentID runs.
func (c *ProcessChannel) SetCommand(agentID string, cmd Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands[agentID] = cmd
}

// SendTask spawns the agent's command. Returns false if none is configured.
func (c *ProcessChannel) SendTask(ctx context.Context, agentID string, payload TaskPayload) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return false, fmt.Errorf("process channel closed")
	}
	command, ok := c.commands[agentID]
	if !ok || command.Path == "" {
		return false, nil
	}
	if _, dup := c.runs[payload.ExecutionID]; dup {
		return false, nil
	}

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
		final := RunTaskCommand(runCtx, c.pm, command, payload, func(msg StatusMessage) {
			if !msg.Status.Terminal() {
				run.set(msg)
			}
		})
		run.set(final)
	}()
	return true, nil
}

// ReceiveResponse returns the latest status for an execution.
func (c *ProcessChannel) ReceiveResponse(ctx context.Context, agentID, executionID string) (StatusMessage, error) {
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

// CancelTask kills the execution's process group.
func (c *ProcessChannel) CancelTask(ctx context.Context, agentID, executionID string) error {
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

// Close kills every running process and waits for them to exit.
func (c *ProcessChannel) Close() {
	c.stop()
	c.wg.Wait()
}
