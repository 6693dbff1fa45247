package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskmesh/internal/agent"
)

// newExecCmd runs one task payload from stdin. It is the agent side of the
// process channel: configure an agent command such as
// ["taskmesh", "exec", "--backend", "claude"].
func newExecCmd(flags *rootFlags) *cobra.Command {
	var h handlerFlags

	cmd := &cobra.Command{
		Use:   "exec [--backend KIND | -- command [args...]]",
		Short: "Run a single task payload read from stdin and print status lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var payload agent.TaskPayload
			if err := json.NewDecoder(cmd.InOrStdin()).Decode(&payload); err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}
			if payload.Task == nil {
				return fmt.Errorf("payload %s has no task", payload.ExecutionID)
			}
			if !payload.Deadline.IsZero() {
				var cancel context.CancelFunc
				ctx, cancel = context.WithDeadline(ctx, payload.Deadline)
				defer cancel()
			}

			pm := agent.NewProcessManager()
			defer pm.KillAll()
			handler, err := h.build(ctx, args, pm, flags.logger())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			progress := func(percent int, message string) {
				msg := agent.StatusMessage{Status: agent.ResponsePartial, Message: message}
				if percent >= 0 {
					p := min(percent, 100)
					msg.ProgressPercentage = &p
				}
				writeStatus(out, msg)
			}
			result, err := handler(ctx, payload, progress)
			if err != nil {
				writeStatus(out, agent.StatusMessage{Status: agent.ResponseError, Message: result, Error: err.Error()})
				return nil
			}
			done := 100
			writeStatus(out, agent.StatusMessage{Status: agent.ResponseDone, Message: result, ProgressPercentage: &done})
			return nil
		},
	}
	h.register(cmd)
	return cmd
}

func writeStatus(w io.Writer, msg agent.StatusMessage) {
	msg.Timestamp = time.Now()
	data, _ := json.Marshal(msg)
	fmt.Fprintf(w, "%s\n", data)
}
