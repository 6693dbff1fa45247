package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/persistence"
)

type workerOptions struct {
	mailbox   string
	id        string
	name      string
	poll      time.Duration
	heartbeat time.Duration
	handler   handlerFlags
}

func newWorkerCmd(flags *rootFlags) *cobra.Command {
	opts := &workerOptions{}

	cmd := &cobra.Command{
		Use:   "worker --id ID [--backend KIND | -- command [args...]]",
		Short: "Serve tasks from a mailbox as one agent",
		Long: `Serve claims tasks dispatched to --id from the SQLite mailbox and runs them.

With --backend, each task is prompted to that AI coding CLI. With a command,
each task's JSON payload is written to the command's stdin and its stdout is
read as JSON status lines. With neither, tasks are dry-run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			path := opts.mailbox
			if path == "" {
				path = cfg.Channel.MailboxPath
			}
			if path == "" {
				return errors.New("no mailbox path: set --mailbox or channel.mailbox_path")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := persistence.NewSQLiteStore(ctx, path)
			if err != nil {
				return fmt.Errorf("opening mailbox: %w", err)
			}
			defer store.Close()

			pm := agent.NewProcessManager()
			defer func() {
				if err := pm.KillAll(); err != nil {
					log.Printf("Error killing subprocesses: %v", err)
				}
			}()
			logger := flags.logger()
			handler, err := opts.handler.build(ctx, args, pm, logger)
			if err != nil {
				return err
			}

			w := persistence.NewWorker(store, opts.id, opts.name, logger)
			if opts.heartbeat > 0 {
				w.HeartbeatEvery = opts.heartbeat
			}
			logger.Info("worker started", "agent_id", w.ID(), "mailbox", path)
			return w.Serve(ctx, handler, opts.poll)
		},
	}
	cmd.Flags().StringVar(&opts.mailbox, "mailbox", "", "mailbox SQLite file (defaults to channel.mailbox_path)")
	cmd.Flags().StringVar(&opts.id, "id", "", "agent ID to serve")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name (defaults to the ID)")
	cmd.Flags().DurationVar(&opts.poll, "poll", 200*time.Millisecond, "mailbox poll interval")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", 0, "heartbeat interval (default 2s)")
	opts.handler.register(cmd)
	cmd.MarkFlagRequired("id")
	return cmd
}
