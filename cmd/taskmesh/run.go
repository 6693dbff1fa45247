package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/config"
	"github.com/aristath/taskmesh/internal/events"
	"github.com/aristath/taskmesh/internal/metrics"
	"github.com/aristath/taskmesh/internal/orchestrator"
	"github.com/aristath/taskmesh/internal/persistence"
	"github.com/aristath/taskmesh/internal/scheduler"
	"github.com/aristath/taskmesh/internal/taskfile"
	"github.com/aristath/taskmesh/internal/tui"
)

type runOptions struct {
	file        string
	tui         bool
	metricsAddr string
	storePath   string
	dryRunScale time.Duration
	agentWait   time.Duration
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a task file against the configured agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := runTasks(ctx, cfg, flags, opts)
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}
			if err != nil {
				return err
			}
			if !report.Succeeded() {
				return fmt.Errorf("%d of %d tasks did not complete",
					len(report.Failed)+len(report.Blocked)+len(report.Cancelled),
					len(report.Completed)+len(report.Failed)+len(report.Blocked)+len(report.Cancelled))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "tasks.yaml", "task file")
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "show the terminal dashboard")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	cmd.Flags().StringVar(&opts.storePath, "store", "", "record tasks and executions in this SQLite file (mailbox runs use the mailbox file)")
	cmd.Flags().DurationVar(&opts.dryRunScale, "dry-run-scale", 100*time.Millisecond, "local channel: simulated time per estimated hour")
	cmd.Flags().DurationVar(&opts.agentWait, "agent-wait", 30*time.Second, "mailbox channel: how long to wait for a worker heartbeat")
	return cmd
}

// runEnv is everything a run needs that must be torn down afterwards.
type runEnv struct {
	coord   *orchestrator.Coordinator
	bus     *events.EventBus
	mailbox *persistence.Mailbox
	store   *persistence.SQLiteStore
	closers []func()
}

func (r *runEnv) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// newRunEnv wires the channel selected by cfg to a coordinator.
func newRunEnv(ctx context.Context, cfg *config.Config, opts *runOptions, logger *slog.Logger) (*runEnv, error) {
	rt := &runEnv{bus: events.NewEventBus()}
	rt.closers = append(rt.closers, rt.bus.Close)

	var ch agent.Channel
	switch cfg.Channel.Type {
	case config.ChannelLocal:
		lc := agent.NewLocalChannel()
		for _, a := range cfg.StaticAgents() {
			lc.Handle(a.ID, dryRunHandler(opts.dryRunScale))
		}
		rt.closers = append(rt.closers, lc.Close)
		ch = lc

	case config.ChannelProcess:
		pm := agent.NewProcessManager()
		pc := agent.NewProcessChannel(pm)
		for _, a := range cfg.StaticAgents() {
			if c, ok := cfg.AgentCommand(a.ID); ok {
				pc.SetCommand(a.ID, c)
			}
		}
		rt.closers = append(rt.closers, func() {
			if err := pm.KillAll(); err != nil {
				log.Printf("Error killing subprocesses: %v", err)
			}
			pc.Close()
		})
		ch = pc

	case config.ChannelMailbox:
		store, err := persistence.NewSQLiteStore(ctx, cfg.Channel.MailboxPath)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("opening mailbox: %w", err)
		}
		rt.store = store
		rt.closers = append(rt.closers, func() { store.Close() })
		rt.mailbox = persistence.NewMailbox(store, logger)
		ch = rt.mailbox

	default:
		rt.close()
		return nil, fmt.Errorf("unknown channel type %q", cfg.Channel.Type)
	}

	if rt.store == nil && opts.storePath != "" {
		store, err := persistence.NewSQLiteStore(ctx, opts.storePath)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("opening store: %w", err)
		}
		rt.store = store
		rt.closers = append(rt.closers, func() { store.Close() })
	}

	orch := agent.NewOrchestrator(ch, agent.Options{Breaker: cfg.BreakerSettings(), Logger: logger})
	rt.coord = orchestrator.NewCoordinator(orch, orchestrator.Options{
		Config:    cfg.CoordinatorConfig(),
		Monitor:   cfg.MonitorSettings(),
		Scheduler: scheduler.NewTaskScheduler(cfg.Scheduler, logger),
		Events:    rt.bus,
		Logger:    logger,
	})
	rt.closers = append(rt.closers, rt.coord.Dispose)

	// Mailbox agents announce themselves through heartbeats
	if rt.mailbox == nil {
		for _, a := range cfg.StaticAgents() {
			if _, err := rt.coord.RegisterAgent(a); err != nil {
				rt.close()
				return nil, err
			}
		}
	}
	return rt, nil
}

func runTasks(ctx context.Context, cfg *config.Config, flags *rootFlags, opts *runOptions) (*orchestrator.RunReport, error) {
	logger := flags.logger()
	if opts.tui {
		// Logs would tear the dashboard
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ts, err := taskfile.Load(opts.file)
	if err != nil {
		return nil, err
	}

	rt, err := newRunEnv(ctx, cfg, opts, logger)
	if err != nil {
		return nil, err
	}
	defer rt.close()
	// Background loops stop before the run environment closes under them
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched, _, err := buildSchedule(ts, rt.coord.Scheduler())
	if err != nil {
		return nil, err
	}

	if rt.mailbox != nil {
		go rt.mailbox.RunHeartbeatSync(ctx, rt.coord.Orchestrator().Registry(), time.Second)
		if err := waitForAgents(ctx, rt, opts.agentWait); err != nil {
			return nil, err
		}
	}

	if err := rt.coord.Start(); err != nil {
		return nil, err
	}

	if addr := firstNonEmpty(opts.metricsAddr, cfg.Metrics.Addr); addr != "" {
		reg, err := metrics.NewRegistry(rt.coord)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := metrics.Serve(ctx, addr, reg, logger); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if dir := filepath.Dir(flags.projectConfig); flags.projectConfig != "" && dirExists(dir) {
		go func() {
			err := config.Watch(ctx, flags.globalConfig, flags.projectConfig, logger, func(c *config.Config) {
				rt.coord.UpdateConfig(c.CoordinatorConfig())
			})
			if err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	if rt.store != nil {
		if err := saveTasks(ctx, rt.store, ts.Tasks); err != nil {
			return nil, err
		}
	}

	var report *orchestrator.RunReport
	if opts.tui {
		report, err = runWithDashboard(ctx, rt, sched)
	} else {
		report, err = rt.coord.RunSchedule(ctx, sched)
	}

	if rt.store != nil && report != nil {
		if serr := recordReport(context.Background(), rt.store, sched, report); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	return report, err
}

// runWithDashboard runs the schedule while the TUI is up. The dashboard stays
// open after the run so results can be inspected; quitting it early cancels
// the run.
func runWithDashboard(ctx context.Context, rt *runEnv, sched *scheduler.Schedule) (*orchestrator.RunReport, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(tui.New(rt.bus, rt.coord.CancelExecution), tea.WithAltScreen())
	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	type result struct {
		report *orchestrator.RunReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := rt.coord.RunSchedule(runCtx, sched)
		done <- result{r, err}
	}()

	select {
	case err := <-errChan:
		// User quit the dashboard
		if err != nil {
			log.Printf("TUI exit error: %v", err)
		}
		cancel()
	case <-ctx.Done():
		log.Println("Shutdown signal received, cleaning up...")
		p.Quit()
		if err, ok := waitOrTimeout(errChan, 10*time.Second); !ok {
			log.Println("Shutdown timeout exceeded, forcing exit")
		} else if err != nil {
			log.Printf("TUI exit error: %v", err)
		}
	}

	r := <-done
	return r.report, r.err
}

func waitForAgents(ctx context.Context, rt *runEnv, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := rt.mailbox.SyncHeartbeats(ctx, rt.coord.Orchestrator().Registry()); err != nil && ctx.Err() == nil {
			return err
		}
		for _, a := range rt.coord.Orchestrator().GetAgents() {
			if a.Status != agent.StatusOffline {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no mailbox worker sent a heartbeat within %v", wait)
		case <-ticker.C:
		}
	}
}

// saveTasks stores tasks dependencies first. Dependencies outside the set
// must already be in the store.
func saveTasks(ctx context.Context, store *persistence.SQLiteStore, tasks []*scheduler.AtomicTask) error {
	inSet := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inSet[t.ID] = true
	}
	saved := make(map[string]bool, len(tasks))
	for len(saved) < len(tasks) {
		progressed := false
		for _, t := range tasks {
			if saved[t.ID] || !depsSaved(t, inSet, saved) {
				continue
			}
			if err := store.SaveTask(ctx, t); err != nil {
				return err
			}
			saved[t.ID] = true
			progressed = true
		}
		if !progressed {
			return fmt.Errorf("task set has a dependency cycle")
		}
	}
	return nil
}

func depsSaved(t *scheduler.AtomicTask, inSet, saved map[string]bool) bool {
	for _, d := range t.Dependencies {
		if inSet[d] && !saved[d] {
			return false
		}
	}
	return true
}

// recordReport stores every execution and the final task statuses.
func recordReport(ctx context.Context, store *persistence.SQLiteStore, sched *scheduler.Schedule, report *orchestrator.RunReport) error {
	var errs []error
	for _, b := range report.Batches {
		for _, e := range b.Executions {
			if err := store.SaveExecution(ctx, persistence.RecordOf(e)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, st := range sched.Tasks() {
		if err := store.UpdateTaskStatus(ctx, st.Task.ID, st.Task.Status, st.Task.ActualHours); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func printReport(out io.Writer, r *orchestrator.RunReport) {
	fmt.Fprintf(out, "Run of %q finished in %v\n", r.ProjectID, r.Duration.Round(time.Millisecond))
	line := func(label string, ids []string) {
		if len(ids) > 0 {
			fmt.Fprintf(out, "  %-10s %d: %s\n", label, len(ids), strings.Join(ids, ", "))
		}
	}
	line("completed", r.Completed)
	line("failed", r.Failed)
	line("blocked", r.Blocked)
	line("cancelled", r.Cancelled)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
