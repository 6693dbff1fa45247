// Command taskmesh schedules a task set into parallel batches and executes it
// against a pool of agents.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskmesh/internal/config"
)

type rootFlags struct {
	globalConfig  string
	projectConfig string
	verbose       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	// Without a home directory only the project file is read
	global, project, err := config.DefaultPaths()
	if err != nil {
		global, project = "", filepath.Join(".taskmesh", "config.json")
	}

	root := &cobra.Command{
		Use:          "taskmesh",
		Short:        "Schedule dependent tasks and run them on a pool of agents",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.globalConfig, "global-config", global, "global config file")
	root.PersistentFlags().StringVar(&flags.projectConfig, "config", project, "project config file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newInitCmd(flags))
	root.AddCommand(newPlanCmd(flags))
	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newWorkerCmd(flags))
	root.AddCommand(newExecCmd(flags))
	return root
}

func (f *rootFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.globalConfig, f.projectConfig)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// waitOrTimeout waits for errc or gives up after d. Reports whether errc delivered.
func waitOrTimeout(errc <-chan error, d time.Duration) (error, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	select {
	case err := <-errc:
		return err, true
	case <-ctx.Done():
		return nil, false
	}
}
