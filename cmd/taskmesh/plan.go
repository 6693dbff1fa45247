package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/taskmesh/internal/scheduler"
	"github.com/aristath/taskmesh/internal/taskfile"
)

func newPlanCmd(flags *rootFlags) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the execution schedule for a task file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ts, err := taskfile.Load(file)
			if err != nil {
				return err
			}
			sched, _, err := buildSchedule(ts, scheduler.NewTaskScheduler(cfg.Scheduler, flags.logger()))
			if err != nil {
				return err
			}
			return printSchedule(cmd.OutOrStdout(), sched)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "tasks.yaml", "task file")
	return cmd
}

// buildSchedule turns a task set into its graph and schedule.
func buildSchedule(ts *taskfile.TaskSet, sch *scheduler.TaskScheduler) (*scheduler.Schedule, *scheduler.DependencyGraph, error) {
	g, err := ts.Graph()
	if err != nil {
		return nil, nil, err
	}
	sched, err := sch.GenerateSchedule(ts.Tasks, g, ts.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return sched, g, nil
}

func printSchedule(out io.Writer, sched *scheduler.Schedule) error {
	fmt.Fprintf(out, "Project %q: %d tasks in %d batches, %.1fh estimated\n",
		sched.ProjectID(), sched.Len(), len(sched.Batches()), sched.TotalEstimatedHours())
	if cp := sched.CriticalPath(); len(cp) > 0 {
		fmt.Fprintf(out, "Critical path: %s\n", strings.Join(cp, " -> "))
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tTASK\tPRIORITY\tHOURS\tMEMORY\tCPU\tDEPENDS ON")
	for _, b := range sched.Batches() {
		for _, id := range b.TaskIDs {
			st, _ := sched.Task(id)
			fmt.Fprintf(w, "%d\t%s\t%s\t%.1f\t%dMB\t%.1f\t%s\n",
				b.BatchID, id, st.Task.Priority, st.Task.EstimatedHours,
				st.Resources.MemoryMB, st.Resources.CPUWeight, strings.Join(st.HardDependencies, ","))
		}
	}
	return w.Flush()
}
