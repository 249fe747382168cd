package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keywheel/keywheel/internal/scheduler"
	"github.com/keywheel/keywheel/internal/store"
)

// NewJobsCommand groups background job subcommands.
func NewJobsCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger background jobs",
		Long: `Trigger maintenance jobs manually and inspect their run history. The
scheduled cadence only runs inside 'keywheel run'.`,
	}

	cmd.AddCommand(
		newJobsTriggerCmd(opts),
		newJobsStatusCmd(opts),
		newJobsHistoryCmd(opts),
	)
	return cmd
}

// registerJobs binds every built-in handler so manual triggers work outside
// the daemon.
func registerJobs(app *app) error {
	deps := scheduler.Deps{
		Store:     app.store,
		Monitor:   app.monitor,
		Emergency: app.emergency,
		Notifier:  app.notifier,
		Clock:     app.clk,
	}
	return scheduler.RegisterDefaultJobs(app.sched, deps, app.cfg.JobsConfig())
}

func newJobsTriggerCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <job-type>",
		Short: "Run a job now",
		Example: `  keywheel jobs trigger health_check
  keywheel jobs trigger audit_log_cleanup`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			if err := registerJobs(app); err != nil {
				return err
			}
			run, err := app.sched.Trigger(ctx, store.JobType(args[0]))
			if err != nil {
				if run != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Job failed: %s\n", run.Error)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", run.Status, run.Summary)
			return nil
		},
	}
	return cmd
}

func newJobsStatusCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List every job with its last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			if err := registerJobs(app); err != nil {
				return err
			}
			infos, err := app.sched.Status(ctx)
			if err != nil {
				return err
			}

			w := newTable(cmd.OutOrStdout())
			defer w.Flush()
			fmt.Fprintln(w, "JOB\tINTERVAL\tLAST RUN\tSTATUS\tSUMMARY")
			for _, info := range infos {
				lastRun, status, summary := "-", "-", "-"
				if info.LastRun != nil {
					lastRun = formatTime(info.LastRun.StartedAt)
					status = string(info.LastRun.Status)
					summary = info.LastRun.Summary
					if info.LastRun.Error != "" {
						summary = info.LastRun.Error
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					info.Type, info.Interval, lastRun, status, summary)
			}
			return nil
		},
	}
	return cmd
}

func newJobsHistoryCmd(opts *Options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <job-type>",
		Short: "List past runs of one job, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			runs, err := app.sched.History(ctx, store.JobType(args[0]), limit)
			if err != nil {
				return err
			}

			w := newTable(cmd.OutOrStdout())
			defer w.Flush()
			fmt.Fprintln(w, "STARTED\tTRIGGER\tSTATUS\tSUMMARY\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					formatTime(r.StartedAt), r.Trigger, r.Status, r.Summary, r.Error)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")

	return cmd
}
