package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewHealthCommand groups health monitoring subcommands.
func NewHealthCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe and inspect credential health",
	}

	cmd.AddCommand(
		newHealthCheckCmd(opts),
		newHealthSweepCmd(opts),
		newHealthStatusCmd(opts),
		newHealthUptimeCmd(opts),
		newHealthHistoryCmd(opts),
		newHealthDashboardCmd(opts),
	)
	return cmd
}

func newHealthCheckCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <credential-id>",
		Short: "Probe one credential now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			result, err := app.monitor.PerformHealthCheck(ctx, args[0])
			if err != nil {
				return err
			}
			outcome := "healthy"
			if !result.Success {
				outcome = "unhealthy"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d ms", args[0], outcome, result.ResponseTimeMs)
			if result.StatusCode > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), ", status %d", result.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ")")
			if result.Message != "" {
				fmt.Fprintln(cmd.OutOrStdout(), result.Message)
			}
			return nil
		},
	}
	return cmd
}

func newHealthSweepCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Probe every active credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			summary, err := app.monitor.PerformAllHealthChecks(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checked %d credentials: %d passed, %d failed\n",
				summary.Checked, summary.Passed, summary.Failed)
			return nil
		},
	}
	return cmd
}

func newHealthStatusCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <credential-id>",
		Short: "Show derived health for one credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			status, err := app.monitor.GetHealthStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return outputJSON(cmd.OutOrStdout(), status)
		},
	}
	return cmd
}

func newHealthUptimeCmd(opts *Options) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "uptime <credential-id>",
		Short: "Show uptime percentage over a window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			pct, err := app.monitor.CalculateUptime(ctx, args[0], days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.2f%% over the last %d days\n", pct, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Window length in days")

	return cmd
}

func newHealthHistoryCmd(opts *Options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <credential-id>",
		Short: "List recent probe results, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			results, err := app.monitor.GetHealthHistory(ctx, args[0], limit)
			if err != nil {
				return err
			}

			w := newTable(cmd.OutOrStdout())
			defer w.Flush()
			fmt.Fprintln(w, "TIME\tRESULT\tSTATUS\tLATENCY\tMESSAGE")
			for _, r := range results {
				outcome := "pass"
				if !r.Success {
					outcome = "fail"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d ms\t%s\n",
					formatTime(r.Timestamp), outcome, r.StatusCode, r.ResponseTimeMs, r.Message)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum results to list")

	return cmd
}

func newHealthDashboardCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show all credentials, worst health first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			statuses, err := app.monitor.Dashboard(ctx)
			if err != nil {
				return err
			}

			w := newTable(cmd.OutOrStdout())
			defer w.Flush()
			fmt.Fprintln(w, "CREDENTIAL\tSERVICE\tHEALTHY\tCONSECUTIVE FAILURES\tUPTIME\tLAST CHECKED")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.1f%%\t%s\n",
					s.CredentialID, s.ServiceTemplate, yesNo(s.Healthy),
					s.ConsecutiveFailures, s.UptimePct, formatTime(s.LastChecked))
			}
			return nil
		},
	}
	return cmd
}
