package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRotationCommand groups zero-downtime rotation subcommands.
func NewRotationCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotation",
		Short: "Rotate credentials with zero downtime",
		Long: `Drive credential rotation sessions. A rotation mints partner material,
probes it through a grace period and cuts over only once the partner has
proven healthy. The old material keeps working until completion.`,
	}

	cmd.AddCommand(
		newRotationInitiateCmd(opts),
		newRotationCompleteCmd(opts),
		newRotationRollbackCmd(opts),
		newRotationCancelCmd(opts),
		newRotationStatusCmd(opts),
		newRotationHistoryCmd(opts),
	)
	return cmd
}

func newRotationInitiateCmd(opts *Options) *cobra.Command {
	var (
		actor        string
		graceMinutes int
		checkCount   int
		intervalMs   int
		noRollback   bool
	)

	cmd := &cobra.Command{
		Use:   "initiate <credential-id>",
		Short: "Start a rotation session",
		Example: `  # Rotate with defaults (60 min grace, 3 healthy probes to become eligible)
  keywheel rotation initiate 7d0f2a31-...

  # Short grace period without automatic rollback
  keywheel rotation initiate 7d0f2a31-... --grace-minutes 10 --no-auto-rollback`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			cfg := app.cfg.RotationDefaults()
			if graceMinutes > 0 {
				cfg.GracePeriodMinutes = graceMinutes
			}
			if checkCount > 0 {
				cfg.HealthCheckCount = checkCount
			}
			if intervalMs > 0 {
				cfg.HealthCheckIntervalMs = intervalMs
			}
			if noRollback {
				cfg.AutoRollbackOnFailure = false
			}

			session, err := app.engine.Initiate(ctx, args[0], actor, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rotation %s started: partner credential %s, grace period %d minutes\n",
				session.ID, session.NewCredentialID, session.Config.GracePeriodMinutes)
			fmt.Fprintln(cmd.OutOrStdout(), "Probe loops only run inside 'keywheel run'; complete or roll back from there.")
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded on the audit trail")
	cmd.Flags().IntVar(&graceMinutes, "grace-minutes", 0, "Grace period length in minutes")
	cmd.Flags().IntVar(&checkCount, "check-count", 0, "Consecutive healthy probes required for eligibility")
	cmd.Flags().IntVar(&intervalMs, "check-interval-ms", 0, "Milliseconds between partner probes")
	cmd.Flags().BoolVar(&noRollback, "no-auto-rollback", false, "Disable automatic rollback on probe failures")

	return cmd
}

func newRotationCompleteCmd(opts *Options) *cobra.Command {
	var (
		actor    string
		override bool
	)

	cmd := &cobra.Command{
		Use:   "complete <session-id>",
		Short: "Promote the partner and revoke the old credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			if err := app.engine.Complete(ctx, args[0], actor, override); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rotation %s completed\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded on the audit trail")
	cmd.Flags().BoolVar(&override, "override", false, "Complete even without the required healthy probes")

	return cmd
}

func newRotationRollbackCmd(opts *Options) *cobra.Command {
	var (
		actor  string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "rollback <session-id>",
		Short: "Restore the old credential and discard the partner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			if err := app.engine.Rollback(ctx, args[0], actor, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rotation %s rolled back\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded on the audit trail")
	cmd.Flags().StringVar(&reason, "reason", "operator rollback", "Reason recorded on the session")

	return cmd
}

func newRotationCancelCmd(opts *Options) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Abandon a rotation before completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			if err := app.engine.Cancel(ctx, args[0], actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rotation %s cancelled\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded on the audit trail")

	return cmd
}

func newRotationStatusCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's state and probe progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			status, err := app.engine.Status(ctx, args[0])
			if err != nil {
				return err
			}

			s := status.Session
			view := map[string]interface{}{
				"session_id":            s.ID,
				"credential_id":         s.CredentialID,
				"partner_credential_id": s.NewCredentialID,
				"state":                 s.State,
				"initiated_by":          s.InitiatedBy,
				"started_at":            s.StartedAt,
				"completed_at":          s.CompletedAt,
				"rolled_back_at":        s.RolledBackAt,
				"failure_reason":        s.FailureReason,
				"probe_count":           status.ProbeCount,
				"consecutive_successes": status.ConsecutiveSuccesses,
				"consecutive_failures":  status.ConsecutiveFailures,
				"eligible":              status.Eligible,
			}
			return outputJSON(cmd.OutOrStdout(), view)
		},
	}
	return cmd
}

func newRotationHistoryCmd(opts *Options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <credential-id>",
		Short: "List past rotation sessions for a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			sessions, err := app.engine.History(ctx, args[0], limit)
			if err != nil {
				return err
			}

			w := newTable(cmd.OutOrStdout())
			defer w.Flush()
			fmt.Fprintln(w, "SESSION\tSTATE\tINITIATED BY\tSTARTED\tFINISHED\tREASON")
			for _, s := range sessions {
				finished := s.CompletedAt
				if finished == nil {
					finished = s.RolledBackAt
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.State, s.InitiatedBy, formatTime(s.StartedAt),
					formatTimePtr(finished), s.FailureReason)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list")

	return cmd
}
