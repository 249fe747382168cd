package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keywheel/keywheel/internal/emergency"
)

// NewEmergencyCommand groups emergency access subcommands.
func NewEmergencyCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "Time-boxed emergency access grants",
		Long: `Grant, inspect and revoke emergency access. A grant lets a credential
bypass rate and concurrency limits for a bounded window, with the reason on
the audit trail. Allowlists still apply.`,
	}

	cmd.AddCommand(
		newEmergencyRequestCmd(opts),
		newEmergencyRevokeCmd(opts),
		newEmergencyListCmd(opts),
		newEmergencyCheckCmd(opts),
	)
	return cmd
}

func newEmergencyRequestCmd(opts *Options) *cobra.Command {
	var (
		actor  string
		reason string
		hours  int
	)

	cmd := &cobra.Command{
		Use:   "request <credential-id>",
		Short: "Request an emergency access grant",
		Example: `  keywheel emergency request 7d0f2a31-... \
    --reason "incident 4212: payment provider failover" --hours 4 --actor ops@example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			grant, err := app.emergency.Request(ctx, args[0], actor, reason, hours)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Grant %s active until %s\n", grant.ID, formatTime(grant.ExpiresAt))
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded on the audit trail")
	cmd.Flags().StringVar(&reason, "reason", "", fmt.Sprintf("Justification (at least %d characters)", emergency.MinReasonLength))
	cmd.Flags().IntVar(&hours, "hours", 1, fmt.Sprintf("Grant duration in hours (1-%d)", emergency.MaxDurationHours))

	return cmd
}

func newEmergencyRevokeCmd(opts *Options) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "revoke <grant-id>",
		Short: "Revoke a grant before it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			if err := app.emergency.Revoke(ctx, args[0], actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Grant %s revoked\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded on the audit trail")

	return cmd
}

func newEmergencyListCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active grants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			grants, err := app.emergency.ActiveGrants(ctx)
			if err != nil {
				return err
			}

			w := newTable(cmd.OutOrStdout())
			defer w.Flush()
			fmt.Fprintln(w, "GRANT\tCREDENTIAL\tREQUESTED BY\tGRANTED\tEXPIRES\tREASON")
			for _, g := range grants {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					g.ID, g.CredentialID, g.RequestedBy,
					formatTime(g.GrantedAt), formatTime(g.ExpiresAt), g.Reason)
			}
			return nil
		},
	}
	return cmd
}

func newEmergencyCheckCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <credential-id>",
		Short: "Show a credential's emergency access state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			state, grant, err := app.emergency.Check(ctx, args[0])
			if err != nil {
				return err
			}
			switch state {
			case emergency.StateActive:
				fmt.Fprintf(cmd.OutOrStdout(), "active: grant %s expires %s\n", grant.ID, formatTime(grant.ExpiresAt))
			case emergency.StateExpired:
				fmt.Fprintf(cmd.OutOrStdout(), "expired: grant %s lapsed %s\n", grant.ID, formatTime(grant.ExpiresAt))
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "none")
			}
			return nil
		},
	}
	return cmd
}
