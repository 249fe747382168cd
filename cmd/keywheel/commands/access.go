package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewAccessCommand groups access policy subcommands.
func NewAccessCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Inspect and update access policy",
		Long: `Manage per-credential access policy: IP and domain allowlists, rate
limits and concurrency caps. Every check and policy change is audited.`,
	}

	cmd.AddCommand(
		newAccessCheckCmd(opts),
		newAccessAllowIPsCmd(opts),
		newAccessAllowDomainsCmd(opts),
		newAccessLimitsCmd(opts),
		newAccessStatsCmd(opts),
		newAccessMetricsCmd(opts),
	)
	return cmd
}

func newAccessCheckCmd(opts *Options) *cobra.Command {
	var (
		clientIP string
		domain   string
	)

	cmd := &cobra.Command{
		Use:   "check <credential-id>",
		Short: "Evaluate an access request against policy",
		Example: `  keywheel access check 7d0f2a31-... --ip 10.1.2.3 --domain api.internal.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			decision, err := app.gate.CheckAccess(ctx, args[0], clientIP, domain)
			if err != nil {
				return err
			}
			if decision.Allowed {
				// The CLI check is advisory; release the concurrency slot it took.
				app.gate.Release(args[0])
				if decision.EmergencyOverride {
					fmt.Fprintln(cmd.OutOrStdout(), "allowed (emergency override)")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "allowed")
				}
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "denied: %s\n", decision.Reason)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientIP, "ip", "", "Client IP address")
	cmd.Flags().StringVar(&domain, "domain", "", "Client domain")

	return cmd
}

func newAccessAllowIPsCmd(opts *Options) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "allow-ips <credential-id> [entry...]",
		Short: "Replace the IP allowlist",
		Long: `Replace a credential's IP allowlist. Entries are exact addresses or CIDR
blocks. No entries clears the list, which allows every IP.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			entries := args[1:]
			if err := app.gate.UpdateIPWhitelist(ctx, args[0], actor, entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "IP allowlist cleared (all IPs allowed)")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "IP allowlist set: %s\n", strings.Join(entries, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded on the audit trail")

	return cmd
}

func newAccessAllowDomainsCmd(opts *Options) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "allow-domains <credential-id> [entry...]",
		Short: "Replace the domain allowlist",
		Long: `Replace a credential's domain allowlist. Entries are exact domains or
wildcards like *.internal.example.com. No entries clears the list.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			entries := args[1:]
			if err := app.gate.UpdateDomainWhitelist(ctx, args[0], actor, entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Domain allowlist cleared (all domains allowed)")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Domain allowlist set: %s\n", strings.Join(entries, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded on the audit trail")

	return cmd
}

func newAccessLimitsCmd(opts *Options) *cobra.Command {
	var (
		actor      string
		rate       int
		concurrent int
	)

	cmd := &cobra.Command{
		Use:   "limits <credential-id>",
		Short: "Set rate and concurrency limits",
		Example: `  # 120 requests per minute, at most 10 in flight
  keywheel access limits 7d0f2a31-... --rate 120 --concurrent 10

  # Remove both limits
  keywheel access limits 7d0f2a31-... --rate 0 --concurrent 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			var ratePtr, concPtr *int
			if rate > 0 {
				ratePtr = &rate
			}
			if concurrent > 0 {
				concPtr = &concurrent
			}
			if err := app.gate.UpdateRateLimits(ctx, args[0], actor, ratePtr, concPtr); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Limits updated")
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded on the audit trail")
	cmd.Flags().IntVar(&rate, "rate", 0, "Requests per minute (0 = unlimited)")
	cmd.Flags().IntVar(&concurrent, "concurrent", 0, "Concurrent requests (0 = unlimited)")

	return cmd
}

func newAccessStatsCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [credential-id]",
		Short: "Show rate limit status for one or all credentials",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			if len(args) == 1 {
				status, err := app.gate.GetRateLimitStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return outputJSON(cmd.OutOrStdout(), status)
			}

			stats, err := app.gate.GetAllRateLimitStats(ctx)
			if err != nil {
				return err
			}
			return outputJSON(cmd.OutOrStdout(), stats)
		},
	}
	return cmd
}

func newAccessMetricsCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show aggregate security metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			metrics, err := app.gate.GetSecurityMetrics(ctx)
			if err != nil {
				return err
			}
			return outputJSON(cmd.OutOrStdout(), metrics)
		},
	}
	return cmd
}
