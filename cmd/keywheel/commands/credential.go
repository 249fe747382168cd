package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/keywheel/keywheel/internal/audit"
	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/store"
)

// NewCredentialCommand groups credential management subcommands.
func NewCredentialCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage credentials",
		Long: `Create, inspect and revoke credentials. Revocation keeps the record for
audit continuity; credentials are never deleted.`,
	}

	cmd.AddCommand(
		newCredentialAddCmd(opts),
		newCredentialListCmd(opts),
		newCredentialShowCmd(opts),
		newCredentialRevokeCmd(opts),
	)
	return cmd
}

func newCredentialAddCmd(opts *Options) *cobra.Command {
	var (
		endpoint    string
		probeType   string
		materialVal string
		generate    bool
		expiresIn   int
		alertOnFail bool
		actor       string
	)

	cmd := &cobra.Command{
		Use:   "add <service-template>",
		Short: "Register a new primary credential",
		Example: `  # Register a credential with existing material
  keywheel credential add stripe --endpoint https://api.stripe.com/v1/charges --material sk_live_...

  # Mint fresh random material
  keywheel credential add github --endpoint https://api.github.com/user --generate`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			service := args[0]
			if materialVal == "" && !generate {
				return kwerr.Validation("material", "pass --material or --generate")
			}
			if materialVal != "" && generate {
				return kwerr.Validation("material", "--material and --generate are mutually exclusive")
			}
			if generate {
				source, err := buildSource(ctx, app.cfg)
				if err != nil {
					return err
				}
				minted, err := source.Generate(ctx, service)
				if err != nil {
					return err
				}
				materialVal, err = minted.String()
				if err != nil {
					return err
				}
				minted.Destroy()
			}

			now := app.clk.Now().UTC()
			cred := &store.Credential{
				ID:                    uuid.NewString(),
				ServiceTemplate:       service,
				Endpoint:              endpoint,
				ProbeType:             store.ProbeType(probeType),
				Material:              materialVal,
				IsPrimary:             true,
				Status:                store.CredentialActive,
				AlertOnFailure:        alertOnFail,
				FailureAlertThreshold: 3,
				CreatedAt:             now,
				UpdatedAt:             now,
			}
			switch cred.ProbeType {
			case store.ProbeHTTP, store.ProbePostgres, store.ProbeMySQL:
			default:
				return kwerr.Validation("probe_type", "unknown probe type %q", probeType)
			}
			if expiresIn > 0 {
				expiry := now.AddDate(0, 0, expiresIn)
				cred.ExpiresAt = &expiry
			}
			if err := app.store.CreateCredential(ctx, cred); err != nil {
				return err
			}
			app.recorder.Record(audit.Event{
				CredentialID: cred.ID,
				Action:       audit.ActionCredentialCreated,
				PerformedBy:  actor,
				Success:      true,
				Metadata:     map[string]string{"service": service},
			})
			app.recorder.Flush()

			fmt.Fprintf(cmd.OutOrStdout(), "Created credential %s for %s\n", cred.ID, service)
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Endpoint probed by health checks")
	cmd.Flags().StringVar(&probeType, "probe", "http", "Probe type: http, postgres, mysql")
	cmd.Flags().StringVar(&materialVal, "material", "", "Credential material (secret value)")
	cmd.Flags().BoolVar(&generate, "generate", false, "Mint fresh material instead of passing it")
	cmd.Flags().IntVar(&expiresIn, "expires-in-days", 0, "Days until the credential expires (0 = never)")
	cmd.Flags().BoolVar(&alertOnFail, "alert-on-failure", false, "Alert when consecutive health checks fail")
	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded on the audit trail")

	return cmd
}

func newCredentialListCmd(opts *Options) *cobra.Command {
	var (
		status  string
		format  string
		service string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			filter := store.CredentialFilter{ServiceTemplate: service}
			if status != "" {
				filter.Status = store.CredentialStatus(status)
			}
			creds, err := app.store.ListCredentials(ctx, filter)
			if err != nil {
				return err
			}

			if format == "json" {
				return outputJSON(cmd.OutOrStdout(), creds)
			}
			w := newTable(cmd.OutOrStdout())
			defer w.Flush()
			fmt.Fprintln(w, "ID\tSERVICE\tSTATUS\tPRIMARY\tPROBE\tEXPIRES")
			for _, c := range creds {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					c.ID, c.ServiceTemplate, c.Status, yesNo(c.IsPrimary), c.ProbeType,
					formatTimePtr(c.ExpiresAt))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status: active, revoked")
	cmd.Flags().StringVar(&service, "service", "", "Filter by service template")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json")

	return cmd
}

func newCredentialShowCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <credential-id>",
		Short: "Show one credential and its access policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			cred, err := app.store.GetCredential(ctx, args[0])
			if err != nil {
				return err
			}

			// Material never leaves the store through this command.
			view := map[string]interface{}{
				"id":                       cred.ID,
				"service_template":         cred.ServiceTemplate,
				"endpoint":                 cred.Endpoint,
				"probe_type":               cred.ProbeType,
				"is_primary":               cred.IsPrimary,
				"status":                   cred.Status,
				"rotation_partner_id":      cred.RotationPartnerID,
				"allowed_ips":              cred.AllowedIPs,
				"allowed_domains":          cred.AllowedDomains,
				"rate_limit":               cred.RateLimit,
				"concurrent_limit":         cred.ConcurrentLimit,
				"emergency_access_enabled": cred.EmergencyAccessEnabled,
				"alert_on_failure":         cred.AlertOnFailure,
				"expires_at":               cred.ExpiresAt,
				"created_at":               cred.CreatedAt,
				"updated_at":               cred.UpdatedAt,
			}
			return outputJSON(cmd.OutOrStdout(), view)
		},
	}
	return cmd
}

func newCredentialRevokeCmd(opts *Options) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "revoke <credential-id>",
		Short: "Revoke a credential",
		Long: `Mark a credential revoked. The record is retained and its audit history
stays queryable. A credential with a rotation in flight cannot be revoked;
cancel or complete the rotation first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			app.start(ctx)
			defer app.shutdown()

			cred, err := app.store.GetCredential(ctx, args[0])
			if err != nil {
				return err
			}
			if cred.Status == store.CredentialRevoked {
				return kwerr.State(string(cred.Status), "revoke", "credential is already revoked")
			}
			if _, err := app.store.ActiveSessionForCredential(ctx, cred.ID); err == nil {
				return kwerr.Conflict("credential", "rotation in progress for %s", cred.ID)
			} else if !kwerr.IsNotFound(err) {
				return err
			}

			cred.Status = store.CredentialRevoked
			cred.UpdatedAt = app.clk.Now().UTC()
			if err := app.store.UpdateCredential(ctx, cred); err != nil {
				return err
			}
			app.recorder.Record(audit.Event{
				CredentialID: cred.ID,
				Action:       audit.ActionCredentialRevoked,
				PerformedBy:  actor,
				Success:      true,
			})
			app.recorder.Flush()

			fmt.Fprintf(cmd.OutOrStdout(), "Revoked credential %s (%s)\n", cred.ID, cred.ServiceTemplate)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Actor recorded on the audit trail")

	return cmd
}
