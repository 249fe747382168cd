package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keywheel/keywheel/internal/audit"
	"github.com/keywheel/keywheel/internal/store"
)

// NewAuditCommand groups audit trail subcommands.
func NewAuditCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		Long: `Query, summarize and export the append-only audit trail. Entries are
never updated or individually deleted; only the retention job prunes them.`,
	}

	cmd.AddCommand(
		newAuditQueryCmd(opts),
		newAuditStatsCmd(opts),
		newAuditReportCmd(opts),
		newAuditExportCmd(opts),
	)
	return cmd
}

// auditFilterFlags binds the shared filter flags and builds the store filter.
type auditFilterFlags struct {
	credentialID string
	action       string
	performedBy  string
	from         string
	to           string
}

func (f *auditFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.credentialID, "credential", "", "Filter by credential ID")
	cmd.Flags().StringVar(&f.action, "action", "", "Filter by action name")
	cmd.Flags().StringVar(&f.performedBy, "actor", "", "Filter by actor")
	cmd.Flags().StringVar(&f.from, "from", "", "Entries at or after this time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.to, "to", "", "Entries before this time")
}

func (f *auditFilterFlags) build() (store.AuditFilter, error) {
	from, err := parseTimeFlag(f.from)
	if err != nil {
		return store.AuditFilter{}, err
	}
	to, err := parseTimeFlag(f.to)
	if err != nil {
		return store.AuditFilter{}, err
	}
	return store.AuditFilter{
		CredentialID: f.credentialID,
		Action:       f.action,
		PerformedBy:  f.performedBy,
		From:         from,
		To:           to,
	}, nil
}

func newAuditQueryCmd(opts *Options) *cobra.Command {
	filters := &auditFilterFlags{}
	var (
		limit  int
		offset int
		format string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List audit entries, newest first",
		Example: `  keywheel audit query --action access_denied --from 2026-08-01 --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			filter, err := filters.build()
			if err != nil {
				return err
			}
			entries, total, err := app.reporter.Query(ctx, filter, store.Page{Offset: offset, Limit: limit})
			if err != nil {
				return err
			}

			if format == "json" {
				return outputJSON(cmd.OutOrStdout(), map[string]interface{}{
					"total":   total,
					"entries": entries,
				})
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "TIME\tACTION\tCREDENTIAL\tACTOR\tOK\tDETAIL")
			for _, e := range entries {
				detail := e.ErrorMessage
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					formatTime(e.CreatedAt), e.Action, e.CredentialID, e.PerformedBy,
					yesNo(e.Success), detail)
			}
			w.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d entries\n", len(entries), total)
			return nil
		},
	}

	filters.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json")

	return cmd
}

func newAuditStatsCmd(opts *Options) *cobra.Command {
	var (
		from string
		to   string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the trail: counts per action and success rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			fromT, err := parseTimeFlag(from)
			if err != nil {
				return err
			}
			toT, err := parseTimeFlag(to)
			if err != nil {
				return err
			}
			stats, err := app.reporter.Statistics(ctx, fromT, toT)
			if err != nil {
				return err
			}
			return outputJSON(cmd.OutOrStdout(), stats)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Entries at or after this time")
	cmd.Flags().StringVar(&to, "to", "", "Entries before this time")

	return cmd
}

func newAuditReportCmd(opts *Options) *cobra.Command {
	var (
		standard string
		from     string
		to       string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a compliance report",
		Long: `Generate a compliance report over a time range. Supported standards:
soc2, pci_dss, all.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			fromT, err := parseTimeFlag(from)
			if err != nil {
				return err
			}
			toT, err := parseTimeFlag(to)
			if err != nil {
				return err
			}
			report, err := app.reporter.Report(ctx, fromT, toT, audit.Standard(standard))
			if err != nil {
				return err
			}
			return outputJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&standard, "standard", "all", "Compliance standard: soc2, pci_dss, all")
	cmd.Flags().StringVar(&from, "from", "", "Entries at or after this time")
	cmd.Flags().StringVar(&to, "to", "", "Entries before this time")

	return cmd
}

func newAuditExportCmd(opts *Options) *cobra.Command {
	filters := &auditFilterFlags{}
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export matching entries as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.shutdown()

			filter, err := filters.build()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if err := app.reporter.ExportCSV(ctx, filter, out); err != nil {
				return err
			}
			if outPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Exported to %s\n", outPath)
			}
			return nil
		},
	}

	filters.register(cmd)
	cmd.Flags().StringVar(&outPath, "out", "", "Write CSV to a file instead of stdout")

	return cmd
}
