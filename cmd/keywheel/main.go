package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keywheel/keywheel/cmd/keywheel/commands"
	"github.com/keywheel/keywheel/internal/config"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/secure"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := run()
	secure.Purge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := &commands.Options{}

	rootCmd := &cobra.Command{
		Use:   "keywheel",
		Short: "API credential lifecycle management",
		Long: `keywheel rotates API credentials with zero downtime, monitors their
health, enforces access policy and keeps a tamper-evident audit trail.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.Logger = logging.New(opts.Debug, opts.NoColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewRunCommand(opts),
		commands.NewCredentialCommand(opts),
		commands.NewRotationCommand(opts),
		commands.NewHealthCommand(opts),
		commands.NewAccessCommand(opts),
		commands.NewEmergencyCommand(opts),
		commands.NewAuditCommand(opts),
		commands.NewJobsCommand(opts),
	)

	return rootCmd.Execute()
}
