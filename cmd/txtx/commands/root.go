package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/txtx/txtx/pkg/config"
)

var (
	// Global flags
	manifestPath string
	verbose      bool
	jsonOutput   bool

	// cliVersion is reported as the service version of telemetry.
	cliVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	cliVersion = version

	rootCmd := &cobra.Command{
		Use:   "txtx",
		Short: "txtx - Runbook execution engine",
		Long: `txtx executes runbooks: declarative workflows of variables, signers,
actions and outputs that build, sign and broadcast transactions.

Features:
  - Typed runbooks via CUE
  - Supervised or unattended execution with resumable state
  - Signer activation and signing protocol
  - Starlark and WASM addons
  - Policy pre-flight checks`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", config.ManifestFile, "workspace manifest path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newPoliciesCommand())
	rootCmd.AddCommand(newAddonsCommand())

	return rootCmd
}
