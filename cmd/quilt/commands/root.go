// Package commands implements the quilt command line.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	dryRun     bool
	targets    []string

	// buildVersion is reported to telemetry.
	buildVersion = "dev"
)

// buildInfo is reported by --version and the version command.
type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(buildInfo{Version: version, Commit: commit, BuildDate: buildDate})
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(info buildInfo) *cobra.Command {
	buildVersion = info.Version
	rootCmd := &cobra.Command{
		Use:   "quilt",
		Short: "Quilt - declarative resource convergence over SSH",
		Long: `Quilt converges hosts to the state declared in a Starlark quiltfile.

Each target is reached over SSH (or locally), its current state is queried
live, and only the steps needed to reach the declared state are run:
  - Files, directories and symlinks with ownership and modes
  - PostgreSQL databases, users and privileges
  - RabbitMQ users, vhosts and permissions
  - Supervisor programs, nginx sites, virtualenvs and git checkouts
  - Layered defaults from CUE or YAML, guard rails from Rego policies`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default quilt.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "show what would change without changing it")
	rootCmd.PersistentFlags().StringSliceVarP(&targets, "target", "t", nil, "limit the run to these targets")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newRemoveCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}

func newVersionCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "quilt %s (commit: %s, built: %s)\n", info.Version, info.Commit, info.BuildDate)
			return err
		},
	}
}
