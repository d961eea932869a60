package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath  string
	dbPath      string
	logLevel    string
	environment string
	metricsAddr string
	jsonOutput  bool

	out io.Writer
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "confdeploy",
		Short: "confdeploy - configuration deployment orchestrator",
		Long: `confdeploy keeps immutable versions of monitoring configurations and rolls
them out to fleets of targets.

Features:
  - Content-hashed configuration versions with history
  - Structural diffs for YAML, JSON and CUE with risk classification
  - Target inventory with groups and per-group rollout policies
  - Parallel, sequential and rolling deployments over SSH
  - Retries, failure-rate aborts and automatic rollback
  - OPA admission policies`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.out = cmd.OutOrStdout()
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.environment, "env", "", "telemetry preset (development, production)")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newVersionCommand(opts))
	rootCmd.AddCommand(newDiffCommand(opts))
	rootCmd.AddCommand(newTargetCommand(opts))
	rootCmd.AddCommand(newGroupCommand(opts))
	rootCmd.AddCommand(newDeployCommand(opts))
	rootCmd.AddCommand(newJobCommand(opts))
	rootCmd.AddCommand(newPolicyCommand(opts))

	return rootCmd
}
