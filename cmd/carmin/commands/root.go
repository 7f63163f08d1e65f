package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	username   string
	role       string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "carmin",
		Short: "CARMIN execution server",
		Long: `carmin runs pipeline executions for the CARMIN API.

Executions are created from pipelines exported out of the pipeline
directory, run as supervised processes inside per-user sandboxes under the
data directory, and tracked in a SQLite database so that a restarted server
can repair whatever a crash left Running.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "platform properties file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&username, "user", "u", "", "acting username")
	rootCmd.PersistentFlags().StringVar(&role, "role", "user", "acting role (user or admin)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newPipelinesCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newExecutionsCommand())

	return rootCmd
}
