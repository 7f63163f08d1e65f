package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CARMIN-org/CARMIN-server/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Platform properties",
	}

	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigShowCommand())

	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	var skipDirs bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the platform properties",
		Long: `Validate the platform properties file.

This command checks:
  - Field constraints (timeouts, list limit, supported protocols and modules)
  - https is a supported transfer protocol
  - maxAuthorizedExecutionTimeout is zero or not below the minimum
  - The data and pipeline directories exist`,
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !skipDirs {
				if err := platform.ValidateDirectories(); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "platform properties are valid")
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipDirs, "skip-directories", false, "do not check that directories exist")

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective platform properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), platform)
		},
	}
}
