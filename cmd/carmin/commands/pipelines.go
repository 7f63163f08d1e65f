package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/CARMIN-org/CARMIN-server/pkg/catalog"
)

func newPipelinesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Pipeline catalog management",
	}

	cmd.AddCommand(newPipelinesExportCommand())
	cmd.AddCommand(newPipelinesListCommand())

	return cmd
}

func newPipelinesExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export vendor descriptors into canonical pipelines",
		Long: `Export every vendor descriptor under the pipeline directory.

Each file under <pipelineDirectory>/<type>/ is converted into
<pipelineDirectory>/<type>_<file> with a stable identifier.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, true, func(r *app) error {
				n := len(r.catalog.List(catalog.Filter{}))
				fmt.Fprintf(cmd.OutOrStdout(), "%d pipelines exported\n", n)
				return nil
			})
		},
	}
}

func newPipelinesListCommand() *cobra.Command {
	var filter catalog.Filter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed pipelines",
		Example: `  # List every pipeline
  carmin pipelines list

  # List pipelines of a study
  carmin pipelines list --study neuro`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, false, func(r *app) error {
				pipelines := r.catalog.List(filter)
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), pipelines)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "IDENTIFIER\tNAME\tVERSION\tPARAMETERS")
				for _, p := range pipelines {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.Identifier, p.Name, p.Version, len(p.Parameters))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.StudyIdentifier, "study", "", "only pipelines of this study")
	cmd.Flags().StringVar(&filter.Property, "property", "", "only pipelines carrying this property")
	cmd.Flags().StringVar(&filter.PropertyValue, "property-value", "", "required value of --property")

	return cmd
}
