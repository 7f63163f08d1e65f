package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CARMIN-org/CARMIN-server/pkg/engine"
)

func newReconcileCommand() *cobra.Command {
	var startup bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair executions left Running by a crashed supervisor",
		Long: `Run one reconciliation pass.

By default only executions whose supervisor process is gone are terminated
and marked Unknown, which is safe while a server or "executions play" is
supervising. With --startup, every Running execution whose tracked
processes are not all alive is repaired; use it only when nothing else is
running. Process rows of executions that are no longer Running are
terminated and removed in both modes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, false, func(r *app) error {
				var report engine.ReconcileReport
				if startup {
					report = r.service.Reconcile(ctx)
				} else {
					report = r.service.Sweep(ctx)
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), report)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checked: %d\nuntouched: %d\nmarked unknown: %d\norphan processes: %d\n",
					report.Checked, report.Untouched, report.MarkedUnknown, report.Orphans)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&startup, "startup", false, "apply the startup rule: repair executions with any dead tracked process")
	return cmd
}
