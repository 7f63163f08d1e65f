package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/CARMIN-org/CARMIN-server/pkg/engine"
	"github.com/CARMIN-org/CARMIN-server/pkg/stores"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printExecution(w io.Writer, exec *stores.Execution) error {
	if jsonOutput {
		return printJSON(w, exec)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Identifier:\t%s\n", exec.Identifier)
	fmt.Fprintf(tw, "Name:\t%s\n", exec.Name)
	fmt.Fprintf(tw, "Pipeline:\t%s\n", exec.PipelineIdentifier)
	fmt.Fprintf(tw, "Status:\t%s\n", exec.Status)
	fmt.Fprintf(tw, "Owner:\t%s\n", exec.CreatorUsername)
	if exec.Timeout != nil {
		fmt.Fprintf(tw, "Timeout:\t%ds\n", *exec.Timeout)
	}
	fmt.Fprintf(tw, "Started:\t%s\n", formatMillis(exec.StartDate))
	fmt.Fprintf(tw, "Ended:\t%s\n", formatMillis(exec.EndDate))
	return tw.Flush()
}

func printExecutions(w io.Writer, execs []*stores.Execution) error {
	if jsonOutput {
		return printJSON(w, execs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tNAME\tSTATUS\tCREATED")
	for _, e := range execs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Identifier, e.Name, e.Status, e.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printPaths(w io.Writer, paths []engine.Path) error {
	if jsonOutput {
		return printJSON(w, paths)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSIZE\tMODIFIED")
	for _, p := range paths {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", p.PlatformPath, p.Size, time.Unix(p.LastModificationDate, 0).Format(time.RFC3339))
	}
	return tw.Flush()
}

func printAudit(w io.Writer, entries []*stores.AuditEntry) error {
	if jsonOutput {
		return printJSON(w, entries)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Action, e.Actor, strings.ReplaceAll(e.Detail, "\n", " "))
	}
	return tw.Flush()
}

func formatMillis(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).Format(time.RFC3339)
}
