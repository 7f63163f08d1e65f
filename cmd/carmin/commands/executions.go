package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CARMIN-org/CARMIN-server/pkg/engine"
)

func newExecutionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"exec"},
		Short:   "Execution management",
		Long: `Create, run and inspect executions.

Every subcommand acts as the user given by --user and --role. Users see
their own executions; admins may read, kill and delete anyone's.`,
	}

	cmd.AddCommand(newExecutionsCreateCommand())
	cmd.AddCommand(newExecutionsPlayCommand())
	cmd.AddCommand(newExecutionsGetCommand())
	cmd.AddCommand(newExecutionsListCommand())
	cmd.AddCommand(newExecutionsUpdateCommand())
	cmd.AddCommand(newExecutionsKillCommand())
	cmd.AddCommand(newExecutionsDeleteCommand())
	cmd.AddCommand(newExecutionsResultsCommand())
	cmd.AddCommand(newExecutionsStdCommand("stdout", "Print the standard output of an execution"))
	cmd.AddCommand(newExecutionsStdCommand("stderr", "Print the standard error of an execution"))
	cmd.AddCommand(newExecutionsAuditCommand())

	return cmd
}

func newExecutionsCreateCommand() *cobra.Command {
	var (
		req        engine.CreateRequest
		inputs     []string
		inputsFile string
		timeout    int64
		study      string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an execution",
		Long: `Create an execution in the Initializing state.

Input values are given as id=value pairs. A value that parses as JSON is
used as such; anything else is a string. File inputs take a platform URL
or a path relative to the data directory.`,
		Example: `  # Create a greeting execution
  carmin executions create --user jane --pipeline <id> --name hello --input name="Jane Doe"

  # Read input values from a JSON file
  carmin executions create --user jane --pipeline <id> --name run1 --inputs-file inputs.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			values, err := parseInputs(inputs, inputsFile)
			if err != nil {
				return err
			}
			req.InputValues = values
			if cmd.Flags().Changed("timeout") {
				req.Timeout = &timeout
			}
			if study != "" {
				req.StudyIdentifier = &study
			}

			ctx := cmd.Context()
			return withApp(ctx, false, func(r *app) error {
				exec, err := r.service.CreateExecution(ctx, user, req)
				if err != nil {
					return err
				}
				return printExecution(cmd.OutOrStdout(), exec)
			})
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "execution name")
	cmd.Flags().StringVar(&req.PipelineIdentifier, "pipeline", "", "pipeline identifier")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input value as id=value (repeatable)")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "JSON object of input values")
	cmd.Flags().Int64Var(&timeout, "timeout", 0, "execution timeout in seconds")
	cmd.Flags().StringVar(&study, "study", "", "study identifier")

	return cmd
}

// parseInputs merges the inputs file with the id=value flags, flags last.
func parseInputs(pairs []string, file string) (map[string]any, error) {
	values := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read inputs file: %w", err)
		}
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("failed to parse inputs file %s: %w", file, err)
		}
	}

	for _, pair := range pairs {
		id, raw, ok := strings.Cut(pair, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid input %q, expected id=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		values[id] = v
	}
	return values, nil
}

func newExecutionsPlayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "play <execution-id>",
		Short: "Run an Initializing execution",
		Long: `Validate the invocation and run the execution.

The execution is supervised by this process, so the command returns once
the execution has ended (or was killed from elsewhere) and prints its final
state. Interrupting the command kills the execution.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			id := args[0]

			ctx := cmd.Context()
			return withApp(ctx, false, func(r *app) error {
				if err := r.service.PlayExecution(ctx, user, id); err != nil {
					return err
				}

				if err := r.service.Drain(ctx); ctx.Err() != nil {
					r.logger.WithExecutionID(id).Warn("interrupted, killing execution")
					if err := r.service.KillExecution(context.WithoutCancel(ctx), user, id); err != nil && !engine.IsStateConflict(err) {
						return err
					}
				} else if err != nil {
					return err
				}

				exec, err := r.service.GetExecution(context.WithoutCancel(ctx), user, id)
				if err != nil {
					return err
				}
				return printExecution(cmd.OutOrStdout(), exec)
			})
		},
	}
}

func newExecutionsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(ctx, false, func(r *app) error {
				exec, err := r.service.GetExecution(ctx, user, args[0])
				if err != nil {
					return err
				}
				return printExecution(cmd.OutOrStdout(), exec)
			})
		},
	}
}

func newExecutionsListCommand() *cobra.Command {
	var offset, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your executions, newest first",
		Example: `  # Second page of ten
  carmin executions list --user jane --offset 10 --limit 10

  # Everything
  carmin executions list --user jane --limit 0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			var opts engine.ListOptions
			if cmd.Flags().Changed("offset") {
				opts.Offset = &offset
			}
			if cmd.Flags().Changed("limit") {
				opts.Limit = &limit
			}

			ctx := cmd.Context()
			return withApp(ctx, false, func(r *app) error {
				execs, err := r.service.ListExecutions(ctx, user, opts)
				if err != nil {
					return err
				}
				return printExecutions(cmd.OutOrStdout(), execs)
			})
		},
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "number of executions to skip")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of executions (0 for all, default from platform properties)")

	return cmd
}

func newExecutionsUpdateCommand() *cobra.Command {
	var (
		name    string
		timeout int64
	)

	cmd := &cobra.Command{
		Use:   "update <execution-id>",
		Short: "Rename an execution or change its timeout before it is played",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			var req engine.UpdateRequest
			if cmd.Flags().Changed("name") {
				req.Name = &name
			}
			if cmd.Flags().Changed("timeout") {
				req.Timeout = &timeout
			}

			ctx := cmd.Context()
			return withApp(ctx, false, func(r *app) error {
				return r.service.UpdateExecution(ctx, user, args[0], req)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new execution name")
	cmd.Flags().Int64Var(&timeout, "timeout", 0, "new timeout in seconds")

	return cmd
}

func newExecutionsKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <execution-id>",
		Short: "Kill a Running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(ctx, false, func(r *app) error {
				if err := r.service.KillExecution(ctx, user, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "execution %s killed\n", args[0])
				return nil
			})
		},
	}
}

func newExecutionsDeleteCommand() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "delete <execution-id>",
		Short: "Delete an execution",
		Long: `Kill the execution if it is still Running. With --purge, also remove
its directory and its record.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(ctx, false, func(r *app) error {
				return r.service.DeleteExecution(ctx, user, args[0], purge)
			})
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "remove the execution directory and record")

	return cmd
}

func newExecutionsResultsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "results <execution-id>",
		Short: "List the output files of a completed execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(ctx, false, func(r *app) error {
				paths, err := r.service.GetExecutionResults(ctx, user, args[0])
				if err != nil {
					return err
				}
				return printPaths(cmd.OutOrStdout(), paths)
			})
		},
	}
}

func newExecutionsStdCommand(stream, short string) *cobra.Command {
	return &cobra.Command{
		Use:   stream + " <execution-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(ctx, false, func(r *app) error {
				read := r.service.GetExecutionStdout
				if stream == "stderr" {
					read = r.service.GetExecutionStderr
				}
				data, err := read(ctx, user, args[0])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
}

func newExecutionsAuditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <execution-id>",
		Short: "Show the lifecycle trail of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(ctx, false, func(r *app) error {
				entries, err := r.service.GetExecutionAudit(ctx, user, args[0])
				if err != nil {
					return err
				}
				return printAudit(cmd.OutOrStdout(), entries)
			})
		},
	}
}
