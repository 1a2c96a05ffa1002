// Command jobctl is the operator CLI for the job queue.
//
// Subcommands:
//
//	migrate    apply pending schema migrations and exit
//	list       list jobs, optionally filtered
//	retry      retry a failed job
//	dlq        move a job to the dead-letter list
//	dlq-list   print ids on the dead-letter list
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"job-queue-service/internal/app"
	"job-queue-service/internal/config"
	"job-queue-service/internal/entity"
	"job-queue-service/internal/logging"
	"job-queue-service/internal/repository/postgresql"
)

func main() {
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Operate the job queue: migrations, inspection, retry and dead-lettering",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		migrateCmd(),
		listCmd(),
		retryCmd(),
		dlqCmd(),
		dlqListCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// withDeps loads config, connects, and runs fn.
func withDeps(cmd *cobra.Command, fn func(ctx context.Context, d *app.Deps) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	d, err := app.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(cmd.Context(), d)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseJobID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", arg, err)
	}
	return id, nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				return errors.New("POSTGRES_DSN or --dsn is required")
			}
			version, err := postgresql.Migrate(dsn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL DSN")
	return cmd
}

// ── list ──────────────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	var (
		status   string
		typ      string
		priority string
		limit    int
		offset   int
		failed   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := entity.ListFilter{
				Status: entity.JobStatus(status),
				Type:   typ,
				Limit:  limit,
				Offset: offset,
			}
			if failed {
				f.Status = entity.StatusFailed
				f.OrderByUpdated = true
			}
			if f.Status != "" && !f.Status.Valid() {
				return fmt.Errorf("invalid status %q", status)
			}
			if priority != "" {
				p, err := entity.ParsePriority(priority)
				if err != nil {
					return err
				}
				f.Priority = p
			}

			return withDeps(cmd, func(ctx context.Context, d *app.Deps) error {
				jobs, err := d.Repo.List(ctx, f)
				if err != nil {
					return err
				}
				if jobs == nil {
					jobs = []*entity.Job{}
				}
				return printJSON(cmd, jobs)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending|processing|completed|failed")
	cmd.Flags().StringVar(&typ, "type", "", "job type")
	cmd.Flags().StringVar(&priority, "priority", "", "default|high")
	cmd.Flags().IntVar(&limit, "limit", entity.DefaultListLimit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.Flags().BoolVar(&failed, "failed", false, "failed jobs only, most recently updated first")
	return cmd
}

// ── retry / dlq ───────────────────────────────────────────────────────────────

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Reset a failed job and re-enqueue it with its original priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withDeps(cmd, func(ctx context.Context, d *app.Deps) error {
				if err := d.Controller.Retry(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retried %s\n", id)
				return nil
			})
		},
	}
}

func dlqCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dlq <job-id>",
		Short: "Fail a job and record it on the dead-letter list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withDeps(cmd, func(ctx context.Context, d *app.Deps) error {
				if err := d.Controller.MoveToDeadLetter(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "moved %s to dlq\n", id)
				return nil
			})
		},
	}
}

func dlqListCmd() *cobra.Command {
	var limit, offset int64
	cmd := &cobra.Command{
		Use:   "dlq-list",
		Short: "Print job ids on the dead-letter list, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, func(ctx context.Context, d *app.Deps) error {
				ids, err := d.Controller.DeadLetters(ctx, offset, limit)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", int64(entity.DefaultListLimit), "entries to print")
	cmd.Flags().Int64Var(&offset, "offset", 0, "entries to skip")
	return cmd
}
