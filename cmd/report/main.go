// Command report prints operational reports from the middleware database.
// It reads the same APP_DB_* environment variables as the server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/earth92/appsuite-middleware-sub014/internal/config"
	"github.com/earth92/appsuite-middleware-sub014/internal/report"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var format string

	root := &cobra.Command{
		Use:           "report",
		Short:         "Operational reports for the groupware middleware",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&format, "format", "text", "output format: text or json")

	root.AddCommand(
		newUsageCommand(&format),
		newPushCommand(&format),
	)
	return root
}

func newUsageCommand(format *string) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Summarize users, OAuth accounts, and push subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReporter(cmd.Context(), func(ctx context.Context, r *report.Reporter) error {
				rep, err := r.Usage(ctx)
				if err != nil {
					return err
				}
				return report.Render(cmd.OutOrStdout(), *format, rep)
			})
		},
	}
}

func newPushCommand(format *string) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "List push subscriptions per transport and user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReporter(cmd.Context(), func(ctx context.Context, r *report.Reporter) error {
				rep, err := r.Push(ctx)
				if err != nil {
					return err
				}
				return report.Render(cmd.OutOrStdout(), *format, rep)
			})
		},
	}
}

func withReporter(ctx context.Context, fn func(context.Context, *report.Reporter) error) error {
	cfg, err := config.LoadDB()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, report.NewReporter(pool))
}
