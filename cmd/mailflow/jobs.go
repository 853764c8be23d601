package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mailflow/internal/app"
	"github.com/nhle/mailflow/internal/store"
	mailsync "github.com/nhle/mailflow/internal/sync"
	"github.com/nhle/mailflow/internal/theme"
)

// runWithApp opens the app, bounds fn by the job timeout and closes the
// app afterwards.
func runWithApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	a, err := openApp(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.Config.JobTimeout())
	defer cancel()
	return fn(ctx, a)
}

func printSummary(cmd *cobra.Command, title string, err error, fields ...theme.Field) {
	status := "ok"
	if err != nil {
		status = "failed"
		fields = append(fields, theme.Field{Label: "error", Value: err})
	}
	fmt.Fprintln(cmd.OutOrStdout(), theme.Summary(title, status, fields))
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job trigger (and the sync poller when configured)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Config.Server.CronSecret == "" {
				a.Logger.Warn().Msg("server.cron_secret is empty, every job route will answer 401")
			}

			if interval := a.Config.Sync.PollIntervalSec; interval > 0 {
				poller := mailsync.NewPoller(a.Engine, time.Duration(interval)*time.Second, a.Config.JobTimeout(), a.Logger)
				poller.Start(ctx)
				defer poller.Stop()

				go func() {
					for summary := range poller.Results() {
						a.Logger.Info().
							Int("processed", summary.AccountsProcessed).
							Int("failed", summary.AccountsFailed).
							Int("inserted", summary.EmailsInserted).
							Msg("scheduled sync complete")
					}
				}()
			}

			return a.Server().Start(ctx)
		},
	}
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch new mail for every account, or one with --account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if accountID != "" {
					res, err := a.Engine.SyncAccount(ctx, accountID)
					var fields []theme.Field
					if res != nil {
						fields = append(fields,
							theme.Field{Label: "account", Value: res.AccountID},
							theme.Field{Label: "emails inserted", Value: res.Inserted},
							theme.Field{Label: "watermark", Value: res.Watermark},
						)
					}
					printSummary(cmd, "sync", err, fields...)
					return err
				}

				summary, err := a.Engine.SyncAll(ctx)
				printSummary(cmd, "sync", err,
					theme.Field{Label: "accounts processed", Value: summary.AccountsProcessed},
					theme.Field{Label: "accounts failed", Value: summary.AccountsFailed},
					theme.Field{Label: "accounts skipped", Value: summary.AccountsSkipped},
					theme.Field{Label: "emails inserted", Value: summary.EmailsInserted},
				)
				for _, st := range a.Engine.GetStatuses() {
					if st.State == mailsync.SyncFailed {
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %v\n",
							theme.StatusStyle("failed").Render("failed"), st.AccountID, st.Error)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Sync a single account by id")
	return cmd
}

func newCategorizeCmd(opts *rootOptions) *cobra.Command {
	var (
		accountID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "categorize",
		Short: "Classify uncategorized emails within each user's monthly quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				f := store.UncategorizedFilter{Limit: a.Config.Categorization.PendingLimit}
				if limit > 0 {
					f.Limit = limit
				}
				if accountID != "" {
					f.AccountID = &accountID
				}

				summary, err := a.Gate.CategorizePending(ctx, f)
				printSummary(cmd, "categorize", err,
					theme.Field{Label: "processed", Value: summary.Processed},
					theme.Field{Label: "categorized", Value: summary.Categorized},
					theme.Field{Label: "skipped", Value: summary.Skipped},
					theme.Field{Label: "failed", Value: summary.Failed},
					theme.Field{Label: "actions applied", Value: summary.ActionsApplied},
					theme.Field{Label: "actions failed", Value: summary.ActionsFailed},
				)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Only categorize emails of this account")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum emails to process (default categorization.pending_limit)")
	return cmd
}

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete emails older than the retention horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Purger.Purge(ctx)
				printSummary(cmd, "purge", err,
					theme.Field{Label: "deleted", Value: res.Deleted},
					theme.Field{Label: "batches", Value: res.Batches},
				)
				return err
			})
		},
	}
}

func newDigestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "digest [user-id]",
		Short: "Send weekly category digests to every user, or one user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					res, err := a.Composer.ProcessUserDigest(ctx, args[0])
					printSummary(cmd, "digest", err,
						theme.Field{Label: "user", Value: res.UserID},
						theme.Field{Label: "categories", Value: res.Categories},
						theme.Field{Label: "sent", Value: res.Sent},
					)
					return err
				}

				summary, err := a.Composer.ProcessAllUserDigests(ctx)
				printSummary(cmd, "digest", err,
					theme.Field{Label: "users processed", Value: summary.UsersProcessed},
					theme.Field{Label: "users failed", Value: summary.UsersFailed},
					theme.Field{Label: "digests sent", Value: summary.DigestsSent},
				)
				return err
			})
		},
	}
}

func newResetQuotaCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-quota",
		Short: "Reset monthly categorization counters that are due",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				summary, err := a.Resetter.ResetMonthlyCounters(ctx)
				printSummary(cmd, "reset-quota", err,
					theme.Field{Label: "users reset", Value: summary.UsersReset},
					theme.Field{Label: "users failed", Value: summary.UsersFailed},
				)
				return err
			})
		},
	}
}
