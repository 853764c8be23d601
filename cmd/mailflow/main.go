package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/mailflow/internal/app"
	"github.com/nhle/mailflow/internal/model"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
)

type rootOptions struct {
	configPath string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:          "mailflow",
		Short:        "Mailflow - mailbox sync, categorization and digests",
		SilenceUsage: true,
		Version:      versionString(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", model.DefaultConfigPath(), "Path to the config file")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newSyncCmd(opts),
		newCategorizeCmd(opts),
		newPurgeCmd(opts),
		newDigestCmd(opts),
		newResetQuotaCmd(opts),
		newAccountCmd(opts),
		newKeygenCmd(),
	)
	return rootCmd
}

func versionString() string {
	if commit != "" {
		return fmt.Sprintf("%s (%s)", version, commit)
	}
	return version
}

// openApp loads config and wires the pipeline for one command.
func openApp(ctx context.Context, opts *rootOptions) (*app.App, error) {
	cfg, err := model.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.SetupLogger()
	return app.New(ctx, cfg, logger, app.Options{})
}
