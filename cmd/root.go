// Package cmd defines the wikiharvest CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/wikiharvest/internal/app"
	"github.com/JakeFAU/wikiharvest/internal/config"
	"github.com/JakeFAU/wikiharvest/internal/harvest"
	"github.com/JakeFAU/wikiharvest/internal/logging"
)

// Runner is the part of app.App the commands use. Tests swap in a fake.
type Runner interface {
	Run(ctx context.Context) (harvest.Result, error)
	Discover(ctx context.Context) ([]harvest.Source, error)
	MetricsEnabled() bool
	ServeMetrics(ctx context.Context) error
	Close() error
}

// newApp is the application factory; a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, logger)
}

type stateKeyType struct{}

var stateKey stateKeyType

// state is what the root command hands to its subcommands.
type state struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "wikiharvest",
		Short: "Harvest pages from a Confluence wiki",
		Long: `wikiharvest pulls every page of a set of Confluence spaces and CQL
searches, tolerating flaky servers by retrying with backoff, shrinking
batches and skipping regions that keep failing.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), stateKey, &state{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if st, ok := cmd.Context().Value(stateKey).(*state); ok {
				_ = st.logger.Sync() //nolint:errcheck // best-effort flush
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.AddCommand(newHarvestCmd(), newSpacesCmd())
	return cmd
}

func resolveState(ctx context.Context) (*state, error) {
	st, ok := ctx.Value(stateKey).(*state)
	if !ok || st == nil {
		return nil, errors.New("configuration not loaded")
	}
	return st, nil
}

// Execute runs the CLI until it finishes or receives SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		zap.L().Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
