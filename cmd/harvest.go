package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/wikiharvest/internal/config"
)

type sourceFlags struct {
	spaces    []string
	queries   []string
	limit     int
	allSpaces bool
}

func (f sourceFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("space") {
		cfg.Harvest.Spaces = f.spaces
	}
	if cmd.Flags().Changed("cql") {
		cfg.Harvest.CQLQueries = f.queries
	}
	if cmd.Flags().Changed("limit") {
		cfg.Harvest.Limit = f.limit
	}
	if cmd.Flags().Changed("all-spaces") {
		cfg.Harvest.AllSpaces = f.allSpaces
	}
}

func newHarvestCmd() *cobra.Command {
	var flags sourceFlags
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Collect every configured space and CQL query",
		Long: `Collects the configured spaces, largest first, then each CQL query.
Every global space is collected when no space is named, unless only CQL
queries are configured; --all-spaces collects them alongside the queries. Records go to the configured
export; the run report is printed as JSON and optionally stored and
published.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.spaces, "space", nil, "space key to harvest (repeatable; overrides harvest.spaces)")
	cmd.Flags().StringArrayVar(&flags.queries, "cql", nil, "CQL query to harvest (repeatable; overrides harvest.cql_queries)")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "maximum records per source (0 means no cap)")
	cmd.Flags().BoolVar(&flags.allSpaces, "all-spaces", false, "also harvest every global space when only CQL queries are named")
	return cmd
}

func runHarvest(cmd *cobra.Command, flags sourceFlags) error {
	st, err := resolveState(cmd.Context())
	if err != nil {
		return err
	}
	cfg := st.cfg
	flags.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	runner, err := newApp(cmd.Context(), cfg, st.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		if cerr := runner.Close(); cerr != nil {
			st.logger.Warn("closing services failed", zap.Error(cerr))
		}
	}()

	var g errgroup.Group
	metricsCtx, stopMetrics := context.WithCancel(cmd.Context())
	defer stopMetrics()
	if runner.MetricsEnabled() {
		g.Go(func() error { return runner.ServeMetrics(metricsCtx) })
	}

	result, runErr := runner.Run(cmd.Context())
	stopMetrics()
	if err := g.Wait(); err != nil {
		st.logger.Warn("metrics server failed", zap.Error(err))
	}

	// A run that produced a report is printed even when sinks failed.
	if !result.Report.StartedAt.IsZero() {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result.Report); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("harvest: %w", runErr)
	}
	if result.Report.Interrupted {
		return errors.New("harvest interrupted before every source ran")
	}
	return nil
}
