package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/wikiharvest/internal/config"
)

func newSpacesCmd() *cobra.Command {
	var flags sourceFlags
	cmd := &cobra.Command{
		Use:   "spaces",
		Short: "List the spaces a harvest would collect, with their page counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := resolveState(cmd.Context())
			if err != nil {
				return err
			}
			cfg := st.cfg
			flags.apply(cmd, &cfg)
			// Discovery never writes anything.
			cfg.Export.Provider = config.ExportNone
			cfg.Report.Postgres.DSN = ""
			cfg.Notify.Provider = config.NotifyNone

			runner, err := newApp(cmd.Context(), cfg, st.logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			defer func() {
				if cerr := runner.Close(); cerr != nil {
					st.logger.Warn("closing services failed", zap.Error(cerr))
				}
			}()

			sources, err := runner.Discover(cmd.Context())
			if err != nil {
				return fmt.Errorf("discover spaces: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "KEY\tPAGES")
			total := 0
			for _, src := range sources {
				total += src.ExpectedSize
				_, _ = fmt.Fprintf(tw, "%s\t%d\n", src.Name, src.ExpectedSize)
			}
			_, _ = fmt.Fprintf(tw, "TOTAL\t%d\n", total)
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&flags.spaces, "space", nil, "space key to size (repeatable; overrides harvest.spaces)")
	return cmd
}
