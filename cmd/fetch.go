package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/stayprice-crawler/internal/orchestrator"
	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
)

// newFetchCmd creates the 'fetch' subcommand, a one-shot annual run.
func newFetchCmd(cfgFile *string) *cobra.Command {
	var req pricing.RunRequest
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a year of monthly prices for one destination",
		Long: `Fetches every month of the requested year concurrently, writes the
assembled table as a snapshot and prints its location. Exits non-zero when no
month could be fetched.`,
		Example: `  stayprice fetch --destination "Paris, France" --year 2025 --workers 4`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), *cfgFile, func(app App) error {
				return runFetch(cmd.Context(), app, req, cmd.OutOrStdout())
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.Destination, "destination", "", "destination to search, e.g. \"Paris, France\"")
	flags.IntVar(&req.Year, "year", 0, "calendar year to fetch (default: current year)")
	flags.IntVar(&req.StayDays, "stay-days", 0, "nights per stay (default from config)")
	flags.IntVar(&req.Workers, "workers", 0, "concurrent month fetches, capped at 12 (default from config)")
	flags.BoolVar(&req.ForceRefresh, "force-refresh", false, "ignore cached month summaries")
	_ = cmd.MarkFlagRequired("destination")

	return cmd
}

func runFetch(ctx context.Context, app App, req pricing.RunRequest, out io.Writer) error {
	req, err := app.Normalize(req)
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	res, err := app.Run(ctx, req)
	if err != nil {
		if errors.Is(err, pricing.ErrTotalFailure) {
			return fmt.Errorf("no month could be fetched for %s %d: %w", req.Destination, req.Year, err)
		}
		return fmt.Errorf("run %s: %w", res.RunID, err)
	}

	for _, failed := range res.Failed {
		app.Logger().Warn("month missing from snapshot",
			zap.Int("month", failed.Key.Month),
			zap.String("reason", string(failed.Reason)),
			zap.Error(failed.Err),
		)
	}
	if err := printTable(out, res); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, res.Snapshot.URI)
	return err
}

func printTable(out io.Writer, res orchestrator.Result) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "MONTH\tAVG\tMEDIAN\tMIN\tMAX\tSAMPLES\tCHECK-IN\n")
	for _, row := range res.Table.Rows {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%.2f\t%d\t%s\n",
			row.MonthName, row.AvgPrice, row.MedianPrice, row.MinPrice, row.MaxPrice, row.SampleSize, row.CheckIn)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write table: %w", err)
	}
	return nil
}
