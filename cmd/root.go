// Package cmd defines and implements the CLI commands for the stayprice executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/stayprice-crawler/internal/config"
	"github.com/JakeFAU/stayprice-crawler/internal/orchestrator"
	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
	"github.com/JakeFAU/stayprice-crawler/internal/server"
)

// App defines the application interface that commands use. Tests inject a
// fake through newApp.
type App interface {
	Normalize(req pricing.RunRequest) (pricing.RunRequest, error)
	Run(ctx context.Context, req pricing.RunRequest) (orchestrator.Result, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, cfg, server.Options{})
	if err != nil {
		return nil, err
	}
	return cliApp{App: app}, nil
}

// cliApp lifts the orchestrator's run methods onto the application.
type cliApp struct {
	*server.App
}

func (a cliApp) Normalize(req pricing.RunRequest) (pricing.RunRequest, error) {
	return a.Orchestrator().Normalize(req)
}

func (a cliApp) Run(ctx context.Context, req pricing.RunRequest) (orchestrator.Result, error) {
	return a.Orchestrator().Run(ctx, req)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "stayprice",
		Short: "Monthly lodging price snapshots for a destination.",
		Long: `stayprice fetches lodging search results for every month of a year,
summarizes nightly prices per month and writes the annual table as a snapshot.
Runs can be started one-shot from the CLI or submitted over HTTP.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newFetchCmd(&cfgFile))
	cmd.AddCommand(newServeCmd(&cfgFile))

	return cmd
}

// withApp builds the application, hands it to fn and always closes it.
func withApp(ctx context.Context, cfgFile string, fn func(App) error) error {
	app, err := newApp(ctx, cfgFile)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			app.Logger().Warn("application close failed", zap.Error(cerr))
		}
	}()
	return fn(app)
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
