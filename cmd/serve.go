package cmd

import (
	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API and the
// run workers until interrupted.
func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the run submission API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), *cfgFile, func(app App) error {
				return app.Serve(cmd.Context())
			})
		},
	}
}
