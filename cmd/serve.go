package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-job-aggregator/internal/server"
)

// newServeCmd runs the HTTP API until SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregator HTTP API",
		Long: `Starts the HTTP API. Browsers are launched lazily on the first search and
closed on shutdown, at which point queued searches are rejected.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
