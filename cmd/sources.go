package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-job-aggregator/internal/scraper"
)

// newSourcesCmd prints the recognized sources and marks the enabled ones.
func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List recognized job sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			enabled := make(map[string]bool, len(cfg.Aggregator.Sources))
			for _, s := range cfg.Aggregator.Sources {
				enabled[s] = true
			}
			out := cmd.OutOrStdout()
			for _, source := range scraper.Sources() {
				mark := " "
				if enabled[source] || len(enabled) == 0 {
					mark = "*"
				}
				if _, err := fmt.Fprintf(out, "%s %s\n", mark, source); err != nil {
					return fmt.Errorf("write sources: %w", err)
				}
			}
			return nil
		},
	}
}
