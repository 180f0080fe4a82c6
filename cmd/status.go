package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/bootstrap"
)

func newStatusCommand() *cobra.Command {
	var actors []string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler counts and, optionally, rate windows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(app *bootstrap.App) error {
				out := cmd.OutOrStdout()

				st, err := app.Publisher.GetSchedulerStatus(cmd.Context())
				if err != nil {
					return fmt.Errorf("scheduler status: %w", err)
				}
				renderStatus(out, st)

				for _, actor := range actors {
					rs, rateErr := app.Limiter.Status(cmd.Context(), actor)
					if rateErr != nil {
						return fmt.Errorf("rate status for %s: %w", actor, rateErr)
					}
					renderRateStatus(out, rs)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&actors, "actor", nil, "also show rate windows for these actors")
	return cmd
}
