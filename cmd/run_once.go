package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/bootstrap"
)

func newRunOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Run every scheduler job once and exit",
		Long: `Reset expired rate windows, run one publish cycle, re-queue failed
messages and purge old ones, then exit. Intended for deployments that
trigger the scheduler externally, such as a Kubernetes CronJob.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(app *bootstrap.App) error {
				summary, err := app.Runner.RunAll(cmd.Context())
				renderSummary(cmd.OutOrStdout(), summary)
				if err != nil {
					return fmt.Errorf("run jobs: %w", err)
				}
				return nil
			})
		},
	}
}
