package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/bootstrap"
)

func newServeCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduler",
		Long: `Run the post-scheduler. --mode selects all (default), api or scheduler.
The process runs until interrupted with Ctrl+C or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), bootstrap.Mode(mode))
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(bootstrap.ModeAll), "components to run: all, api or scheduler")
	return cmd
}

func newModeCommand(use, short string, mode bootstrap.Mode) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), mode)
		},
	}
}

func serve(ctx context.Context, mode bootstrap.Mode) error {
	return withApp(ctx, func(app *bootstrap.App) error {
		return app.Run(ctx, mode)
	})
}
