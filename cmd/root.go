// Package cmd implements the post-scheduler command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/config"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// cfgFile holds the --config flag.
var cfgFile string

// NewRootCommand builds the command tree. Without a subcommand the API
// server and the scheduler both run.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "post-scheduler",
		Short:         "Publishes scheduled posts and tracks message delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), bootstrap.ModeAll)
		},
	}

	root.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"",
		"config file (default is $CONFIG_PATH or ./config.yml)",
	)

	root.AddCommand(
		newServeCommand(),
		newModeCommand("api", "Run only the HTTP API", bootstrap.ModeAPI),
		newModeCommand("scheduler", "Run only the publish scheduler and maintenance jobs", bootstrap.ModeScheduler),
		newRunOnceCommand(),
		newMigrateCommand(),
		newStatusCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI until it finishes or the process is signalled.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return NewRootCommand().ExecuteContext(ctx)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "post-scheduler version %s\n", Version)
		},
	}
}

// loadConfigAndLogger is the common preamble of every command that talks to
// the database.
func loadConfigAndLogger() (*config.Config, logger.Logger, error) {
	cfg, err := bootstrap.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if Version != "dev" {
		cfg.Service.Version = Version
	}

	log, err := bootstrap.CreateLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// withApp builds the application, runs fn and releases everything.
func withApp(ctx context.Context, fn func(*bootstrap.App) error) error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return err
	}
	defer app.Close()

	return fn(app)
}
