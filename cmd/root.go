// Package cmd defines the linktracker command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/config"
	"github.com/JakeFAU/link-tracker/internal/logging"
	"github.com/JakeFAU/link-tracker/internal/scheduler"
	"github.com/JakeFAU/link-tracker/internal/server"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

const defaultCloseTimeout = 15 * time.Second

// App is the surface subcommands use. Tests swap in a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	RunBatch(ctx context.Context, req scheduler.BatchRequest) (scheduler.Summary, error)
	ScrapeURL(ctx context.Context, rawURL string, includeParams bool, timing tracker.Timing) (tracker.Completion, error)
	Close(ctx context.Context) error
}

var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// runtime carries the loaded config and logger from the root hook to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "linktracker",
		Short: "Captures tracked links on a schedule and records every run.",
		Long: `linktracker renders tracked links in a headless browser, stores the HTML,
screenshot and thumbnail of each page, and records the outcome of every batch.
Batches run from the job queue, the cron schedule, or the command line.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, runtime{cfg: cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newServeCmd(), newBatchCmd(), newScrapeCmd(), newMigrateCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(runtime)
	if !ok || rt.logger == nil {
		return runtime{}, errors.New("configuration not loaded")
	}
	return rt, nil
}

// withApp builds the application, runs fn, and closes the application.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app App) error) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	app, err := newApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	runErr := fn(cmd.Context(), app)
	timeout := rt.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultCloseTimeout
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), timeout)
	defer cancel()
	if err := app.Close(closeCtx); err != nil {
		rt.logger.Warn("close failed", zap.Error(err))
	}
	return runErr
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
