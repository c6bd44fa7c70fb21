package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/jules-scheduler/internal/config"
	"github.com/t77yq/jules-scheduler/internal/dependency"
	"github.com/t77yq/jules-scheduler/internal/logging"
	"github.com/t77yq/jules-scheduler/internal/storage"
)

const appName = "jules-scheduler"

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "MCP server for Jules coding sessions and recurring scheduled tasks",
		Long:          "Serves the Model Context Protocol on stdin/stdout. Logs are written to stderr.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringVar(&configFile, "config", "", "config file (default "+config.DefaultConfigPath()+" if present)")
	persistent.String("log-level", "", "log level: debug, info, warn or error")
	persistent.String("log-format", "", "log format: console or json")
	persistent.String("nats-url", "", "NATS server URL for schedule events (disabled when empty)")

	flags := cmd.Flags()
	flags.String("store", "", "path of the schedule store file")
	flags.String("history-db", "", "path of the run history database")
	flags.StringSlice("allowed-repos", nil, "restrict sources to these owner/repo entries")
	flags.Bool("reset-on-corrupt", false, "move a corrupt store aside and start empty")

	bindFlags(v, persistent, map[string]string{
		"log-level":  "log.level",
		"log-format": "log.format",
		"nats-url":   "events.nats_url",
	})
	bindFlags(v, flags, map[string]string{
		"store":            "storage.path",
		"history-db":       "history.path",
		"allowed-repos":    "allowed_repos",
		"reset-on-corrupt": "storage.reset_on_corrupt",
	})

	cmd.AddCommand(newEventsCmd(v, &configFile))
	return cmd
}

// bindFlags binds each flag to its config key. Unset flags fall through to
// env, file and defaults.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", flag, err))
		}
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := dependency.New(ctx, cfg, dependency.BuildInfo{Name: appName, Version: version}, logger)
	if err != nil {
		logger.Error("Failed to start", zap.Error(err))
		return err
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Warn("Failed to release resources", zap.Error(err))
		}
	}()

	engine := container.Engine()
	if err := engine.Initialize(ctx); err != nil {
		var corrupt *storage.StorageCorruptError
		if errors.As(err, &corrupt) {
			logger.Error("Schedule store is corrupt; fix or remove it, or start with --reset-on-corrupt",
				zap.String("path", corrupt.Path),
				zap.Error(err))
		}
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	logger.Info("Server started",
		zap.String("version", version),
		zap.String("store", cfg.Storage.Path),
		zap.Int("armed_schedules", engine.ArmedCount()))

	g, gctx := errgroup.WithContext(ctx)

	// stdin EOF ends the session and with it every other worker
	g.Go(func() error {
		if err := container.Server().Run(gctx, os.Stdin, os.Stdout); err != nil {
			return err
		}
		return errSessionClosed
	})

	if watcher := container.Watcher(); watcher != nil {
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	if history := container.History(); history != nil && cfg.History.Retention > 0 {
		g.Go(func() error {
			pruneHistory(gctx, history, cfg.History.Retention, cfg.History.PruneInterval, logger)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, errSessionClosed) {
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if shutdownErr := engine.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("Shutdown timeout reached, some firings may not have completed", zap.Error(shutdownErr))
	}

	logger.Info("Server shut down gracefully")
	return err
}

var errSessionClosed = errors.New("mcp session closed")

// pruneHistory deletes run records older than retention once at startup and
// then every interval
func pruneHistory(ctx context.Context, history storage.RunHistoryStorage, retention, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cutoff := time.Now().Add(-retention)
		if n, err := history.DeleteBefore(ctx, cutoff); err != nil {
			if ctx.Err() == nil {
				logger.Error("Failed to prune run history", zap.Error(err))
			}
		} else if n > 0 {
			logger.Info("Pruned run history", zap.Int64("deleted", n), zap.Time("before", cutoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
