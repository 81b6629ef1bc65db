package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/hypersync/internal/config"
	"github.com/kalambet/hypersync/internal/hypergraph"
	"github.com/kalambet/hypersync/internal/index"
	"github.com/kalambet/hypersync/internal/storage"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "hypersync",
	Short:         "Local-first hypergraph store with multi-device sync",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(edgeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(vsearchCmd)
	rootCmd.AddCommand(neighborsCmd)
	rootCmd.AddCommand(pathCmd)
	rootCmd.AddCommand(componentCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// newLogger installs a text handler on stderr at the configured level.
func newLogger(cfg config.Config) *slog.Logger {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// app is an open store with its service on top.
type app struct {
	cfg    config.Config
	store  *storage.Store
	svc    *hypergraph.Service
	logger *slog.Logger
}

func loadApp(ctx context.Context, reindex bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return openApp(ctx, cfg, newLogger(cfg), reindex)
}

func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger, reindex bool) (*app, error) {
	metric, err := index.ParseMetric(cfg.Index.Metric)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir, cfg.Device.ID,
		storage.WithDimension(cfg.Index.Dimension),
		storage.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	svc, err := hypergraph.New(ctx, store, hypergraph.Options{
		Dimension:    cfg.Index.Dimension,
		Metric:       metric,
		MaxFrontier:  cfg.Traversal.MaxFrontier,
		CompactAfter: cfg.Index.CompactAfter,
		Reindex:      reindex,
		Logger:       logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: store, svc: svc, logger: logger}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}
