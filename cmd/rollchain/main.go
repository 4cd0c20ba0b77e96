package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/rollchain/internal/broker"
	"github.com/eddiefleurent/rollchain/internal/chains"
	"github.com/eddiefleurent/rollchain/internal/config"
	"github.com/eddiefleurent/rollchain/internal/logging"
	"github.com/eddiefleurent/rollchain/internal/retry"
	"github.com/eddiefleurent/rollchain/internal/storage"
	syncer "github.com/eddiefleurent/rollchain/internal/sync"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rollchain",
		Short:         "Reconstruct rolled option chains and realized P&L from order history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override environment.log_level")

	rootCmd.AddCommand(newDetectCmd(), newSyncCmd(), newServeCmd(), newGenerateCmd())
	return rootCmd
}

// app holds the wired components shared by sync and serve.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  storage.Interface
	runner *syncer.Runner
	closer io.Closer
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Environment.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, stdout io.Writer) (*logrus.Logger, io.Closer, error) {
	return logging.New(cfg.Environment, stdout)
}

func newApp(stdout io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closer, err := newLogger(cfg, stdout)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewGormStorage(cfg.Storage.Path, logger)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	runner := syncer.NewRunner(syncer.Config{
		Users:             cfg.Scheduler.Users,
		Workers:           cfg.Scheduler.Workers,
		Interval:          cfg.Interval(),
		RunTimeout:        cfg.RunTimeout(),
		CacheTTL:          cfg.CacheTTL(),
		HistoricalSources: cfg.Detection.HistoricalSources,
		HistorySources:    cfg.Detection.HistorySources,
		Retry: retry.Config{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.RetryInitialBackoff(),
			MaxBackoff:     cfg.RetryMaxBackoff(),
		},
		Detection: detectionOptions(cfg),
	}, store, newSource(cfg, logger), logger)

	return &app{cfg: cfg, logger: logger, store: store, runner: runner, closer: closer}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close storage")
	}
	_ = a.closer.Close()
}

// newSource builds the configured order source behind a circuit breaker and rate limiter.
func newSource(cfg *config.Config, logger logrus.FieldLogger) broker.OrderSource {
	var src broker.OrderSource
	switch cfg.Source.Provider {
	case "http":
		src = broker.NewHTTPSource(cfg.Source.BaseURL, cfg.Source.APIToken, nil, cfg.SourceTimeout(), logger)
	default:
		src = broker.NewFileSource(cfg.Source.Path)
	}
	src = broker.NewCircuitBreakerSource(src, broker.DefaultCircuitBreakerSettings, logger)
	return broker.NewRateLimitedSource(src, cfg.Source.RequestsPerSecond, cfg.Source.Burst)
}

func detectionOptions(cfg *config.Config) chains.Options {
	return chains.Options{
		FormSourceTags:    cfg.Detection.FormSourceTags,
		MaxFallbackStarts: cfg.Detection.MaxFallbackStarts,
		MaxIterations:     cfg.Detection.MaxIterations,
		HistoryTimeout:    cfg.HistoryTimeout(),
	}
}
