// Package main is the entry point for the capagentd daemon.
// capagentd supervises capture test runs: it owns the tab store, the
// run executor, the metadata journal and the event broker, and tears
// every live capture down on shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/netlabtools/capagent/internal/capture"
	"github.com/netlabtools/capagent/internal/config"
	"github.com/netlabtools/capagent/internal/db"
	"github.com/netlabtools/capagent/internal/engine"
	"github.com/netlabtools/capagent/internal/events"
	"github.com/netlabtools/capagent/internal/journal"
	"github.com/netlabtools/capagent/internal/logging"
	"github.com/netlabtools/capagent/internal/tabs"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	flagConfig     string
	flagLogLevel   string
	flagLogFormat  string
	flagCaptureDir string
	flagTcpdumpBin string
)

var rootCmd = &cobra.Command{
	Use:     "capagentd",
	Short:   "Capture test orchestration daemon",
	Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default is $HOME/.config/capagent/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "override logging format (json, console)")
	rootCmd.PersistentFlags().StringVar(&flagCaptureDir, "capture-dir", "", "override capture output directory")
	rootCmd.PersistentFlags().StringVar(&flagTcpdumpBin, "tcpdump-bin", "", "override capture binary")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	loader := config.NewLoader()
	if flagConfig != "" {
		loader.SetConfigFile(flagConfig)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	if flagCaptureDir != "" {
		cfg.Capture.CaptureDir = flagCaptureDir
	}
	if flagTcpdumpBin != "" {
		cfg.Capture.TcpdumpBin = flagTcpdumpBin
	}

	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		File:         cfg.Logging.File,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	logger := logging.Component("capagentd")

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("capagentd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	brokerOpts := []events.Option{events.WithQueueSize(cfg.Runtime.EventQueueSize)}
	var database *db.DB
	if cfg.Database.Enabled {
		database, err = db.Open(cfg.DatabasePath())
		if err != nil {
			logger.Warn().Err(err).Msg("event history unavailable, continuing without")
		} else {
			defer database.Close()
			brokerOpts = append(brokerOpts, events.WithRepository(db.NewEventRepository(database)))
		}
	}

	j, err := journal.New(cfg.CaptureDir())
	if err != nil {
		return fmt.Errorf("failed to initialize journal: %w", err)
	}

	store, err := tabs.NewStore(cfg.RuntimeDir(), cfg.Runtime.MaxLogEntries)
	if err != nil {
		return fmt.Errorf("failed to initialize tab store: %w", err)
	}

	exec, err := capture.NewExecutor(cfg.CaptureDir(), cfg.Capture.TcpdumpBin, j)
	if err != nil {
		return fmt.Errorf("failed to initialize executor: %w", err)
	}

	broker := events.NewBroker(brokerOpts...)
	eng := engine.New(store, exec, broker)

	logger.Info().
		Str("capture_dir", cfg.CaptureDir()).
		Str("runtime_dir", cfg.RuntimeDir()).
		Str("tcpdump_bin", cfg.Capture.TcpdumpBin).
		Int("tabs", len(eng.ListTabs())).
		Msg("capagentd ready")

	<-ctx.Done()

	logger.Info().Msg("shutting down")
	eng.AbortAll()
	eng.Shutdown()
	logger.Info().Msg("capagentd stopped")
	return nil
}
