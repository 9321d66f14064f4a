// Package main provides the swing-backtester command line: single runs,
// parallel batches, the batch API server and config version management.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/atlas-desktop/swing-backtester/internal/logging"
	"github.com/atlas-desktop/swing-backtester/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is stamped into trace resources
const version = "0.4.0"

var (
	logLevel   string
	logFormat  string
	logFile    string
	configDir  string
	envFile    string
	traceSpans bool

	logger        *zap.Logger
	stopTracing   func(context.Context) error
)

// rootCmd is the base command for the backtester CLI
var rootCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Rule-driven swing trading backtester",
	Long: `backtest replays the daily regime, screening, strategy, sizing and risk
pipeline over historical bars and reports trades, the equity curve and
performance metrics.

Examples:
  backtest run --start 2022-01-03 --end 2023-12-29 --data ./data --universe universe.yaml
  backtest batch --walk-forward --start 2019-01-01 --end 2023-12-31 --window 365 --step 90
  backtest serve --port 8080 --start 2018-01-01 --end 2024-12-31
  backtest config list`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if stopTracing != nil {
			_ = stopTracing(context.Background())
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "console", "Log encoding (console, json)")
	flags.StringVar(&logFile, "log-file", "", "Rotated log file; defaults to SWING_LOG_FILE")
	flags.StringVar(&configDir, "config-dir", "configs", "Directory holding versioned run configurations")
	flags.StringVar(&envFile, "env-file", ".env", "Environment file with infrastructure settings")
	flags.BoolVar(&traceSpans, "trace", false, "Export batch and run spans to stderr")
}

// setup loads the environment file and builds the logger and tracer
func setup(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := logging.DefaultConfig()
	cfg.Level = logLevel
	cfg.Encoding = logFormat
	cfg.File = logFile
	if cfg.File == "" {
		cfg.File = os.Getenv("SWING_LOG_FILE")
	}
	logger = logging.New(cfg)

	shutdown, err := telemetry.InitTracing(telemetry.TracingConfig{
		Enabled: traceSpans,
		Writer:  os.Stderr,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	stopTracing = shutdown
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
