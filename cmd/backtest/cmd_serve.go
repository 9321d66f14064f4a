package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/api"
	"github.com/atlas-desktop/swing-backtester/internal/backtester"
	"github.com/atlas-desktop/swing-backtester/internal/config"
	"github.com/atlas-desktop/swing-backtester/internal/events"
	"github.com/atlas-desktop/swing-backtester/internal/telemetry"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// serveCmd runs the batch API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the batch API, progress websocket and metrics",
	Long: `Serve prefetches bars for --start to --end once, then accepts batch
submissions over HTTP. Units must fall inside that window. Progress is
streamed on /ws and Prometheus metrics are exposed on /metrics.

Examples:
  backtest serve --start 2018-01-01 --end 2024-12-31 --universe universe.yaml
  backtest serve --server-config server.yaml --dsn postgres://localhost/research`,
	RunE: runServe,
}

var (
	serveSources sourceFlags
	serveConfig  string
	serveHost    string
	servePort    int
	serveStart   string
	serveEnd     string
	serveWorkers int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveSources.register(serveCmd)

	flags := serveCmd.Flags()
	flags.StringVar(&serveConfig, "server-config", "", "YAML listener settings (host, port, timeouts, allowed_origins)")
	flags.StringVar(&serveHost, "host", "localhost", "Server host")
	flags.IntVar(&servePort, "port", 8080, "Server port")
	flags.StringVar(&serveStart, "start", "", "First day batches may simulate (YYYY-MM-DD)")
	flags.StringVar(&serveEnd, "end", "", "Last day batches may simulate (YYYY-MM-DD)")
	flags.IntVar(&serveWorkers, "parallel", 4, "Default units run at the same time per batch")

	serveCmd.MarkFlagRequired("start")
	serveCmd.MarkFlagRequired("end")
}

// serverConfig merges the optional file with explicitly set flags
func serverConfig(cmd *cobra.Command) (api.ServerConfig, error) {
	cfg := api.DefaultServerConfig()
	cfg.DefaultParallel = serveWorkers

	if serveConfig != "" {
		v := viper.New()
		v.SetConfigFile(serveConfig)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("failed to read server config: %w", err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("invalid server config: %w", err)
		}
	}

	if serveConfig == "" || cmd.Flags().Changed("host") {
		cfg.Host = serveHost
	}
	if serveConfig == "" || cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}
	if cmd.Flags().Changed("parallel") || cfg.DefaultParallel <= 0 {
		cfg.DefaultParallel = serveWorkers
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	start, end, err := parseRange(serveStart, serveEnd)
	if err != nil {
		return err
	}
	srvCfg, err := serverConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := config.NewStore(logger, configDir)
	versions, err := store.ListVersions()
	if err != nil {
		return err
	}
	var cfgs []*types.RunConfig
	for _, v := range versions {
		cfg, err := store.Load(v)
		if err != nil {
			logger.Warn("Skipping invalid config version", zap.String("version", v), zap.Error(err))
			continue
		}
		cfgs = append(cfgs, cfg)
	}
	if len(cfgs) == 0 {
		return fmt.Errorf("no valid config versions in %s", configDir)
	}

	env, err := loadEnvironment(ctx, &serveSources, start, end, cfgs)
	if err != nil {
		return err
	}
	defer env.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	defer bus.Stop()

	runner := backtester.NewBatchRunner(logger, store, env.Inputs, bus, metrics)
	server := api.NewServer(logger, srvCfg, runner, store, bus, reg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info("Server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", srvCfg.Host, srvCfg.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", srvCfg.Host, srvCfg.Port)),
		zap.Int("symbols", len(env.Symbols)),
		zap.Int("configs", len(cfgs)))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
	return nil
}
