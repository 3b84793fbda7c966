// Package main provides the entry point for the flightline Flight server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/flightline/cmd/server/config"
	"github.com/TFMV/flightline/cmd/server/server"
	"github.com/TFMV/flightline/pkg/infrastructure/metrics"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "flightline",
	Short: "flightline Arrow Flight server",
	Long: `A streaming Arrow Flight server for tabular datasets.

flightline advertises configured datasets through ListFlights and streams
them with DoGet as Arrow IPC record batches.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flightline server",
	Long: `Start the flightline server with the specified configuration.

Example:
  flightline serve --config ./flightline.yaml
  flightline serve --address 0.0.0.0:8815 --data-dir ./data`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "config file path")
	serveCmd.Flags().String("address", "0.0.0.0:8815", "server listen address")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().String("data-dir", "data", "directory holding the built-in uk_cities.csv")
	serveCmd.Flags().Bool("tls", false, "enable TLS")
	serveCmd.Flags().String("tls-cert", "", "TLS certificate file")
	serveCmd.Flags().String("tls-key", "", "TLS key file")
	serveCmd.Flags().Bool("metrics", true, "enable Prometheus metrics")
	serveCmd.Flags().String("metrics-address", ":9090", "metrics server address")
	serveCmd.Flags().Bool("health", true, "enable health checks")
	serveCmd.Flags().Bool("reflection", true, "enable gRPC reflection")
	serveCmd.Flags().Int64("max-message-size", 16*1024*1024, "maximum message size in bytes")
	serveCmd.Flags().Int("max-concurrent-streams", 100, "maximum concurrent streams per connection")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	serveCmd.Flags().Int("buffer-depth", 4, "encoded messages buffered ahead of the transport")
	serveCmd.Flags().String("compression", "none", "IPC body compression (none, lz4, zstd)")

	if err := viper.BindPFlags(serveCmd.Flags()); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	viper.SetEnvPrefix("FLIGHTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flightline\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogging(cfg.LogLevel)
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Msg("Starting flightline")

	var collector metrics.Collector
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector()
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Starting metrics server")
			if err := metricsServer.Start(); err != nil {
				logger.Error().Err(err).Msg("Failed to start metrics server")
			}
		}()
	} else {
		collector = metrics.NewNoOpCollector()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, cfg, logger, collector)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	listener, err := srv.Listen()
	if err != nil {
		return err
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Serve(listener)
	}()

	select {
	case <-shutdownCh:
		logger.Info().Msg("Received shutdown signal")
	case err := <-serverErrCh:
		if err != nil {
			return err
		}
	}

	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Starting graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during server shutdown")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("Server shutdown complete")
	return nil
}

// loadConfig layers flags and FLIGHTLINE_* variables over the config file.
// Datasets only come from the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile := viper.GetString("config"); configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	override := func(name string, apply func()) {
		if flags.Changed(name) || envSet(name) {
			apply()
		}
	}

	override("address", func() { cfg.Address = viper.GetString("address") })
	override("log-level", func() { cfg.LogLevel = viper.GetString("log-level") })
	override("data-dir", func() { cfg.DataDir = viper.GetString("data-dir") })
	override("tls", func() { cfg.TLS.Enabled = viper.GetBool("tls") })
	override("tls-cert", func() { cfg.TLS.CertFile = viper.GetString("tls-cert") })
	override("tls-key", func() { cfg.TLS.KeyFile = viper.GetString("tls-key") })
	override("metrics", func() { cfg.Metrics.Enabled = viper.GetBool("metrics") })
	override("metrics-address", func() { cfg.Metrics.Address = viper.GetString("metrics-address") })
	override("health", func() { cfg.Health.Enabled = viper.GetBool("health") })
	override("reflection", func() { cfg.Reflection = viper.GetBool("reflection") })
	override("max-message-size", func() { cfg.MaxMessageSize = viper.GetInt64("max-message-size") })
	override("max-concurrent-streams", func() { cfg.MaxConcurrentStreams = viper.GetInt("max-concurrent-streams") })
	override("shutdown-timeout", func() { cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout") })
	override("buffer-depth", func() { cfg.Stream.BufferDepth = viper.GetInt("buffer-depth") })
	override("compression", func() { cfg.Stream.Compression = viper.GetString("compression") })

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envSet(flag string) bool {
	_, ok := os.LookupEnv("FLIGHTLINE_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_")))
	return ok
}

func setupLogging(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "flightline")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}
