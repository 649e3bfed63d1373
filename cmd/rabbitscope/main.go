// rabbitscope serves the RabbitMQ web UI API: connection profiles, management
// discovery, one-shot consume/browse/publish and live queue streaming.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/rabbitscope/internal/oneshot"
	"github.com/drblury/rabbitscope/internal/profiles"
	"github.com/drblury/rabbitscope/internal/runtime/config"
	"github.com/drblury/rabbitscope/internal/runtime/logging"
	"github.com/drblury/rabbitscope/internal/runtime/metrics"
	"github.com/drblury/rabbitscope/internal/server"
	"github.com/drblury/rabbitscope/internal/stream"
)

// Build-time variables set via ldflags
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rabbitscope",
		Short:        "Browse, publish to and stream RabbitMQ queues over HTTP",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newConfigCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	addConfigFlags(cmd)
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return err
		},
	}
	addConfigFlags(cmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rabbitscope %s (%s)\n", Version, Commit)
		},
	}
}

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("addr", "", "API listen address (RABBITSCOPE_HTTP_ADDR)")
	f.String("db", "", "SQLite database path for connection profiles (RABBITSCOPE_DB_PATH)")
	f.String("log-level", "", "log level: trace, debug, info, error (RABBITSCOPE_LOG_LEVEL)")
	f.String("log-format", "", "log format: json or text (RABBITSCOPE_LOG_FORMAT)")
	f.Int("metrics-port", 0, "Prometheus metrics port (RABBITSCOPE_METRICS_PORT)")
	f.Bool("no-metrics", false, "disable the metrics server")
	f.StringSlice("cors-origin", nil, "allowed CORS origin, repeatable (RABBITSCOPE_CORS_ORIGINS)")
}

// loadConfig reads the environment, applies flags that were set explicitly and
// validates the result.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, err
	}
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.HTTPAddress, _ = f.GetString("addr")
	}
	if f.Changed("db") {
		cfg.DatabasePath, _ = f.GetString("db")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.LogFormat, _ = f.GetString("log-format")
	}
	if f.Changed("metrics-port") {
		cfg.MetricsPort, _ = f.GetInt("metrics-port")
	}
	if f.Changed("no-metrics") {
		off, _ := f.GetBool("no-metrics")
		cfg.MetricsEnabled = !off
	}
	if f.Changed("cors-origin") {
		cfg.CORSAllowedOrigins, _ = f.GetStringSlice("cors-origin")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.Config) (err error) {
	logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	m := metrics.NewStreamMetrics(nil)
	if err := m.Register(); err != nil {
		return err
	}

	store, err := profiles.Open(cfg.DatabasePath, cfg.EncryptionSecret, logger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, store.Close()) }()

	sessions, err := stream.NewManager(stream.ManagerConfig{
		BufferSize:    cfg.StreamBufferSize,
		SetupTimeout:  cfg.SetupTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
	}, store, logger, m)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, Version, server.Dependencies{
		Profiles: store,
		Sessions: sessions,
		OneShot: oneshot.New(oneshot.Options{
			DefaultMax: cfg.DefaultMaxMessages,
			MaxLimit:   cfg.MaxMessagesLimit,
		}, logger, m),
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("rabbitscope starting", logging.LogFields{"version": Version, "config": cfg.String()})
	return srv.Run(ctx)
}
