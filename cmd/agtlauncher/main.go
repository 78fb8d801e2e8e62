package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/g960059/agtbroker/internal/config"
	"github.com/g960059/agtbroker/internal/launcherd"
	"github.com/g960059/agtbroker/internal/logging"
	"github.com/g960059/agtbroker/internal/metrics"
	"github.com/g960059/agtbroker/internal/mux"
	"github.com/g960059/agtbroker/internal/security"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		brokerURL string
		token     string
		id        string
		name      string
		capacity  int
		logLevel  string
		dev       bool
	)
	cmd := &cobra.Command{
		Use:          "agtlauncher",
		Short:        "Run sessions on this machine for a remote broker",
		Long:         "agtlauncher keeps an outbound connection to a broker, launches the sessions the broker routes here and reports their output back. Settings come from AGTLAUNCHER_* environment variables; session settings from AGTBROKER_*.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadLauncher()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("broker-url") {
				cfg.BrokerURL = brokerURL
			}
			if f.Changed("token") {
				cfg.Token = token
			}
			if f.Changed("id") {
				cfg.ID = id
			}
			if f.Changed("name") {
				cfg.Name = name
			}
			if f.Changed("capacity") {
				cfg.Capacity = capacity
			}
			if f.Changed("log-level") {
				cfg.Session.LogLevel = logLevel
			}
			if f.Changed("dev") {
				cfg.Session.LogDev = dev
			}
			if cfg.BrokerURL == "" {
				return fmt.Errorf("broker url is required")
			}

			log, err := logging.New(logging.Config{Level: cfg.Session.LogLevel, Development: cfg.Session.LogDev})
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer log.Sync() //nolint:errcheck

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, log)
		},
	}
	defaults := config.DefaultLauncherConfig()
	cmd.Flags().StringVar(&brokerURL, "broker-url", defaults.BrokerURL, "broker launcher endpoint (ws:// or wss://)")
	cmd.Flags().StringVar(&token, "token", "", "shared launcher token")
	cmd.Flags().StringVar(&id, "id", "", "stable launcher id (random when empty)")
	cmd.Flags().StringVar(&name, "name", defaults.Name, "display name")
	cmd.Flags().IntVar(&capacity, "capacity", defaults.Capacity, "max concurrent sessions")
	cmd.Flags().StringVar(&logLevel, "log-level", defaults.Session.LogLevel, "debug|info|warn|error")
	cmd.Flags().BoolVar(&dev, "dev", false, "human-readable console logs")
	return cmd
}

func run(ctx context.Context, cfg config.LauncherConfig, log *zap.Logger) error {
	bridge := buildBridge(ctx, cfg.Session, log)
	d := launcherd.New(launcherd.Options{
		Config:  cfg,
		Bridge:  bridge,
		Starter: mux.PTYStarter{},
		Metrics: metrics.New(),
		Log:     log.Named("launcherd"),
	})
	log.Info("launcher starting",
		zap.String("launcher_id", d.LauncherID()),
		zap.String("broker_url", security.RedactURL(cfg.BrokerURL)),
		zap.Int("capacity", cfg.Capacity),
	)
	err := d.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := d.Shutdown(shutdownCtx); serr != nil {
		log.Warn("launcher shutdown", zap.Error(serr))
	}
	log.Info("launcher stopped")
	return err
}

func buildBridge(ctx context.Context, cfg config.Config, log *zap.Logger) mux.Bridge {
	if cfg.DisableMultiplexer {
		return mux.NoopBridge{}
	}
	b := mux.NewTmuxBridge(mux.TmuxOptions{
		Binary:       cfg.TmuxBinary,
		Socket:       cfg.TmuxSocket,
		Timeout:      cfg.CommandTimeout,
		Backoff:      cfg.RetryBackoff,
		CaptureLines: cfg.CaptureLines,
	}, mux.OSRunner{}, mux.PTYStarter{}, log.Named("tmux"))
	if !b.Available() {
		log.Warn("multiplexer unavailable; launched sessions run directly under a PTY", zap.String("binary", cfg.TmuxBinary))
		return b
	}
	if err := b.Probe(ctx); err != nil {
		log.Warn("multiplexer probe failed", zap.Error(err))
	}
	return b
}
