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
	"go.uber.org/zap"

	"github.com/g960059/agtbroker/internal/config"
	"github.com/g960059/agtbroker/internal/daemon"
	"github.com/g960059/agtbroker/internal/db"
	"github.com/g960059/agtbroker/internal/gateway"
	"github.com/g960059/agtbroker/internal/launcher"
	"github.com/g960059/agtbroker/internal/logging"
	"github.com/g960059/agtbroker/internal/metrics"
	"github.com/g960059/agtbroker/internal/mux"
	"github.com/g960059/agtbroker/internal/reconcile"
	"github.com/g960059/agtbroker/internal/security"
	"github.com/g960059/agtbroker/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listen   string
		dbPath   string
		logLevel string
		dev      bool
		noMux    bool
	)
	cmd := &cobra.Command{
		Use:          "agtbrokerd",
		Short:        "Run the agent session broker",
		Long:         "agtbrokerd supervises agent terminal sessions, streams their output to viewers and routes sessions to remote launchers. Settings come from AGTBROKER_* environment variables; flags override them.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("listen") {
				cfg.ListenAddr = listen
			}
			if f.Changed("db") {
				cfg.DBPath = dbPath
			}
			if f.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if f.Changed("dev") {
				cfg.LogDev = dev
			}
			if f.Changed("no-multiplexer") {
				cfg.DisableMultiplexer = noMux
			}

			log, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDev})
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer log.Sync() //nolint:errcheck

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, log, nil)
		},
	}
	defaults := config.DefaultConfig()
	cmd.Flags().StringVar(&listen, "listen", defaults.ListenAddr, "control API listen address")
	cmd.Flags().StringVar(&dbPath, "db", defaults.DBPath, "SQLite path")
	cmd.Flags().StringVar(&logLevel, "log-level", defaults.LogLevel, "debug|info|warn|error")
	cmd.Flags().BoolVar(&dev, "dev", false, "human-readable console logs")
	cmd.Flags().BoolVar(&noMux, "no-multiplexer", false, "run sessions directly under a PTY")
	return cmd
}

// run serves until ctx is done. ready, when set, receives the bound
// address once startup recovery has finished.
func run(ctx context.Context, cfg config.Config, log *zap.Logger, ready chan<- string) error {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	m := metrics.New()
	bridge := buildBridge(ctx, cfg, log)
	var notifier supervisor.OutcomeNotifier
	if cfg.DispatchSyncURL != "" {
		notifier = supervisor.NewHTTPNotifier(cfg.DispatchSyncURL)
		log.Info("dispatch status sync enabled", zap.String("url", security.RedactURL(cfg.DispatchSyncURL)))
	}

	sup := supervisor.New(supervisor.Options{
		Config:   cfg,
		Store:    store,
		Bridge:   bridge,
		Starter:  mux.PTYStarter{},
		Notifier: notifier,
		Metrics:  m,
		Log:      log.Named("supervisor"),
	})
	registry := launcher.NewRegistry(cfg.LauncherHeartbeatTimeout, m)
	router := launcher.NewRouter(registry, sup, cfg.LauncherPreferences, m, log.Named("launcher"))
	hub := launcher.NewHub(launcher.HubOptions{
		Registry:         registry,
		Sessions:         sup,
		Store:            store,
		Token:            cfg.LauncherToken,
		HeartbeatTimeout: cfg.LauncherHeartbeatTimeout,
		Metrics:          m,
		Log:              log.Named("launcher"),
	})
	reconciler := reconcile.NewReconciler(store, sup, bridge, m, log.Named("recovery"))
	gw := gateway.New(gateway.Options{
		Sessions:  sup,
		Recoverer: reconciler,
		SendQueue: cfg.ViewerSendQueue,
		Metrics:   m,
		Log:       log.Named("gateway"),
	})
	srv := daemon.NewServer(daemon.Options{
		Config:     cfg,
		Supervisor: sup,
		Router:     router,
		Registry:   registry,
		Hub:        hub,
		Gateway:    gw,
		Metrics:    m,
		Log:        log.Named("daemon"),
	})
	if cfg.LauncherToken == "" {
		log.Warn("launcher token not set; any launcher that can reach the listen address may register")
	}

	// the instance lock is taken before recovery touches any record
	if err := srv.Listen(); err != nil {
		return err
	}

	sum, err := reconciler.Tick(ctx, time.Now().UTC())
	if err != nil {
		log.Warn("startup recovery failed", zap.Error(err))
	} else {
		log.Info("startup recovery finished",
			zap.Int("recovered", sum.Recovered),
			zap.Int("failed", sum.Failed),
			zap.Int("repaired", sum.Repaired),
		)
	}

	go reconciler.Run(ctx, cfg.RecoveryInterval)
	go hub.RunSweep(ctx, cfg.LauncherSweepInterval)
	if ready != nil {
		ready <- srv.Addr()
	}

	serveErr := srv.Start(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn("supervisor shutdown", zap.Error(err))
	}
	log.Info("broker stopped")
	return serveErr
}

func buildBridge(ctx context.Context, cfg config.Config, log *zap.Logger) mux.Bridge {
	if cfg.DisableMultiplexer {
		log.Info("multiplexer disabled; sessions will not survive a broker restart")
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
		log.Warn("multiplexer unavailable; sessions will not survive a broker restart", zap.String("binary", cfg.TmuxBinary))
		return b
	}
	if err := b.Probe(ctx); err != nil {
		log.Warn("multiplexer probe failed", zap.Error(err))
	}
	return b
}
