package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"agent-console/internal/config"
	"agent-console/internal/logging"
	"agent-console/internal/monitoring"
	"agent-console/internal/realtime"
	"agent-console/internal/session"
	"agent-console/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := serveCmd()
	rootCmd.AddCommand(providersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		port      string
		staticDir string
		logLevel  string
		shell     string
	)

	cmd := &cobra.Command{
		Use:          "agent-console",
		Short:        "Supervise coding-agent CLI sessions in pseudo-terminals",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("static-dir") {
				cfg.Server.StaticDir = staticDir
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("shell") {
				cfg.Session.Shell = shell
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "port to listen on (overrides PORT)")
	cmd.Flags().StringVar(&staticDir, "static-dir", "", "directory of the web UI (overrides STATIC_DIR)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	cmd.Flags().StringVar(&shell, "shell", "", "shell hosting agent sessions (overrides SESSION_SHELL)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// The gauge only reads the registry at scrape time, after it is set.
	var registry *session.Registry
	metrics := monitoring.NewMetrics(promReg, func() int { return registry.ActiveCount() })

	hub := realtime.NewHub(log, metrics)
	files := watcher.New(log, configDirs(), hub.FilesUpdated)

	registry = session.NewRegistry(session.Options{
		Notifier:        session.Notifiers(hub, metrics, files),
		Logger:          log,
		Shell:           cfg.Session.Shell,
		MaxSessions:     cfg.Session.MaxSessions,
		MaxBufferSize:   cfg.Session.MaxBufferBytes,
		IdleTimeout:     cfg.Session.IdleTimeout,
		CleanupInterval: cfg.Session.CleanupInterval,
		GracePeriod:     cfg.Session.GracePeriod,
		StartupDelay:    cfg.Session.StartupDelay,
		Cols:            cfg.Session.Cols,
		Rows:            cfg.Session.Rows,
	})
	registry.StartMonitor()

	server := realtime.New(registry, hub, files, realtime.Options{
		StaticDir: cfg.Server.StaticDir,
		Logger:    log,
		Metrics:   metrics,
		Gatherer:  promReg,
		RateLimit: rate.Limit(cfg.RateLimit.RequestsPerSecond),
		Burst:     cfg.RateLimit.Burst,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", httpServer.Addr),
			zap.String("static_dir", cfg.Server.StaticDir),
			zap.Int("max_sessions", cfg.Session.MaxSessions))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			registry.Shutdown()
			files.Shutdown()
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	server.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	registry.Shutdown()
	files.Shutdown()
	return nil
}

// configDirs lists the agent config directories the watcher should show.
func configDirs() []string {
	var dirs []string
	for _, name := range session.Providers() {
		if p, err := session.LookupProvider(name); err == nil && p.ConfigDir != "" {
			dirs = append(dirs, p.ConfigDir)
		}
	}
	return dirs
}
