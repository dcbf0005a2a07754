// Command server runs the boardqueue HTTP edge: the worker protocol, the
// task/card query surface, and the browser event stream, plus the
// background liveness sweeper and lease reaper described in SPEC_FULL §4.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coretask/boardqueue/internal/automation"
	"github.com/coretask/boardqueue/internal/bus"
	"github.com/coretask/boardqueue/internal/config"
	"github.com/coretask/boardqueue/internal/gateway"
	"github.com/coretask/boardqueue/internal/notify"
	"github.com/coretask/boardqueue/internal/registry"
	"github.com/coretask/boardqueue/internal/store"
	"github.com/coretask/boardqueue/internal/tasksvc"
	"github.com/coretask/boardqueue/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := config.HomeDir()

	cfg, err := config.LoadServerConfig(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logCloser, err := telemetry.NewLogger(homeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()

	logger.Info("boardqueue server starting", "version", Version, "config", cfg.Fingerprint())

	otelProvider, err := telemetry.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()

	eventBus := bus.New()

	automationEngine := automation.New(st, eventBus, logger)
	taskService := tasksvc.New(st, eventBus, automationEngine, logger)
	workerRegistry := registry.New(st, eventBus, taskService, logger)

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfigReload(ctx, homeDir, logger, watcher)

	sweeper := registry.NewSweeper(workerRegistry, logger)
	if err := sweeper.Start(ctx); err != nil {
		fatalStartup(logger, "E_LIVENESS_SWEEPER_START", err)
	}
	defer sweeper.Stop()

	go runLeaseReaper(ctx, st, logger, cfg.ReaperInterval())

	var notifier *notify.Notifier
	if cfg.Telegram.Enabled {
		notifier, err = notify.New(cfg.Telegram, eventBus, logger)
		if err != nil {
			logger.Warn("telegram notifier disabled", "error", err)
		} else if notifier != nil {
			go notifier.Run(ctx)
		}
	}

	gw := gateway.NewServer(gateway.Config{
		Store:           st,
		Bus:             eventBus,
		Registry:        workerRegistry,
		Tasks:           taskService,
		Automation:      automationEngine,
		Logger:          logger,
		AuthTokens:      cfg.AuthTokens,
		CORS:            cfg.CORS,
		RateLimit:       cfg.RateLimit,
		StreamHeartbeat: cfg.StreamHeartbeat(),
		AllowOrigins:    cfg.CORS.AllowedOrigins,
	})
	gw.StartBackgroundEviction(ctx)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// watchConfigReload re-reads server.yaml whenever the watcher reports a
// change, logging the new fingerprint so operators can confirm what took
// effect. Only the tunables config.LoadServerConfig already treats as
// live-safe (liveness thresholds, rate limits) are meant to change this
// way; BindAddr/DBPath edits require a restart to take effect.
func watchConfigReload(ctx context.Context, homeDir string, logger *slog.Logger, watcher *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			cfg, err := config.LoadServerConfig(homeDir)
			if err != nil {
				logger.Error("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", ev.Path, "config", cfg.Fingerprint())
		}
	}
}

// runLeaseReaper periodically sweeps expired task claims back to pending,
// supplementing the worker-offline sweep for the case where a worker is
// still heartbeating but a single task's lease has lapsed (SPEC_FULL §4.1).
func runLeaseReaper(ctx context.Context, st *store.Store, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.ReaperSweepExpiredLeases(ctx)
			if err != nil {
				logger.Error("lease reaper failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("lease reaper reclaimed expired leases", "count", n)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
