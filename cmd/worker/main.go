// Command worker runs the boardqueue worker daemon described in
// SPEC_FULL §4.8: it registers with the server, heartbeats, polls for
// claimable tasks, and executes them via the agent CLI, an optional
// Docker sandbox, or the Jira/GitLab integration clients.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/coretask/boardqueue/internal/config"
	"github.com/coretask/boardqueue/internal/integrations"
	"github.com/coretask/boardqueue/internal/telemetry"
	"github.com/coretask/boardqueue/internal/workerrun"
	"github.com/coretask/boardqueue/internal/workerrun/statusui"
)

var Version = "v1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := config.HomeDir()

	cfg, err := config.LoadWorkerConfig(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.ServerURL == "" {
		fatalStartup(nil, "E_CONFIG_MISSING", fmt.Errorf("worker.yaml: server_url is required"))
	}

	// worker.yaml's tui:true always wins; otherwise default to the
	// dashboard whenever stdout is an interactive terminal, same as the
	// teacher's isatty-gated interactive-mode default.
	if !cfg.TUI && isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("BOARDQUEUE_NO_TUI") == "" {
		cfg.TUI = true
	}

	logger, logCloser, err := telemetry.NewLogger(homeDir, "info", cfg.TUI)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()

	logger.Info("boardqueue worker starting", "version", Version, "server_url", cfg.ServerURL)

	rt := workerrun.NewRuntime(cfg, logger)

	integrationRunner, err := integrations.New(cfg)
	if err != nil {
		logger.Warn("jira/gitlab integrations unavailable", "error", err)
	} else {
		rt.SetIntegrationRunner(integrationRunner)
	}

	if cfg.TUI {
		updates := make(chan workerrun.Snapshot, 1)
		rt.OnStatusChange(func(snap workerrun.Snapshot) {
			select {
			case updates <- snap:
			default:
				// Drop the stale snapshot; the dashboard only ever renders
				// the most recent one.
				select {
				case <-updates:
				default:
				}
				updates <- snap
			}
		})
		go func() {
			if err := statusui.Run(updates); err != nil {
				logger.Error("status dashboard exited with error", "error", err)
			}
			stop()
		}()
	}

	if err := rt.Run(ctx); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker shutdown complete")
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
