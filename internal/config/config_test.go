package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coretask/boardqueue/internal/config"
)

func TestLoadServerConfig_DefaultsApplied(t *testing.T) {
	home := t.TempDir()

	cfg, err := config.LoadServerConfig(home)
	if err != nil {
		t.Fatalf("load server config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8080" {
		t.Fatalf("expected default bind_addr, got %q", cfg.BindAddr)
	}
	if cfg.Liveness.StaleAfter().Seconds() != 90 {
		t.Fatalf("expected default stale_after=90s, got %v", cfg.Liveness.StaleAfter())
	}
	if cfg.Liveness.OfflineAfter().Seconds() != 300 {
		t.Fatalf("expected default offline_after=300s, got %v", cfg.Liveness.OfflineAfter())
	}
}

func TestLoadServerConfig_FromYAML(t *testing.T) {
	home := t.TempDir()
	yamlContent := "bind_addr: 0.0.0.0:9000\nliveness:\n  stale_after_seconds: 60\n  offline_after_seconds: 180\n"
	if err := os.WriteFile(config.ServerConfigPath(home), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadServerConfig(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("expected bind_addr override, got %q", cfg.BindAddr)
	}
	if cfg.Liveness.StaleAfterSeconds != 60 {
		t.Fatalf("expected stale_after_seconds=60, got %d", cfg.Liveness.StaleAfterSeconds)
	}
}

func TestLoadServerConfig_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("BOARDQUEUE_BIND_ADDR", "127.0.0.1:7000")
	t.Setenv("BOARDQUEUE_STALE_AFTER_SECONDS", "45")

	cfg, err := config.LoadServerConfig(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7000" {
		t.Fatalf("expected env override bind_addr, got %q", cfg.BindAddr)
	}
	if cfg.Liveness.StaleAfterSeconds != 45 {
		t.Fatalf("expected env override stale_after_seconds=45, got %d", cfg.Liveness.StaleAfterSeconds)
	}
}

func TestLoadServerConfig_TelegramEnvEnablesNotifier(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TELEGRAM_TOKEN", "tg-token-123")

	cfg, err := config.LoadServerConfig(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.Token != "tg-token-123" {
		t.Fatalf("expected telegram enabled with token from env, got %+v", cfg.Telegram)
	}
}

func TestLoadWorkerConfig_DefaultsApplied(t *testing.T) {
	home := t.TempDir()

	cfg, err := config.LoadWorkerConfig(home)
	if err != nil {
		t.Fatalf("load worker config: %v", err)
	}
	if cfg.MaxConcurrentTasks != 2 {
		t.Fatalf("expected default max_concurrent_tasks=2, got %d", cfg.MaxConcurrentTasks)
	}
	if cfg.PollInterval().Seconds() != 5 {
		t.Fatalf("expected default poll interval=5s, got %v", cfg.PollInterval())
	}
}

func TestLoadWorkerConfig_FromYAMLAndEnv(t *testing.T) {
	home := t.TempDir()
	yamlContent := "server_url: http://localhost:8080\nusername: alice\n"
	if err := os.WriteFile(config.WorkerConfigPath(home), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BOARDQUEUE_AUTH_TOKEN", "secret-token")

	cfg, err := config.LoadWorkerConfig(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "http://localhost:8080" || cfg.Username != "alice" {
		t.Fatalf("unexpected worker config: %+v", cfg)
	}
	if cfg.AuthToken != "secret-token" {
		t.Fatalf("expected env override auth token, got %q", cfg.AuthToken)
	}
}

func TestHomeDir_RespectsOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "custom-home")
	t.Setenv("BOARDQUEUE_HOME", dir)
	if got := config.HomeDir(); got != dir {
		t.Fatalf("expected HomeDir override %q, got %q", dir, got)
	}
}

func TestServerConfig_Fingerprint_IncludesThresholds(t *testing.T) {
	cfg, err := config.LoadServerConfig(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fp := cfg.Fingerprint()
	if fp == "" {
		t.Fatal("expected a non-empty fingerprint")
	}
}
