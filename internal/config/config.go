// Package config loads the YAML configuration for the server and worker
// binaries, with environment variable overrides and fsnotify-driven hot
// reload of the tunables that are safe to change live (§4.3, §5 liveness
// thresholds; rate limits).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthToken maps a bearer token to the user it authenticates, standing in
// for the external identity provider the spec treats as an opaque
// collaborator (§1 Out of scope; SPEC_FULL Open Question #3).
type AuthToken struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
}

// CORSConfig controls which Origin headers the gateway accepts for the
// browser event stream.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig bounds the worker poll endpoint (§4.6: "poll at most 1/s
// per worker").
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// LivenessConfig carries the worker staleness/offline thresholds and the
// sweeper's tick interval. Defaults match the design-level constants in
// spec.md §4.3/§5; operators may tune them live via config reload.
type LivenessConfig struct {
	StaleAfterSeconds    int `yaml:"stale_after_seconds"`
	OfflineAfterSeconds  int `yaml:"offline_after_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

func (l LivenessConfig) staleAfter() time.Duration {
	return time.Duration(l.StaleAfterSeconds) * time.Second
}

func (l LivenessConfig) offlineAfter() time.Duration {
	return time.Duration(l.OfflineAfterSeconds) * time.Second
}

// StaleAfter returns the configured stale threshold, falling back to the
// spec default of 90s.
func (l LivenessConfig) StaleAfter() time.Duration {
	if l.StaleAfterSeconds <= 0 {
		return 90 * time.Second
	}
	return l.staleAfter()
}

// OfflineAfter returns the configured offline threshold, falling back to
// the spec default of 300s.
func (l LivenessConfig) OfflineAfter() time.Duration {
	if l.OfflineAfterSeconds <= 0 {
		return 300 * time.Second
	}
	return l.offlineAfter()
}

// SweepInterval returns the configured sweeper tick, falling back to 5s
// (small relative to the 90s/300s boundaries so they are observed
// promptly, per spec.md §4.3).
func (l LivenessConfig) SweepInterval() time.Duration {
	if l.SweepIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(l.SweepIntervalSeconds) * time.Second
}

// TelegramConfig configures the optional out-of-band notifier
// (SPEC_FULL §4.8) that posts diagnostic-grade lifecycle events to a chat.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// OTelConfig controls the tracing/metrics exporters.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ServerConfig is the top-level configuration for cmd/server.
type ServerConfig struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	AuthTokens []AuthToken     `yaml:"auth_tokens"`
	CORS       CORSConfig      `yaml:"cors"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Liveness   LivenessConfig  `yaml:"liveness"`
	Telegram   TelegramConfig  `yaml:"telegram"`
	OTel       OTelConfig      `yaml:"otel"`

	// StreamHeartbeatSeconds is the keep-alive interval for
	// /events/stream connections (§4.7: default 15s).
	StreamHeartbeatSeconds int `yaml:"stream_heartbeat_seconds"`

	// ReaperIntervalSeconds drives the expired-lease sweep that
	// supplements the worker-offline sweep (SPEC_FULL §4.1).
	ReaperIntervalSeconds int `yaml:"reaper_interval_seconds"`
}

// StreamHeartbeat returns the configured stream heartbeat, falling back
// to the spec default of 15s.
func (c ServerConfig) StreamHeartbeat() time.Duration {
	if c.StreamHeartbeatSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.StreamHeartbeatSeconds) * time.Second
}

// ReaperInterval returns the configured lease-reaper tick.
func (c ServerConfig) ReaperInterval() time.Duration {
	if c.ReaperIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddr: "127.0.0.1:8080",
		DBPath:   "boardqueue.db",
		LogLevel: "info",
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60, // 1/s per worker, per §4.6
			BurstSize:         2,
		},
		Liveness: LivenessConfig{
			StaleAfterSeconds:    90,
			OfflineAfterSeconds:  300,
			SweepIntervalSeconds: 5,
		},
		StreamHeartbeatSeconds: 15,
		ReaperIntervalSeconds:  30,
	}
}

// HomeDir resolves the server's state directory, honoring
// BOARDQUEUE_HOME.
func HomeDir() string {
	if override := os.Getenv("BOARDQUEUE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".boardqueue")
}

// ServerConfigPath returns the path to the server's config.yaml within
// homeDir.
func ServerConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "server.yaml")
}

// LoadServerConfig reads homeDir/server.yaml (if present), applies
// environment overrides, and normalizes defaults.
func LoadServerConfig(homeDir string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create boardqueue home: %w", err)
	}

	path := ServerConfigPath(homeDir)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read server config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse server config: %w", err)
		}
	}

	applyServerEnvOverrides(&cfg)
	normalizeServerConfig(&cfg)
	return cfg, nil
}

func normalizeServerConfig(cfg *ServerConfig) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "boardqueue.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func applyServerEnvOverrides(cfg *ServerConfig) {
	if v := os.Getenv("BOARDQUEUE_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("BOARDQUEUE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BOARDQUEUE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BOARDQUEUE_STALE_AFTER_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Liveness.StaleAfterSeconds = n
		}
	}
	if v := os.Getenv("BOARDQUEUE_OFFLINE_AFTER_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Liveness.OfflineAfterSeconds = n
		}
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
		cfg.Telegram.Enabled = true
	}
	if v := os.Getenv("BOARDQUEUE_OTEL_ENDPOINT"); v != "" {
		cfg.OTel.Endpoint = v
		cfg.OTel.Enabled = true
	}
}

// SandboxConfig configures the optional containerized agent_run executor
// (SPEC_FULL §4.8, `--sandbox=docker`).
type SandboxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"` // "" disables networking inside the container
}

// WorkerConfig is the top-level configuration for cmd/worker.
type WorkerConfig struct {
	ServerURL string `yaml:"server_url"`
	Username  string `yaml:"username"`
	AuthToken string `yaml:"auth_token"`

	PollIntervalSeconds      int `yaml:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	MaxConcurrentTasks       int `yaml:"max_concurrent_tasks"`

	AgentCLIPath string `yaml:"agent_cli_path"`

	Sandbox SandboxConfig `yaml:"sandbox"`
	TUI     bool          `yaml:"tui"`

	JiraBaseURL    string `yaml:"jira_base_url"`
	JiraToken      string `yaml:"jira_token"`
	GitLabBaseURL  string `yaml:"gitlab_base_url"`
	GitLabToken    string `yaml:"gitlab_token"`
}

func (w WorkerConfig) PollInterval() time.Duration {
	if w.PollIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

func (w WorkerConfig) HeartbeatInterval() time.Duration {
	if w.HeartbeatIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
}

func defaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollIntervalSeconds:      5,
		HeartbeatIntervalSeconds: 30,
		MaxConcurrentTasks:       2,
		AgentCLIPath:             "agent-cli",
	}
}

// WorkerConfigPath returns the path to the worker's config.yaml within
// homeDir.
func WorkerConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "worker.yaml")
}

// LoadWorkerConfig reads homeDir/worker.yaml (if present) and applies
// environment overrides.
func LoadWorkerConfig(homeDir string) (WorkerConfig, error) {
	cfg := defaultWorkerConfig()

	path := WorkerConfigPath(homeDir)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read worker config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse worker config: %w", err)
		}
	}

	applyWorkerEnvOverrides(&cfg)
	return cfg, nil
}

func applyWorkerEnvOverrides(cfg *WorkerConfig) {
	if v := os.Getenv("BOARDQUEUE_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("BOARDQUEUE_USER"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("BOARDQUEUE_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("BOARDQUEUE_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("JIRA_TOKEN"); v != "" {
		cfg.JiraToken = v
	}
	if v := os.Getenv("GITLAB_TOKEN"); v != "" {
		cfg.GitLabToken = v
	}
}

// Fingerprint returns a stable, human-readable summary of the effective
// tunables, logged at startup so operators can confirm what took effect
// after a hot reload.
func (c ServerConfig) Fingerprint() string {
	var origins string
	if len(c.AuthTokens) > 0 {
		origins = strconv.Itoa(len(c.AuthTokens)) + " tokens"
	} else {
		origins = "no tokens"
	}
	return strings.Join([]string{
		"bind=" + c.BindAddr,
		"stale=" + c.Liveness.StaleAfter().String(),
		"offline=" + c.Liveness.OfflineAfter().String(),
		"rate_limit_rpm=" + strconv.Itoa(c.RateLimit.RequestsPerMinute),
		origins,
	}, "|")
}
