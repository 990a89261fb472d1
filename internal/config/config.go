package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"github.com/basket/herder/internal/otel"
	"gopkg.in/yaml.v3"
)

// AuthConfig controls inbound API-key authorization on the gateway.
// The check ships disabled; flipping Enabled is a deliberate operator
// decision and requires a key.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// SweepsConfig holds the reconciliation schedules and their policy knobs.
type SweepsConfig struct {
	// RestartCron fires the restart sweep (5-field cron expression).
	RestartCron string `yaml:"restart_cron"`
	// RemovalCron fires the removal sweep.
	RemovalCron string `yaml:"removal_cron"`

	// RestartRemoved restarts agents whose record is already marked removed.
	// True matches the historical behavior; set false to let a pending
	// removal win over a restart.
	RestartRemoved bool `yaml:"restart_removed"`

	// Removal sweep look-back window, in hours before now.
	RemovalWindowMinHours int `yaml:"removal_window_min_hours"`
	RemovalWindowMaxHours int `yaml:"removal_window_max_hours"`

	// FailSafeRemoval treats an on-chain read error as "not finalized",
	// biasing toward removal. A transient RPC outage therefore deactivates
	// agents in the window; that is the intended policy, not an accident.
	FailSafeRemoval bool `yaml:"fail_safe_removal"`
}

// RunnerConfig enables the embedded Docker-backed orchestrator for local use.
type RunnerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddr    string `yaml:"bind_addr"`
	Image       string `yaml:"image"`
	MemoryMB    int64  `yaml:"memory_mb"`
	NetworkMode string `yaml:"network_mode"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// ServiceURL is the orchestration authority base URL ({url}/start).
	ServiceURL string `yaml:"service_url"`
	// EventStream subscribes to {service_url}/events over websocket for task
	// stop notifications, in addition to the webhook endpoint.
	EventStream bool `yaml:"event_stream"`

	// RPCURL is the Ethereum JSON-RPC endpoint for contract finalization reads.
	RPCURL string `yaml:"rpc_url"`

	Auth      AuthConfig   `yaml:"auth"`
	Sweeps    SweepsConfig `yaml:"sweeps"`
	Runner    RunnerConfig `yaml:"runner"`
	Telemetry otel.Config  `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Sweeps: SweepsConfig{
			RestartCron:           "*/30 * * * *",
			RemovalCron:           "0 * * * *",
			RestartRemoved:        true,
			RemovalWindowMinHours: 48,
			RemovalWindowMaxHours: 72,
			FailSafeRemoval:       true,
		},
		Runner: RunnerConfig{
			BindAddr:    "127.0.0.1:18791",
			Image:       "eliza-agent:latest",
			MemoryMB:    512,
			NetworkMode: "bridge",
		},
	}
}

// HomeDir returns the herder data directory (HERDER_HOME or ~/.herder).
func HomeDir() string {
	if override := os.Getenv("HERDER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".herder")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the herder home, applies env overrides, and
// normalizes defaults. A missing config file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create herder home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Sweeps.RestartCron == "" {
		cfg.Sweeps.RestartCron = "*/30 * * * *"
	}
	if cfg.Sweeps.RemovalCron == "" {
		cfg.Sweeps.RemovalCron = "0 * * * *"
	}
	if cfg.Sweeps.RemovalWindowMinHours <= 0 {
		cfg.Sweeps.RemovalWindowMinHours = 48
	}
	if cfg.Sweeps.RemovalWindowMaxHours <= 0 {
		cfg.Sweeps.RemovalWindowMaxHours = 72
	}
	if cfg.Runner.BindAddr == "" {
		cfg.Runner.BindAddr = "127.0.0.1:18791"
	}
	if cfg.Runner.MemoryMB <= 0 {
		cfg.Runner.MemoryMB = 512
	}
	if cfg.Runner.NetworkMode == "" {
		cfg.Runner.NetworkMode = "bridge"
	}
	// The embedded runner stands in for the orchestration service.
	if cfg.Runner.Enabled && cfg.ServiceURL == "" {
		cfg.ServiceURL = "http://" + cfg.Runner.BindAddr
	}
}

func validate(cfg *Config) error {
	if cfg.Sweeps.RemovalWindowMinHours >= cfg.Sweeps.RemovalWindowMaxHours {
		return fmt.Errorf("removal_window_min_hours (%d) must be < removal_window_max_hours (%d)",
			cfg.Sweeps.RemovalWindowMinHours, cfg.Sweeps.RemovalWindowMaxHours)
	}
	if cfg.Auth.Enabled && cfg.Auth.APIKey == "" {
		return fmt.Errorf("auth.enabled requires auth.api_key (or API_KEY env)")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HERDER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("HERDER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	// SERVICE_URL / RPC_URL / API_KEY are accepted without the HERDER_ prefix
	// so existing deployment env files keep working.
	if raw := os.Getenv("SERVICE_URL"); raw != "" {
		cfg.ServiceURL = raw
	}
	if raw := os.Getenv("RPC_URL"); raw != "" {
		cfg.RPCURL = raw
	}
	if raw := os.Getenv("API_KEY"); raw != "" {
		cfg.Auth.APIKey = raw
	}
	if raw := os.Getenv("HERDER_AUTH_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Auth.Enabled = v
		}
	}
	if raw := os.Getenv("HERDER_RESTART_CRON"); raw != "" {
		cfg.Sweeps.RestartCron = raw
	}
	if raw := os.Getenv("HERDER_REMOVAL_CRON"); raw != "" {
		cfg.Sweeps.RemovalCron = raw
	}
}

// Fingerprint returns a stable hash of the active config for /healthz and logs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|svc=%s|rpc=%s|auth=%t|restart=%s|removal=%s|window=%d-%d|failsafe=%t|restart_removed=%t",
		c.BindAddr, c.LogLevel, c.ServiceURL, c.RPCURL, c.Auth.Enabled,
		c.Sweeps.RestartCron, c.Sweeps.RemovalCron,
		c.Sweeps.RemovalWindowMinHours, c.Sweeps.RemovalWindowMaxHours,
		c.Sweeps.FailSafeRemoval, c.Sweeps.RestartRemoved)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Redacted returns a loggable summary of the config with secrets blanked.
func (c Config) Redacted() map[string]string {
	apiKey := ""
	if c.Auth.APIKey != "" {
		apiKey = "[REDACTED]"
	}
	return map[string]string{
		"bind_addr":    c.BindAddr,
		"service_url":  c.ServiceURL,
		"rpc_url":      c.RPCURL,
		"auth_enabled": strconv.FormatBool(c.Auth.Enabled),
		"api_key":      apiKey,
		"restart_cron": c.Sweeps.RestartCron,
		"removal_cron": c.Sweeps.RemovalCron,
	}
}
