package config

import (
	"os"
	"path/filepath"
	"testing"
)

func loadWithHome(t *testing.T, home string) (Config, error) {
	t.Helper()
	t.Setenv("HERDER_HOME", home)
	return Load()
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadWithHome(t, t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.Sweeps.RestartCron != "*/30 * * * *" {
		t.Fatalf("restart_cron = %q", cfg.Sweeps.RestartCron)
	}
	if cfg.Sweeps.RemovalCron != "0 * * * *" {
		t.Fatalf("removal_cron = %q", cfg.Sweeps.RemovalCron)
	}
	if cfg.Sweeps.RemovalWindowMinHours != 48 || cfg.Sweeps.RemovalWindowMaxHours != 72 {
		t.Fatalf("removal window = %d-%d", cfg.Sweeps.RemovalWindowMinHours, cfg.Sweeps.RemovalWindowMaxHours)
	}
	if !cfg.Sweeps.FailSafeRemoval {
		t.Fatal("fail_safe_removal should default true")
	}
	if !cfg.Sweeps.RestartRemoved {
		t.Fatal("restart_removed should default true (historical behavior)")
	}
	if cfg.Auth.Enabled {
		t.Fatal("auth should default disabled")
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	home := t.TempDir()
	yaml := `
bind_addr: "0.0.0.0:9000"
service_url: "http://orchestrator:8080"
sweeps:
  restart_cron: "*/5 * * * *"
  restart_removed: false
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RPC_URL", "https://rpc.example.com")
	t.Setenv("SERVICE_URL", "http://override:8080")

	cfg, err := loadWithHome(t, home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.ServiceURL != "http://override:8080" {
		t.Fatalf("env SERVICE_URL should win, got %q", cfg.ServiceURL)
	}
	if cfg.RPCURL != "https://rpc.example.com" {
		t.Fatalf("rpc_url = %q", cfg.RPCURL)
	}
	if cfg.Sweeps.RestartCron != "*/5 * * * *" {
		t.Fatalf("restart_cron = %q", cfg.Sweeps.RestartCron)
	}
	if cfg.Sweeps.RestartRemoved {
		t.Fatal("restart_removed should be false from yaml")
	}
}

func TestLoad_InvalidWindowRejected(t *testing.T) {
	home := t.TempDir()
	yaml := `
sweeps:
  removal_window_min_hours: 72
  removal_window_max_hours: 48
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadWithHome(t, home); err == nil {
		t.Fatal("expected error for inverted removal window")
	}
}

func TestLoad_AuthEnabledRequiresKey(t *testing.T) {
	home := t.TempDir()
	yaml := "auth:\n  enabled: true\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadWithHome(t, home); err == nil {
		t.Fatal("expected error: auth enabled without key")
	}
	t.Setenv("API_KEY", "sk-test-key-0123456789")
	if _, err := loadWithHome(t, home); err != nil {
		t.Fatalf("API_KEY env should satisfy auth: %v", err)
	}
}

func TestRunnerEnabled_SetsServiceURL(t *testing.T) {
	home := t.TempDir()
	yaml := "runner:\n  enabled: true\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadWithHome(t, home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceURL != "http://127.0.0.1:18791" {
		t.Fatalf("service_url = %q, want embedded runner address", cfg.ServiceURL)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a, err := loadWithHome(t, t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() == "" {
		t.Fatal("empty fingerprint")
	}
	b := a
	b.BindAddr = "0.0.0.0:1"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with config")
	}
}

func TestRedacted_HidesAPIKey(t *testing.T) {
	cfg := defaultConfig()
	cfg.Auth.APIKey = "sk-super-secret"
	red := cfg.Redacted()
	if red["api_key"] != "[REDACTED]" {
		t.Fatalf("api_key = %q", red["api_key"])
	}
}
