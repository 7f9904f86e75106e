package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testConfig struct {
	HTTP struct {
		Port string `yaml:"port" env:"TEST_HTTP_PORT"`
	} `yaml:"http"`
	Relay struct {
		RetryDelay  time.Duration `yaml:"retryDelay" env:"TEST_RELAY_RETRY_DELAY"`
		MaxAttempts int           `yaml:"maxAttempts"`
	} `yaml:"relay"`
	Tariff float64 `yaml:"tariff"`
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("http:\n  port: \"9000\"\nrelay:\n  retryDelay: 2s\n  maxAttempts: 3\ntariff: 20\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("TEST_HTTP_PORT", "9100")
	t.Setenv("RELAY_MAXATTEMPTS", "7")

	var cfg testConfig
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.HTTP.Port != "9100" {
		t.Fatalf("expected env override for port, got %q", cfg.HTTP.Port)
	}
	if cfg.Relay.RetryDelay != 2*time.Second {
		t.Fatalf("expected 2s retry delay from yaml, got %s", cfg.Relay.RetryDelay)
	}
	if cfg.Relay.MaxAttempts != 7 {
		t.Fatalf("expected generated env key override, got %d", cfg.Relay.MaxAttempts)
	}
	if cfg.Tariff != 20 {
		t.Fatalf("expected tariff 20, got %v", cfg.Tariff)
	}
}

func TestLoadConfigParsesDurationFromEnv(t *testing.T) {
	t.Setenv("TEST_RELAY_RETRY_DELAY", "750ms")

	var cfg testConfig
	if err := LoadConfigFile("", &cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Relay.RetryDelay != 750*time.Millisecond {
		t.Fatalf("expected 750ms, got %s", cfg.Relay.RetryDelay)
	}
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	if err := LoadConfigFile("", nil); err == nil {
		t.Fatalf("expected error for nil target")
	}
	var notStruct int
	if err := LoadConfigFile("", &notStruct); err == nil {
		t.Fatalf("expected error for non-struct target")
	}

	t.Setenv("TEST_RELAY_RETRY_DELAY", "soon")
	var cfg testConfig
	if err := LoadConfigFile("", &cfg); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
