package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yml")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}

	// Test that values from file are loaded
	if cfg.Server.DNSPort != 5353 {
		t.Errorf("Expected dns port 5353, got %d", cfg.Server.DNSPort)
	}
	if cfg.Upstream.Address != "1.1.1.1" {
		t.Errorf("Expected upstream 1.1.1.1, got %s", cfg.Upstream.Address)
	}
	if cfg.Upstream.Timeout != 3*time.Second {
		t.Errorf("Expected upstream timeout 3s, got %s", cfg.Upstream.Timeout)
	}
	if !cfg.Audit.Enabled {
		t.Error("Expected audit to be enabled")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Logging.Level)
	}

	// Test that defaults are applied
	if cfg.Audit.Backend != "csv" {
		t.Errorf("Expected default audit backend csv, got %s", cfg.Audit.Backend)
	}
	if cfg.Lists.CustomFile != "custom.txt" {
		t.Errorf("Expected default custom file custom.txt, got %s", cfg.Lists.CustomFile)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()
	if cfg == nil {
		t.Fatal("LoadWithDefaults() returned nil")
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected default host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Server.DNSPort != 53 {
		t.Errorf("Expected default port 53, got %d", cfg.Server.DNSPort)
	}
	if cfg.Upstream.Address != "8.8.8.8" {
		t.Errorf("Expected default upstream 8.8.8.8, got %s", cfg.Upstream.Address)
	}
	if cfg.Upstream.Timeout != 2*time.Second {
		t.Errorf("Expected default timeout 2s, got %s", cfg.Upstream.Timeout)
	}
	if cfg.ListenAddress() != "127.0.0.1:53" {
		t.Errorf("Expected listen address 127.0.0.1:53, got %s", cfg.ListenAddress())
	}
}

func validConfig() *Config {
	cfg := LoadWithDefaults()
	cfg.Lists.BlockDir = "/tmp/block_lists"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		mutate  func(*Config)
		name    string
		wantErr bool
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing block directory",
			mutate:  func(c *Config) { c.Lists.BlockDir = "" },
			wantErr: true,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.DNSPort = 70000 },
			wantErr: true,
		},
		{
			name:    "empty upstream",
			mutate:  func(c *Config) { c.Upstream.Address = "" },
			wantErr: true,
		},
		{
			name:    "audit enabled without path",
			mutate:  func(c *Config) { c.Audit.Enabled = true },
			wantErr: true,
		},
		{
			name: "audit enabled with path",
			mutate: func(c *Config) {
				c.Audit.Enabled = true
				c.Audit.Path = "audit.csv"
			},
		},
		{
			name:    "unknown audit backend",
			mutate:  func(c *Config) { c.Audit.Backend = "kafka" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "file output without path",
			mutate:  func(c *Config) { c.Logging.Output = "file" },
			wantErr: true,
		},
		{
			name:    "negative concurrency bound",
			mutate:  func(c *Config) { c.Server.MaxConcurrentQueries = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadMissingRequiredSetting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  dns_port: 5300\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "BlockDir")
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yml")
	if err == nil {
		t.Error("Expected error when loading non-existent file")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestListenAddressIPv6(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Host = "::1"
	cfg.Server.DNSPort = 5353
	assert.Equal(t, "[::1]:5353", cfg.ListenAddress())
}
