package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bissquit/sms-relay/internal/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: memory
provider:
  base_url: https://gateway.example.com
  from: "+15550000000"
retry:
  backoff: ["0s", "1m", "10m"]
queue:
  max_retries: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, "https://gateway.example.com", cfg.Provider.BaseURL)
	assert.Equal(t, "+15550000000", cfg.Provider.From)
	assert.Equal(t, []time.Duration{0, time.Minute, 10 * time.Minute}, cfg.Retry.Backoff)
	assert.Equal(t, delivery.EnqueueOptions{MaxRetries: 5, TimeoutMinutes: 10}, cfg.EnqueueDefaults())

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, 5*time.Second, cfg.Retry.PollInterval, "overriding the schedule keeps the poll interval")
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: memory
provider:
  base_url: https://gateway.example.com
`)
	t.Setenv("SMSRELAY_PROVIDER__BASE_URL", "https://other.example.com")
	t.Setenv("SMSRELAY_BREAKER__RESET_TIMEOUT", "90s")
	t.Setenv("SMSRELAY_REDIS__ADDR", "localhost:6379")
	t.Setenv("SMSRELAY_RETRY__BACKOFF", "0s,30s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://other.example.com", cfg.Provider.BaseURL)
	assert.Equal(t, 90*time.Second, cfg.Breaker.ResetTimeout)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, []time.Duration{0, 30 * time.Second}, cfg.Retry.Backoff)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Provider.BaseURL = "https://gateway.example.com"
		cfg.Database.URL = "postgres://localhost/sms"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing provider url", func(c *Config) { c.Provider.BaseURL = "" }, "BaseURL"},
		{"decreasing backoff", func(c *Config) {
			c.Retry.Backoff = []time.Duration{time.Minute, time.Second}
		}, "retry.backoff"},
		{"empty backoff", func(c *Config) { c.Retry.Backoff = nil }, "retry.backoff"},
		{"zero retry poll interval", func(c *Config) { c.Retry.PollInterval = 0 }, "PollInterval"},
		{"postgres without url", func(c *Config) { c.Database.URL = "" }, "database.url"},
		{"memory without url", func(c *Config) {
			c.Storage.Driver = StorageMemory
			c.Database.URL = ""
		}, ""},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, "Driver"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "Level"},
		{"zero timeout", func(c *Config) { c.Queue.TimeoutMinutes = 0 }, "TimeoutMinutes"},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }, "MaxRetries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "provider.base_url", envKey("SMSRELAY_PROVIDER__BASE_URL"))
	assert.Equal(t, "webhook.secret", envKey("SMSRELAY_WEBHOOK__SECRET"))
}
