package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "perpcycle", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 10, cfg.Database.PoolSize)
	assert.True(t, cfg.NATS.Embedded)
	assert.True(t, cfg.API.Enabled)
	assert.False(t, cfg.Vault.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
app:
  environment: production
  log_level: warn
database:
  host: db.internal
  port: 5433
exchanges:
  binance:
    rate_limit_ms: 1200
    window_cap: 15
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Environment)
	assert.Equal(t, "warn", cfg.App.LogLevel)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, 1200, cfg.Exchanges["binance"].RateLimitMS)
	assert.Equal(t, 15, cfg.Exchanges["binance"].WindowCap)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad database port", func(c *Config) { c.Database.Port = 0 }},
		{"bad pool size", func(c *Config) { c.Database.PoolSize = -1 }},
		{"bad environment", func(c *Config) { c.App.Environment = "prod" }},
		{"negative rate limit", func(c *Config) {
			c.Exchanges = map[string]ExchangeConfig{"binance": {RateLimitMS: -5}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestExchangeMinIntervalClamp(t *testing.T) {
	ex := ExchangeConfig{RateLimitMS: 50}
	assert.Equal(t, 500*time.Millisecond, ex.MinInterval())

	ex.RateLimitMS = 1200
	assert.Equal(t, 1200*time.Millisecond, ex.MinInterval())
}

func TestGetDSN(t *testing.T) {
	db := DatabaseConfig{
		Host: "localhost", Port: 5432, User: "u", Password: "p",
		Database: "perpcycle", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=u password=p dbname=perpcycle sslmode=disable",
		db.GetDSN())
}
