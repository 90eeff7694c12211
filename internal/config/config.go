package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all process-level configuration. Per-bot settings (risk
// limits, quant weights, workflow, LLM bindings) live in the database and
// are loaded through internal/db; this struct covers everything a single
// process needs before it can reach the database.
type Config struct {
	App        AppConfig                 `mapstructure:"app"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Redis      RedisConfig               `mapstructure:"redis"`
	NATS       NATSConfig                `mapstructure:"nats"`
	Vault      VaultConfig               `mapstructure:"vault"`
	Exchanges  map[string]ExchangeConfig `mapstructure:"exchanges"`
	API        APIConfig                 `mapstructure:"api"`
	Alerts     AlertsConfig              `mapstructure:"alerts"`
	Monitoring MonitoringConfig          `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains settings for the optional shared cache tier.
// An empty host disables the tier; the in-process cache still works.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains event bus settings. Embedded=true runs an in-process
// nats-server so a single binary works without external infrastructure.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Embedded bool   `mapstructure:"embedded"`
}

// VaultConfig contains settings for the optional Vault secrets overlay
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	AuthMethod string `mapstructure:"auth_method"` // "token", "kubernetes", "approle"
	Token      string `mapstructure:"token"`
	MountPath  string `mapstructure:"mount_path"`
	SecretPath string `mapstructure:"secret_path"`
}

// ExchangeConfig contains exchange credentials and pacing overrides.
// Credentials here are fallbacks; the per-bot exchange row in the database
// wins when present.
type ExchangeConfig struct {
	APIKey      string `mapstructure:"api_key"`
	SecretKey   string `mapstructure:"secret_key"`
	Testnet     bool   `mapstructure:"testnet"`
	RateLimitMS int    `mapstructure:"rate_limit_ms"`
	WindowCap   int    `mapstructure:"window_cap"` // max REST approvals per 60s
}

// APIConfig contains ops/stats API settings
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// AlertsConfig contains operator notification settings
type AlertsConfig struct {
	TelegramToken   string   `mapstructure:"telegram_token"`
	TelegramChatID  int64    `mapstructure:"telegram_chat_id"`
	FCMCredentials  string   `mapstructure:"fcm_credentials"` // path to service account JSON
	FCMDeviceTokens []string `mapstructure:"fcm_device_tokens"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("PERPCYCLE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "perpcycle")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "perpcycle")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults (disabled unless a host is configured)
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.embedded", true)

	// Vault defaults
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "http://localhost:8200")
	v.SetDefault("vault.auth_method", "token")
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "perpcycle")

	// Exchange pacing defaults
	v.SetDefault("exchanges.binance.rate_limit_ms", 500)
	v.SetDefault("exchanges.binance.window_cap", 20)
	v.SetDefault("exchanges.binance.testnet", false)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("invalid database pool size: %d", c.Database.PoolSize)
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}
	for name, ex := range c.Exchanges {
		if ex.RateLimitMS < 0 {
			return fmt.Errorf("exchange %s: negative rate_limit_ms", name)
		}
		if ex.WindowCap < 0 {
			return fmt.Errorf("exchange %s: negative window_cap", name)
		}
	}
	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("invalid environment: %s", c.App.Environment)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address, empty when the tier is disabled
func (c *RedisConfig) GetRedisAddr() string {
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the ops API listen address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MinInterval returns the minimum REST request interval for the exchange,
// clamped to at least 500ms.
func (c *ExchangeConfig) MinInterval() time.Duration {
	iv := time.Duration(c.RateLimitMS) * time.Millisecond
	if iv < 500*time.Millisecond {
		iv = 500 * time.Millisecond
	}
	return iv
}
