// Package config loads the kernel daemon configuration from a YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all kernel configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Policy      PolicyConfig      `yaml:"policy"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Audit       AuditConfig       `yaml:"audit"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Adapter     AdapterConfig     `yaml:"adapter"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	// RatePerSecond throttles requests per client at the HTTP edge.
	// Zero disables throttling.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// DatabaseConfig configures the optional Postgres audit sink.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the optional shared idempotency cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PolicyConfig configures the policy guard.
type PolicyConfig struct {
	QuietHoursStart   int     `yaml:"quiet_hours_start"`
	QuietHoursEnd     int     `yaml:"quiet_hours_end"`
	DisableQuietHours bool    `yaml:"disable_quiet_hours"`
	DailyActionCap    int     `yaml:"daily_action_cap"`
	RatePerSecond     float64 `yaml:"rate_per_second"`
	Burst             int     `yaml:"burst"`
}

// IdempotencyConfig configures the command result cache.
type IdempotencyConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	// Backend selects where cached results live: "memory" or "redis".
	Backend string `yaml:"backend"`
}

// AuditConfig configures the audit ledger and its durable sink.
type AuditConfig struct {
	// Sink selects the durable backend: "none", "file" or "postgres".
	Sink       string `yaml:"sink"`
	FilePath   string `yaml:"file_path"`
	MaxEntries int    `yaml:"max_entries"`
}

// CatalogConfig points at the contract catalog file.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// AdapterConfig configures the default HTTP execution adapter. An empty
// base URL leaves command execution on the in-process mock adapter.
type AdapterConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// DefaultConfigPath is consulted when KERNEL_CONFIG is unset.
const DefaultConfigPath = "config/kernel.yaml"

// Load reads the config file named by KERNEL_CONFIG, falling back to the
// default path, then to built-in defaults when neither exists.
func Load() (*Config, error) {
	path := os.Getenv("KERNEL_CONFIG")
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the config file at path. A missing file is not an
// error; the defaults apply and env overrides still run.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 15,
			IdleTimeoutSec:  60,
			RatePerSecond:   50,
			RateBurst:       100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Policy: PolicyConfig{
			QuietHoursStart: 22,
			QuietHoursEnd:   7,
			DailyActionCap:  100,
			RatePerSecond:   5,
			Burst:           10,
		},
		Idempotency: IdempotencyConfig{
			TTLSeconds: 60,
			Backend:    "memory",
		},
		Audit: AuditConfig{
			Sink:       "none",
			MaxEntries: 200,
		},
		Catalog: CatalogConfig{
			Path: "config/contracts.yaml",
		},
		Adapter: AdapterConfig{
			TimeoutSec: 30,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KERNEL_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("KERNEL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KERNEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KERNEL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("KERNEL_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
		if cfg.Database.Driver == "" {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("KERNEL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("KERNEL_CATALOG_PATH"); v != "" {
		cfg.Catalog.Path = v
	}
	if v := os.Getenv("KERNEL_ADAPTER_BASE_URL"); v != "" {
		cfg.Adapter.BaseURL = v
	}
	if v := os.Getenv("KERNEL_AUDIT_SINK"); v != "" {
		cfg.Audit.Sink = v
	}
	if v := os.Getenv("KERNEL_AUDIT_FILE"); v != "" {
		cfg.Audit.FilePath = v
	}
	if v := os.Getenv("KERNEL_IDEMPOTENCY_BACKEND"); v != "" {
		cfg.Idempotency.Backend = v
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Idempotency.TTLSeconds <= 0 {
		return fmt.Errorf("idempotency.ttl_seconds must be positive")
	}
	switch c.Idempotency.Backend {
	case "", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("idempotency.backend redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown idempotency backend %q", c.Idempotency.Backend)
	}
	switch c.Audit.Sink {
	case "", "none", "memory":
	case "file":
		if c.Audit.FilePath == "" {
			return fmt.Errorf("audit.sink file requires audit.file_path")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("audit.sink postgres requires database.dsn")
		}
	default:
		return fmt.Errorf("unknown audit sink %q", c.Audit.Sink)
	}
	if c.Policy.QuietHoursStart < 0 || c.Policy.QuietHoursStart > 23 {
		return fmt.Errorf("policy.quiet_hours_start %d out of range", c.Policy.QuietHoursStart)
	}
	if c.Policy.QuietHoursEnd < 0 || c.Policy.QuietHoursEnd > 23 {
		return fmt.Errorf("policy.quiet_hours_end %d out of range", c.Policy.QuietHoursEnd)
	}
	return nil
}
