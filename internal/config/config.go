// Package config loads host configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s", which yaml.v3 does not do for time.Duration itself.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // function traffic
	OpsAddr    string `yaml:"ops_addr"`    // /metrics and /healthz
	BaseDomain string `yaml:"base_domain"` // functions served as <name>.<base_domain>

	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the module store backend.
type StoreConfig struct {
	Backend  string   `yaml:"backend"` // "postgres" or "memory"
	DSN      string   `yaml:"dsn"`
	CacheTTL Duration `yaml:"cache_ttl"` // record cache TTL (0 = default)
}

// RedisConfig holds the optional Redis connection used for cross-node
// cache invalidation. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PoolConfig bounds the instance cache.
type PoolConfig struct {
	IdleTTL         Duration `yaml:"idle_ttl"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	MaxContexts     int      `yaml:"max_contexts"`  // global context count bound
	MaxMemoryMB     int      `yaml:"max_memory_mb"` // aggregate memory bound
}

// DeployConfig configures the deployment API surface.
type DeployConfig struct {
	MaxModuleBytes       int64             `yaml:"max_module_bytes"`
	MaxFunctionsPerOwner int               `yaml:"max_functions_per_owner"`
	Tokens               map[string]string `yaml:"tokens"` // bearer token -> owner
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// LogConfig configures both log streams.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // "text" or "json"
	RequestPath string `yaml:"request_path"`
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Pool      PoolConfig      `yaml:"pool"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        ":8080",
			OpsAddr:           ":9090",
			BaseDomain:        "localhost",
			ReadHeaderTimeout: Duration(10 * time.Second),
			ShutdownTimeout:   Duration(15 * time.Second),
		},
		Store: StoreConfig{
			Backend:  "memory",
			CacheTTL: Duration(5 * time.Second),
		},
		Pool: PoolConfig{
			IdleTTL:         Duration(60 * time.Second),
			CleanupInterval: Duration(10 * time.Second),
			MaxContexts:     256,
			MaxMemoryMB:     4096,
		},
		Deploy: DeployConfig{
			MaxModuleBytes:       30 << 20,
			MaxFunctionsPerOwner: 10,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "faasta",
			SampleRate:  1.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies FAASTA_* environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FAASTA_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("FAASTA_OPS_ADDR"); v != "" {
		cfg.Server.OpsAddr = v
	}
	if v := os.Getenv("FAASTA_BASE_DOMAIN"); v != "" {
		cfg.Server.BaseDomain = v
	}
	if v := os.Getenv("FAASTA_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("FAASTA_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("FAASTA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FAASTA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FAASTA_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("FAASTA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FAASTA_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("FAASTA_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
}
