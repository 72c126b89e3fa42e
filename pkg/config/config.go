package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/afterdarksys/appcached/pkg/audit"
	"github.com/afterdarksys/appcached/pkg/cache"
	"github.com/afterdarksys/appcached/pkg/logging"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	RateLimit    float64       `yaml:"rate_limit" json:"rate_limit"` // requests per second per client, 0 disables
	RateBurst    int           `yaml:"rate_burst" json:"rate_burst"`
	Compression  bool          `yaml:"compression" json:"compression"`
}

// StorageConfig adds the store backend to the persistent tier settings.
type StorageConfig struct {
	Backend string `yaml:"backend" json:"backend"` // sqlite, postgres, redis, memory
	DSN     string `yaml:"dsn" json:"dsn"`         // file path, connection string or address

	cache.StorageConfig `yaml:",inline" json:",inline"`
}

type CacheConfig struct {
	Memory  cache.MemoryConfig  `yaml:"memory" json:"memory"`
	Storage StorageConfig       `yaml:"storage" json:"storage"`
	Warming cache.WarmingConfig `yaml:"warming" json:"warming"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type Config struct {
	Server  ServerConfig   `yaml:"server" json:"server"`
	Cache   CacheConfig    `yaml:"cache" json:"cache"`
	Log     logging.Config `yaml:"log" json:"log"`
	Metrics MetricsConfig  `yaml:"metrics" json:"metrics"`
	Audit   audit.Config   `yaml:"audit" json:"audit"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	defaults := cache.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         9012,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			RateBurst:    50,
			Compression:  true,
		},
		Cache: CacheConfig{
			Memory: defaults.Memory,
			Storage: StorageConfig{
				Backend:       "sqlite",
				DSN:           filepath.Join(home, ".appcache", "cache.db"),
				StorageConfig: defaults.Storage,
			},
			Warming: cache.WarmingConfig{Enabled: true},
		},
		Log:     logging.Default(),
		Metrics: MetricsConfig{Enabled: true},
		Audit:   audit.Default(),
	}
}

// Normalize fills zero values with defaults
func (c *Config) Normalize() {
	d := Default()
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = d.Server.RateBurst
	}
	if c.Cache.Storage.Backend == "" {
		c.Cache.Storage.Backend = d.Cache.Storage.Backend
	}
	if c.Cache.Storage.Backend == "sqlite" && c.Cache.Storage.DSN == "" {
		c.Cache.Storage.DSN = d.Cache.Storage.DSN
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// CacheConfig returns the tier settings for cache.NewManager.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Memory:  c.Cache.Memory,
		Storage: c.Cache.Storage.StorageConfig,
	}.Normalize()
}

// Load reads the configuration file at path, or the default location when
// path is empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unset sections keep their defaults.
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Normalize()
	return cfg, nil
}

// Save writes configuration to path, or the default location when path is
// empty.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = ConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the path to the YAML config file
func ConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".appcache", "config.yml")
}

// Set updates a configuration value
func (c *Config) Set(key, value string) error {
	switch key {
	case "server.host":
		c.Server.Host = value
	case "server.port":
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port value: %s", value)
		}
		c.Server.Port = port
	case "server.read_timeout":
		return setDuration(&c.Server.ReadTimeout, value)
	case "server.write_timeout":
		return setDuration(&c.Server.WriteTimeout, value)
	case "server.rate_limit":
		r, err := strconv.ParseFloat(value, 64)
		if err != nil || r < 0 {
			return fmt.Errorf("invalid rate limit: %s", value)
		}
		c.Server.RateLimit = r
	case "server.rate_burst":
		return setSize(&c.Server.RateBurst, value)
	case "server.compression":
		return setBool(&c.Server.Compression, value)
	case "cache.memory.max_size":
		return setSize(&c.Cache.Memory.MaxSize, value)
	case "cache.memory.default_ttl":
		return setDuration(&c.Cache.Memory.DefaultTTL, value)
	case "cache.memory.cleanup_interval":
		return setDuration(&c.Cache.Memory.CleanupInterval, value)
	case "cache.storage.backend":
		switch value {
		case "sqlite", "postgres", "redis", "memory":
		default:
			return fmt.Errorf("invalid storage backend: %s (must be sqlite, postgres, redis or memory)", value)
		}
		c.Cache.Storage.Backend = value
	case "cache.storage.dsn":
		c.Cache.Storage.DSN = value
	case "cache.storage.prefix":
		if value == "" {
			return fmt.Errorf("storage prefix must not be empty")
		}
		c.Cache.Storage.Prefix = value
	case "cache.storage.max_size":
		return setSize(&c.Cache.Storage.MaxSize, value)
	case "cache.storage.default_ttl":
		return setDuration(&c.Cache.Storage.DefaultTTL, value)
	case "cache.storage.cleanup_interval":
		return setDuration(&c.Cache.Storage.CleanupInterval, value)
	case "cache.warming.enabled":
		return setBool(&c.Cache.Warming.Enabled, value)
	case "cache.warming.limit":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid warming limit: %s", value)
		}
		c.Cache.Warming.Limit = n
	case "log.level":
		c.Log.Level = value
	case "log.format":
		if value != "json" && value != "console" {
			return fmt.Errorf("invalid log format: %s (must be json or console)", value)
		}
		c.Log.Format = value
	case "log.path":
		c.Log.Path = value
	case "metrics.enabled":
		return setBool(&c.Metrics.Enabled, value)
	case "audit.enabled":
		return setBool(&c.Audit.Enabled, value)
	case "audit.path":
		c.Audit.Path = value
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

// ToJSON converts config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

func setDuration(dst *time.Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fmt.Errorf("invalid duration value: %s", value)
	}
	*dst = d
	return nil
}

func setSize(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return fmt.Errorf("invalid size value: %s (must be at least 1)", value)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean value: %s", value)
	}
	*dst = b
	return nil
}
