package cache

import "time"

const (
	DefaultPrefix = "app_cache_"

	minCleanupInterval = time.Second
)

// MemoryConfig configures the memory tier.
type MemoryConfig struct {
	MaxSize         int           `json:"max_size" yaml:"max_size"`
	DefaultTTL      time.Duration `json:"default_ttl" yaml:"default_ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// StorageConfig configures the persistent tier.
type StorageConfig struct {
	Prefix          string        `json:"prefix" yaml:"prefix"`
	MaxSize         int           `json:"max_size" yaml:"max_size"`
	DefaultTTL      time.Duration `json:"default_ttl" yaml:"default_ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// Config is the live configuration of a Manager.
type Config struct {
	Memory  MemoryConfig  `json:"memory" yaml:"memory"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// DefaultConfig returns the stock limits: 100 entries / 5m / 1m
// sweep in memory, 50 entries / 30m / 5m sweep on disk.
func DefaultConfig() Config {
	return Config{
		Memory: MemoryConfig{
			MaxSize:         100,
			DefaultTTL:      5 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Storage: StorageConfig{
			Prefix:          DefaultPrefix,
			MaxSize:         50,
			DefaultTTL:      30 * time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// MemoryUpdate holds optional overrides for MemoryConfig.
type MemoryUpdate struct {
	MaxSize         *int           `json:"max_size,omitempty" yaml:"max_size,omitempty"`
	DefaultTTL      *time.Duration `json:"default_ttl,omitempty" yaml:"default_ttl,omitempty"`
	CleanupInterval *time.Duration `json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty"`
}

// StorageUpdate holds optional overrides for StorageConfig.
type StorageUpdate struct {
	Prefix          *string        `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	MaxSize         *int           `json:"max_size,omitempty" yaml:"max_size,omitempty"`
	DefaultTTL      *time.Duration `json:"default_ttl,omitempty" yaml:"default_ttl,omitempty"`
	CleanupInterval *time.Duration `json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty"`
}

// ConfigUpdate is a partial configuration; nil fields are left unchanged.
type ConfigUpdate struct {
	Memory  MemoryUpdate  `json:"memory" yaml:"memory"`
	Storage StorageUpdate `json:"storage" yaml:"storage"`
}

// Merge applies u on top of c and returns the clamped result.
func (c Config) Merge(u ConfigUpdate) Config {
	if u.Memory.MaxSize != nil {
		c.Memory.MaxSize = *u.Memory.MaxSize
	}
	if u.Memory.DefaultTTL != nil {
		c.Memory.DefaultTTL = *u.Memory.DefaultTTL
	}
	if u.Memory.CleanupInterval != nil {
		c.Memory.CleanupInterval = *u.Memory.CleanupInterval
	}
	if u.Storage.Prefix != nil {
		c.Storage.Prefix = *u.Storage.Prefix
	}
	if u.Storage.MaxSize != nil {
		c.Storage.MaxSize = *u.Storage.MaxSize
	}
	if u.Storage.DefaultTTL != nil {
		c.Storage.DefaultTTL = *u.Storage.DefaultTTL
	}
	if u.Storage.CleanupInterval != nil {
		c.Storage.CleanupInterval = *u.Storage.CleanupInterval
	}
	return c.Normalize()
}

// Normalize clamps misconfigured values to sane minimums instead of failing.
func (c Config) Normalize() Config {
	c.Memory = c.Memory.normalize()
	c.Storage = c.Storage.normalize()
	return c
}

func (m MemoryConfig) normalize() MemoryConfig {
	if m.MaxSize < 1 {
		m.MaxSize = 1
	}
	if m.DefaultTTL < 0 {
		m.DefaultTTL = 0
	}
	if m.CleanupInterval < minCleanupInterval {
		m.CleanupInterval = minCleanupInterval
	}
	return m
}

func (s StorageConfig) normalize() StorageConfig {
	if s.Prefix == "" {
		s.Prefix = DefaultPrefix
	}
	if s.MaxSize < 1 {
		s.MaxSize = 1
	}
	if s.DefaultTTL < 0 {
		s.DefaultTTL = 0
	}
	if s.CleanupInterval < minCleanupInterval {
		s.CleanupInterval = minCleanupInterval
	}
	return s
}
