// Package config loads the broker-auth YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Quota     QuotaConfig     `yaml:"quota"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Cache     CacheConfig     `yaml:"cache"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Credentials are the broker-issued device and capability credentials
	// accepted alongside token-bearing websocket clients.
	Credentials []Credential `yaml:"credentials"`
}

// ListenConfig configures the broker listeners.
type ListenConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	WSPort int    `yaml:"wsPort"` // 0 disables the websocket listener
}

// MongoConfig locates the account store.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// QuotaConfig bounds monthly metered reads for non-paying accounts.
type QuotaConfig struct {
	MaxBytes            int64    `yaml:"maxBytes"`
	MeteredCapabilities []string `yaml:"meteredCapabilities"`
}

// RateLimitConfig tunes the write rate limiter.
type RateLimitConfig struct {
	Threshold      int `yaml:"threshold"`      // writes/second sustained
	BurstThreshold int `yaml:"burstThreshold"` // 0 means 2x threshold
}

// CacheConfig tunes the permission cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// FirewallConfig controls the ipset side effect.
type FirewallConfig struct {
	Enabled bool   `yaml:"enabled"`
	Set     string `yaml:"set"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig exposes Prometheus metrics over HTTP when enabled.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Credential is one static username/password pair.
type Credential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Host: "0.0.0.0", Port: 1883, WSPort: 9001},
		Mongo: MongoConfig{
			URI:        "mongodb://mongodb:27017",
			Database:   "transitive",
			Collection: "accounts",
		},
		Quota: QuotaConfig{
			MaxBytes:            100 * 1024 * 1024,
			MeteredCapabilities: []string{"ros-tool"},
		},
		RateLimit: RateLimitConfig{Threshold: 200},
		Cache:     CacheConfig{TTL: 300 * time.Second},
		Firewall:  FirewallConfig{Enabled: true, Set: "limit"},
		Log:       LogConfig{Level: "info", Format: "text"},
		Metrics:   MetricsConfig{Enabled: false, Listen: ":9100"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("invalid listen port %d", c.Listen.Port)
	}
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	if c.RateLimit.Threshold < 0 {
		return fmt.Errorf("rateLimit.threshold must not be negative")
	}
	if c.Quota.MaxBytes < 0 {
		return fmt.Errorf("quota.maxBytes must not be negative")
	}
	return nil
}
